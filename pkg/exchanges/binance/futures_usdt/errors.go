package futures_usdt

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"copytrade-core/pkg/exchanges/common"
)

// codeNoChange is returned when the requested position mode is already set.
const codeNoChange = -4059

var kindByCode = map[int]common.ErrorKind{
	-1002: common.KindPermissionDenied,
	-2014: common.KindPermissionDenied,
	-2015: common.KindPermissionDenied,
	-2018: common.KindMarginInsufficient,
	-2019: common.KindMarginInsufficient,
	-4164: common.KindBelowMinNotional,
	-1111: common.KindPrecision,
	-4003: common.KindInvalidQuantity,
	-4005: common.KindInvalidQuantity,
	-1022: common.KindSignatureInvalid,
	-2011: common.KindOrderNotFound,
	-2013: common.KindOrderNotFound,
	-1003: common.KindRateLimited,
}

// parseAPIError converts a non-2xx response into a *common.Error.
func parseAPIError(status int, body []byte) *common.Error {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	e := &common.Error{Kind: common.KindUnknown, Code: payload.Code, Message: msg, HTTPStatus: status}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		e.Kind = common.KindRateLimited
	case payload.Code == -1013:
		// Generic filter failure; the message names the filter.
		if strings.Contains(strings.ToUpper(msg), "NOTIONAL") {
			e.Kind = common.KindBelowMinNotional
		} else {
			e.Kind = common.KindInvalidQuantity
		}
	default:
		if k, ok := kindByCode[payload.Code]; ok {
			e.Kind = k
		}
	}
	return e
}

func isCode(err error, code int) bool {
	var e *common.Error
	return errors.As(err, &e) && e.Code == code
}
