package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies exchange business-rule rejections.
type ErrorKind string

const (
	KindPermissionDenied   ErrorKind = "PERMISSION_DENIED"
	KindMarginInsufficient ErrorKind = "MARGIN_INSUFFICIENT"
	KindBelowMinNotional   ErrorKind = "BELOW_MIN_NOTIONAL"
	KindPrecision          ErrorKind = "PRECISION_ERROR"
	KindInvalidQuantity    ErrorKind = "INVALID_QUANTITY"
	KindSignatureInvalid   ErrorKind = "SIGNATURE_INVALID"
	KindOrderNotFound      ErrorKind = "ORDER_NOT_FOUND"
	KindRateLimited        ErrorKind = "RATE_LIMITED"
	KindUnknown            ErrorKind = "UNKNOWN"
)

// Error is a structured exchange failure.
type Error struct {
	Kind       ErrorKind
	Code       int
	Message    string
	HTTPStatus int
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the kind from err. Errors that are not *Error report
// KindUnknown; nil reports "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Remediation is the operator hint logged alongside a classified rejection.
func Remediation(kind ErrorKind) string {
	switch kind {
	case KindPermissionDenied:
		return "enable futures trading on the API key and check its IP whitelist"
	case KindMarginInsufficient:
		return "top up the futures wallet or lower risk_percentage/copy_percentage"
	case KindBelowMinNotional:
		return "order value is under the exchange minimum; raise balance or risk settings"
	case KindPrecision:
		return "quantity or price has too many decimals for the symbol"
	case KindInvalidQuantity:
		return "quantity violates the symbol LOT_SIZE filter"
	case KindSignatureInvalid:
		return "API secret is wrong or the request was tampered with; re-enter the credential"
	case KindOrderNotFound:
		return "order is already gone on the exchange"
	case KindRateLimited:
		return "request weight exhausted; lower EXCHANGE_RPS or polling frequency"
	}
	return "inspect the exchange response"
}
