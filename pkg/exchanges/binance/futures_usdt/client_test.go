package futures_usdt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/pkg/exchanges/common"
)

type recorded struct {
	method string
	path   string
	form   url.Values
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		seen = append(seen, recorded{method: r.Method, path: r.URL.Path, form: r.Form})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL, Symbols: []string{"btcusdt"}})
	return c, &seen
}

func TestSignedRequestCarriesSignature(t *testing.T) {
	c, seen := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		_, _ = w.Write([]byte(`[{"asset":"BNB","availableBalance":"1"},{"asset":"USDT","availableBalance":"55.5"}]`))
	})

	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 55.5, bal)

	require.Len(t, *seen, 1)
	form := (*seen)[0].form
	assert.NotEmpty(t, form.Get("signature"))
	assert.NotEmpty(t, form.Get("timestamp"))
	assert.Equal(t, "5000", form.Get("recvWindow"))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   common.ErrorKind
	}{
		{400, `{"code":-2019,"msg":"Margin is insufficient."}`, common.KindMarginInsufficient},
		{401, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, common.KindPermissionDenied},
		{400, `{"code":-4164,"msg":"Order's notional must be no smaller than 5"}`, common.KindBelowMinNotional},
		{400, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`, common.KindInvalidQuantity},
		{400, `{"code":-1013,"msg":"Filter failure: MIN_NOTIONAL"}`, common.KindBelowMinNotional},
		{400, `{"code":-1111,"msg":"Precision is over the maximum defined for this asset."}`, common.KindPrecision},
		{400, `{"code":-1022,"msg":"Signature for this request is not valid."}`, common.KindSignatureInvalid},
		{400, `{"code":-2011,"msg":"Unknown order sent."}`, common.KindOrderNotFound},
		{429, `{"code":-1003,"msg":"Too many requests"}`, common.KindRateLimited},
		{418, `banned`, common.KindRateLimited},
		{500, `oops`, common.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.body, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.PlaceMarket(context.Background(), "BTCUSDT", common.SideBuy, 0.01)
			require.Error(t, err)
			assert.Equal(t, tc.want, common.KindOf(err))
		})
	}
}

func TestPlaceOrdersSendExpectedParams(t *testing.T) {
	c, seen := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orderId":77,"clientOrderId":"c","status":"NEW","executedQty":"0","avgPrice":"0"}`))
	})
	ctx := context.Background()

	res, err := c.PlaceLimit(ctx, "xrpusdt", common.SideSell, 1.9, 2.8)
	require.NoError(t, err)
	assert.Equal(t, "77", res.OrderID)
	assert.Equal(t, common.StatusNew, res.Status)

	_, err = c.PlaceStopMarket(ctx, "XRPUSDT", common.SideSell, 1.9, 2.5)
	require.NoError(t, err)
	_, err = c.ClosePosition(ctx, "XRPUSDT", common.PositionLong, 1.9)
	require.NoError(t, err)

	require.Len(t, *seen, 3)
	limit := (*seen)[0].form
	assert.Equal(t, "XRPUSDT", limit.Get("symbol"))
	assert.Equal(t, "LIMIT", limit.Get("type"))
	assert.Equal(t, "2.8", limit.Get("price"))
	assert.Equal(t, "GTC", limit.Get("timeInForce"))

	stop := (*seen)[1].form
	assert.Equal(t, "STOP_MARKET", stop.Get("type"))
	assert.Equal(t, "2.5", stop.Get("stopPrice"))

	closeForm := (*seen)[2].form
	assert.Equal(t, "SELL", closeForm.Get("side"))
	assert.Equal(t, "MARKET", closeForm.Get("type"))
	assert.Equal(t, "true", closeForm.Get("reduceOnly"))
}

func TestGetOrdersSinceCoversSymbols(t *testing.T) {
	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c, seen := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/openOrders":
			_, _ = w.Write([]byte(`[{"symbol":"ETHUSDT","orderId":1,"side":"BUY","type":"LIMIT","status":"NEW","origQty":"1","executedQty":"0","price":"3000","time":1740787200000,"updateTime":1740787200000}]`))
		case "/fapi/v2/positionRisk":
			_, _ = w.Write([]byte(`[{"symbol":"XRPUSDT","positionSide":"BOTH","positionAmt":"-20","entryPrice":"2.8","markPrice":"2.7"},{"symbol":"SOLUSDT","positionAmt":"0"}]`))
		case "/fapi/v1/allOrders":
			sym := r.Form.Get("symbol")
			_, _ = w.Write([]byte(`[{"symbol":"` + sym + `","orderId":9,"side":"SELL","type":"MARKET","status":"FILLED","origQty":"2","executedQty":"2","avgPrice":"10","reduceOnly":true,"time":1740787200000,"updateTime":1740787201000}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	orders, err := c.GetOrdersSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, orders, 3)

	var symbols []string
	for _, r := range *seen {
		if r.path == "/fapi/v1/allOrders" {
			symbols = append(symbols, r.form.Get("symbol"))
			assert.Equal(t, "1740787200000", r.form.Get("startTime"))
		}
	}
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"}, symbols)

	o := orders[0]
	assert.Equal(t, common.StatusFilled, o.Status)
	assert.True(t, o.ReduceOnly)
	assert.Equal(t, 10.0, o.ReferencePrice())
	assert.Equal(t, time.UnixMilli(1740787200000).UTC(), o.Time)
}

func TestGetOrdersSinceKeepsSymbolsClosedFlat(t *testing.T) {
	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	var (
		mu   sync.Mutex
		flat bool
	)
	c, seen := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/openOrders":
			_, _ = w.Write([]byte(`[]`))
		case "/fapi/v2/positionRisk":
			mu.Lock()
			amt := "20"
			if flat {
				amt = "0"
			}
			mu.Unlock()
			_, _ = w.Write([]byte(`[{"symbol":"XRPUSDT","positionSide":"BOTH","positionAmt":"` + amt + `","entryPrice":"2.8","markPrice":"2.7"}]`))
		case "/fapi/v1/allOrders":
			if r.Form.Get("symbol") != "XRPUSDT" {
				_, _ = w.Write([]byte(`[]`))
				return
			}
			_, _ = w.Write([]byte(`[{"symbol":"XRPUSDT","orderId":12,"side":"SELL","type":"MARKET","status":"FILLED","origQty":"20","executedQty":"20","avgPrice":"2.9","reduceOnly":true,"time":1740787200000,"updateTime":1740787201000}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	_, err := c.GetOrdersSince(ctx, since)
	require.NoError(t, err)

	// the master closed the position between polls
	mu.Lock()
	flat = true
	mu.Unlock()
	*seen = nil

	orders, err := c.GetOrdersSince(ctx, since)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "12", orders[0].OrderID)
	assert.True(t, orders[0].ReduceOnly)
	assert.Equal(t, common.StatusFilled, orders[0].Status)

	var symbols []string
	for _, r := range *seen {
		if r.path == "/fapi/v1/allOrders" {
			symbols = append(symbols, r.form.Get("symbol"))
		}
	}
	assert.Equal(t, []string{"BTCUSDT", "XRPUSDT"}, symbols)
}

func TestTrackedSymbolsAreRead(t *testing.T) {
	c, seen := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	c.TrackSymbols(" dogeusdt ", "")

	_, err := c.GetOrdersSince(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)

	var symbols []string
	for _, r := range *seen {
		if r.path == "/fapi/v1/allOrders" {
			symbols = append(symbols, r.form.Get("symbol"))
		}
	}
	assert.Equal(t, []string{"BTCUSDT", "DOGEUSDT"}, symbols)
}

func TestPositionsAndFilters(t *testing.T) {
	c, seen := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/positionRisk":
			_, _ = w.Write([]byte(`[{"symbol":"XRPUSDT","positionSide":"BOTH","positionAmt":"-20","entryPrice":"2.8","markPrice":"2.7"},{"symbol":"BTCUSDT","positionSide":"LONG","positionAmt":"0.5","entryPrice":"60000","markPrice":"61000"}]`))
		case "/fapi/v1/exchangeInfo":
			_, _ = w.Write([]byte(`{"symbols":[{"symbol":"XRPUSDT","filters":[{"filterType":"PRICE_FILTER","tickSize":"0.0001"},{"filterType":"LOT_SIZE","stepSize":"0.1","minQty":"0.1"},{"filterType":"MIN_NOTIONAL","notional":"5"}]}]}`))
		case "/fapi/v1/premiumIndex":
			_, _ = w.Write([]byte(`{"symbol":"XRPUSDT","markPrice":"2.80000000"}`))
		}
	})
	ctx := context.Background()

	pos, err := c.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 2)
	assert.Equal(t, common.PositionShort, pos[0].Side)
	assert.Equal(t, 20.0, pos[0].Size)
	assert.Equal(t, common.PositionLong, pos[1].Side)

	f, err := c.GetSymbolFilters(ctx, "xrpusdt")
	require.NoError(t, err)
	assert.Equal(t, "0.1", f.StepSize.String())
	assert.Equal(t, "5", f.MinNotional.String())

	_, err = c.GetSymbolFilters(ctx, "DOGEUSDT")
	assert.Error(t, err)

	mark, err := c.GetMarkPrice(ctx, "XRPUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2.8, mark)

	infoCalls := 0
	for _, r := range *seen {
		if r.path == "/fapi/v1/exchangeInfo" {
			infoCalls++
		}
	}
	assert.Equal(t, 1, infoCalls, "exchange info is cached")
}

func TestPositionModeNoChangeIsSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4059,"msg":"No need to change position side."}`))
	})
	require.NoError(t, c.SetPositionMode(context.Background(), false))
}

func TestMissingCredentials(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:0"})
	_, err := c.GetBalance(context.Background())
	assert.ErrorIs(t, err, errNoCredentials)
}
