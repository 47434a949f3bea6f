package gateway

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"copytrade-core/pkg/exchanges/common"
)

// DryRunOrderPrefix marks order ids produced by a DryRunClient.
const DryRunOrderPrefix = "DRY-"

// DryRunClient passes reads to the exchange and simulates every write.
type DryRunClient struct {
	common.Client
	log       *zap.Logger
	simulated atomic.Int64
}

// NewDryRunClient wraps a live client.
func NewDryRunClient(live common.Client, log *zap.Logger) *DryRunClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &DryRunClient{Client: live, log: log.Named("dry_run")}
}

// Simulated returns how many writes were intercepted.
func (d *DryRunClient) Simulated() int64 {
	return d.simulated.Load()
}

func (d *DryRunClient) fill(op, symbol string, side common.Side, qty float64) common.PlaceResult {
	d.simulated.Add(1)
	id := DryRunOrderPrefix + uuid.NewString()
	d.log.Info("🧪 DRY-RUN order",
		zap.String("op", op),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.String("order_id", id))
	return common.PlaceResult{OrderID: id, Status: common.StatusNew}
}

func (d *DryRunClient) PlaceMarket(ctx context.Context, symbol string, side common.Side, qty float64) (common.PlaceResult, error) {
	return d.fill("market", symbol, side, qty), nil
}

func (d *DryRunClient) PlaceLimit(ctx context.Context, symbol string, side common.Side, qty, price float64) (common.PlaceResult, error) {
	return d.fill("limit", symbol, side, qty), nil
}

func (d *DryRunClient) PlaceStopMarket(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64) (common.PlaceResult, error) {
	return d.fill("stop_market", symbol, side, qty), nil
}

func (d *DryRunClient) PlaceTakeProfitMarket(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64) (common.PlaceResult, error) {
	return d.fill("take_profit_market", symbol, side, qty), nil
}

func (d *DryRunClient) ClosePosition(ctx context.Context, symbol string, side common.PositionSide, qty float64) (common.PlaceResult, error) {
	return d.fill("close", symbol, side.ClosingSide(), qty), nil
}

func (d *DryRunClient) PlaceReduceOnly(ctx context.Context, symbol string, side common.PositionSide, typ common.OrderType, qty, price float64) (common.PlaceResult, error) {
	return d.fill("reduce_"+strings.ToLower(string(typ)), symbol, side.ClosingSide(), qty), nil
}

func (d *DryRunClient) TrackSymbols(symbols ...string) {
	if t, ok := d.Client.(common.SymbolTracker); ok {
		t.TrackSymbols(symbols...)
	}
}

func (d *DryRunClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	d.simulated.Add(1)
	d.log.Info("🧪 DRY-RUN cancel", zap.String("symbol", symbol), zap.String("order_id", orderID))
	return nil
}

func (d *DryRunClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (d *DryRunClient) SetPositionMode(ctx context.Context, dual bool) error {
	return nil
}
