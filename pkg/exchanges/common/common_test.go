package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := &Error{Kind: KindMarginInsufficient, Code: -2019, Message: "Margin is insufficient."}
	wrapped := fmt.Errorf("place order: %w", base)

	assert.Equal(t, KindMarginInsufficient, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindMarginInsufficient))
	assert.Equal(t, KindUnknown, KindOf(errors.New("dial tcp: timeout")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Contains(t, base.Error(), "-2019")
	assert.NotEmpty(t, Remediation(KindPermissionDenied))
	assert.NotEqual(t, Remediation(KindPermissionDenied), Remediation(KindUnknown))
}

func TestSnap(t *testing.T) {
	step := decimal.RequireFromString("0.1")
	qty := decimal.RequireFromString("1.98")

	assert.Equal(t, "1.9", SnapDown(qty, step).String())
	assert.Equal(t, "2", SnapUp(qty, step).String())
	assert.Equal(t, "1.98", SnapDown(qty, decimal.Zero).String())

	assert.True(t, SymbolFilters{}.Step().Equal(DefaultStepSize))
}

func TestStatusAndSides(t *testing.T) {
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusPartiallyFilled.Terminal())
	assert.Less(t, StatusNew.Rank(), StatusPartiallyFilled.Rank())
	assert.Equal(t, -1, OrderStatus("PENDING_NEW").Rank())

	assert.True(t, PositionLong.Opens(SideBuy))
	assert.False(t, PositionShort.Opens(SideBuy))
	assert.Equal(t, SideSell, PositionLong.ClosingSide())
	assert.Equal(t, SideBuy, SideSell.Opposite())

	s, ok := ParseSide(" sell ")
	assert.True(t, ok)
	assert.Equal(t, SideSell, s)
}

func TestRateLimiterUsage(t *testing.T) {
	rl := NewRateLimiter(0, 2400, time.Minute, nil)
	rl.UpdateFromHeader("2200")
	used, limit, pct := rl.GetUsage()
	assert.Equal(t, 2200, used)
	assert.Equal(t, 2400, limit)
	assert.InDelta(t, 91.6, pct, 0.1)
	assert.True(t, rl.ShouldDelay())

	rl.UpdateFromHeader("garbage")
	used, _, _ = rl.GetUsage()
	assert.Equal(t, 2200, used)

	rl.UpdateFromHeader("10")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rl.Wait(ctx))
}

func TestTimeSync(t *testing.T) {
	ts := NewTimeSync(func(context.Context) (int64, error) {
		return time.Now().Add(2 * time.Second).UnixMilli(), nil
	}, nil)
	require.NoError(t, ts.Sync(context.Background()))
	assert.InDelta(t, 2000, ts.Offset(), 200)
	assert.False(t, ts.LastSync().IsZero())

	failing := NewTimeSync(func(context.Context) (int64, error) { return 0, errors.New("down") }, nil)
	assert.Error(t, failing.Sync(context.Background()))
}
