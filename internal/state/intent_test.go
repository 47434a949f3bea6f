package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"copytrade-core/internal/exchangetest"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

type sums map[string]float64

func (s sums) SumFilledQuantity(_ context.Context, _, _, side string, _ time.Time, _ string) (float64, error) {
	if v, ok := s["err"]; ok && v > 0 {
		return 0, errors.New("db down")
	}
	return s[side], nil
}

func trade(side string) db.Trade {
	return db.Trade{ID: "t1", AccountID: "m", Symbol: "XRPUSDT", Side: side}
}

func TestClassify(t *testing.T) {
	long := []common.Position{{Symbol: "XRPUSDT", Side: common.PositionLong, Size: 20}}
	other := []common.Position{{Symbol: "BTCUSDT", Side: common.PositionShort, Size: 1}}

	cases := []struct {
		name      string
		in        Input
		positions []common.Position
		posErr    error
		history   sums
		want      Intent
		reason    string
	}{
		{"reduce only", Input{Trade: trade("BUY"), ReduceOnly: true}, nil, nil, nil, IntentClose, ReasonReduceOnly},
		{"close position flag", Input{Trade: trade("SELL"), ClosePosition: true}, long, nil, nil, IntentClose, ReasonReduceOnly},
		{"opposite position", Input{Trade: trade("SELL")}, long, nil, nil, IntentClose, ReasonOppositePosition},
		{"same direction", Input{Trade: trade("BUY")}, long, nil, sums{"SELL": 100}, IntentOpen, ReasonSameDirection},
		{"flat uses history", Input{Trade: trade("SELL")}, other, nil, sums{"BUY": 20, "SELL": 0}, IntentClose, ReasonHistory},
		{"positions unavailable uses history", Input{Trade: trade("BUY")}, nil, errors.New("timeout"), sums{"SELL": 5, "BUY": 1}, IntentClose, ReasonHistory},
		{"balanced history opens", Input{Trade: trade("BUY")}, nil, errors.New("timeout"), sums{"SELL": 5, "BUY": 5}, IntentOpen, ReasonDefault},
		{"history failure opens", Input{Trade: trade("SELL")}, nil, errors.New("timeout"), sums{"err": 1}, IntentOpen, ReasonDefault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &exchangetest.Fake{Positions: tc.positions, PositionsErr: tc.posErr}
			c := NewClassifier(tc.history, 24*time.Hour, nil)
			d := c.Classify(context.Background(), fake, tc.in)
			assert.Equal(t, tc.want, d.Intent)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestClassifyOppositeCarriesPosition(t *testing.T) {
	fake := &exchangetest.Fake{Positions: []common.Position{{Symbol: "xrpusdt", Side: common.PositionShort, Size: 7}}}
	d := NewClassifier(nil, 0, nil).Classify(context.Background(), fake, Input{Trade: trade("BUY")})
	assert.Equal(t, IntentClose, d.Intent)
	if assert.NotNil(t, d.Position) {
		assert.Equal(t, 7.0, d.Position.Size)
	}
}
