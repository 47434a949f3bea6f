// Package state decides what a master order means for the master's position.
package state

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"copytrade-core/pkg/db"
	"copytrade-core/pkg/exchanges/common"
)

// Intent is the position effect of a master order.
type Intent string

const (
	IntentOpen  Intent = "OPEN"
	IntentClose Intent = "CLOSE"
)

// Reasons reported with a Decision.
const (
	ReasonReduceOnly       = "reduce_only"
	ReasonOppositePosition = "opposite_position"
	ReasonSameDirection    = "same_direction_position"
	ReasonHistory          = "history_opposite_dominates"
	ReasonDefault          = "default_open"
)

// Decision is the classifier's verdict.
type Decision struct {
	Intent Intent
	Reason string
	// Position is the master position being reduced, when known.
	Position *common.Position
}

// PositionReader reads live positions.
type PositionReader interface {
	GetPositions(ctx context.Context) ([]common.Position, error)
}

// History sums filled quantity of an account's own trades.
type History interface {
	SumFilledQuantity(ctx context.Context, accountID, symbol, side string, since time.Time, excludeID string) (float64, error)
}

// Input describes the master order being classified.
type Input struct {
	Trade         db.Trade
	ReduceOnly    bool
	ClosePosition bool
}

// Classifier tells opening orders from closing ones.
type Classifier struct {
	history History
	window  time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// NewClassifier creates a classifier using window for the history fallback.
func NewClassifier(history History, window time.Duration, log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Classifier{history: history, window: window, log: log.Named("intent"), now: time.Now}
}

// Classify returns CLOSE when the order reduces the master's exposure and
// OPEN otherwise. Inconclusive signals yield OPEN.
func (c *Classifier) Classify(ctx context.Context, positions PositionReader, in Input) Decision {
	if in.ReduceOnly || in.ClosePosition {
		return Decision{Intent: IntentClose, Reason: ReasonReduceOnly}
	}
	side, ok := common.ParseSide(in.Trade.Side)
	if !ok {
		return Decision{Intent: IntentOpen, Reason: ReasonDefault}
	}

	if positions != nil {
		live, err := positions.GetPositions(ctx)
		if err == nil {
			if pos, found := findPosition(live, in.Trade.Symbol); found {
				if pos.Side.Opens(side) {
					return Decision{Intent: IntentOpen, Reason: ReasonSameDirection, Position: &pos}
				}
				return Decision{Intent: IntentClose, Reason: ReasonOppositePosition, Position: &pos}
			}
			// Flat: the order may have just closed the whole position.
		} else {
			c.log.Debug("positions unavailable, using trade history",
				zap.String("account_id", in.Trade.AccountID), zap.Error(err))
		}
	}

	return c.fromHistory(ctx, in.Trade, side)
}

func (c *Classifier) fromHistory(ctx context.Context, t db.Trade, side common.Side) Decision {
	if c.history == nil {
		return Decision{Intent: IntentOpen, Reason: ReasonDefault}
	}
	since := c.now().Add(-c.window)
	same, err := c.history.SumFilledQuantity(ctx, t.AccountID, t.Symbol, string(side), since, t.ID)
	if err != nil {
		c.log.Warn("⚠️ intent history lookup failed", zap.Error(err))
		return Decision{Intent: IntentOpen, Reason: ReasonDefault}
	}
	opposite, err := c.history.SumFilledQuantity(ctx, t.AccountID, t.Symbol, string(side.Opposite()), since, t.ID)
	if err != nil {
		c.log.Warn("⚠️ intent history lookup failed", zap.Error(err))
		return Decision{Intent: IntentOpen, Reason: ReasonDefault}
	}
	if opposite > same {
		return Decision{Intent: IntentClose, Reason: ReasonHistory}
	}
	return Decision{Intent: IntentOpen, Reason: ReasonDefault}
}

func findPosition(positions []common.Position, symbol string) (common.Position, bool) {
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) && p.Size > 0 {
			return p, true
		}
	}
	return common.Position{}, false
}
