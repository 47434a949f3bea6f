package reconciliation

import (
	"sort"

	"copytrade-core/pkg/exchanges/common"
)

// Merge combines open orders and history into one snapshot per order id,
// keeping the most advanced copy, sorted by creation time.
func Merge(open, history []common.Order) []common.Order {
	byID := make(map[string]common.Order, len(open)+len(history))
	for _, list := range [][]common.Order{history, open} {
		for _, o := range list {
			if o.OrderID == "" {
				continue
			}
			if cur, ok := byID[o.OrderID]; !ok || advanced(o, cur) {
				byID[o.OrderID] = o
			}
		}
	}

	out := make([]common.Order, 0, len(byID))
	for _, o := range byID {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		if !a.UpdateTime.Equal(b.UpdateTime) {
			return a.UpdateTime.Before(b.UpdateTime)
		}
		return a.OrderID < b.OrderID
	})
	return out
}

// advanced reports whether a is further along than b.
func advanced(a, b common.Order) bool {
	if a.Status.Rank() != b.Status.Rank() {
		return a.Status.Rank() > b.Status.Rank()
	}
	if a.ExecutedQty != b.ExecutedQty {
		return a.ExecutedQty > b.ExecutedQty
	}
	return a.UpdateTime.After(b.UpdateTime)
}
