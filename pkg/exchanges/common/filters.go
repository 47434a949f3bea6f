package common

import "github.com/shopspring/decimal"

// DefaultStepSize is used when a symbol's LOT_SIZE filter is unknown.
var DefaultStepSize = decimal.RequireFromString("0.001")

// SymbolFilters are the trading constraints of a symbol.
type SymbolFilters struct {
	Symbol      string
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	TickSize    decimal.Decimal
}

// Step returns the step size, or DefaultStepSize when unset.
func (f SymbolFilters) Step() decimal.Decimal {
	if f.StepSize.IsPositive() {
		return f.StepSize
	}
	return DefaultStepSize
}

// SnapDown floors qty to a multiple of step.
func SnapDown(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// SnapUp ceils qty to a multiple of step.
func SnapUp(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Ceil().Mul(step)
}
