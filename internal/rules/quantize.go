package rules

import "github.com/shopspring/decimal"

// Mode selects how Quantize snaps a value onto the step grid.
type Mode int

const (
	Truncate Mode = iota
	Round
	Ceil
)

// Quantize returns value snapped to the nearest multiple of step according
// to mode. A non-positive step returns the value unchanged. The arithmetic
// runs on decimals so suggestions come out clean ("100.00", not
// "99.99999999999999").
func Quantize(value, step float64, mode Mode) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	q := v.Div(s)
	switch mode {
	case Round:
		q = q.Round(0)
	case Ceil:
		q = q.Ceil()
	default:
		q = q.Floor()
	}
	f, _ := q.Mul(s).Float64()
	return f
}

// onGrid reports whether value sits on the step grid within a tolerance of
// 1e-9 relative to the step.
func onGrid(value, step float64) bool {
	if step <= 0 {
		return true
	}
	nearest := Quantize(value, step, Round)
	diff := value - nearest
	if diff < 0 {
		diff = -diff
	}
	return diff <= step*1e-9
}
