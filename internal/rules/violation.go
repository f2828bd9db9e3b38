package rules

import "fmt"

// Violation codes attached to FilterViolation.Violation.
const (
	ViolationTickSize    = "TICK_SIZE"
	ViolationStepSize    = "STEP_SIZE"
	ViolationMinPrice    = "MIN_PRICE"
	ViolationMaxPrice    = "MAX_PRICE"
	ViolationMinQty      = "MIN_QTY"
	ViolationMaxQty      = "MAX_QTY"
	ViolationMinNotional = "MIN_NOTIONAL"
	ViolationUnknown     = "UNKNOWN_SYMBOL"
)

// Filter types mirroring the exchange's filter catalogue.
const (
	FilterPrice    = "PRICE_FILTER"
	FilterLotSize  = "LOT_SIZE"
	FilterNotional = "MIN_NOTIONAL"
)

// FilterViolation describes a value that failed a trading-rule filter.
// Suggestion carries the nearest valid quantized value; pipelines that
// cannot reject outright can substitute it.
type FilterViolation struct {
	FilterType string  `json:"filter_type"`
	Violation  string  `json:"violation"`
	Symbol     string  `json:"symbol"`
	Field      string  `json:"field"`
	Value      float64 `json:"value"`
	Rule       float64 `json:"rule"`
	Suggestion float64 `json:"suggestion"`
}

func (v *FilterViolation) Error() string {
	return fmt.Sprintf("%s %s on %s.%s: value=%v rule=%v suggestion=%v",
		v.FilterType, v.Violation, v.Symbol, v.Field, v.Value, v.Rule, v.Suggestion)
}
