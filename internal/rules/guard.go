package rules

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"

	"github.com/laylaymen/kriptobot-sub006/logger"
)

// SymbolRules is the immutable per-symbol filter snapshot. It is replaced
// wholesale on reload and never partially mutated.
type SymbolRules struct {
	Symbol        string
	Status        string
	BaseAsset     string
	QuoteAsset    string
	PriceTick     float64
	PriceMin      float64
	PriceMax      float64
	LotStep       float64
	LotMin        float64
	LotMax        float64
	MarketLotStep float64
	MinNotional   float64
}

// Guard holds the exchange trading-rule filters and offers quantization
// and validation primitives on top of them.
type Guard struct {
	mu       sync.RWMutex
	rules    map[string]SymbolRules
	loadedAt time.Time
	version  int64
	log      *logger.Log
}

func NewGuard() *Guard {
	return &Guard{
		rules: make(map[string]SymbolRules),
		log:   logger.GetLogger(),
	}
}

// Load parses the exchange filter catalogue into SymbolRules, replacing any
// prior version atomically. It returns the count of symbols loaded.
func (g *Guard) Load(info *binance.ExchangeInfo) (int, error) {
	if info == nil {
		return 0, fmt.Errorf("nil exchange catalogue")
	}

	next := make(map[string]SymbolRules, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		r := SymbolRules{
			Symbol:     s.Symbol,
			Status:     s.Status,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch filterString(f, "filterType") {
			case "PRICE_FILTER":
				r.PriceTick = filterFloat(f, "tickSize")
				r.PriceMin = filterFloat(f, "minPrice")
				r.PriceMax = filterFloat(f, "maxPrice")
			case "LOT_SIZE":
				r.LotStep = filterFloat(f, "stepSize")
				r.LotMin = filterFloat(f, "minQty")
				r.LotMax = filterFloat(f, "maxQty")
			case "MARKET_LOT_SIZE":
				r.MarketLotStep = filterFloat(f, "stepSize")
			case "MIN_NOTIONAL", "NOTIONAL":
				if v := filterFloat(f, "minNotional"); v > 0 {
					r.MinNotional = v
				}
			}
		}
		if r.PriceTick == 0 && r.LotStep == 0 {
			g.log.WithComponent("rules_guard").WithFields(logger.Fields{
				"symbol": s.Symbol,
			}).Warn("symbol carries no price or lot filters, skipping")
			continue
		}
		next[s.Symbol] = r
	}

	if len(next) == 0 {
		return 0, fmt.Errorf("exchange catalogue contained no usable symbols")
	}

	g.mu.Lock()
	g.rules = next
	g.loadedAt = time.Now()
	g.version++
	version := g.version
	g.mu.Unlock()

	g.log.WithComponent("rules_guard").WithFields(logger.Fields{
		"symbols": len(next),
		"version": version,
	}).Info("trading rules loaded")

	return len(next), nil
}

// Rules returns the filter snapshot for a symbol.
func (g *Guard) Rules(symbol string) (SymbolRules, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rules[symbol]
	return r, ok
}

// Version returns the reload generation, stamped on normalized events.
func (g *Guard) Version() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// IsStale reports whether the rules are older than maxAge. A guard that was
// never loaded is always stale.
func (g *Guard) IsStale(maxAge time.Duration) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.loadedAt.IsZero() {
		return true
	}
	return time.Since(g.loadedAt) > maxAge
}

// AssertPrice fails with a FilterViolation when price is outside
// [PriceMin, PriceMax] or off the tick grid.
func (g *Guard) AssertPrice(symbol string, price float64) error {
	r, ok := g.Rules(symbol)
	if !ok {
		return &FilterViolation{FilterType: FilterPrice, Violation: ViolationUnknown, Symbol: symbol, Field: "price", Value: price}
	}
	if r.PriceMin > 0 && price < r.PriceMin {
		return &FilterViolation{FilterType: FilterPrice, Violation: ViolationMinPrice, Symbol: symbol, Field: "price", Value: price, Rule: r.PriceMin, Suggestion: r.PriceMin}
	}
	if r.PriceMax > 0 && price > r.PriceMax {
		return &FilterViolation{FilterType: FilterPrice, Violation: ViolationMaxPrice, Symbol: symbol, Field: "price", Value: price, Rule: r.PriceMax, Suggestion: r.PriceMax}
	}
	if !onGrid(price, r.PriceTick) {
		return &FilterViolation{FilterType: FilterPrice, Violation: ViolationTickSize, Symbol: symbol, Field: "price", Value: price, Rule: r.PriceTick, Suggestion: Quantize(price, r.PriceTick, Truncate)}
	}
	return nil
}

// AssertLotSize fails with a FilterViolation when qty is outside
// [LotMin, LotMax] or off the step grid.
func (g *Guard) AssertLotSize(symbol string, qty float64) error {
	r, ok := g.Rules(symbol)
	if !ok {
		return &FilterViolation{FilterType: FilterLotSize, Violation: ViolationUnknown, Symbol: symbol, Field: "quantity", Value: qty}
	}
	if r.LotMin > 0 && qty < r.LotMin {
		return &FilterViolation{FilterType: FilterLotSize, Violation: ViolationMinQty, Symbol: symbol, Field: "quantity", Value: qty, Rule: r.LotMin, Suggestion: r.LotMin}
	}
	if r.LotMax > 0 && qty > r.LotMax {
		return &FilterViolation{FilterType: FilterLotSize, Violation: ViolationMaxQty, Symbol: symbol, Field: "quantity", Value: qty, Rule: r.LotMax, Suggestion: r.LotMax}
	}
	if !onGrid(qty, r.LotStep) {
		return &FilterViolation{FilterType: FilterLotSize, Violation: ViolationStepSize, Symbol: symbol, Field: "quantity", Value: qty, Rule: r.LotStep, Suggestion: Quantize(qty, r.LotStep, Truncate)}
	}
	return nil
}

// AssertNotional fails with a FilterViolation when price*qty is below the
// symbol's minimum notional.
func (g *Guard) AssertNotional(symbol string, price, qty float64) error {
	r, ok := g.Rules(symbol)
	if !ok {
		return &FilterViolation{FilterType: FilterNotional, Violation: ViolationUnknown, Symbol: symbol, Field: "notional", Value: price * qty}
	}
	notional := price * qty
	if r.MinNotional > 0 && notional < r.MinNotional {
		suggestion := 0.0
		if price > 0 && r.LotStep > 0 {
			suggestion = Quantize(r.MinNotional/price, r.LotStep, Ceil)
		}
		return &FilterViolation{FilterType: FilterNotional, Violation: ViolationMinNotional, Symbol: symbol, Field: "notional", Value: notional, Rule: r.MinNotional, Suggestion: suggestion}
	}
	return nil
}

// OrderCheck is the input for the tolerant validation entry point.
type OrderCheck struct {
	Symbol   string
	Price    float64
	Quantity float64
}

// OrderReport collects violations and suggestions instead of failing on the
// first problem. Automated pipelines use this form.
type OrderReport struct {
	Valid             bool
	Errors            []*FilterViolation
	Warnings          []string
	SuggestedPrice    float64
	SuggestedQty      float64
	SuggestedNotional float64
}

// ValidateOrder runs price, lot-size and notional checks, collecting
// violations rather than returning on the first one.
func (g *Guard) ValidateOrder(check OrderCheck) OrderReport {
	report := OrderReport{
		Valid:          true,
		SuggestedPrice: check.Price,
		SuggestedQty:   check.Quantity,
	}

	r, ok := g.Rules(check.Symbol)
	if !ok {
		report.Valid = false
		report.Errors = append(report.Errors, &FilterViolation{
			FilterType: FilterPrice, Violation: ViolationUnknown,
			Symbol: check.Symbol, Field: "symbol",
		})
		return report
	}
	if r.Status != "" && r.Status != "TRADING" {
		report.Warnings = append(report.Warnings, fmt.Sprintf("symbol status is %s", r.Status))
	}

	if err := g.AssertPrice(check.Symbol, check.Price); err != nil {
		report.Valid = false
		v := err.(*FilterViolation)
		report.Errors = append(report.Errors, v)
		report.SuggestedPrice = v.Suggestion
	}
	if err := g.AssertLotSize(check.Symbol, check.Quantity); err != nil {
		report.Valid = false
		v := err.(*FilterViolation)
		report.Errors = append(report.Errors, v)
		report.SuggestedQty = v.Suggestion
	}
	if err := g.AssertNotional(check.Symbol, report.SuggestedPrice, report.SuggestedQty); err != nil {
		report.Valid = false
		v := err.(*FilterViolation)
		report.Errors = append(report.Errors, v)
		if v.Suggestion > 0 {
			report.SuggestedQty = v.Suggestion
		}
	}

	report.SuggestedNotional = report.SuggestedPrice * report.SuggestedQty
	return report
}

func filterString(f map[string]interface{}, key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

func filterFloat(f map[string]interface{}, key string) float64 {
	switch v := f[key].(type) {
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return n
	case float64:
		return v
	}
	return 0
}
