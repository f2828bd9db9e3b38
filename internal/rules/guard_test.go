package rules

import (
	"math"
	"testing"
	"time"

	binance "github.com/adshao/go-binance/v2"
)

func testCatalogue() *binance.ExchangeInfo {
	return &binance.ExchangeInfo{
		Symbols: []binance.Symbol{
			{
				Symbol:     "BTCUSDT",
				Status:     "TRADING",
				BaseAsset:  "BTC",
				QuoteAsset: "USDT",
				Filters: []map[string]interface{}{
					{
						"filterType": "PRICE_FILTER",
						"tickSize":   "0.01",
						"minPrice":   "0.01",
						"maxPrice":   "1000000",
					},
					{
						"filterType": "LOT_SIZE",
						"stepSize":   "0.001",
						"minQty":     "0.001",
						"maxQty":     "9000",
					},
					{
						"filterType":  "NOTIONAL",
						"minNotional": "10",
					},
				},
			},
			{
				Symbol: "HALTED",
				Status: "BREAK",
				Filters: []map[string]interface{}{
					{
						"filterType": "PRICE_FILTER",
						"tickSize":   "0.1",
					},
				},
			},
		},
	}
}

func loadedGuard(t *testing.T) *Guard {
	t.Helper()
	g := NewGuard()
	n, err := g.Load(testCatalogue())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 symbols loaded, got %d", n)
	}
	return g
}

func TestLoadBumpsVersion(t *testing.T) {
	g := loadedGuard(t)
	if g.Version() != 1 {
		t.Fatalf("expected version 1 after first load, got %d", g.Version())
	}
	if _, err := g.Load(testCatalogue()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if g.Version() != 2 {
		t.Fatalf("expected version 2 after reload, got %d", g.Version())
	}
}

func TestLoadRejectsEmptyCatalogue(t *testing.T) {
	g := NewGuard()
	if _, err := g.Load(&binance.ExchangeInfo{}); err == nil {
		t.Fatal("expected error for empty catalogue")
	}
	if _, err := g.Load(nil); err == nil {
		t.Fatal("expected error for nil catalogue")
	}
}

func TestIsStale(t *testing.T) {
	g := NewGuard()
	if !g.IsStale(time.Hour) {
		t.Fatal("unloaded guard must be stale")
	}
	if _, err := g.Load(testCatalogue()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if g.IsStale(time.Hour) {
		t.Fatal("freshly loaded guard must not be stale")
	}
	if !g.IsStale(0) {
		t.Fatal("zero max age must always be stale")
	}
}

func TestAssertPriceTickViolation(t *testing.T) {
	g := loadedGuard(t)

	err := g.AssertPrice("BTCUSDT", 100.003)
	if err == nil {
		t.Fatal("expected tick size violation for 100.003")
	}
	v, ok := err.(*FilterViolation)
	if !ok {
		t.Fatalf("expected *FilterViolation, got %T", err)
	}
	if v.Violation != ViolationTickSize {
		t.Fatalf("expected %s, got %s", ViolationTickSize, v.Violation)
	}
	if math.Abs(v.Suggestion-100.00) > 1e-9 {
		t.Fatalf("expected suggestion 100.00, got %v", v.Suggestion)
	}

	if err := g.AssertPrice("BTCUSDT", 100.00); err != nil {
		t.Fatalf("on-grid price rejected: %v", err)
	}
	if err := g.AssertPrice("BTCUSDT", 100.01); err != nil {
		t.Fatalf("on-grid price rejected: %v", err)
	}
}

func TestAssertPriceBounds(t *testing.T) {
	g := loadedGuard(t)

	err := g.AssertPrice("BTCUSDT", 0.001)
	if v, ok := err.(*FilterViolation); !ok || v.Violation != ViolationMinPrice {
		t.Fatalf("expected MIN_PRICE violation, got %v", err)
	}
	err = g.AssertPrice("BTCUSDT", 2000000)
	if v, ok := err.(*FilterViolation); !ok || v.Violation != ViolationMaxPrice {
		t.Fatalf("expected MAX_PRICE violation, got %v", err)
	}
}

func TestAssertLotSize(t *testing.T) {
	g := loadedGuard(t)

	if err := g.AssertLotSize("BTCUSDT", 0.123); err != nil {
		t.Fatalf("on-grid quantity rejected: %v", err)
	}
	err := g.AssertLotSize("BTCUSDT", 0.0015)
	if v, ok := err.(*FilterViolation); !ok || v.Violation != ViolationStepSize {
		t.Fatalf("expected STEP_SIZE violation, got %v", err)
	}
	err = g.AssertLotSize("BTCUSDT", 0.0001)
	if v, ok := err.(*FilterViolation); !ok || v.Violation != ViolationMinQty {
		t.Fatalf("expected MIN_QTY violation, got %v", err)
	}
}

func TestAssertNotional(t *testing.T) {
	g := loadedGuard(t)

	if err := g.AssertNotional("BTCUSDT", 100, 1); err != nil {
		t.Fatalf("sufficient notional rejected: %v", err)
	}
	err := g.AssertNotional("BTCUSDT", 100, 0.05)
	v, ok := err.(*FilterViolation)
	if !ok || v.Violation != ViolationMinNotional {
		t.Fatalf("expected MIN_NOTIONAL violation, got %v", err)
	}
	// Suggested quantity must clear the minimum at the given price.
	if v.Suggestion*100 < 10 {
		t.Fatalf("suggested qty %v does not reach min notional", v.Suggestion)
	}
}

func TestAssertUnknownSymbol(t *testing.T) {
	g := loadedGuard(t)
	err := g.AssertPrice("NOPEUSDT", 1)
	if v, ok := err.(*FilterViolation); !ok || v.Violation != ViolationUnknown {
		t.Fatalf("expected UNKNOWN_SYMBOL violation, got %v", err)
	}
}

func TestValidateOrderCollectsAllViolations(t *testing.T) {
	g := loadedGuard(t)

	report := g.ValidateOrder(OrderCheck{Symbol: "BTCUSDT", Price: 100.003, Quantity: 0.5015})
	if report.Valid {
		t.Fatal("expected invalid report")
	}
	if len(report.Errors) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(report.Errors))
	}
	if math.Abs(report.SuggestedPrice-100.00) > 1e-9 {
		t.Fatalf("expected suggested price 100.00, got %v", report.SuggestedPrice)
	}
	if math.Abs(report.SuggestedQty-0.501) > 1e-9 {
		t.Fatalf("expected suggested qty 0.501, got %v", report.SuggestedQty)
	}
}

func TestValidateOrderWarnsOnHaltedSymbol(t *testing.T) {
	g := loadedGuard(t)
	report := g.ValidateOrder(OrderCheck{Symbol: "HALTED", Price: 10.0, Quantity: 1})
	if len(report.Warnings) == 0 {
		t.Fatal("expected status warning for halted symbol")
	}
}

func TestValidateOrderPassesCleanOrder(t *testing.T) {
	g := loadedGuard(t)
	report := g.ValidateOrder(OrderCheck{Symbol: "BTCUSDT", Price: 50000.00, Quantity: 0.5})
	if !report.Valid {
		t.Fatalf("expected valid report, got errors %v", report.Errors)
	}
	if report.SuggestedNotional != 25000 {
		t.Fatalf("expected notional 25000, got %v", report.SuggestedNotional)
	}
}
