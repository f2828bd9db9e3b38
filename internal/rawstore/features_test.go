package rawstore

import (
	"math"
	"testing"
)

func TestFeaturesNeedTwoSamples(t *testing.T) {
	s := testStore(t, nil)
	if _, ok := s.Features("BTCUSDT", "1m"); ok {
		t.Fatal("features must be unavailable with no samples")
	}
	s.UpdateKlineFeatures("BTCUSDT", "1m", 100, 1)
	if _, ok := s.Features("BTCUSDT", "1m"); ok {
		t.Fatal("features must be unavailable with one sample")
	}
	s.UpdateKlineFeatures("BTCUSDT", "1m", 101, 1)
	if _, ok := s.Features("BTCUSDT", "1m"); !ok {
		t.Fatal("features must be available with two samples")
	}
}

func TestVWAPWeightsByVolume(t *testing.T) {
	s := testStore(t, nil)
	s.UpdateKlineFeatures("BTCUSDT", "1m", 100, 1)
	s.UpdateKlineFeatures("BTCUSDT", "1m", 200, 3)

	f, ok := s.Features("BTCUSDT", "1m")
	if !ok {
		t.Fatal("features unavailable")
	}
	want := (100.0*1 + 200.0*3) / 4
	if math.Abs(f.VWAP-want) > 1e-9 {
		t.Fatalf("expected VWAP %v, got %v", want, f.VWAP)
	}
	if f.Samples != 2 {
		t.Fatalf("expected 2 samples, got %d", f.Samples)
	}
}

func TestRSIExtremes(t *testing.T) {
	s := testStore(t, nil)
	for i := 0; i < 20; i++ {
		s.UpdateKlineFeatures("UP", "1m", 100+float64(i), 1)
		s.UpdateKlineFeatures("DOWN", "1m", 100-float64(i), 1)
		s.UpdateKlineFeatures("FLAT", "1m", 100, 1)
	}

	up, _ := s.Features("UP", "1m")
	if up.RSI != 100 {
		t.Fatalf("monotonic gains must give RSI 100, got %v", up.RSI)
	}
	down, _ := s.Features("DOWN", "1m")
	if down.RSI != 0 {
		t.Fatalf("monotonic losses must give RSI 0, got %v", down.RSI)
	}
	flat, _ := s.Features("FLAT", "1m")
	if flat.RSI != 50 {
		t.Fatalf("flat series must give RSI 50, got %v", flat.RSI)
	}
}

func TestVolatilityZeroForFlatSeries(t *testing.T) {
	s := testStore(t, nil)
	for i := 0; i < 10; i++ {
		s.UpdateKlineFeatures("FLAT", "1m", 100, 1)
	}
	f, _ := s.Features("FLAT", "1m")
	if f.Volatility != 0 {
		t.Fatalf("flat series must have zero volatility, got %v", f.Volatility)
	}
}

func TestFeatureHistoryCapped(t *testing.T) {
	s := testStore(t, func(cfg *Config) { cfg.FeatureHistory = 5 })
	for i := 0; i < 50; i++ {
		s.UpdateKlineFeatures("BTCUSDT", "1m", float64(100+i), 1)
	}
	f, _ := s.Features("BTCUSDT", "1m")
	if f.Samples != 5 {
		t.Fatalf("expected history capped at 5, got %d", f.Samples)
	}
}
