package rules

import (
	"math"
	"testing"
)

func TestQuantizeModes(t *testing.T) {
	cases := []struct {
		value, step float64
		mode        Mode
		want        float64
	}{
		{100.003, 0.01, Truncate, 100.00},
		{100.003, 0.01, Round, 100.00},
		{100.003, 0.01, Ceil, 100.01},
		{100.007, 0.01, Round, 100.01},
		{0.1234, 0.001, Truncate, 0.123},
		{5, 1, Truncate, 5},
		{7.5, 0, Truncate, 7.5}, // no grid
	}
	for _, c := range cases {
		got := Quantize(c.value, c.step, c.mode)
		if math.Abs(got-c.want) > 1e-12 {
			t.Fatalf("Quantize(%v, %v, %v) = %v, want %v", c.value, c.step, c.mode, got, c.want)
		}
	}
}

func TestQuantizeIdempotent(t *testing.T) {
	values := []float64{100.003, 0.1234567, 42424.42, 0.001}
	steps := []float64{0.01, 0.001, 0.5}
	for _, v := range values {
		for _, s := range steps {
			once := Quantize(v, s, Truncate)
			twice := Quantize(once, s, Truncate)
			if once != twice {
				t.Fatalf("Quantize not idempotent for value=%v step=%v: %v != %v", v, s, once, twice)
			}
			if !onGrid(once, s) {
				t.Fatalf("Quantize(%v, %v) = %v not on grid", v, s, once)
			}
		}
	}
}

func TestOnGridTolerance(t *testing.T) {
	// Float noise well under the tolerance still counts as on-grid.
	if !onGrid(100.00+1e-13, 0.01) {
		t.Fatal("tiny float noise should stay on grid")
	}
	if onGrid(100.003, 0.01) {
		t.Fatal("100.003 must be off the 0.01 grid")
	}
}
