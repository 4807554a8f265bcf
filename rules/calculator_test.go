package rules

import (
	"errors"
	"math"
	"testing"
)

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	calc, err := NewCalculator()
	if err != nil {
		t.Fatalf("NewCalculator() failed: %v", err)
	}
	return calc
}

// TestCalculatorReduce covers operators, precedence and helper functions.
func TestCalculatorReduce(t *testing.T) {
	calc := newTestCalculator(t)

	tests := []struct {
		term string
		want float64
	}{
		{"42", 42},
		{"(20)+3", 23},
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"7/2", 3.5},
		{"7%3", 1},
		{"2*7%3", 2},
		{"7%3*2", 2},
		{"7%4%2", 1},
		{"10-7%4", 7},
		{"-7%3", -1},
		{"7%-4", 3},
		{"2^3%5", 3},
		{"(9+1)%(2+1)", 1},
		{"mod(7,3)", 1},
		{"-4+1", -3},
		{"2^3", 8},
		{"2^3^2", 512},
		{"(1+1)^(1+2)", 8},
		{"2^-1", 0.5},
		{"pow(3,2)", 9},
		{"first(3,9,4)", 2},
		{"second(3,9,4)", 3},
		{"third(3,9,4)", 1},
		{"first(5,5,1)", 1},
		{"position(2,10,20,30)", 20},
		{"digit(2,12345)", 4},
		{"digit(1,9)", 9},
		{"inrange(5,1,10)", 1},
		{"inrange(11,1,10)", 0},
		{"first(1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16)", 16},
	}

	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			got, err := calc.Reduce(tt.term)
			if err != nil {
				t.Fatalf("Reduce(%q) failed: %v", tt.term, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Reduce(%q) = %v, want %v", tt.term, got, tt.want)
			}
		})
	}
}

// TestCalculatorReduceRejectsNonArithmetic verifies text terms are refused.
func TestCalculatorReduceRejectsNonArithmetic(t *testing.T) {
	calc := newTestCalculator(t)

	for _, term := range []string{"", "Bob", "size(1)", "1 == 1", "2^", "(1+2"} {
		t.Run(term, func(t *testing.T) {
			if _, err := calc.Reduce(term); err == nil {
				t.Errorf("Reduce(%q) should fail", term)
			}
		})
	}

	if _, err := calc.Reduce("hello"); !errors.Is(err, ErrNotArithmetic) {
		t.Errorf("Reduce(hello) error = %v, want ErrNotArithmetic", err)
	}
}

// TestCalculatorModuloByZero verifies a failing helper surfaces as an error.
func TestCalculatorModuloByZero(t *testing.T) {
	calc := newTestCalculator(t)

	if _, err := calc.Reduce("5%0"); err == nil {
		t.Error("Reduce(5%0) should fail")
	}
	if _, err := calc.Reduce("position(9,1,2)"); err == nil {
		t.Error("position out of range should fail")
	}
}

// TestCalculatorReduceIsStable reduces mixed terms many times, on one
// calculator and on fresh ones, and expects the same result every time.
func TestCalculatorReduceIsStable(t *testing.T) {
	terms := map[string]float64{
		"2+3":            5,
		"20-3*2":         14,
		"9/2+1":          5.5,
		"17%5":           2,
		"2^3":            8,
		"(1+2)*4%5-1":    1,
		"2^2+10%4/2":     5,
		"first(1,3)+2":   4,
		"inrange(5,1,9)": 1,
	}

	shared := newTestCalculator(t)
	for round := 0; round < 20; round++ {
		fresh := newTestCalculator(t)
		for term, want := range terms {
			for _, calc := range []*Calculator{shared, fresh} {
				got, err := calc.Reduce(term)
				if err != nil {
					t.Fatalf("round %d: Reduce(%q) failed: %v", round, term, err)
				}
				if math.Abs(got-want) > 1e-9 {
					t.Fatalf("round %d: Reduce(%q) = %v, want %v", round, term, got, want)
				}
			}
		}
	}
}

// TestCalculatorCachesPrograms verifies compiled programs are reused.
func TestCalculatorCachesPrograms(t *testing.T) {
	calc := newTestCalculator(t)

	for i := 0; i < 3; i++ {
		if _, err := calc.Reduce("1+2"); err != nil {
			t.Fatalf("Reduce failed: %v", err)
		}
	}

	calc.mu.RLock()
	defer calc.mu.RUnlock()
	if len(calc.programs) != 1 {
		t.Errorf("Expected 1 cached program, got %d", len(calc.programs))
	}
}

// TestFormatNumber verifies integral values render without decimals.
func TestFormatNumber(t *testing.T) {
	tests := map[float64]string{23: "23", 3.5: "3.5", -0.25: "-0.25"}
	for in, want := range tests {
		if got := FormatNumber(in); got != want {
			t.Errorf("FormatNumber(%v) = %q, want %q", in, got, want)
		}
	}
}
