package commission

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestNewExtractor_RateBounds(t *testing.T) {
	for _, r := range []string{"0", "0.12", "0.999999999"} {
		if _, err := NewExtractor(d(r)); err != nil {
			t.Errorf("rate %s: unexpected error %v", r, err)
		}
	}
	for _, r := range []string{"-0.01", "1", "1.5"} {
		if _, err := NewExtractor(d(r)); err != ErrInvalidRate {
			t.Errorf("rate %s: expected ErrInvalidRate, got %v", r, err)
		}
	}
}

func TestSplit_Basic(t *testing.T) {
	e, _ := NewExtractor(d("0.12"))
	s, err := e.Split(d("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Commission.Equal(d("12")) || !s.Net.Equal(d("88")) {
		t.Errorf("expected 12/88, got %s/%s", s.Commission, s.Net)
	}
}

func TestSplit_TruncatesCommission(t *testing.T) {
	e, _ := NewExtractor(d("0.12"))
	// 0.287671232 * 0.12 = 0.03452054784 → 0.034520547
	s, _ := e.Split(d("0.287671232"))
	if !s.Commission.Equal(d("0.034520547")) {
		t.Errorf("expected commission 0.034520547, got %s", s.Commission)
	}
	if !s.Net.Equal(d("0.253150685")) {
		t.Errorf("expected net 0.253150685, got %s", s.Net)
	}
}

func TestSplit_NonPositiveIsNoop(t *testing.T) {
	e, _ := NewExtractor(d("0.12"))
	for _, g := range []string{"0", "-5"} {
		if _, err := e.Split(d(g)); err != ErrNothingToSplit {
			t.Errorf("gross %s: expected ErrNothingToSplit, got %v", g, err)
		}
	}
}

func TestTotals_ConservationExact(t *testing.T) {
	e, _ := NewExtractor(d("0.13"))
	var totals Totals
	for _, g := range []string{"0.000000001", "0.333333333", "1.999999999", "12345.678901234", "7"} {
		s, err := e.Split(d(g))
		if err != nil {
			t.Fatal(err)
		}
		if !s.Commission.Add(s.Net).Equal(s.Gross) {
			t.Errorf("split of %s not balanced: %s + %s", g, s.Commission, s.Net)
		}
		totals.Add(s)
	}
	if !totals.Balanced() {
		t.Errorf("totals not balanced: %+v", totals)
	}
}
