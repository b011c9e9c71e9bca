package limits

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_FirstBetAllowed(t *testing.T) {
	l := NewBetLimiter(d(500), d(2000))
	err := l.CheckLimit("m1", "campus", d(100), nil, nil)
	if err != nil {
		t.Errorf("first bet within caps should pass: %v", err)
	}
}

func TestCheckLimit_ExactlyAtMarketCapAllowed(t *testing.T) {
	l := NewBetLimiter(d(500), d(2000))
	exposures := map[string]decimal.Decimal{"m1": d(400)}
	categories := map[string]string{"m1": "campus"}

	if err := l.CheckLimit("m1", "campus", d(100), exposures, categories); err != nil {
		t.Errorf("bet reaching the cap exactly should pass: %v", err)
	}
}

func TestCheckLimit_MarketCapExceeded(t *testing.T) {
	l := NewBetLimiter(d(500), d(2000))
	exposures := map[string]decimal.Decimal{"m1": d(450)}
	categories := map[string]string{"m1": "campus"}

	err := l.CheckLimit("m1", "campus", d(51), exposures, categories)
	if err != ErrMarketLimitExceeded {
		t.Errorf("expected ErrMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_CategoryCapExceeded(t *testing.T) {
	l := NewBetLimiter(d(500), d(1000))
	// Three campus markets at 350 each: 1050 > 1000 with the new 100.
	exposures := map[string]decimal.Decimal{
		"m1": d(350),
		"m2": d(350),
		"m3": d(250),
	}
	categories := map[string]string{
		"m1": "campus",
		"m2": "campus",
		"m3": "campus",
	}

	err := l.CheckLimit("m4", "campus", d(100), exposures, categories)
	if err != ErrCategoryLimitExceeded {
		t.Errorf("expected ErrCategoryLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherCategoryNotCounted(t *testing.T) {
	l := NewBetLimiter(d(500), d(1000))
	// Heavy exposure in academics must not block a campus bet.
	exposures := map[string]decimal.Decimal{
		"m1": d(500),
		"m2": d(450),
	}
	categories := map[string]string{
		"m1": "academics",
		"m2": "academics",
	}

	if err := l.CheckLimit("m3", "campus", d(400), exposures, categories); err != nil {
		t.Errorf("cross-category exposure should not count: %v", err)
	}
}

func TestCheckLimit_MarketCapCheckedFirst(t *testing.T) {
	// A bet violating both tiers reports the per-market error.
	l := NewBetLimiter(d(100), d(100))
	exposures := map[string]decimal.Decimal{"m1": d(90)}
	categories := map[string]string{"m1": "tech"}

	err := l.CheckLimit("m1", "tech", d(20), exposures, categories)
	if err != ErrMarketLimitExceeded {
		t.Errorf("expected per-market error first, got %v", err)
	}
}
