package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- MarketPrice tests ---

func TestMarketPrice_FreshMarketEvenOdds(t *testing.T) {
	price := MarketPrice(decimal.Zero, decimal.Zero)
	if !price.Equal(d(0.5)) {
		t.Errorf("expected fresh market price 0.5, got %s", price)
	}
}

func TestMarketPrice_ProportionalToTrueStake(t *testing.T) {
	price := MarketPrice(d(30), d(10))
	if !price.Equal(d(0.75)) {
		t.Errorf("expected price 0.75 for 30/10 split, got %s", price)
	}
}

func TestMarketPrice_ClampedHigh(t *testing.T) {
	price := MarketPrice(d(10000), d(1))
	if !price.Equal(MaxPrice) {
		t.Errorf("expected price clamped to %s, got %s", MaxPrice, price)
	}
}

func TestMarketPrice_ClampedLow(t *testing.T) {
	price := MarketPrice(d(1), d(10000))
	if !price.Equal(MinPrice) {
		t.Errorf("expected price clamped to %s, got %s", MinPrice, price)
	}
}

func TestMarketPrice_OneSidedMarket(t *testing.T) {
	// All stake on TRUE: raw ratio is 1.0, must clamp to MaxPrice.
	price := MarketPrice(d(50), decimal.Zero)
	if !price.Equal(MaxPrice) {
		t.Errorf("one-sided market should clamp to %s, got %s", MaxPrice, price)
	}
}

// --- QuoteTrade tests ---

func TestQuoteTrade_FreshMarketTrueBuy(t *testing.T) {
	// 50 CC on TRUE at even odds buys exactly 100 shares.
	q, err := QuoteTrade(decimal.Zero, decimal.Zero, d(50), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.PriceBefore.Equal(d(0.5)) {
		t.Errorf("expected price before 0.5, got %s", q.PriceBefore)
	}
	if !q.EffectivePrice.Equal(d(0.5)) {
		t.Errorf("expected effective price 0.5, got %s", q.EffectivePrice)
	}
	if !q.Shares.Equal(d(100)) {
		t.Errorf("expected 100 shares, got %s", q.Shares)
	}
	if !q.NewTotalTrue.Equal(d(50)) || !q.NewTotalFalse.IsZero() {
		t.Errorf("unexpected new totals: true=%s false=%s", q.NewTotalTrue, q.NewTotalFalse)
	}
}

func TestQuoteTrade_FalseBuyUsesComplement(t *testing.T) {
	// Market at 0.75 TRUE: a FALSE buy enters at 0.25.
	q, err := QuoteTrade(d(30), d(10), d(10), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.EffectivePrice.Equal(d(0.25)) {
		t.Errorf("expected effective price 0.25, got %s", q.EffectivePrice)
	}
	if !q.Shares.Equal(d(40)) {
		t.Errorf("expected 40 shares for 10 CC at 0.25, got %s", q.Shares)
	}
}

func TestQuoteTrade_TrueBuyMovesPriceUp(t *testing.T) {
	q, err := QuoteTrade(d(30), d(30), d(20), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.PriceAfter.LessThanOrEqual(q.PriceBefore) {
		t.Errorf("TRUE buy should raise price: before=%s after=%s",
			q.PriceBefore, q.PriceAfter)
	}
}

func TestQuoteTrade_FalseBuyMovesPriceDown(t *testing.T) {
	q, err := QuoteTrade(d(30), d(30), d(20), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.PriceAfter.GreaterThanOrEqual(q.PriceBefore) {
		t.Errorf("FALSE buy should lower price: before=%s after=%s",
			q.PriceBefore, q.PriceAfter)
	}
}

func TestQuoteTrade_LargerTradeMovesPriceFurther(t *testing.T) {
	small, _ := QuoteTrade(d(50), d(50), d(10), true)
	large, _ := QuoteTrade(d(50), d(50), d(90), true)
	if large.PriceAfter.LessThanOrEqual(small.PriceAfter) {
		t.Errorf("larger trade should move price further: small=%s large=%s",
			small.PriceAfter, large.PriceAfter)
	}
}

func TestQuoteTrade_ConservationOfStake(t *testing.T) {
	// The CC amount is added to exactly one side; nothing is created or lost.
	q, _ := QuoteTrade(d(17.31), d(42.09), d(5.5), true)
	sumBefore := d(17.31).Add(d(42.09))
	sumAfter := q.NewTotalTrue.Add(q.NewTotalFalse)
	if !sumAfter.Sub(sumBefore).Equal(d(5.5)) {
		t.Errorf("totals should grow by exactly the bet: before=%s after=%s",
			sumBefore, sumAfter)
	}
}

func TestQuoteTrade_ZeroAmount(t *testing.T) {
	_, err := QuoteTrade(d(10), d(10), decimal.Zero, true)
	if err != ErrNonPositiveAmount {
		t.Errorf("expected ErrNonPositiveAmount, got %v", err)
	}
}

func TestQuoteTrade_NegativeAmount(t *testing.T) {
	_, err := QuoteTrade(d(10), d(10), d(-5), true)
	if err != ErrNonPositiveAmount {
		t.Errorf("expected ErrNonPositiveAmount, got %v", err)
	}
}

func TestQuoteTrade_ExtremeMarketStillIssuesShares(t *testing.T) {
	// At the clamp the buyer cannot get unbounded cheap shares: the floor
	// price 0.01 caps the payout at 100x.
	q, err := QuoteTrade(d(10000), d(1), d(10), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.EffectivePrice.Equal(MinPrice) {
		t.Errorf("expected effective price at floor %s, got %s", MinPrice, q.EffectivePrice)
	}
	if !q.Shares.Equal(d(1000)) {
		t.Errorf("expected 1000 shares for 10 CC at 0.01, got %s", q.Shares)
	}
}

func TestQuoteTrade_SubCentRounding(t *testing.T) {
	// CC amounts round to 2 places before pricing.
	q, err := QuoteTrade(decimal.Zero, decimal.Zero, d(10.005), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.NewTotalTrue.Equal(d(10.01)) {
		t.Errorf("expected amount rounded to 10.01, got %s", q.NewTotalTrue)
	}
}

func TestQuoteTrade_FractionalShares(t *testing.T) {
	// 10 CC at price 0.75 buys 13.3333 shares (4-place rounding).
	q, err := QuoteTrade(d(30), d(10), d(10), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Shares.Equal(d(13.3333)) {
		t.Errorf("expected 13.3333 shares, got %s", q.Shares)
	}
}
