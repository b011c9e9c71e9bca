// Package pricing implements the constant-sum automated market maker that
// prices rumor markets from cumulative stake:
//
//	price = total_bet_true / (total_bet_true + total_bet_false)
//
// A fresh market with no bets prices at 0.50. A TRUE buy enters at the
// current price, a FALSE buy at its complement, and the buy's CC amount is
// added to its side's total, so larger trades move the price further and no
// single actor can buy unlimited cheap shares.
//
// All monetary values use shopspring/decimal, never float64 for money.
// The price is a pure function of the two totals and is never stored,
// eliminating any cached-price-vs-source-of-truth drift.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositiveAmount is returned when a quote is requested for a zero
	// or negative CC amount.
	ErrNonPositiveAmount = errors.New("pricing: cc amount must be positive")

	// MinPrice is the lowest allowed effective price (probability floor).
	// Prevents division by zero and unbounded share issuance at the extreme.
	MinPrice = decimal.NewFromFloat(0.01)

	// MaxPrice is the highest allowed effective price (probability ceiling).
	// Prevents degenerate markets where the outcome appears "certain".
	MaxPrice = decimal.NewFromFloat(0.99)

	// CCScale is the number of decimal places for CC amounts.
	CCScale int32 = 2

	// ShareScale is the number of decimal places for fractional shares.
	ShareScale int32 = 4

	half = decimal.NewFromFloat(0.5)
	one  = decimal.NewFromInt(1)
)

// Quote is the result of pricing one prospective trade.
type Quote struct {
	PriceBefore    decimal.Decimal // TRUE probability before the trade
	EffectivePrice decimal.Decimal // entry price for the chosen side, clamped
	Shares         decimal.Decimal // ccAmount / effectivePrice
	PriceAfter     decimal.Decimal // TRUE probability after the trade
	NewTotalTrue   decimal.Decimal
	NewTotalFalse  decimal.Decimal
}

// MarketPrice derives the TRUE probability from the two cumulative totals,
// clamped to [MinPrice, MaxPrice]. Both totals zero means even odds.
func MarketPrice(totalTrue, totalFalse decimal.Decimal) decimal.Decimal {
	total := totalTrue.Add(totalFalse)
	if total.IsZero() {
		return half
	}
	return clamp(totalTrue.Div(total).Round(ShareScale))
}

// QuoteTrade prices a buy of ccAmount CC on the given side against the
// current totals. sideTrue selects the TRUE side; FALSE buys enter at the
// complement price. Fractional shares are permitted.
func QuoteTrade(totalTrue, totalFalse, ccAmount decimal.Decimal, sideTrue bool) (Quote, error) {
	if ccAmount.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrNonPositiveAmount
	}
	ccAmount = ccAmount.Round(CCScale)

	priceBefore := MarketPrice(totalTrue, totalFalse)

	effective := priceBefore
	if !sideTrue {
		effective = clamp(one.Sub(priceBefore))
	}

	shares := ccAmount.Div(effective).Round(ShareScale)

	newTrue, newFalse := totalTrue, totalFalse
	if sideTrue {
		newTrue = totalTrue.Add(ccAmount)
	} else {
		newFalse = totalFalse.Add(ccAmount)
	}

	return Quote{
		PriceBefore:    priceBefore,
		EffectivePrice: effective,
		Shares:         shares,
		PriceAfter:     MarketPrice(newTrue, newFalse),
		NewTotalTrue:   newTrue,
		NewTotalFalse:  newFalse,
	}, nil
}

func clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}
