// Package limits enforces bet exposure caps along two tiers: how much a
// user may commit to any single market, and how much across all markets in
// the same category.
//
// Rumors in one category move together (one dining-hall scandal spawns five
// related markets), so a user piling CC into a whole category carries
// correlated risk the per-market cap alone would miss. The category tier
// bounds that aggregate.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMarketLimitExceeded is returned when a bet would push the user's
	// cost basis in a single market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("limits: per-market exposure limit exceeded")

	// ErrCategoryLimitExceeded is returned when a bet would push the user's
	// aggregate cost basis across one category beyond the category maximum.
	ErrCategoryLimitExceeded = errors.New("limits: category exposure limit exceeded")
)

// BetLimiter enforces the two-tier exposure caps. Exposure is measured in
// CC committed (cost basis of open positions), not share count, so the caps
// are unaffected by entry price.
type BetLimiter struct {
	// MaxPerMarket is the maximum CC a user may commit to one market.
	MaxPerMarket decimal.Decimal

	// MaxPerCategory is the maximum aggregate CC a user may have committed
	// across all open positions in markets sharing a category.
	MaxPerCategory decimal.Decimal
}

// NewBetLimiter creates a limiter with the given per-market and per-category
// caps.
func NewBetLimiter(maxPerMarket, maxPerCategory decimal.Decimal) *BetLimiter {
	return &BetLimiter{
		MaxPerMarket:   maxPerMarket,
		MaxPerCategory: maxPerCategory,
	}
}

// CheckLimit decides whether adding amount CC to marketID (in category) is
// allowed. exposures maps market ID → the user's current open cost basis;
// categories maps market ID → that market's category. Exactly reaching a cap
// is allowed; exceeding it is not.
func (l *BetLimiter) CheckLimit(marketID, category string, amount decimal.Decimal, exposures map[string]decimal.Decimal, categories map[string]string) error {
	if exposures[marketID].Add(amount).GreaterThan(l.MaxPerMarket) {
		return ErrMarketLimitExceeded
	}

	aggregate := amount
	for id, exp := range exposures {
		if id == marketID || categories[id] == category {
			aggregate = aggregate.Add(exp)
		}
	}
	if aggregate.GreaterThan(l.MaxPerCategory) {
		return ErrCategoryLimitExceeded
	}
	return nil
}
