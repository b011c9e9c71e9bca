// Package store defines the persistence interface for the rumor engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/campuscast/rumor-engine/internal/model"
)

// MarketFilter narrows ListMarkets results. Zero values mean "no filter";
// Limit 0 means the implementation default (20).
type MarketFilter struct {
	State    model.MarketState
	Category string
	Limit    int
	Offset   int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Callers are responsible for serialization (per-market and per-user locks
// live above this layer); implementations are responsible for atomicity:
// every method is all-or-nothing, and ApplySettlement applies its whole
// batch in one transaction or not at all.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user. Pseudonyms are unique.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID. Returns model.ErrNotFound if absent.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByPseudonym retrieves a user by display pseudonym.
	GetUserByPseudonym(ctx context.Context, pseudonym string) (*model.User, error)

	// AdjustBalance applies one balance delta atomically. A delta that would
	// drive available or locked negative fails with model.ErrInvariantViolation
	// and leaves the user untouched.
	AdjustBalance(ctx context.Context, change model.BalanceChange) error

	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by ID. Returns model.ErrNotFound if absent.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets matching the filter, newest first.
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error)

	// UpdateMarketTotals writes the cumulative bet totals after a trade.
	// Price is never written: it is derived from these two columns.
	UpdateMarketTotals(ctx context.Context, id string, totalTrue, totalFalse decimal.Decimal) error

	// TransitionMarket moves a market from one state to another with
	// compare-and-set semantics: if the market is no longer in from, the
	// call fails with model.ErrMarketClosed and nothing changes. Outcome is
	// recorded when non-nil.
	TransitionMarket(ctx context.Context, id string, from, to model.MarketState, outcome *model.Outcome) error

	// ListMarketsPastExpiry returns open or pending_resolution markets whose
	// expiry timestamp has passed.
	ListMarketsPastExpiry(ctx context.Context, now time.Time) ([]model.Market, error)

	// --- Positions ---

	// GetPosition retrieves the (user, market) position, open or closed.
	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)

	// UpsertPosition creates or replaces the (user, market) position.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// ListMarketPositions returns all open positions in a market.
	ListMarketPositions(ctx context.Context, marketID string) ([]model.Position, error)

	// ListUserPositions returns all of a user's positions, open and closed.
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Oracle reports (append-only) ---

	// InsertOracleReport appends an immutable report.
	InsertOracleReport(ctx context.Context, r *model.OracleReport) error

	// ListOracleReports returns all reports for a market in submission order,
	// including superseded ones (the audit trail).
	ListOracleReports(ctx context.Context, marketID string) ([]model.OracleReport, error)

	// --- Settlement ---

	// ApplySettlement applies the batch atomically: the state transition
	// (with its compare-and-set guard), every balance change, and optional
	// position closure all commit together or not at all.
	ApplySettlement(ctx context.Context, s *model.Settlement) error
}
