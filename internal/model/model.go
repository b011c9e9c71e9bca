// Package model defines the core domain types shared across the rumor engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the side of a binary market a bet is placed on.
type Side string

const (
	SideTrue  Side = "true"
	SideFalse Side = "false"
)

// ParseSide normalizes the duck-typed side strings used by the presentation
// layer ("true"/"false", "long"/"short") into the closed Side type.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "long", "yes":
		return SideTrue, nil
	case "false", "short", "no":
		return SideFalse, nil
	default:
		return "", ErrInvalidSide
	}
}

// Outcome is a resolved market's verdict. It shares the Side value space:
// a SideTrue position wins when the outcome is OutcomeTrue.
type Outcome = Side

const (
	OutcomeTrue  Outcome = SideTrue
	OutcomeFalse Outcome = SideFalse
)

// MarketState is a node in the market lifecycle state machine.
type MarketState string

const (
	StateDraft             MarketState = "draft"
	StateOpen              MarketState = "open"
	StatePendingResolution MarketState = "pending_resolution"
	StateResolved          MarketState = "resolved"
	StateSettled           MarketState = "settled"
	StateRejected          MarketState = "rejected"
	StateExpired           MarketState = "expired"
)

// Terminal reports whether no further transition is legal from the state.
func (s MarketState) Terminal() bool {
	return s == StateSettled || s == StateRejected || s == StateExpired
}

// AcceptsBets reports whether trade submissions are legal in the state.
func (s MarketState) AcceptsBets() bool {
	return s == StateOpen || s == StatePendingResolution
}

// User holds the two-bucket balance model: available for spending, locked
// while staked behind open oracle reports. Users are never deleted.
type User struct {
	ID               string          `json:"id" db:"id"`
	Pseudonym        string          `json:"pseudonym" db:"pseudonym"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	LockedBalance    decimal.Decimal `json:"locked_balance" db:"locked_balance"`
	TotalEarned      decimal.Decimal `json:"total_earned" db:"total_earned"`
	TotalLost        decimal.Decimal `json:"total_lost" db:"total_lost"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Market represents one rumor market. The current price is NOT stored: it is
// always derived from TotalBetTrue and TotalBetFalse so the stored totals
// and the quoted price can never drift apart (see pricing.MarketPrice).
type Market struct {
	ID            string          `json:"id" db:"id"`
	Text          string          `json:"text" db:"text"`
	Category      string          `json:"category" db:"category"`
	CreatorID     string          `json:"creator_id" db:"creator_id"`
	Stake         decimal.Decimal `json:"stake" db:"stake"` // creation escrow, outside trading liquidity
	State         MarketState     `json:"state" db:"state"`
	TotalBetTrue  decimal.Decimal `json:"total_bet_true" db:"total_bet_true"`
	TotalBetFalse decimal.Decimal `json:"total_bet_false" db:"total_bet_false"`
	ExpiresAt     time.Time       `json:"expires_at" db:"expires_at"`
	Outcome       *Outcome        `json:"outcome,omitempty" db:"outcome"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Position is a user's aggregate holding in one market. TRUE and FALSE
// shares coexist without netting because they may be entered at different
// prices over time.
type Position struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	SharesTrue  decimal.Decimal `json:"shares_true" db:"shares_true"`
	SharesFalse decimal.Decimal `json:"shares_false" db:"shares_false"`
	CostTrue    decimal.Decimal `json:"cost_true" db:"cost_true"`
	CostFalse   decimal.Decimal `json:"cost_false" db:"cost_false"`
	Status      string          `json:"status" db:"status"` // "open" or "closed"
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// PositionOpen and PositionClosed are the Position.Status values.
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

// CostBasis is the total CC the user has committed to this market.
func (p *Position) CostBasis() decimal.Decimal {
	return p.CostTrue.Add(p.CostFalse)
}

// WinningShares returns the share count paying 1 CC each under the outcome.
func (p *Position) WinningShares(outcome Outcome) decimal.Decimal {
	if outcome == OutcomeTrue {
		return p.SharesTrue
	}
	return p.SharesFalse
}

// OracleReport is an immutable staked verdict. Corrections append a new
// report; consensus counts only the latest report per (oracle, market).
type OracleReport struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	OracleID  string          `json:"oracle_id" db:"oracle_id"`
	Verdict   Outcome         `json:"verdict" db:"verdict"`
	Stake     decimal.Decimal `json:"stake" db:"stake"`
	Evidence  []string        `json:"evidence,omitempty" db:"evidence"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// BalanceChange is one user's balance delta within a settlement batch.
type BalanceChange struct {
	UserID         string
	AvailableDelta decimal.Decimal
	LockedDelta    decimal.Decimal
	EarnedDelta    decimal.Decimal
	LostDelta      decimal.Decimal
}

// Settlement is an all-or-nothing batch of money movement plus one market
// state transition. The store applies it atomically so a crash can never
// leave some oracles slashed and others unrewarded.
type Settlement struct {
	MarketID       string
	FromState      MarketState // compare-and-set guard: fails if the market left this state
	ToState        MarketState
	Outcome        *Outcome
	Changes        []BalanceChange
	ClosePositions bool
}
