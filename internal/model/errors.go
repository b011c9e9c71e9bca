package model

import "errors"

// Error kinds surfaced by the engine. Component packages wrap these with
// context; callers classify with errors.Is.
var (
	// ErrInsufficientFunds means the user's available balance cannot cover
	// the requested debit or stake lock.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrMarketClosed means the market's state does not admit the operation.
	ErrMarketClosed = errors.New("market closed")

	// ErrStakeTooLow means an oracle stake or creation stake is below the
	// configured minimum.
	ErrStakeTooLow = errors.New("stake below minimum")

	// ErrInvalidSide means a side/verdict string is outside the closed
	// true/false value set.
	ErrInvalidSide = errors.New("invalid side")

	// ErrInvariantViolation means a mutation would drive a balance negative.
	// This is a bug signal: the operation is aborted and logged, never
	// silently clamped.
	ErrInvariantViolation = errors.New("balance invariant violation")

	// ErrBusy means a lock could not be acquired within the bounded wait.
	// Safe to retry with backoff.
	ErrBusy = errors.New("busy, retry")

	// ErrNotFound means the referenced user or market does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConsensusSettlementFailed means the atomic slash/reward/transition
	// sequence failed partway validation. No partial effect was applied;
	// recovery is an operator-level replay, not a client retry.
	ErrConsensusSettlementFailed = errors.New("consensus settlement failed")
)
