// Package ledger owns all user balance and position mutation. It is the
// single source of truth for money movement: every debit, credit, stake
// lock/release, and position append in the engine goes through this package.
//
// Each operation is all-or-nothing. Balances can never go negative: the
// invariant is checked before every mutation (and again inside the store's
// atomic update), never clamped after the fact.
//
// Serialization: read-modify-write sequences on one user are guarded by a
// per-user keyed lock with a bounded wait. This is the second locking axis
// next to the engine's per-market locks, always acquired market-before-user.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campuscast/rumor-engine/internal/locks"
	"github.com/campuscast/rumor-engine/internal/model"
	"github.com/campuscast/rumor-engine/internal/pricing"
	"github.com/campuscast/rumor-engine/internal/store"
)

// MaxReleaseMultiplier bounds ReleaseStake: 0 is a total slash, 1 is
// break-even, 3 is the maximum oracle reward.
var MaxReleaseMultiplier = decimal.NewFromInt(3)

// Ledger mediates all balance and position mutation against the store.
type Ledger struct {
	store store.Store
	locks *locks.Table
}

// New creates a ledger whose per-user locks give up after lockWait.
func New(st store.Store, lockWait time.Duration) *Ledger {
	return &Ledger{
		store: st,
		locks: locks.NewTable(lockWait),
	}
}

// Debit removes amount from the user's available balance. Fails with
// model.ErrInsufficientFunds if the balance cannot cover it.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	release, err := l.locks.Acquire(userID)
	if err != nil {
		return err
	}
	defer release()

	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.AvailableBalance.LessThan(amount) {
		return fmt.Errorf("debit %s from %s (available %s): %w",
			amount, userID, u.AvailableBalance, model.ErrInsufficientFunds)
	}
	return l.store.AdjustBalance(ctx, model.BalanceChange{
		UserID:         userID,
		AvailableDelta: amount.Neg(),
	})
}

// Credit adds amount to the user's available balance. Never fails for a
// valid amount and existing user.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	release, err := l.locks.Acquire(userID)
	if err != nil {
		return err
	}
	defer release()

	return l.store.AdjustBalance(ctx, model.BalanceChange{
		UserID:         userID,
		AvailableDelta: amount,
	})
}

// LockStake moves amount from available to locked. Fails with
// model.ErrInsufficientFunds if unavailable.
func (l *Ledger) LockStake(ctx context.Context, userID string, amount decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	release, err := l.locks.Acquire(userID)
	if err != nil {
		return err
	}
	defer release()

	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.AvailableBalance.LessThan(amount) {
		return fmt.Errorf("lock %s for %s (available %s): %w",
			amount, userID, u.AvailableBalance, model.ErrInsufficientFunds)
	}
	return l.store.AdjustBalance(ctx, model.BalanceChange{
		UserID:         userID,
		AvailableDelta: amount.Neg(),
		LockedDelta:    amount,
	})
}

// ReleaseStake moves amount out of locked and credits amount×multiplier to
// available. Multiplier 1 is break-even, 0 a total slash, up to 3 the
// maximum reward. Fails with model.ErrInvariantViolation if locked does not
// cover amount: released stake that was never locked is a bug, not a user
// error.
func (l *Ledger) ReleaseStake(ctx context.Context, userID string, amount, multiplier decimal.Decimal) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if multiplier.IsNegative() || multiplier.GreaterThan(MaxReleaseMultiplier) {
		return fmt.Errorf("release multiplier %s out of [0, 3]: %w", multiplier, model.ErrInvariantViolation)
	}
	release, err := l.locks.Acquire(userID)
	if err != nil {
		return err
	}
	defer release()

	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.LockedBalance.LessThan(amount) {
		slog.Error("stake release exceeds locked balance",
			"user", userID, "amount", amount.String(), "locked", u.LockedBalance.String())
		return fmt.Errorf("release %s from %s (locked %s): %w",
			amount, userID, u.LockedBalance, model.ErrInvariantViolation)
	}
	return l.store.AdjustBalance(ctx, ReleaseStakeChange(userID, amount, multiplier))
}

// SwapStake replaces a locked stake with a new one in a single balance
// change: the old amount returns to available at face value and the new
// amount locks, together or not at all. Fails with
// model.ErrInsufficientFunds when the available balance plus the freed old
// stake cannot cover the new one, leaving both buckets untouched.
func (l *Ledger) SwapStake(ctx context.Context, userID string, oldAmount, newAmount decimal.Decimal) error {
	if err := validAmount(oldAmount); err != nil {
		return err
	}
	if err := validAmount(newAmount); err != nil {
		return err
	}
	release, err := l.locks.Acquire(userID)
	if err != nil {
		return err
	}
	defer release()

	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.LockedBalance.LessThan(oldAmount) {
		slog.Error("stake swap exceeds locked balance",
			"user", userID, "amount", oldAmount.String(), "locked", u.LockedBalance.String())
		return fmt.Errorf("swap %s out of %s (locked %s): %w",
			oldAmount, userID, u.LockedBalance, model.ErrInvariantViolation)
	}
	if u.AvailableBalance.Add(oldAmount).LessThan(newAmount) {
		return fmt.Errorf("swap to %s for %s (available %s, freed %s): %w",
			newAmount, userID, u.AvailableBalance, oldAmount, model.ErrInsufficientFunds)
	}
	if oldAmount.Equal(newAmount) {
		return nil
	}
	return l.store.AdjustBalance(ctx, model.BalanceChange{
		UserID:         userID,
		AvailableDelta: oldAmount.Sub(newAmount),
		LockedDelta:    newAmount.Sub(oldAmount),
	})
}

// ReleaseStakeChange builds the balance delta for releasing a locked stake
// at the given multiplier, including the earned/lost bookkeeping. Used both
// by ReleaseStake and by consensus settlement batches, which need many
// releases applied as one atomic unit.
func ReleaseStakeChange(userID string, amount, multiplier decimal.Decimal) model.BalanceChange {
	payout := amount.Mul(multiplier).Round(pricing.CCScale)
	c := model.BalanceChange{
		UserID:         userID,
		AvailableDelta: payout,
		LockedDelta:    amount.Neg(),
	}
	if payout.GreaterThan(amount) {
		c.EarnedDelta = payout.Sub(amount)
	} else {
		c.LostDelta = amount.Sub(payout)
	}
	return c
}

// RecordPosition appends shares and cost to the user's position in a market,
// creating the row on first bet. It never rejects: affordability was already
// established by the preceding Debit.
func (l *Ledger) RecordPosition(ctx context.Context, userID, marketID string, side model.Side, sharesDelta, costDelta decimal.Decimal) (*model.Position, error) {
	release, err := l.locks.Acquire(userID)
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := l.store.GetPosition(ctx, userID, marketID)
	if err != nil {
		if !isNotFound(err) {
			return nil, err
		}
		p = &model.Position{
			ID:       uuid.New().String(),
			UserID:   userID,
			MarketID: marketID,
			Status:   model.PositionOpen,
		}
	}
	if side == model.SideTrue {
		p.SharesTrue = p.SharesTrue.Add(sharesDelta)
		p.CostTrue = p.CostTrue.Add(costDelta)
	} else {
		p.SharesFalse = p.SharesFalse.Add(sharesDelta)
		p.CostFalse = p.CostFalse.Add(costDelta)
	}
	p.UpdatedAt = time.Now().UTC()

	if err := l.store.UpsertPosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Settle applies a settlement batch. All money movement stays behind the
// ledger even when triggered by consensus: other components build the batch
// but this is the only door to the store's atomic apply.
func (l *Ledger) Settle(ctx context.Context, s *model.Settlement) error {
	return l.store.ApplySettlement(ctx, s)
}

func validAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("amount %s must be positive: %w", amount, model.ErrInvariantViolation)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
