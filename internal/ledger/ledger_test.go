package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/campuscast/rumor-engine/internal/model"
	"github.com/campuscast/rumor-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestLedger(t *testing.T) (*Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return New(ms, time.Second), ms
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, available float64) {
	t.Helper()
	err := ms.CreateUser(context.Background(), &model.User{
		ID:               id,
		Pseudonym:        "pseud-" + id,
		AvailableBalance: d(available),
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

// --- Debit / Credit ---

func TestDebit_Sufficient(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)

	if err := l.Debit(context.Background(), "u1", d(30)); err != nil {
		t.Fatalf("debit failed: %v", err)
	}

	u, _ := ms.GetUser(context.Background(), "u1")
	if !u.AvailableBalance.Equal(d(70)) {
		t.Errorf("expected balance 70, got %s", u.AvailableBalance)
	}
}

func TestDebit_Insufficient(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 10)

	err := l.Debit(context.Background(), "u1", d(10.01))
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// Balance untouched after the rejection.
	u, _ := ms.GetUser(context.Background(), "u1")
	if !u.AvailableBalance.Equal(d(10)) {
		t.Errorf("failed debit must not move money, balance %s", u.AvailableBalance)
	}
}

func TestDebit_ExactBalance(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 50)

	if err := l.Debit(context.Background(), "u1", d(50)); err != nil {
		t.Fatalf("debit to zero should succeed: %v", err)
	}
	u, _ := ms.GetUser(context.Background(), "u1")
	if !u.AvailableBalance.IsZero() {
		t.Errorf("expected zero balance, got %s", u.AvailableBalance)
	}
}

func TestDebit_NonPositiveAmount(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)

	for _, amount := range []decimal.Decimal{decimal.Zero, d(-5)} {
		err := l.Debit(context.Background(), "u1", amount)
		if !errors.Is(err, model.ErrInvariantViolation) {
			t.Errorf("amount %s: expected ErrInvariantViolation, got %v", amount, err)
		}
	}
}

func TestCredit_UnknownUser(t *testing.T) {
	l, _ := newTestLedger(t)

	err := l.Credit(context.Background(), "ghost", d(10))
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Stake lock / release ---

func TestLockStake_MovesBetweenBuckets(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)

	if err := l.LockStake(context.Background(), "u1", d(25)); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	u, _ := ms.GetUser(context.Background(), "u1")
	if !u.AvailableBalance.Equal(d(75)) {
		t.Errorf("expected available 75, got %s", u.AvailableBalance)
	}
	if !u.LockedBalance.Equal(d(25)) {
		t.Errorf("expected locked 25, got %s", u.LockedBalance)
	}
}

func TestLockStake_Insufficient(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 20)

	err := l.LockStake(context.Background(), "u1", d(25))
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestReleaseStake_BreakEven(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)
	ctx := context.Background()

	l.LockStake(ctx, "u1", d(25))
	if err := l.ReleaseStake(ctx, "u1", d(25), d(1)); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if !u.AvailableBalance.Equal(d(100)) {
		t.Errorf("break-even release should restore 100, got %s", u.AvailableBalance)
	}
	if !u.LockedBalance.IsZero() {
		t.Errorf("expected locked 0, got %s", u.LockedBalance)
	}
	if !u.TotalEarned.IsZero() || !u.TotalLost.IsZero() {
		t.Errorf("break-even must not book earnings: earned=%s lost=%s", u.TotalEarned, u.TotalLost)
	}
}

func TestReleaseStake_WithReward(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)
	ctx := context.Background()

	l.LockStake(ctx, "u1", d(20))
	if err := l.ReleaseStake(ctx, "u1", d(20), d(2.25)); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	// 80 available + 20×2.25 = 125.
	if !u.AvailableBalance.Equal(d(125)) {
		t.Errorf("expected available 125, got %s", u.AvailableBalance)
	}
	if !u.TotalEarned.Equal(d(25)) {
		t.Errorf("expected earned 25, got %s", u.TotalEarned)
	}
}

func TestReleaseStake_TotalSlash(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)
	ctx := context.Background()

	l.LockStake(ctx, "u1", d(30))
	if err := l.ReleaseStake(ctx, "u1", d(30), decimal.Zero); err != nil {
		t.Fatalf("slash failed: %v", err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if !u.AvailableBalance.Equal(d(70)) {
		t.Errorf("expected available 70 after slash, got %s", u.AvailableBalance)
	}
	if !u.LockedBalance.IsZero() {
		t.Errorf("expected locked 0, got %s", u.LockedBalance)
	}
	if !u.TotalLost.Equal(d(30)) {
		t.Errorf("expected lost 30, got %s", u.TotalLost)
	}
}

func TestReleaseStake_ExceedsLocked(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)
	ctx := context.Background()

	l.LockStake(ctx, "u1", d(10))
	err := l.ReleaseStake(ctx, "u1", d(15), d(1))
	if !errors.Is(err, model.ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation, got %v", err)
	}
}

func TestReleaseStake_MultiplierBounds(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)
	ctx := context.Background()
	l.LockStake(ctx, "u1", d(10))

	for _, mult := range []decimal.Decimal{d(-0.5), d(3.01)} {
		err := l.ReleaseStake(ctx, "u1", d(10), mult)
		if !errors.Is(err, model.ErrInvariantViolation) {
			t.Errorf("multiplier %s: expected ErrInvariantViolation, got %v", mult, err)
		}
	}
}

func TestSwapStake_ReplacesLockedStake(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 40)
	ctx := context.Background()

	l.LockStake(ctx, "u1", d(10))
	if err := l.SwapStake(ctx, "u1", d(10), d(25)); err != nil {
		t.Fatalf("swap failed: %v", err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if !u.AvailableBalance.Equal(d(15)) || !u.LockedBalance.Equal(d(25)) {
		t.Errorf("expected 15/25 after swap, got %s/%s", u.AvailableBalance, u.LockedBalance)
	}
	if !u.TotalEarned.IsZero() || !u.TotalLost.IsZero() {
		t.Error("swap must not book earnings or losses")
	}
}

func TestSwapStake_InsufficientLeavesEscrowIntact(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 20)
	ctx := context.Background()

	// Available 10 plus the freed 10 cannot cover 50.
	l.LockStake(ctx, "u1", d(10))
	err := l.SwapStake(ctx, "u1", d(10), d(50))
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if !u.AvailableBalance.Equal(d(10)) || !u.LockedBalance.Equal(d(10)) {
		t.Errorf("rejected swap must not move money, got %s/%s", u.AvailableBalance, u.LockedBalance)
	}
}

func TestSwapStake_CountsFreedStakeTowardNew(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 20)
	ctx := context.Background()

	// Available 5 alone is short of 15, but the freed 15 covers it.
	l.LockStake(ctx, "u1", d(15))
	if err := l.SwapStake(ctx, "u1", d(15), d(15)); err != nil {
		t.Fatalf("same-size swap failed: %v", err)
	}
	if err := l.SwapStake(ctx, "u1", d(15), d(20)); err != nil {
		t.Fatalf("swap within freed headroom failed: %v", err)
	}

	u, _ := ms.GetUser(ctx, "u1")
	if !u.AvailableBalance.IsZero() || !u.LockedBalance.Equal(d(20)) {
		t.Errorf("expected 0/20, got %s/%s", u.AvailableBalance, u.LockedBalance)
	}
}

func TestSwapStake_OldExceedsLocked(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)
	ctx := context.Background()

	l.LockStake(ctx, "u1", d(10))
	err := l.SwapStake(ctx, "u1", d(15), d(20))
	if !errors.Is(err, model.ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation, got %v", err)
	}
}

// --- Positions ---

func TestRecordPosition_CreatesThenAppends(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)
	ctx := context.Background()

	p, err := l.RecordPosition(ctx, "u1", "m1", model.SideTrue, d(20), d(10))
	if err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	if p.ID == "" {
		t.Error("expected generated position ID")
	}
	if !p.SharesTrue.Equal(d(20)) || !p.CostTrue.Equal(d(10)) {
		t.Errorf("unexpected first position: shares=%s cost=%s", p.SharesTrue, p.CostTrue)
	}

	p2, err := l.RecordPosition(ctx, "u1", "m1", model.SideFalse, d(8), d(4))
	if err != nil {
		t.Fatalf("second record failed: %v", err)
	}
	if p2.ID != p.ID {
		t.Error("same user+market should append to the same position row")
	}
	if !p2.SharesTrue.Equal(d(20)) || !p2.SharesFalse.Equal(d(8)) {
		t.Errorf("both sides should accumulate: true=%s false=%s", p2.SharesTrue, p2.SharesFalse)
	}
	if !p2.CostBasis().Equal(d(14)) {
		t.Errorf("expected cost basis 14, got %s", p2.CostBasis())
	}
}

// --- Concurrency ---

func TestDebit_ConcurrentNeverNegative(t *testing.T) {
	l, ms := newTestLedger(t)
	seedUser(t, ms, "u1", 100)
	ctx := context.Background()

	// 20 concurrent debits of 10 against a balance of 100: exactly 10 can
	// succeed, and the balance must never go negative.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Debit(ctx, "u1", d(10)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("expected exactly 10 successful debits, got %d", succeeded)
	}
	u, _ := ms.GetUser(ctx, "u1")
	if !u.AvailableBalance.IsZero() {
		t.Errorf("expected final balance 0, got %s", u.AvailableBalance)
	}
	if u.AvailableBalance.IsNegative() {
		t.Fatalf("balance went negative: %s", u.AvailableBalance)
	}
}

// --- ReleaseStakeChange ---

func TestReleaseStakeChange_Bookkeeping(t *testing.T) {
	c := ReleaseStakeChange("u1", d(20), d(1.5))
	if !c.AvailableDelta.Equal(d(30)) {
		t.Errorf("expected available delta 30, got %s", c.AvailableDelta)
	}
	if !c.LockedDelta.Equal(d(-20)) {
		t.Errorf("expected locked delta -20, got %s", c.LockedDelta)
	}
	if !c.EarnedDelta.Equal(d(10)) {
		t.Errorf("expected earned 10, got %s", c.EarnedDelta)
	}

	slash := ReleaseStakeChange("u1", d(20), decimal.Zero)
	if !slash.AvailableDelta.IsZero() || !slash.LostDelta.Equal(d(20)) {
		t.Errorf("slash should credit nothing and book the loss: avail=%s lost=%s",
			slash.AvailableDelta, slash.LostDelta)
	}
}
