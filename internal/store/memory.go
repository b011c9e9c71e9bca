package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/campuscast/rumor-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	byPseud   map[string]string // pseudonym → user ID
	markets   map[string]*model.Market
	positions map[string]*model.Position // userID + "/" + marketID
	reports   []model.OracleReport
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		byPseud:   make(map[string]string),
		markets:   make(map[string]*model.Market),
		positions: make(map[string]*model.Position),
	}
}

func posKey(userID, marketID string) string { return userID + "/" + marketID }

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byPseud[u.Pseudonym]; ok {
		return fmt.Errorf("pseudonym %q already registered", u.Pseudonym)
	}
	cp := *u
	s.users[u.ID] = &cp
	s.byPseud[u.Pseudonym] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByPseudonym(_ context.Context, pseudonym string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPseud[pseudonym]
	if !ok {
		return nil, fmt.Errorf("pseudonym %s: %w", pseudonym, model.ErrNotFound)
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) AdjustBalance(_ context.Context, c model.BalanceChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustBalanceLocked(c)
}

// adjustBalanceLocked validates and applies one delta. Caller holds s.mu.
func (s *MemoryStore) adjustBalanceLocked(c model.BalanceChange) error {
	u, ok := s.users[c.UserID]
	if !ok {
		return fmt.Errorf("user %s: %w", c.UserID, model.ErrNotFound)
	}
	newAvail := u.AvailableBalance.Add(c.AvailableDelta)
	newLocked := u.LockedBalance.Add(c.LockedDelta)
	if newAvail.IsNegative() || newLocked.IsNegative() {
		return fmt.Errorf("user %s balance would go negative: %w", c.UserID, model.ErrInvariantViolation)
	}
	u.AvailableBalance = newAvail
	u.LockedBalance = newLocked
	u.TotalEarned = u.TotalEarned.Add(c.EarnedDelta)
	u.TotalLost = u.TotalLost.Add(c.LostDelta)
	return nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var markets []model.Market
	for _, m := range s.markets {
		if f.State != "" && m.State != f.State {
			continue
		}
		if f.Category != "" && m.Category != f.Category {
			continue
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if f.Offset >= len(markets) {
		return []model.Market{}, nil
	}
	end := f.Offset + limit
	if end > len(markets) {
		end = len(markets)
	}
	return markets[f.Offset:end], nil
}

func (s *MemoryStore) UpdateMarketTotals(_ context.Context, id string, totalTrue, totalFalse decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	m.TotalBetTrue = totalTrue
	m.TotalBetFalse = totalFalse
	return nil
}

func (s *MemoryStore) TransitionMarket(_ context.Context, id string, from, to model.MarketState, outcome *model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, to, outcome)
}

func (s *MemoryStore) transitionLocked(id string, from, to model.MarketState, outcome *model.Outcome) error {
	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	if m.State != from {
		return fmt.Errorf("market %s is %s, not %s: %w", id, m.State, from, model.ErrMarketClosed)
	}
	m.State = to
	if outcome != nil {
		o := *outcome
		m.Outcome = &o
		now := time.Now().UTC()
		m.ResolvedAt = &now
	}
	return nil
}

func (s *MemoryStore) ListMarketsPastExpiry(_ context.Context, now time.Time) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var markets []model.Market
	for _, m := range s.markets {
		if (m.State == model.StateOpen || m.State == model.StatePendingResolution) && m.ExpiresAt.Before(now) {
			markets = append(markets, *m)
		}
	}
	return markets, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, marketID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", userID, marketID, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.positions[posKey(p.UserID, p.MarketID)] = &cp
	return nil
}

func (s *MemoryStore) ListMarketPositions(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID && p.Status == model.PositionOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// --- Oracle reports ---

func (s *MemoryStore) InsertOracleReport(_ context.Context, r *model.OracleReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports = append(s.reports, *r)
	return nil
}

func (s *MemoryStore) ListOracleReports(_ context.Context, marketID string) ([]model.OracleReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OracleReport
	for _, r := range s.reports {
		if r.MarketID == marketID {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- Settlement ---

// ApplySettlement validates the whole batch before touching anything, then
// applies it under one lock. Either every change lands or none do.
func (s *MemoryStore) ApplySettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[st.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", st.MarketID, model.ErrNotFound)
	}
	if m.State != st.FromState {
		return fmt.Errorf("market %s is %s, not %s: %w", st.MarketID, m.State, st.FromState, model.ErrMarketClosed)
	}
	// Deltas accumulate per user: a batch may touch the same balance more
	// than once. Validation walks the changes in apply order, so a batch
	// that passes can never fail mid-apply.
	availDelta := make(map[string]decimal.Decimal)
	lockedDelta := make(map[string]decimal.Decimal)
	for _, c := range st.Changes {
		u, ok := s.users[c.UserID]
		if !ok {
			return fmt.Errorf("user %s: %w", c.UserID, model.ErrNotFound)
		}
		availDelta[c.UserID] = availDelta[c.UserID].Add(c.AvailableDelta)
		lockedDelta[c.UserID] = lockedDelta[c.UserID].Add(c.LockedDelta)
		if u.AvailableBalance.Add(availDelta[c.UserID]).IsNegative() ||
			u.LockedBalance.Add(lockedDelta[c.UserID]).IsNegative() {
			return fmt.Errorf("user %s balance would go negative: %w", c.UserID, model.ErrInvariantViolation)
		}
	}

	for _, c := range st.Changes {
		if err := s.adjustBalanceLocked(c); err != nil {
			// Unreachable after pre-validation; surfaced as a bug signal.
			return err
		}
	}
	if st.ClosePositions {
		now := time.Now().UTC()
		for _, p := range s.positions {
			if p.MarketID == st.MarketID && p.Status == model.PositionOpen {
				p.Status = model.PositionClosed
				p.UpdatedAt = now
			}
		}
	}
	return s.transitionLocked(st.MarketID, st.FromState, st.ToState, st.Outcome)
}
