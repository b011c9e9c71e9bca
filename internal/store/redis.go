package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/campuscast/rumor-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot market reads. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary. Money
// movement (users, positions, settlement) is never cached; balances always
// come from the source of truth.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Markets: read-through with write invalidation ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) UpdateMarketTotals(ctx context.Context, id string, totalTrue, totalFalse decimal.Decimal) error {
	if err := s.primary.UpdateMarketTotals(ctx, id, totalTrue, totalFalse); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) TransitionMarket(ctx context.Context, id string, from, to model.MarketState, outcome *model.Outcome) error {
	if err := s.primary.TransitionMarket(ctx, id, from, to, outcome); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, st *model.Settlement) error {
	if err := s.primary.ApplySettlement(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(st.MarketID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.primary.CreateUser(ctx, u)
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetUserByPseudonym(ctx context.Context, pseudonym string) (*model.User, error) {
	return s.primary.GetUserByPseudonym(ctx, pseudonym)
}

func (s *CachedStore) AdjustBalance(ctx context.Context, c model.BalanceChange) error {
	return s.primary.AdjustBalance(ctx, c)
}

func (s *CachedStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, f)
}

func (s *CachedStore) ListMarketsPastExpiry(ctx context.Context, now time.Time) ([]model.Market, error) {
	return s.primary.ListMarketsPastExpiry(ctx, now)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	return s.primary.UpsertPosition(ctx, p)
}

func (s *CachedStore) ListMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListMarketPositions(ctx, marketID)
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListUserPositions(ctx, userID)
}

func (s *CachedStore) InsertOracleReport(ctx context.Context, r *model.OracleReport) error {
	return s.primary.InsertOracleReport(ctx, r)
}

func (s *CachedStore) ListOracleReports(ctx context.Context, marketID string) ([]model.OracleReport, error) {
	return s.primary.ListOracleReports(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
