package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/campuscast/rumor-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, pseudonym, available_balance, locked_balance, total_earned, total_lost, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		u.ID, u.Pseudonym,
		u.AvailableBalance.String(), u.LockedBalance.String(),
		u.TotalEarned.String(), u.TotalLost.String(),
		u.CreatedAt,
	)
	return err
}

const userColumns = `id, pseudonym,
	available_balance::TEXT, locked_balance::TEXT,
	total_earned::TEXT, total_lost::TEXT, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var avail, locked, earned, lost string

	err := row.Scan(&u.ID, &u.Pseudonym, &avail, &locked, &earned, &lost, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.AvailableBalance, _ = decimal.NewFromString(avail)
	u.LockedBalance, _ = decimal.NewFromString(locked)
	u.TotalEarned, _ = decimal.NewFromString(earned)
	u.TotalLost, _ = decimal.NewFromString(lost)
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByPseudonym(ctx context.Context, pseudonym string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE pseudonym = $1`, pseudonym))
	if err != nil {
		return nil, fmt.Errorf("get user by pseudonym %s: %w", pseudonym, err)
	}
	return u, nil
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, c model.BalanceChange) error {
	return adjustBalance(ctx, s.pool, c)
}

// pgExec covers both *pgxpool.Pool and pgx.Tx.
type pgExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// adjustBalance applies one delta with the non-negative invariant enforced
// in SQL: the WHERE clause refuses any update that would drive a balance
// negative, so the invariant holds even against bugs above this layer.
func adjustBalance(ctx context.Context, db pgExec, c model.BalanceChange) error {
	ct, err := db.Exec(ctx,
		`UPDATE users
		 SET available_balance = available_balance + $2::NUMERIC,
		     locked_balance    = locked_balance    + $3::NUMERIC,
		     total_earned      = total_earned      + $4::NUMERIC,
		     total_lost        = total_lost        + $5::NUMERIC
		 WHERE id = $1
		   AND available_balance + $2::NUMERIC >= 0
		   AND locked_balance    + $3::NUMERIC >= 0`,
		c.UserID,
		c.AvailableDelta.String(), c.LockedDelta.String(),
		c.EarnedDelta.String(), c.LostDelta.String(),
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("user %s balance would go negative: %w", c.UserID, model.ErrInvariantViolation)
	}
	return nil
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, text, category, creator_id, stake, state, total_bet_true, total_bet_false, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		m.ID, m.Text, m.Category, m.CreatorID,
		m.Stake.String(), m.State,
		m.TotalBetTrue.String(), m.TotalBetFalse.String(),
		m.ExpiresAt, m.CreatedAt,
	)
	return err
}

const marketColumns = `id, text, category, creator_id,
	stake::TEXT, state, total_bet_true::TEXT, total_bet_false::TEXT,
	expires_at, outcome, created_at, resolved_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var stake, tTrue, tFalse string
	var outcome *string

	err := row.Scan(&m.ID, &m.Text, &m.Category, &m.CreatorID,
		&stake, &m.State, &tTrue, &tFalse,
		&m.ExpiresAt, &outcome, &m.CreatedAt, &m.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Stake, _ = decimal.NewFromString(stake)
	m.TotalBetTrue, _ = decimal.NewFromString(tTrue)
	m.TotalBetFalse, _ = decimal.NewFromString(tFalse)
	if outcome != nil {
		o := model.Outcome(*outcome)
		m.Outcome = &o
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets
		 WHERE ($1 = '' OR state = $1)
		   AND ($2 = '' OR category = $2)
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		string(f.State), f.Category, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMarkets(rows)
}

func (s *PostgresStore) ListMarketsPastExpiry(ctx context.Context, now time.Time) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets
		 WHERE state IN ('open', 'pending_resolution') AND expires_at < $1`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMarkets(rows)
}

func collectMarkets(rows pgx.Rows) ([]model.Market, error) {
	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketTotals(ctx context.Context, id string, totalTrue, totalFalse decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE markets SET total_bet_true = $2::NUMERIC, total_bet_false = $3::NUMERIC WHERE id = $1`,
		id, totalTrue.String(), totalFalse.String(),
	)
	return err
}

func (s *PostgresStore) TransitionMarket(ctx context.Context, id string, from, to model.MarketState, outcome *model.Outcome) error {
	return transitionMarket(ctx, s.pool, id, from, to, outcome)
}

func transitionMarket(ctx context.Context, db pgExec, id string, from, to model.MarketState, outcome *model.Outcome) error {
	var o *string
	if outcome != nil {
		s := string(*outcome)
		o = &s
	}
	ct, err := db.Exec(ctx,
		`UPDATE markets
		 SET state = $3,
		     outcome = COALESCE($4, outcome),
		     resolved_at = CASE WHEN $4 IS NULL THEN resolved_at ELSE NOW() END
		 WHERE id = $1 AND state = $2`,
		id, string(from), string(to), o,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("market %s not in state %s: %w", id, from, model.ErrMarketClosed)
	}
	return nil
}

// --- Positions ---

const positionColumns = `id, user_id, market_id,
	shares_true::TEXT, shares_false::TEXT,
	cost_true::TEXT, cost_false::TEXT, status, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var sTrue, sFalse, cTrue, cFalse string

	err := row.Scan(&p.ID, &p.UserID, &p.MarketID,
		&sTrue, &sFalse, &cTrue, &cFalse, &p.Status, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.SharesTrue, _ = decimal.NewFromString(sTrue)
	p.SharesFalse, _ = decimal.NewFromString(sFalse)
	p.CostTrue, _ = decimal.NewFromString(cTrue)
	p.CostFalse, _ = decimal.NewFromString(cFalse)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND market_id = $2`,
		userID, marketID))
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, marketID, err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, shares_true, shares_false, cost_true, cost_false, status, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (user_id, market_id) DO UPDATE
		 SET shares_true = EXCLUDED.shares_true,
		     shares_false = EXCLUDED.shares_false,
		     cost_true = EXCLUDED.cost_true,
		     cost_false = EXCLUDED.cost_false,
		     status = EXCLUDED.status,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.MarketID,
		p.SharesTrue.String(), p.SharesFalse.String(),
		p.CostTrue.String(), p.CostFalse.String(),
		p.Status, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE market_id = $1 AND status = 'open' ORDER BY user_id`,
		marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 ORDER BY updated_at`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Oracle reports ---

func (s *PostgresStore) InsertOracleReport(ctx context.Context, r *model.OracleReport) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oracle_reports (id, market_id, oracle_id, verdict, stake, evidence, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		r.ID, r.MarketID, r.OracleID, string(r.Verdict),
		r.Stake.String(), r.Evidence, r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListOracleReports(ctx context.Context, marketID string) ([]model.OracleReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, oracle_id, verdict, stake::TEXT, evidence, created_at
		 FROM oracle_reports WHERE market_id = $1 ORDER BY created_at`,
		marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []model.OracleReport
	for rows.Next() {
		var r model.OracleReport
		var verdict, stake string
		if err := rows.Scan(&r.ID, &r.MarketID, &r.OracleID, &verdict, &stake, &r.Evidence, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Verdict = model.Outcome(verdict)
		r.Stake, _ = decimal.NewFromString(stake)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// --- Settlement ---

// ApplySettlement runs the whole batch in one SQL transaction: the guarded
// state transition, every balance change, and position closure commit
// together or roll back together.
func (s *PostgresStore) ApplySettlement(ctx context.Context, st *model.Settlement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := transitionMarket(ctx, tx, st.MarketID, st.FromState, st.ToState, st.Outcome); err != nil {
		return err
	}
	for _, c := range st.Changes {
		if err := adjustBalance(ctx, tx, c); err != nil {
			return err
		}
	}
	if st.ClosePositions {
		if _, err := tx.Exec(ctx,
			`UPDATE positions SET status = 'closed', updated_at = NOW()
			 WHERE market_id = $1 AND status = 'open'`,
			st.MarketID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
