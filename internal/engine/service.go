// Package engine exposes the settlement engine's request/response API and
// orchestrates the component flow: a trade enters through Market Lifecycle
// (is the market open?), is priced by the Pricing Engine, and settles
// against the Ledger; an oracle report enters through Consensus, which on
// quorum instructs Lifecycle and Ledger to resolve and pay out.
//
// Serialization: every pricing quote, bet settlement, and consensus
// evaluation for one market runs under that market's lock, acquired with a
// bounded wait. The ledger adds its own per-user locks underneath; the
// acquisition order is always market before user.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campuscast/rumor-engine/internal/config"
	"github.com/campuscast/rumor-engine/internal/consensus"
	"github.com/campuscast/rumor-engine/internal/ledger"
	"github.com/campuscast/rumor-engine/internal/lifecycle"
	"github.com/campuscast/rumor-engine/internal/limits"
	"github.com/campuscast/rumor-engine/internal/locks"
	"github.com/campuscast/rumor-engine/internal/metrics"
	"github.com/campuscast/rumor-engine/internal/model"
	"github.com/campuscast/rumor-engine/internal/moderation"
	"github.com/campuscast/rumor-engine/internal/pricing"
	"github.com/campuscast/rumor-engine/internal/store"
)

// defaultMarketLifetime applies when a submission carries no expiry.
const defaultMarketLifetime = 7 * 24 * time.Hour

// Service wires the engine components behind HTTP handlers.
type Service struct {
	store       store.Store
	ledger      *ledger.Ledger
	machine     *lifecycle.Machine
	limiter     *limits.BetLimiter
	classifier  moderation.Classifier
	sanitizer   *moderation.Sanitizer
	cfg         *config.Config
	quorum      consensus.Params
	reward      consensus.RewardPolicy
	marketLocks *locks.Table
	wsHub       *WSHub // optional; nil disables broadcasting
}

// NewService creates the engine service. Pass nil for hub if WebSocket
// broadcasting is not needed; pass nil for classifier to admit everything.
func NewService(st store.Store, cfg *config.Config, classifier moderation.Classifier, hub *WSHub) *Service {
	if classifier == nil {
		classifier = moderation.AdmitAll{}
	}
	return &Service{
		store:      st,
		ledger:     ledger.New(st, cfg.LockWait),
		machine:    lifecycle.NewMachine(st),
		limiter:    limits.NewBetLimiter(cfg.MaxPerMarket, cfg.MaxPerCategory),
		classifier: classifier,
		sanitizer:  moderation.NewSanitizer(),
		cfg:        cfg,
		quorum: consensus.Params{
			MinOracles: cfg.QuorumMinOracles,
			Threshold:  cfg.QuorumThreshold,
		},
		reward:      consensus.LinearRewardPolicy(cfg.RewardMin, cfg.RewardMax),
		marketLocks: locks.NewTable(cfg.LockWait),
		wsHub:       hub,
	}
}

// Routes mounts all engine endpoints on the router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/users", s.InitializeUser)
	r.Get("/users/{userID}", s.GetUser)
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.SubmitMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Post("/markets/{marketID}/bet", s.PlaceBet)
	r.Post("/markets/{marketID}/settle", s.ReplaySettlement)
	r.Get("/markets/{marketID}/reports", s.ListOracleReports)
	r.Post("/oracles/report", s.SubmitOracleReport)
	r.Get("/portfolio/{userID}", s.GetPortfolio)
}

// --- Request/Response types ---

// marketView is a Market plus its derived price. The price is computed at
// serialization time from the two totals; it is never stored.
type marketView struct {
	*model.Market
	Price decimal.Decimal `json:"price"`
}

func viewOf(m *model.Market) marketView {
	return marketView{Market: m, Price: pricing.MarketPrice(m.TotalBetTrue, m.TotalBetFalse)}
}

// InitializeUserRequest is the JSON body for POST /users.
type InitializeUserRequest struct {
	Pseudonym string `json:"pseudonym"`
}

// SubmitMarketRequest is the JSON body for POST /markets.
type SubmitMarketRequest struct {
	UserID    string          `json:"user_id"`
	Text      string          `json:"text"`
	Category  string          `json:"category"`
	Stake     decimal.Decimal `json:"stake"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// BetRequest is the JSON body for POST /markets/{marketID}/bet.
// Side accepts the UI's synonyms: "true"/"false" or "long"/"short".
type BetRequest struct {
	UserID   string          `json:"user_id"`
	Side     string          `json:"side"`
	CCAmount decimal.Decimal `json:"cc_amount"`
}

// BetResponse is returned from a settled bet.
type BetResponse struct {
	Market         marketView      `json:"market"`
	Position       *model.Position `json:"position"`
	SharesReceived decimal.Decimal `json:"shares_received"`
	PriceBefore    decimal.Decimal `json:"price_before"`
	PriceAfter     decimal.Decimal `json:"price_after"`
}

// OracleReportRequest is the JSON body for POST /oracles/report.
type OracleReportRequest struct {
	OracleID string          `json:"oracle_id"`
	MarketID string          `json:"market_id"`
	Verdict  string          `json:"verdict"`
	Stake    decimal.Decimal `json:"stake"`
	Evidence []string        `json:"evidence,omitempty"`
}

// OracleReportResponse is returned from a report submission.
type OracleReportResponse struct {
	Report             *model.OracleReport `json:"report"`
	ConsensusTriggered bool                `json:"consensus_triggered"`
}

// --- Users ---

// InitializeUser handles POST /api/v1/users.
// Idempotent per pseudonym: an already-registered pseudonym returns the
// existing user, otherwise a new user is created with the starting grant.
func (s *Service) InitializeUser(w http.ResponseWriter, r *http.Request) {
	var req InitializeUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Pseudonym == "" || len(req.Pseudonym) > 32 {
		writeError(w, "pseudonym must be 1-32 characters", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if u, err := s.store.GetUserByPseudonym(ctx, req.Pseudonym); err == nil {
		writeJSON(w, http.StatusOK, u)
		return
	}

	u := &model.User{
		ID:               uuid.New().String(),
		Pseudonym:        req.Pseudonym,
		AvailableBalance: s.cfg.StartingGrant,
		LockedBalance:    decimal.Zero,
		TotalEarned:      decimal.Zero,
		TotalLost:        decimal.Zero,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		// Lost a registration race: return whoever won it.
		if existing, gerr := s.store.GetUserByPseudonym(ctx, req.Pseudonym); gerr == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("user registered", "id", u.ID, "pseudonym", u.Pseudonym, "grant", s.cfg.StartingGrant.String())
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}.
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Markets ---

// ListMarkets handles GET /api/v1/markets?status=&category=&limit=&offset=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.MarketFilter{
		State:    model.MarketState(q.Get("status")),
		Category: q.Get("category"),
	}
	f.Limit = intParam(q.Get("limit"), 20)
	f.Offset = intParam(q.Get("offset"), 0)

	markets, err := s.store.ListMarkets(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	views := make([]marketView, 0, len(markets))
	for i := range markets {
		views = append(views, viewOf(&markets[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": views,
		"limit":   f.Limit,
		"offset":  f.Offset,
		"count":   len(views),
	})
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// SubmitMarket handles POST /api/v1/markets.
// The submission passes the moderation collaborator before the creation
// stake is escrowed and the market opens; a rejection is terminal and moves
// no money.
func (s *Service) SubmitMarket(w http.ResponseWriter, r *http.Request) {
	var req SubmitMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := moderation.ValidCategory(req.Category); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Stake.LessThan(s.cfg.MinMarketStake) {
		writeDomainError(w, model.ErrStakeTooLow)
		return
	}

	text, err := s.sanitizer.Clean(req.Text)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	creator, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if creator.AvailableBalance.LessThan(req.Stake) {
		writeDomainError(w, model.ErrInsufficientFunds)
		return
	}

	expiresAt := time.Now().UTC().Add(defaultMarketLifetime)
	if req.ExpiresAt != nil {
		if req.ExpiresAt.Before(time.Now()) {
			writeError(w, "expires_at must be in the future", http.StatusBadRequest)
			return
		}
		expiresAt = req.ExpiresAt.UTC()
	}

	m := &model.Market{
		ID:            uuid.New().String(),
		Text:          text,
		Category:      req.Category,
		CreatorID:     req.UserID,
		Stake:         req.Stake.Round(pricing.CCScale),
		State:         model.StateDraft,
		TotalBetTrue:  decimal.Zero,
		TotalBetFalse: decimal.Zero,
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateMarket(ctx, m); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	verdict, err := s.classifier.Classify(ctx, text, req.Category)
	if err != nil {
		slog.Warn("moderation collaborator unavailable, admitting", "market", m.ID, "err", err)
		verdict = moderation.Verdict{Admit: true}
	}
	if !verdict.Admit {
		if terr := s.machine.Transition(ctx, m.ID, model.StateDraft, model.StateRejected, nil); terr != nil {
			writeDomainError(w, terr)
			return
		}
		m.State = model.StateRejected
		slog.Info("market rejected by moderation", "id", m.ID, "reason", verdict.Reason)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"market":  viewOf(m),
			"verdict": verdict,
		})
		return
	}

	// Escrow the creation stake, then open.
	if err := s.ledger.Debit(ctx, req.UserID, m.Stake); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.machine.Transition(ctx, m.ID, model.StateDraft, model.StateOpen, nil); err != nil {
		// Stake is escrowed but the market failed to open; return it.
		if cerr := s.ledger.Credit(ctx, req.UserID, m.Stake); cerr != nil {
			slog.Error("stake refund failed after open failure", "market", m.ID, "err", cerr)
		}
		writeDomainError(w, err)
		return
	}
	m.State = model.StateOpen

	slog.Info("market opened",
		"id", m.ID,
		"category", m.Category,
		"creator", m.CreatorID,
		"stake", m.Stake.String(),
		"expires_at", m.ExpiresAt,
	)
	writeJSON(w, http.StatusCreated, map[string]any{"market": viewOf(m)})
}

// --- Bets ---

// PlaceBet handles POST /api/v1/markets/{marketID}/bet.
// Runs the full trade flow under the market lock: lifecycle gate, exposure
// limits, pricing quote, ledger debit, position append.
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req BetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	amount := req.CCAmount.Round(pricing.CCScale)
	if amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "cc_amount must be positive", http.StatusBadRequest)
		return
	}

	release, err := s.marketLocks.Acquire(marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer release()

	ctx := r.Context()
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := lifecycle.RequireBettable(m); err != nil {
		writeDomainError(w, err)
		return
	}
	if m.ExpiresAt.Before(time.Now()) {
		writeDomainError(w, model.ErrMarketClosed)
		return
	}
	if _, err := s.store.GetUser(ctx, req.UserID); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.checkExposure(ctx, req.UserID, m, amount); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	quote, err := pricing.QuoteTrade(m.TotalBetTrue, m.TotalBetFalse, amount, side == model.SideTrue)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Money moves last: debit, commit totals, append position.
	if err := s.ledger.Debit(ctx, req.UserID, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.UpdateMarketTotals(ctx, m.ID, quote.NewTotalTrue, quote.NewTotalFalse); err != nil {
		if cerr := s.ledger.Credit(ctx, req.UserID, amount); cerr != nil {
			slog.Error("bet refund failed after totals update failure", "market", m.ID, "user", req.UserID, "err", cerr)
		}
		writeError(w, "failed to update market", http.StatusInternalServerError)
		return
	}
	pos, err := s.ledger.RecordPosition(ctx, req.UserID, m.ID, side, quote.Shares, amount)
	if err != nil {
		// Unwind the committed totals and the debit; a paid-for bet with no
		// position must not survive.
		if terr := s.store.UpdateMarketTotals(ctx, m.ID, m.TotalBetTrue, m.TotalBetFalse); terr != nil {
			slog.Error("totals rollback failed after position failure", "market", m.ID, "err", terr)
		}
		if cerr := s.ledger.Credit(ctx, req.UserID, amount); cerr != nil {
			slog.Error("bet refund failed after position failure", "market", m.ID, "user", req.UserID, "err", cerr)
		}
		writeError(w, "failed to record position", http.StatusInternalServerError)
		return
	}

	m.TotalBetTrue = quote.NewTotalTrue
	m.TotalBetFalse = quote.NewTotalFalse

	metrics.BetsTotal.WithLabelValues(string(side)).Inc()
	metrics.BetVolume.WithLabelValues(string(side)).Add(amount.InexactFloat64())

	slog.Info("bet settled",
		"market", m.ID,
		"user", req.UserID,
		"side", side,
		"cc", amount.String(),
		"shares", quote.Shares.String(),
		"price_before", quote.PriceBefore.String(),
		"price_after", quote.PriceAfter.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "bet_placed",
			MarketID: m.ID,
			Category: m.Category,
			Price:    quote.PriceAfter.String(),
			Side:     string(side),
			Amount:   amount.String(),
		})
	}

	writeJSON(w, http.StatusOK, BetResponse{
		Market:         viewOf(m),
		Position:       pos,
		SharesReceived: quote.Shares,
		PriceBefore:    quote.PriceBefore,
		PriceAfter:     quote.PriceAfter,
	})
}

// checkExposure applies the two-tier bet limits from the user's open
// positions.
func (s *Service) checkExposure(ctx context.Context, userID string, m *model.Market, amount decimal.Decimal) error {
	positions, err := s.store.ListUserPositions(ctx, userID)
	if err != nil {
		return err
	}

	exposures := make(map[string]decimal.Decimal)
	categories := map[string]string{m.ID: m.Category}
	for _, p := range positions {
		if p.Status != model.PositionOpen {
			continue
		}
		exposures[p.MarketID] = p.CostBasis()
		if _, ok := categories[p.MarketID]; !ok {
			pm, err := s.store.GetMarket(ctx, p.MarketID)
			if err != nil {
				continue // settled markets may be archived; skip
			}
			categories[p.MarketID] = pm.Category
		}
	}
	return s.limiter.CheckLimit(m.ID, m.Category, amount, exposures, categories)
}

// --- Portfolio ---

// GetPortfolio handles GET /api/v1/portfolio/{userID}.
// Returns balances plus open positions marked to the current derived price.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	positions, err := s.store.ListUserPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	type positionView struct {
		model.Position
		Price         decimal.Decimal `json:"price"`
		CurrentValue  decimal.Decimal `json:"current_value"`
		UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	}

	one := decimal.NewFromInt(1)
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		pv := positionView{Position: p}
		if m, err := s.store.GetMarket(ctx, p.MarketID); err == nil {
			price := pricing.MarketPrice(m.TotalBetTrue, m.TotalBetFalse)
			pv.Price = price
			if p.Status == model.PositionOpen {
				pv.CurrentValue = price.Mul(p.SharesTrue).
					Add(one.Sub(price).Mul(p.SharesFalse)).
					Round(pricing.CCScale)
				pv.UnrealizedPnL = pv.CurrentValue.Sub(p.CostBasis())
			}
		}
		views = append(views, pv)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":      u,
		"positions": views,
	})
}

// --- Helpers ---

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps engine error kinds to HTTP statuses. Busy carries a
// Retry-After hint: it is the only error safe to retry unchanged.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, model.ErrMarketClosed):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrStakeTooLow), errors.Is(err, model.ErrInvalidSide):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrBusy):
		metrics.LockTimeouts.Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, model.ErrInvariantViolation), errors.Is(err, model.ErrConsensusSettlementFailed):
		slog.Error("fatal engine error", "err", err)
		writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}
