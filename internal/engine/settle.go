package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campuscast/rumor-engine/internal/consensus"
	"github.com/campuscast/rumor-engine/internal/ledger"
	"github.com/campuscast/rumor-engine/internal/lifecycle"
	"github.com/campuscast/rumor-engine/internal/metrics"
	"github.com/campuscast/rumor-engine/internal/model"
	"github.com/campuscast/rumor-engine/internal/pricing"
)

// Settlement runs as two atomic batches. The resolution batch pays and
// slashes oracles together with the pending_resolution→resolved transition;
// the payout batch pays position holders and the creator together with the
// resolved→settled transition. Each batch is guarded by a state
// compare-and-set, so replaying a settlement after a partial failure moves
// no money twice.

// creatorWinMultiplier is the creator's payout factor when the market
// resolves TRUE. On FALSE the escrowed creation stake is forfeited.
var creatorWinMultiplier = decimal.NewFromInt(2)

// SubmitOracleReport handles POST /api/v1/oracles/report.
// A later report by the same oracle supersedes the earlier one: the old
// escrow swaps for the new stake in one balance change and the report is
// appended, never overwritten. If the standing reports reach quorum the
// market resolves and settles inline.
func (s *Service) SubmitOracleReport(w http.ResponseWriter, r *http.Request) {
	var req OracleReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OracleID == "" || req.MarketID == "" {
		writeError(w, "oracle_id and market_id are required", http.StatusBadRequest)
		return
	}
	verdict, err := model.ParseSide(req.Verdict)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	stake := req.Stake.Round(pricing.CCScale)
	if stake.LessThan(s.cfg.MinOracleStake) {
		writeDomainError(w, model.ErrStakeTooLow)
		return
	}
	if stake.GreaterThan(s.cfg.MaxOracleStake) {
		writeError(w, fmt.Sprintf("stake exceeds maximum of %s CC", s.cfg.MaxOracleStake), http.StatusBadRequest)
		return
	}

	release, err := s.marketLocks.Acquire(req.MarketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer release()

	ctx := r.Context()
	m, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := lifecycle.RequireReportable(m); err != nil {
		writeDomainError(w, err)
		return
	}
	if m.ExpiresAt.Before(time.Now()) {
		writeDomainError(w, model.ErrMarketClosed)
		return
	}
	if m.CreatorID == req.OracleID {
		writeError(w, "market creator cannot report on own market", http.StatusForbidden)
		return
	}
	if _, err := s.store.GetUser(ctx, req.OracleID); err != nil {
		writeDomainError(w, err)
		return
	}

	reports, err := s.store.ListOracleReports(ctx, m.ID)
	if err != nil {
		writeError(w, "failed to load reports", http.StatusInternalServerError)
		return
	}

	// Supersession: the standing stake is swapped for the new one in a
	// single balance change, so a rejected re-report leaves the old vote
	// and its escrow exactly as they were.
	prior := consensus.TallyReports(reports)
	oldStake := decimal.Zero
	var oldVerdict model.Outcome
	for _, old := range prior.Standing {
		if old.OracleID == req.OracleID {
			oldStake = old.Stake
			oldVerdict = old.Verdict
			break
		}
	}
	if oldStake.IsPositive() {
		if err := s.ledger.SwapStake(ctx, req.OracleID, oldStake, stake); err != nil {
			writeDomainError(w, err)
			return
		}
		slog.Info("oracle report superseded",
			"market", m.ID, "oracle", req.OracleID,
			"old_verdict", oldVerdict, "new_verdict", verdict,
		)
	} else if err := s.ledger.LockStake(ctx, req.OracleID, stake); err != nil {
		writeDomainError(w, err)
		return
	}

	report := &model.OracleReport{
		ID:        uuid.New().String(),
		MarketID:  m.ID,
		OracleID:  req.OracleID,
		Verdict:   model.Outcome(verdict),
		Stake:     stake,
		Evidence:  req.Evidence,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertOracleReport(ctx, report); err != nil {
		// The escrow moved but the report was lost; restore the prior
		// escrow so the standing vote keeps its backing.
		var rerr error
		if oldStake.IsPositive() {
			rerr = s.ledger.SwapStake(ctx, req.OracleID, stake, oldStake)
		} else {
			rerr = s.ledger.ReleaseStake(ctx, req.OracleID, stake, decimal.NewFromInt(1))
		}
		if rerr != nil {
			slog.Error("escrow restore failed after report insert failure", "oracle", req.OracleID, "err", rerr)
		}
		writeError(w, "failed to record report", http.StatusInternalServerError)
		return
	}
	metrics.OracleReportsTotal.WithLabelValues(string(report.Verdict)).Inc()

	// First standing report moves the market out of open.
	if m.State == model.StateOpen {
		if err := s.machine.Transition(ctx, m.ID, model.StateOpen, model.StatePendingResolution, nil); err != nil {
			writeDomainError(w, err)
			return
		}
		m.State = model.StatePendingResolution
	}

	tally := consensus.TallyReports(append(reports, *report))
	outcome, reached := tally.Outcome(s.quorum)
	if !reached {
		writeJSON(w, http.StatusCreated, OracleReportResponse{Report: report})
		return
	}

	if err := s.resolveAndSettle(ctx, m, tally, outcome); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OracleReportResponse{Report: report, ConsensusTriggered: true})
}

// ListOracleReports handles GET /api/v1/markets/{marketID}/reports.
// Returns the full append-only log in submission order.
func (s *Service) ListOracleReports(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		writeDomainError(w, err)
		return
	}
	reports, err := s.store.ListOracleReports(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to load reports", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": marketID,
		"reports":   reports,
		"count":     len(reports),
	})
}

// ReplaySettlement handles POST /api/v1/markets/{marketID}/settle.
// Operator recovery for a market stuck in resolved after a payout failure:
// re-runs the position payout batch. Idempotent; settling an already
// settled market is a no-op.
func (s *Service) ReplaySettlement(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

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

	switch m.State {
	case model.StateSettled:
		writeJSON(w, http.StatusOK, map[string]any{"market": viewOf(m), "settled": true})
		return
	case model.StateResolved:
		if m.Outcome == nil {
			writeDomainError(w, fmt.Errorf("%w: resolved market %s has no outcome", model.ErrInvariantViolation, m.ID))
			return
		}
		if err := s.settleResolved(ctx, m, *m.Outcome); err != nil {
			writeDomainError(w, err)
			return
		}
		m.State = model.StateSettled
		writeJSON(w, http.StatusOK, map[string]any{"market": viewOf(m), "settled": true})
	default:
		writeDomainError(w, model.ErrMarketClosed)
	}
}

// resolveAndSettle runs both settlement batches for a market that reached
// quorum. A failure in the payout batch leaves the market resolved with its
// outcome recorded; ReplaySettlement finishes the job.
func (s *Service) resolveAndSettle(ctx context.Context, m *model.Market, tally consensus.Tally, outcome model.Outcome) error {
	resolution := s.buildResolutionSettlement(m, tally, outcome)
	if err := s.ledger.Settle(ctx, resolution); err != nil {
		return fmt.Errorf("resolve market %s: %w", m.ID, err)
	}
	m.State = model.StateResolved
	m.Outcome = &outcome
	metrics.ResolutionsTotal.WithLabelValues(string(outcome)).Inc()
	slog.Info("market resolved",
		"id", m.ID,
		"outcome", outcome,
		"oracles", len(tally.Standing),
		"total_stake", tally.TotalStake.String(),
	)

	if err := s.settleResolved(ctx, m, outcome); err != nil {
		slog.Error("position settlement failed, market held in resolved", "market", m.ID, "err", err)
		return fmt.Errorf("%w: %v", model.ErrConsensusSettlementFailed, err)
	}
	m.State = model.StateSettled
	return nil
}

// buildResolutionSettlement assembles the oracle payout batch: agreeing
// oracles get their stake back at the reward multiplier plus a
// stake-proportional share of the slashed pool; disagreeing oracles forfeit
// their entire stake.
func (s *Service) buildResolutionSettlement(m *model.Market, tally consensus.Tally, outcome model.Outcome) *model.Settlement {
	payouts := consensus.Payouts(tally, outcome, s.reward)

	changes := make([]model.BalanceChange, 0, len(payouts))
	slashed := decimal.Zero
	for _, p := range payouts {
		if p.Multiplier.IsZero() {
			// Minority oracle: locked stake is gone.
			changes = append(changes, model.BalanceChange{
				UserID:      p.OracleID,
				LockedDelta: p.Stake.Neg(),
				LostDelta:   p.Stake,
			})
			slashed = slashed.Add(p.Stake)
			continue
		}
		ch := ledger.ReleaseStakeChange(p.OracleID, p.Stake, p.Multiplier)
		ch.AvailableDelta = ch.AvailableDelta.Add(p.SlashShare)
		ch.EarnedDelta = ch.EarnedDelta.Add(p.SlashShare)
		changes = append(changes, ch)
	}
	if slashed.IsPositive() {
		metrics.SlashedStake.Add(slashed.InexactFloat64())
	}

	return &model.Settlement{
		MarketID:  m.ID,
		FromState: model.StatePendingResolution,
		ToState:   model.StateResolved,
		Outcome:   &outcome,
		Changes:   changes,
	}
}

// settleResolved runs the position payout batch: every winning share pays
// 1 CC, losers' cost is recorded as lost, the creator gets stake×2 on TRUE
// or forfeits on FALSE, and all positions close with resolved→settled.
func (s *Service) settleResolved(ctx context.Context, m *model.Market, outcome model.Outcome) error {
	positions, err := s.store.ListMarketPositions(ctx, m.ID)
	if err != nil {
		return err
	}

	changes := make([]model.BalanceChange, 0, len(positions)+1)
	for _, p := range positions {
		payout := p.WinningShares(outcome).Round(pricing.CCScale)
		cost := p.CostBasis()
		ch := model.BalanceChange{UserID: p.UserID, AvailableDelta: payout}
		if payout.GreaterThan(cost) {
			ch.EarnedDelta = payout.Sub(cost)
		} else {
			ch.LostDelta = cost.Sub(payout)
		}
		changes = append(changes, ch)
	}

	if outcome == model.OutcomeTrue {
		reward := m.Stake.Mul(creatorWinMultiplier).Round(pricing.CCScale)
		changes = append(changes, model.BalanceChange{
			UserID:         m.CreatorID,
			AvailableDelta: reward,
			EarnedDelta:    reward.Sub(m.Stake),
		})
	} else {
		changes = append(changes, model.BalanceChange{
			UserID:   m.CreatorID,
			LostDelta: m.Stake,
		})
	}

	settlement := &model.Settlement{
		MarketID:       m.ID,
		FromState:      model.StateResolved,
		ToState:        model.StateSettled,
		Outcome:        &outcome,
		Changes:        changes,
		ClosePositions: true,
	}
	if err := s.ledger.Settle(ctx, settlement); err != nil {
		return err
	}

	slog.Info("market settled",
		"id", m.ID,
		"outcome", outcome,
		"positions", len(positions),
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: m.ID,
			Category: m.Category,
			State:    string(model.StateSettled),
			Outcome:  string(outcome),
		})
	}
	return nil
}

// expireMarket voids a market past its deadline with no quorum: bettors get
// their exact cost basis back, standing oracle stakes release at face value,
// and the creator's escrow returns.
func (s *Service) expireMarket(ctx context.Context, m *model.Market) error {
	positions, err := s.store.ListMarketPositions(ctx, m.ID)
	if err != nil {
		return err
	}
	reports, err := s.store.ListOracleReports(ctx, m.ID)
	if err != nil {
		return err
	}
	tally := consensus.TallyReports(reports)

	changes := make([]model.BalanceChange, 0, len(positions)+len(tally.Standing)+1)
	for _, p := range positions {
		changes = append(changes, model.BalanceChange{
			UserID:         p.UserID,
			AvailableDelta: p.CostBasis(),
		})
	}
	for _, rep := range tally.Standing {
		changes = append(changes, model.BalanceChange{
			UserID:         rep.OracleID,
			AvailableDelta: rep.Stake,
			LockedDelta:    rep.Stake.Neg(),
		})
	}
	changes = append(changes, model.BalanceChange{
		UserID:         m.CreatorID,
		AvailableDelta: m.Stake,
	})

	settlement := &model.Settlement{
		MarketID:       m.ID,
		FromState:      m.State, // open or pending_resolution
		ToState:        model.StateExpired,
		Changes:        changes,
		ClosePositions: true,
	}
	if err := s.ledger.Settle(ctx, settlement); err != nil {
		return err
	}

	metrics.ExpiredMarkets.Inc()
	slog.Info("market expired", "id", m.ID, "positions", len(positions), "oracles", len(tally.Standing))
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "market_expired",
			MarketID: m.ID,
			Category: m.Category,
			State:    string(model.StateExpired),
		})
	}
	return nil
}

// RunExpirySweeper periodically expires markets past their deadline. Runs
// until ctx is cancelled; call in its own goroutine.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
		}
	}
}

func (s *Service) sweepExpired(ctx context.Context) {
	markets, err := s.store.ListMarketsPastExpiry(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("expiry sweep failed", "err", err)
		return
	}
	for i := range markets {
		m := &markets[i]
		release, err := s.marketLocks.Acquire(m.ID)
		if err != nil {
			continue // busy market; next sweep picks it up
		}
		// Re-read under the lock: a concurrent report may have resolved it.
		fresh, err := s.store.GetMarket(ctx, m.ID)
		if err == nil && !fresh.State.Terminal() && fresh.State != model.StateResolved {
			if err := s.expireMarket(ctx, fresh); err != nil {
				slog.Error("market expiry failed", "market", m.ID, "err", err)
			}
		}
		release()
	}
}
