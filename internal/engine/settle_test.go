package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/campuscast/rumor-engine/internal/model"
	"github.com/campuscast/rumor-engine/internal/store"
)

func postReport(t *testing.T, h http.Handler, oracle, market, verdict string, stake float64) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"oracle_id":%q,"market_id":%q,"verdict":%q,"stake":"%g"}`,
		oracle, market, verdict, stake)
	req := httptest.NewRequest("POST", "/api/v1/oracles/report", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// A re-report the oracle cannot afford must leave the standing vote and its
// escrow exactly as they were, and the market must still resolve and expire
// cleanly afterwards.
func TestSubmitOracleReport_RejectedRereportKeepsEscrow(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := NewService(ms, expiryConfig(), nil, nil)
	ctx := context.Background()

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	addUser(t, ms, "creator", 50, 0)
	addUser(t, ms, "u1", 70, 0)
	addUser(t, ms, "o1", 20, 0)
	addUser(t, ms, "o2", 100, 0)
	addUser(t, ms, "o3", 100, 0)

	if err := ms.CreateMarket(ctx, &model.Market{
		ID:           "m1",
		Text:         "the dining hall is switching to trayless service",
		Category:     "campus",
		CreatorID:    "creator",
		Stake:        dec(50),
		State:        model.StateOpen,
		TotalBetTrue: dec(30),
		ExpiresAt:    time.Now().Add(time.Hour),
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	ms.UpsertPosition(ctx, &model.Position{
		ID: "p1", UserID: "u1", MarketID: "m1",
		SharesTrue: dec(60), CostTrue: dec(30),
		Status: model.PositionOpen, UpdatedAt: time.Now().UTC(),
	})

	if w := postReport(t, r, "o1", "m1", "true", 10); w.Code != 201 {
		t.Fatalf("first report: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	o, _ := ms.GetUser(ctx, "o1")
	if !o.AvailableBalance.Equal(dec(10)) || !o.LockedBalance.Equal(dec(10)) {
		t.Fatalf("o1 after first report: expected 10/10, got %s/%s",
			o.AvailableBalance, o.LockedBalance)
	}

	// Available 10 plus the freed 10 cannot cover 50: the re-report is
	// rejected and the TRUE vote keeps its 10 CC escrow.
	if w := postReport(t, r, "o1", "m1", "false", 50); w.Code != 402 {
		t.Fatalf("unaffordable re-report: expected 402, got %d: %s", w.Code, w.Body.String())
	}
	o, _ = ms.GetUser(ctx, "o1")
	if !o.AvailableBalance.Equal(dec(10)) || !o.LockedBalance.Equal(dec(10)) {
		t.Errorf("rejected re-report must not move money, got %s/%s",
			o.AvailableBalance, o.LockedBalance)
	}
	reports, _ := ms.ListOracleReports(ctx, "m1")
	if len(reports) != 1 || reports[0].Verdict != model.OutcomeTrue {
		t.Fatalf("rejected re-report must not enter the log, got %d reports", len(reports))
	}

	// The original vote still counts: two agreeing reports complete the
	// quorum and the settlement batch balances.
	if w := postReport(t, r, "o2", "m1", "true", 10); w.Code != 201 {
		t.Fatalf("second report: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := postReport(t, r, "o3", "m1", "true", 10); w.Code != 201 {
		t.Fatalf("third report: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	m, _ := ms.GetMarket(ctx, "m1")
	if m.State != model.StateSettled {
		t.Fatalf("expected settled market, got %s", m.State)
	}
	if m.Outcome == nil || *m.Outcome != model.OutcomeTrue {
		t.Fatalf("expected TRUE outcome, got %v", m.Outcome)
	}

	// Earliest reporter gets the 3x multiplier on the stake that stayed
	// escrowed through the failed re-report.
	o, _ = ms.GetUser(ctx, "o1")
	if !o.AvailableBalance.Equal(dec(40)) || !o.LockedBalance.IsZero() {
		t.Errorf("o1: expected 40/0, got %s/%s", o.AvailableBalance, o.LockedBalance)
	}
	if u, _ := ms.GetUser(ctx, "u1"); !u.AvailableBalance.Equal(dec(130)) {
		t.Errorf("u1: expected 130 after payout, got %s", u.AvailableBalance)
	}
	if c, _ := ms.GetUser(ctx, "creator"); !c.AvailableBalance.Equal(dec(150)) {
		t.Errorf("creator: expected 150 after 2x reward, got %s", c.AvailableBalance)
	}
}

// A market with a rejected re-report in its history must still refund
// everyone at expiry.
func TestSweepExpired_AfterRejectedRereport(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := NewService(ms, expiryConfig(), nil, nil)
	ctx := context.Background()

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	addUser(t, ms, "creator", 50, 0)
	addUser(t, ms, "u1", 70, 0)
	addUser(t, ms, "o1", 20, 0)

	if err := ms.CreateMarket(ctx, &model.Market{
		ID:        "m1",
		Category:  "campus",
		CreatorID: "creator",
		Stake:     dec(50),
		State:     model.StateOpen,
		ExpiresAt: time.Now().Add(50 * time.Millisecond),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	ms.UpsertPosition(ctx, &model.Position{
		ID: "p1", UserID: "u1", MarketID: "m1",
		SharesTrue: dec(60), CostTrue: dec(30),
		Status: model.PositionOpen, UpdatedAt: time.Now().UTC(),
	})

	if w := postReport(t, r, "o1", "m1", "true", 10); w.Code != 201 {
		t.Fatalf("report: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := postReport(t, r, "o1", "m1", "false", 50); w.Code != 402 {
		t.Fatalf("re-report: expected 402, got %d: %s", w.Code, w.Body.String())
	}

	time.Sleep(60 * time.Millisecond)
	svc.sweepExpired(ctx)

	m, _ := ms.GetMarket(ctx, "m1")
	if m.State != model.StateExpired {
		t.Fatalf("expected expired market, got %s", m.State)
	}
	if u, _ := ms.GetUser(ctx, "u1"); !u.AvailableBalance.Equal(dec(100)) {
		t.Errorf("u1: expected full cost refund to 100, got %s", u.AvailableBalance)
	}
	o, _ := ms.GetUser(ctx, "o1")
	if !o.AvailableBalance.Equal(dec(20)) || !o.LockedBalance.IsZero() {
		t.Errorf("o1: expected 20/0 after release, got %s/%s",
			o.AvailableBalance, o.LockedBalance)
	}
	if c, _ := ms.GetUser(ctx, "creator"); !c.AvailableBalance.Equal(dec(100)) {
		t.Errorf("creator: expected escrow back to 100, got %s", c.AvailableBalance)
	}
}
