// Package lifecycle owns the market state machine:
//
//	draft → open → pending_resolution → resolved → settled
//	draft → rejected                  (moderation verdict, terminal)
//	open | pending_resolution → expired  (deadline passed, refund path)
//
// Only forward transitions are legal; no state is re-entered. Settlement is
// guarded by the resolved → settled transition itself: the compare-and-set
// in the store makes a second settlement attempt fail instead of paying
// twice.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/campuscast/rumor-engine/internal/model"
	"github.com/campuscast/rumor-engine/internal/store"
)

// transitions is the complete legal-transition table.
var transitions = map[model.MarketState]map[model.MarketState]bool{
	model.StateDraft: {
		model.StateOpen:     true,
		model.StateRejected: true,
	},
	model.StateOpen: {
		model.StatePendingResolution: true,
		model.StateExpired:           true,
	},
	model.StatePendingResolution: {
		model.StateResolved: true,
		model.StateExpired:  true,
	},
	model.StateResolved: {
		model.StateSettled: true,
	},
}

// Check returns model.ErrMarketClosed if from → to is not a legal move.
func Check(from, to model.MarketState) error {
	if !transitions[from][to] {
		return fmt.Errorf("illegal transition %s → %s: %w", from, to, model.ErrMarketClosed)
	}
	return nil
}

// Machine applies validated transitions against the store.
type Machine struct {
	store store.Store
}

// NewMachine creates a lifecycle machine over the store.
func NewMachine(st store.Store) *Machine {
	return &Machine{store: st}
}

// Transition validates legality and applies the move with compare-and-set
// semantics: if the market has already left from, nothing changes and
// model.ErrMarketClosed is returned.
func (m *Machine) Transition(ctx context.Context, marketID string, from, to model.MarketState, outcome *model.Outcome) error {
	if err := Check(from, to); err != nil {
		return err
	}
	return m.store.TransitionMarket(ctx, marketID, from, to, outcome)
}

// RequireBettable returns model.ErrMarketClosed unless the market accepts
// trade submissions in its current state.
func RequireBettable(mkt *model.Market) error {
	if !mkt.State.AcceptsBets() {
		return fmt.Errorf("market %s is %s: %w", mkt.ID, mkt.State, model.ErrMarketClosed)
	}
	return nil
}

// RequireReportable returns model.ErrMarketClosed unless oracle reports are
// accepted in the market's current state.
func RequireReportable(mkt *model.Market) error {
	if mkt.State != model.StateOpen && mkt.State != model.StatePendingResolution {
		return fmt.Errorf("market %s is %s: %w", mkt.ID, mkt.State, model.ErrMarketClosed)
	}
	return nil
}
