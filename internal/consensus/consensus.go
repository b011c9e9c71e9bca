// Package consensus implements staked oracle resolution. Oracles submit
// verdict reports into an append-only log; a newer report from the same
// oracle supersedes the older one at tally time, so no oracle's weight is
// ever double-counted while the full audit trail is preserved.
//
// Quorum requires BOTH of:
//   - at least MinOracles distinct oracles with active reports, and
//   - a stake-weighted agreement fraction ≥ Threshold (75%).
//
// A market that never reaches quorum is never forced to a verdict; it
// expires and refunds. Consensus must never be inferred from a minority.
//
// On quorum, agreeing oracles are rewarded between 1.5× and 3× of their
// stake (the curve is an injectable policy, not fixed here), disagreeing
// oracles are fully slashed, and the slashed stake is redistributed to the
// agreeing side proportional to stake.
package consensus

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/campuscast/rumor-engine/internal/model"
	"github.com/campuscast/rumor-engine/internal/pricing"
)

// Params configures the quorum rule.
type Params struct {
	MinOracles int             // distinct oracles required, default 3
	Threshold  decimal.Decimal // stake-weighted agreement fraction, default 0.75
}

// DefaultParams returns the production quorum rule: 3 oracles, 75% by stake.
func DefaultParams() Params {
	return Params{
		MinOracles: 3,
		Threshold:  decimal.NewFromFloat(0.75),
	}
}

// RewardPolicy maps an agreeing oracle's position in report order (0 =
// earliest) to a release multiplier. Implementations must stay within
// [1.5, 3]: earlier or more decisive reports earn more.
type RewardPolicy func(rank, agreeing int) decimal.Decimal

// LinearRewardPolicy rewards the earliest agreeing report at max and the
// latest at min, interpolating linearly in between.
func LinearRewardPolicy(min, max decimal.Decimal) RewardPolicy {
	span := max.Sub(min)
	return func(rank, agreeing int) decimal.Decimal {
		if agreeing <= 1 {
			return max
		}
		step := span.Div(decimal.NewFromInt(int64(agreeing - 1)))
		return max.Sub(step.Mul(decimal.NewFromInt(int64(rank)))).Round(4)
	}
}

// Tally is the standing vote on one market: the latest report per oracle,
// in submission order of those standing reports.
type Tally struct {
	Standing   []model.OracleReport
	TotalStake decimal.Decimal
	TrueStake  decimal.Decimal
	FalseStake decimal.Decimal
}

// TallyReports reduces the append-only report log to the standing vote.
// reports must be in submission order (the store returns them that way).
func TallyReports(reports []model.OracleReport) Tally {
	latest := make(map[string]model.OracleReport, len(reports))
	for _, r := range reports {
		latest[r.OracleID] = r // later entries supersede
	}

	t := Tally{Standing: make([]model.OracleReport, 0, len(latest))}
	for _, r := range latest {
		t.Standing = append(t.Standing, r)
	}
	sort.Slice(t.Standing, func(i, j int) bool {
		return t.Standing[i].CreatedAt.Before(t.Standing[j].CreatedAt)
	})

	for _, r := range t.Standing {
		t.TotalStake = t.TotalStake.Add(r.Stake)
		if r.Verdict == model.OutcomeTrue {
			t.TrueStake = t.TrueStake.Add(r.Stake)
		} else {
			t.FalseStake = t.FalseStake.Add(r.Stake)
		}
	}
	return t
}

// Outcome evaluates the quorum rule. ok is false while the tally is short of
// oracles or short of agreement, including an exact tie, which never
// resolves.
func (t Tally) Outcome(p Params) (model.Outcome, bool) {
	if len(t.Standing) < p.MinOracles || t.TotalStake.IsZero() {
		return "", false
	}
	if t.TrueStake.Div(t.TotalStake).GreaterThanOrEqual(p.Threshold) {
		return model.OutcomeTrue, true
	}
	if t.FalseStake.Div(t.TotalStake).GreaterThanOrEqual(p.Threshold) {
		return model.OutcomeFalse, true
	}
	return "", false
}

// Payout is the settlement instruction for one oracle's locked stake.
type Payout struct {
	OracleID   string
	Stake      decimal.Decimal
	Multiplier decimal.Decimal // 0 = total slash
	SlashShare decimal.Decimal // portion of the slashed pool, winners only
}

// Payouts computes the reward/slash distribution for a resolved tally.
// Disagreeing stake forms the slash pool, split across agreeing oracles
// proportional to stake; the rounding remainder goes to the last recipient
// so the pool is conserved to the cent.
func Payouts(t Tally, outcome model.Outcome, policy RewardPolicy) []Payout {
	var agreeing []model.OracleReport
	slashPool := decimal.Zero
	payouts := make([]Payout, 0, len(t.Standing))

	for _, r := range t.Standing {
		if r.Verdict == outcome {
			agreeing = append(agreeing, r)
			continue
		}
		slashPool = slashPool.Add(r.Stake)
		payouts = append(payouts, Payout{
			OracleID:   r.OracleID,
			Stake:      r.Stake,
			Multiplier: decimal.Zero,
		})
	}

	winStake := decimal.Zero
	for _, r := range agreeing {
		winStake = winStake.Add(r.Stake)
	}

	distributed := decimal.Zero
	for i, r := range agreeing {
		share := decimal.Zero
		if slashPool.IsPositive() && winStake.IsPositive() {
			if i == len(agreeing)-1 {
				share = slashPool.Sub(distributed)
			} else {
				share = slashPool.Mul(r.Stake).Div(winStake).Round(pricing.CCScale)
				distributed = distributed.Add(share)
			}
		}
		payouts = append(payouts, Payout{
			OracleID:   r.OracleID,
			Stake:      r.Stake,
			Multiplier: policy(i, len(agreeing)),
			SlashShare: share,
		})
	}
	return payouts
}
