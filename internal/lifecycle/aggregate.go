package lifecycle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// New creates an optimizer for one (listing, type) pair. The score starts at
// zero with an empty history and auto-renew off; renewal only begins once the
// owner calls EnableAutoRenew.
func New(listingID, userID uuid.UUID, typ OptimizerType, rules []Rule, schedule Schedule, now time.Time) (Optimizer, error) {
	if !typ.Valid() {
		return Optimizer{}, ErrUnknownOptimizerType
	}

	return Optimizer{
		ID:            uuid.New(),
		ListingID:     listingID,
		UserID:        userID,
		Type:          typ,
		Rules:         cloneRules(rules),
		Schedule:      schedule,
		RenewalBudget: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Configure replaces the rule and schedule configuration. Due dates are not
// touched here: schedules only advance when the scheduler records an executed
// action, so reconfiguring can never skip or double an execution.
func Configure(o Optimizer, rules []Rule, schedule Schedule, now time.Time) Optimizer {
	o.Rules = cloneRules(rules)
	o.Schedule = schedule
	o.UpdatedAt = now
	return o
}

// EnableAutoRenew turns on auto-renewal at the given interval, with the first
// renewal at startDate. A start date before now is rejected with
// ErrInvalidStartDate and the aggregate is returned unchanged; renewal is
// always scheduled forward. An unrecognized interval is ErrInvalidCadence.
func EnableAutoRenew(o Optimizer, interval RenewalInterval, startDate, now time.Time) (Optimizer, error) {
	if !interval.Valid() {
		return o, ErrInvalidCadence
	}
	if startDate.Before(now) {
		return o, ErrInvalidStartDate
	}

	start := startDate
	o.AutoRenewEnabled = true
	o.RenewalInterval = interval
	o.NextRenewalDate = &start
	o.UpdatedAt = now
	return o, nil
}

// DisableAutoRenew turns auto-renewal off and clears the next renewal date so
// the field is never stale while renewal is disabled.
func DisableAutoRenew(o Optimizer, now time.Time) Optimizer {
	o.AutoRenewEnabled = false
	o.NextRenewalDate = nil
	o.UpdatedAt = now
	return o
}

// SetRenewalBudget replaces the renewal budget. Negative amounts are clamped
// to zero by the caller-facing API before reaching here; the invariant is
// still asserted so a bad write cannot persist a negative balance.
func SetRenewalBudget(o Optimizer, budget decimal.Decimal, now time.Time) Optimizer {
	if budget.IsNegative() {
		budget = decimal.Zero
	}
	o.RenewalBudget = budget
	o.UpdatedAt = now
	return o
}

// ApplyMetrics records the latest snapshot from the analytics provider as the
// aggregate's current metrics. History is untouched; entries are only
// appended by AdvanceAfterOptimizationRun.
func ApplyMetrics(o Optimizer, m MetricsSnapshot, now time.Time) Optimizer {
	o.CurrentMetrics = m
	o.UpdatedAt = now
	return o
}

// ReplaceSuggestions swaps in a fresh suggestion set from the recommendation
// provider.
func ReplaceSuggestions(o Optimizer, s SuggestionSet, now time.Time) Optimizer {
	o.Suggestions = s
	o.UpdatedAt = now
	return o
}

// ReplaceVariants swaps the variant set, renumbering positions in input
// order. A best-variant pointer that no longer references a member is
// cleared rather than left dangling.
func ReplaceVariants(o Optimizer, variants []Variant, now time.Time) Optimizer {
	out := make([]Variant, len(variants))
	copy(out, variants)
	for i := range out {
		out[i].Position = i
	}
	o.Variants = out

	if ValidateBestVariant(o) != nil || len(out) < 2 {
		o.BestPerformingVariant = nil
	}
	o.UpdatedAt = now
	return o
}
