package lifecycle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OptimizerType identifies the strategy an optimizer applies to its listing.
type OptimizerType string

const (
	TypeAutomaticRenewal        OptimizerType = "automatic_renewal"
	TypePerformanceOptimization OptimizerType = "performance_optimization"
	TypeSEOEnhancement          OptimizerType = "seo_enhancement"
	TypePricingOptimization     OptimizerType = "pricing_optimization"
)

// Valid reports whether t is one of the known optimizer types.
func (t OptimizerType) Valid() bool {
	switch t {
	case TypeAutomaticRenewal, TypePerformanceOptimization, TypeSEOEnhancement, TypePricingOptimization:
		return true
	}
	return false
}

// RenewalInterval is the cadence on which a listing placement auto-renews.
type RenewalInterval string

const (
	IntervalDaily   RenewalInterval = "daily"
	IntervalWeekly  RenewalInterval = "weekly"
	IntervalMonthly RenewalInterval = "monthly"
	IntervalCustom  RenewalInterval = "custom"
)

// Valid reports whether i is one of the known renewal intervals.
func (i RenewalInterval) Valid() bool {
	switch i {
	case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalCustom:
		return true
	}
	return false
}

// MetricsSnapshot is a point-in-time view of a listing's performance, supplied
// by an external analytics provider. ConversionRate and CTR are optional;
// a nil rate contributes nothing to effectiveness scoring.
type MetricsSnapshot struct {
	Impressions    int      `json:"impressions"`
	Clicks         int      `json:"clicks"`
	Conversions    int      `json:"conversions"`
	ConversionRate *float64 `json:"conversion_rate,omitempty"`
	CTR            *float64 `json:"ctr,omitempty"`
}

// HistoryEntry is one record in the append-only optimization history.
// Entries are never rewritten; the first entry is the scoring baseline.
type HistoryEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Metrics   MetricsSnapshot `json:"metrics"`
}

// Suggestion is a single improvement recommendation produced by an external
// recommendation provider. The engine only cares about presence, not content.
type Suggestion struct {
	Title     string    `json:"title"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SuggestionSet holds the named suggestion buckets for a listing.
type SuggestionSet struct {
	Pricing   []Suggestion `json:"pricing,omitempty"`
	Content   []Suggestion `json:"content,omitempty"`
	Image     []Suggestion `json:"image,omitempty"`
	Timing    []Suggestion `json:"timing,omitempty"`
	Targeting []Suggestion `json:"targeting,omitempty"`
	Keyword   []Suggestion `json:"keyword,omitempty"`
}

// Variant is an alternate presentation of the same listing used for A/B
// comparison. Position is the insertion order and breaks conversion ties.
type Variant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// Rule is one optimization rule in an optimizer's configuration.
type Rule struct {
	Name      string  `json:"name"`
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold,omitempty"`
}

// Schedule describes the optimizer's cadences. RenewEvery is consulted only
// when the renewal interval is "custom".
type Schedule struct {
	OptimizeEvery time.Duration `json:"optimize_every"`
	RenewEvery    time.Duration `json:"renew_every,omitempty"`
}

// GoalTargets are the owner's performance goals for the listing.
type GoalTargets struct {
	Impressions int `json:"impressions,omitempty"`
	Clicks      int `json:"clicks,omitempty"`
	Conversions int `json:"conversions,omitempty"`
}

// Optimizer is the stateful record combining configuration, schedule, history
// and score for one (listing, optimizer type) pair. All transitions are
// value-in/value-out: operations return an updated copy and the caller is
// responsible for holding exclusive access across a read-check-advance-persist
// cycle before storing the result.
type Optimizer struct {
	ID        uuid.UUID
	ListingID uuid.UUID
	UserID    uuid.UUID
	Type      OptimizerType

	Rules    []Rule
	Schedule Schedule

	AutoRenewEnabled bool
	RenewalInterval  RenewalInterval
	NextRenewalDate  *time.Time
	LastRenewalDate  *time.Time
	RenewalCount     int
	RenewalBudget    decimal.Decimal

	LastOptimizationRun *time.Time
	NextOptimizationRun *time.Time
	OptimizationScore   float64
	History             []HistoryEntry

	Targets               GoalTargets
	CurrentMetrics        MetricsSnapshot
	Suggestions           SuggestionSet
	Variants              []Variant
	BestPerformingVariant *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Retired reports whether the optimizer is logically retired: not
// auto-renewing and with no further optimization runs scheduled. Retired
// optimizers keep their history; deletion is an explicit external operation.
func (o Optimizer) Retired() bool {
	return !o.AutoRenewEnabled && o.NextOptimizationRun == nil
}

// cloneHistory returns a copy of h with room for one more entry, so that
// appending on a returned aggregate never aliases the caller's slice.
func cloneHistory(h []HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, len(h), len(h)+1)
	copy(out, h)
	return out
}

func cloneRules(rules []Rule) []Rule {
	if rules == nil {
		return nil
	}
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}
