package lifecycle

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	now := ts("2024-01-15T10:00:00Z")
	listingID, userID := uuid.New(), uuid.New()

	o, err := New(listingID, userID, TypePerformanceOptimization, []Rule{{Name: "min_ctr", Enabled: true, Threshold: 0.01}}, Schedule{OptimizeEvery: 24 * time.Hour}, now)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, o.ID)
	assert.Equal(t, listingID, o.ListingID)
	assert.Equal(t, userID, o.UserID)
	assert.Zero(t, o.OptimizationScore)
	assert.Empty(t, o.History)
	assert.False(t, o.AutoRenewEnabled)
	assert.Nil(t, o.NextRenewalDate)
	assert.True(t, o.RenewalBudget.Equal(decimal.Zero))
	assert.Equal(t, now, o.CreatedAt)
}

func TestNew_UnknownType(t *testing.T) {
	for _, typ := range []OptimizerType{"", "renewal", "AUTOMATIC_RENEWAL", "ml_magic"} {
		_, err := New(uuid.New(), uuid.New(), typ, nil, Schedule{}, time.Now())
		assert.ErrorIs(t, err, ErrUnknownOptimizerType, "type %q", typ)
	}
}

func TestConfigure_DoesNotTouchDueDates(t *testing.T) {
	now := ts("2024-02-01T00:00:00Z")
	renewal := ts("2024-03-01T00:00:00Z")
	optimization := ts("2024-02-02T00:00:00Z")

	o := Optimizer{
		AutoRenewEnabled:    true,
		RenewalInterval:     IntervalMonthly,
		NextRenewalDate:     &renewal,
		NextOptimizationRun: &optimization,
	}

	got := Configure(o, []Rule{{Name: "max_price_drop", Threshold: 0.2}}, Schedule{OptimizeEvery: time.Hour}, now)

	require.NotNil(t, got.NextRenewalDate)
	assert.Equal(t, renewal, *got.NextRenewalDate)
	require.NotNil(t, got.NextOptimizationRun)
	assert.Equal(t, optimization, *got.NextOptimizationRun)
	assert.Equal(t, time.Hour, got.Schedule.OptimizeEvery)
	require.Len(t, got.Rules, 1)
	assert.Equal(t, "max_price_drop", got.Rules[0].Name)
}

func TestConfigure_CopiesRules(t *testing.T) {
	rules := []Rule{{Name: "a"}}
	got := Configure(Optimizer{}, rules, Schedule{}, time.Now())
	rules[0].Name = "mutated"
	assert.Equal(t, "a", got.Rules[0].Name)
}

func TestEnableAutoRenew(t *testing.T) {
	now := ts("2024-04-01T00:00:00Z")
	start := ts("2024-04-08T00:00:00Z")

	o, err := EnableAutoRenew(Optimizer{}, IntervalWeekly, start, now)
	require.NoError(t, err)
	assert.True(t, o.AutoRenewEnabled)
	assert.Equal(t, IntervalWeekly, o.RenewalInterval)
	require.NotNil(t, o.NextRenewalDate)
	assert.Equal(t, start, *o.NextRenewalDate)
}

func TestEnableAutoRenew_StartDateInPast(t *testing.T) {
	now := ts("2024-04-01T00:00:00Z")
	o := Optimizer{RenewalCount: 2}

	// One second in the past is already invalid.
	got, err := EnableAutoRenew(o, IntervalDaily, now.Add(-time.Second), now)
	require.ErrorIs(t, err, ErrInvalidStartDate)
	assert.Equal(t, o, got, "failed enable must leave the aggregate unchanged")

	// A start date equal to now is scheduled forward, not rejected.
	_, err = EnableAutoRenew(o, IntervalDaily, now, now)
	assert.NoError(t, err)
}

func TestEnableAutoRenew_UnknownInterval(t *testing.T) {
	now := ts("2024-04-01T00:00:00Z")
	_, err := EnableAutoRenew(Optimizer{}, RenewalInterval("fortnightly"), now.Add(time.Hour), now)
	assert.ErrorIs(t, err, ErrInvalidCadence)
}

func TestDisableAutoRenew_ClearsNextDate(t *testing.T) {
	next := ts("2024-05-01T00:00:00Z")
	o := Optimizer{AutoRenewEnabled: true, RenewalInterval: IntervalMonthly, NextRenewalDate: &next, RenewalCount: 7}

	got := DisableAutoRenew(o, ts("2024-04-15T00:00:00Z"))
	assert.False(t, got.AutoRenewEnabled)
	assert.Nil(t, got.NextRenewalDate)
	assert.Equal(t, 7, got.RenewalCount, "disabling renewal never touches the count")
}

func TestEnableDisableRoundTrip(t *testing.T) {
	now := ts("2024-04-01T00:00:00Z")

	o := Optimizer{}
	for i := 0; i < 3; i++ {
		var err error
		o, err = EnableAutoRenew(o, IntervalDaily, now.Add(time.Hour), now)
		require.NoError(t, err)
		require.NotNil(t, o.NextRenewalDate)

		o = DisableAutoRenew(o, now)
		assert.Nil(t, o.NextRenewalDate)
	}
}

func TestSetRenewalBudget(t *testing.T) {
	now := time.Now()

	o := SetRenewalBudget(Optimizer{}, decimal.NewFromFloat(49.99), now)
	assert.True(t, o.RenewalBudget.Equal(decimal.NewFromFloat(49.99)))

	o = SetRenewalBudget(o, decimal.NewFromInt(-10), now)
	assert.True(t, o.RenewalBudget.Equal(decimal.Zero), "negative budget clamps to zero")
}

func TestApplyMetrics_LeavesHistoryAlone(t *testing.T) {
	o := Optimizer{History: []HistoryEntry{{Metrics: MetricsSnapshot{Impressions: 10}}}}
	got := ApplyMetrics(o, MetricsSnapshot{Impressions: 500, Clicks: 12}, time.Now())

	assert.Equal(t, 500, got.CurrentMetrics.Impressions)
	assert.Len(t, got.History, 1)
}

func TestReplaceVariants(t *testing.T) {
	now := time.Now()
	a := Variant{ID: uuid.New(), Name: "A", Position: 5}
	b := Variant{ID: uuid.New(), Name: "B", Position: 3}

	t.Run("positions renumber in input order", func(t *testing.T) {
		o := ReplaceVariants(Optimizer{}, []Variant{a, b}, now)
		require.Len(t, o.Variants, 2)
		assert.Equal(t, 0, o.Variants[0].Position)
		assert.Equal(t, 1, o.Variants[1].Position)
	})

	t.Run("dangling best pointer is cleared", func(t *testing.T) {
		best := a.ID
		o := Optimizer{BestPerformingVariant: &best}
		o = ReplaceVariants(o, []Variant{b, {ID: uuid.New(), Name: "C"}}, now)
		assert.Nil(t, o.BestPerformingVariant)
	})

	t.Run("surviving best pointer is kept", func(t *testing.T) {
		best := a.ID
		o := Optimizer{BestPerformingVariant: &best}
		o = ReplaceVariants(o, []Variant{a, b}, now)
		require.NotNil(t, o.BestPerformingVariant)
		assert.Equal(t, a.ID, *o.BestPerformingVariant)
	})

	t.Run("shrinking below two variants clears pointer", func(t *testing.T) {
		best := a.ID
		o := Optimizer{BestPerformingVariant: &best}
		o = ReplaceVariants(o, []Variant{a}, now)
		assert.Nil(t, o.BestPerformingVariant)
	})
}

func TestRetired(t *testing.T) {
	next := time.Now().Add(time.Hour)
	assert.True(t, Optimizer{}.Retired())
	assert.False(t, Optimizer{AutoRenewEnabled: true}.Retired())
	assert.False(t, Optimizer{NextOptimizationRun: &next}.Retired())
}
