package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestIsDueForRenewal(t *testing.T) {
	due := ts("2024-01-01T00:00:00Z")

	tests := []struct {
		name string
		o    Optimizer
		now  time.Time
		want bool
	}{
		{
			name: "due at exact timestamp",
			o:    Optimizer{AutoRenewEnabled: true, RenewalInterval: IntervalMonthly, NextRenewalDate: &due},
			now:  due,
			want: true,
		},
		{
			name: "due after timestamp",
			o:    Optimizer{AutoRenewEnabled: true, RenewalInterval: IntervalMonthly, NextRenewalDate: &due},
			now:  due.Add(time.Hour),
			want: true,
		},
		{
			name: "not yet due",
			o:    Optimizer{AutoRenewEnabled: true, RenewalInterval: IntervalMonthly, NextRenewalDate: &due},
			now:  due.Add(-time.Second),
			want: false,
		},
		{
			name: "auto-renew disabled",
			o:    Optimizer{AutoRenewEnabled: false, NextRenewalDate: &due},
			now:  due.Add(time.Hour),
			want: false,
		},
		{
			name: "no next renewal date",
			o:    Optimizer{AutoRenewEnabled: true},
			now:  due,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDueForRenewal(tt.o, tt.now))
		})
	}
}

func TestIsDueForOptimization(t *testing.T) {
	next := ts("2024-06-01T12:00:00Z")

	o := Optimizer{NextOptimizationRun: &next}
	assert.False(t, IsDueForOptimization(o, next.Add(-time.Minute)))
	assert.True(t, IsDueForOptimization(o, next))
	assert.True(t, IsDueForOptimization(o, next.Add(time.Minute)))
	assert.False(t, IsDueForOptimization(Optimizer{}, next))
}

func TestDuePredicatesAreIdempotent(t *testing.T) {
	due := ts("2024-01-01T00:00:00Z")
	o := Optimizer{AutoRenewEnabled: true, RenewalInterval: IntervalDaily, NextRenewalDate: &due, NextOptimizationRun: &due}
	before := o

	now := due.Add(time.Hour)
	for i := 0; i < 5; i++ {
		assert.True(t, IsDueForRenewal(o, now))
		assert.True(t, IsDueForOptimization(o, now))
	}
	assert.Equal(t, before, o, "predicates must not mutate the aggregate")
}

func TestAdvanceAfterRenewal_MonthlyScenario(t *testing.T) {
	// Monthly renewal due 2024-01-01: renewing at that instant schedules
	// 2024-02-01 and increments the count by one.
	due := ts("2024-01-01T00:00:00Z")
	o := Optimizer{
		AutoRenewEnabled: true,
		RenewalInterval:  IntervalMonthly,
		NextRenewalDate:  &due,
		RenewalCount:     3,
	}

	now := due
	require.True(t, IsDueForRenewal(o, now))

	got, err := AdvanceAfterRenewal(o, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, got.RenewalCount)
	require.NotNil(t, got.NextRenewalDate)
	assert.Equal(t, ts("2024-02-01T00:00:00Z"), *got.NextRenewalDate)
	require.NotNil(t, got.LastRenewalDate)
	assert.Equal(t, now, *got.LastRenewalDate)
}

func TestAdvanceAfterRenewal_Cadences(t *testing.T) {
	now := ts("2024-03-10T09:30:00Z")

	tests := []struct {
		name        string
		interval    RenewalInterval
		customEvery time.Duration
		wantNext    time.Time
		wantErr     error
	}{
		{name: "daily", interval: IntervalDaily, wantNext: now.Add(24 * time.Hour)},
		{name: "weekly", interval: IntervalWeekly, wantNext: now.Add(7 * 24 * time.Hour)},
		{name: "monthly", interval: IntervalMonthly, wantNext: ts("2024-04-10T09:30:00Z")},
		{name: "custom with duration", interval: IntervalCustom, customEvery: 72 * time.Hour, wantNext: now.Add(72 * time.Hour)},
		{name: "custom without duration", interval: IntervalCustom, wantErr: ErrInvalidCadence},
		{name: "custom with negative duration", interval: IntervalCustom, customEvery: -time.Hour, wantErr: ErrInvalidCadence},
		{name: "unset interval", interval: RenewalInterval(""), wantErr: ErrInvalidCadence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Optimizer{AutoRenewEnabled: true, RenewalInterval: tt.interval, RenewalCount: 1}
			got, err := AdvanceAfterRenewal(o, now, tt.customEvery)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, o, got, "failed advance must leave the aggregate unchanged")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, got.RenewalCount)
			require.NotNil(t, got.NextRenewalDate)
			assert.Equal(t, tt.wantNext, *got.NextRenewalDate)
		})
	}
}

func TestAdvanceAfterRenewal_CountIsMonotonic(t *testing.T) {
	o := Optimizer{AutoRenewEnabled: true, RenewalInterval: IntervalDaily}
	now := ts("2024-01-01T00:00:00Z")

	const n = 12
	for i := 0; i < n; i++ {
		var err error
		o, err = AdvanceAfterRenewal(o, now, 0)
		require.NoError(t, err)
		now = *o.NextRenewalDate
	}
	assert.Equal(t, n, o.RenewalCount)
}

func TestAdvanceAfterOptimizationRun(t *testing.T) {
	now := ts("2024-05-01T00:00:00Z")
	conv := 0.02
	o := Optimizer{
		CurrentMetrics: MetricsSnapshot{Impressions: 500, Clicks: 25, ConversionRate: &conv},
		History:        []HistoryEntry{{Timestamp: now.Add(-24 * time.Hour), Metrics: MetricsSnapshot{Impressions: 400}}},
	}

	got, err := AdvanceAfterOptimizationRun(o, now, 6*time.Hour)
	require.NoError(t, err)

	require.NotNil(t, got.LastOptimizationRun)
	assert.Equal(t, now, *got.LastOptimizationRun)
	require.NotNil(t, got.NextOptimizationRun)
	assert.Equal(t, now.Add(6*time.Hour), *got.NextOptimizationRun)

	require.Len(t, got.History, 2)
	assert.Equal(t, now, got.History[1].Timestamp)
	assert.Equal(t, o.CurrentMetrics, got.History[1].Metrics)

	// The input's history must be untouched, including its backing array.
	require.Len(t, o.History, 1)
	got.History[0].Metrics.Impressions = 999999
	assert.Equal(t, 400, o.History[0].Metrics.Impressions)
}

func TestAdvanceAfterOptimizationRun_RejectsBadCadence(t *testing.T) {
	o := Optimizer{History: []HistoryEntry{{Metrics: MetricsSnapshot{Impressions: 1}}}}
	now := ts("2024-05-01T00:00:00Z")

	for _, cadence := range []time.Duration{0, -time.Minute} {
		got, err := AdvanceAfterOptimizationRun(o, now, cadence)
		require.ErrorIs(t, err, ErrInvalidCadence)
		assert.Equal(t, o, got)
	}
}
