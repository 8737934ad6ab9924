package lifecycle

import "time"

// =============================================================================
// OPTIMIZATION SCHEDULER
// =============================================================================
// Single source of truth for "is this optimizer due now?" and for advancing
// schedule fields once an action has executed. Due-ness is a pure predicate
// over persisted timestamps, decoupled from execution, so repeated checks
// before an Advance* call are always safe and return the same answer. Only
// Advance* mutates (a copy of) the aggregate, and it must run exactly once
// per executed action under the caller's locking discipline.

// IsDueForRenewal reports whether the listing placement should renew at now.
func IsDueForRenewal(o Optimizer, now time.Time) bool {
	return o.AutoRenewEnabled && o.NextRenewalDate != nil && !now.Before(*o.NextRenewalDate)
}

// IsDueForOptimization reports whether an optimization pass should run at now.
func IsDueForOptimization(o Optimizer, now time.Time) bool {
	return o.NextOptimizationRun != nil && !now.Before(*o.NextOptimizationRun)
}

// nextRenewal computes now + cadence for the given interval. customEvery is
// consulted only for IntervalCustom.
func nextRenewal(interval RenewalInterval, now time.Time, customEvery time.Duration) (time.Time, error) {
	switch interval {
	case IntervalDaily:
		return now.Add(24 * time.Hour), nil
	case IntervalWeekly:
		return now.Add(7 * 24 * time.Hour), nil
	case IntervalMonthly:
		// Calendar-month add; Go normalizes short months (Jan 31 -> Mar 2/3).
		return now.AddDate(0, 1, 0), nil
	case IntervalCustom:
		if customEvery <= 0 {
			return time.Time{}, ErrInvalidCadence
		}
		return now.Add(customEvery), nil
	default:
		return time.Time{}, ErrInvalidCadence
	}
}

// AdvanceAfterRenewal records an executed renewal: increments the renewal
// count by exactly one, stamps the renewal time, and schedules the next
// renewal at now + cadence. Returns the input unchanged alongside
// ErrInvalidCadence when the interval is custom with no positive duration.
func AdvanceAfterRenewal(o Optimizer, now time.Time, customEvery time.Duration) (Optimizer, error) {
	next, err := nextRenewal(o.RenewalInterval, now, customEvery)
	if err != nil {
		return o, err
	}

	o.RenewalCount++
	renewedAt := now
	o.LastRenewalDate = &renewedAt
	o.NextRenewalDate = &next
	o.UpdatedAt = now
	return o, nil
}

// AdvanceAfterOptimizationRun records an executed optimization pass: stamps
// the run time, schedules the next pass at now + cadence, and appends a
// history entry holding the metrics snapshot in effect at that moment.
func AdvanceAfterOptimizationRun(o Optimizer, now time.Time, cadence time.Duration) (Optimizer, error) {
	if cadence <= 0 {
		return o, ErrInvalidCadence
	}

	ranAt := now
	next := now.Add(cadence)
	o.LastOptimizationRun = &ranAt
	o.NextOptimizationRun = &next
	o.History = append(cloneHistory(o.History), HistoryEntry{
		Timestamp: now,
		Metrics:   o.CurrentMetrics,
	})
	o.UpdatedAt = now
	return o, nil
}
