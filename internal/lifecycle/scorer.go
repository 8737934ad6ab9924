package lifecycle

// =============================================================================
// EFFECTIVENESS SCORER
// =============================================================================
// Turns the delta between the first recorded metrics snapshot and the current
// one into a bounded improvement score, and rolls that into the optimizer's
// overall score. The weights below are fixed policy constants; changing them
// changes every stored score, so they are kept as-is pending product sign-off.

const (
	conversionDeltaWeight  = 100.0
	ctrDeltaWeight         = 100.0
	impressionGrowthWeight = 50.0

	imageSuggestionCredit   = 15.0
	keywordSuggestionCredit = 15.0
	contentSuggestionCredit = 15.0
	activeABTestCredit      = 20.0
	autoRenewCredit         = 10.0
	effectivenessShare      = 0.25
)

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ComputeEffectiveness scores measured improvement since the first history
// entry, in [0,100]. An empty history means there is no baseline and the
// score is 0. Rate fields missing on either side contribute nothing; the
// impression-growth denominator is floored at 1 so a zero-impression
// baseline never divides by zero.
func ComputeEffectiveness(history []HistoryEntry, current MetricsSnapshot) float64 {
	if len(history) == 0 {
		return 0
	}
	initial := history[0].Metrics

	sum := 0.0
	if initial.ConversionRate != nil && current.ConversionRate != nil {
		sum += (*current.ConversionRate - *initial.ConversionRate) * conversionDeltaWeight
	}
	if initial.CTR != nil && current.CTR != nil {
		sum += (*current.CTR - *initial.CTR) * ctrDeltaWeight
	}

	base := initial.Impressions
	if base < 1 {
		base = 1
	}
	sum += float64(current.Impressions-initial.Impressions) / float64(base) * impressionGrowthWeight

	return clampScore(sum)
}

// RecomputeOptimizationScore combines fixed component credits with a share of
// the measured effectiveness, clamped to [0,100]. Credits reward configured
// capability (suggestion buckets populated, an active A/B test, auto-renew)
// rather than outcomes; outcomes enter through the effectiveness term.
func RecomputeOptimizationScore(o Optimizer) float64 {
	score := 0.0
	if len(o.Suggestions.Image) > 0 {
		score += imageSuggestionCredit
	}
	if len(o.Suggestions.Keyword) > 0 {
		score += keywordSuggestionCredit
	}
	if len(o.Suggestions.Content) > 0 {
		score += contentSuggestionCredit
	}
	if len(o.Variants) >= 2 {
		score += activeABTestCredit
	}
	if o.AutoRenewEnabled {
		score += autoRenewCredit
	}
	score += effectivenessShare * ComputeEffectiveness(o.History, o.CurrentMetrics)

	return clampScore(score)
}
