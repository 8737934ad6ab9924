package lifecycle

import "github.com/google/uuid"

// SelectBest picks the variant with the highest recorded conversion
// probability. Ties break to the variant created first (lowest Position), so
// repeated runs over unchanged input return the same id. The second return is
// false when variants is empty or none has a recorded probability.
func SelectBest(variants []Variant, probs map[uuid.UUID]float64) (uuid.UUID, bool) {
	var (
		bestID   uuid.UUID
		bestPos  int
		bestProb float64
		found    bool
	)

	for _, v := range variants {
		p, ok := probs[v.ID]
		if !ok {
			continue
		}
		if !found || p > bestProb || (p == bestProb && v.Position < bestPos) {
			bestID = v.ID
			bestPos = v.Position
			bestProb = p
			found = true
		}
	}

	return bestID, found
}

// RefreshBestVariant re-selects the best-performing variant and updates the
// pointer on a copy of the aggregate. With fewer than two variants there is
// no A/B comparison and the pointer is cleared.
func RefreshBestVariant(o Optimizer, probs map[uuid.UUID]float64) Optimizer {
	if len(o.Variants) < 2 {
		o.BestPerformingVariant = nil
		return o
	}
	if id, ok := SelectBest(o.Variants, probs); ok {
		best := id
		o.BestPerformingVariant = &best
	}
	return o
}

// ValidateBestVariant is a defensive check of the best-variant invariant:
// the pointer must reference a member of Variants or be nil. It should never
// fail if all mutations went through this package, but corrupted rows must
// be detected rather than propagated.
func ValidateBestVariant(o Optimizer) error {
	if o.BestPerformingVariant == nil {
		return nil
	}
	for _, v := range o.Variants {
		if v.ID == *o.BestPerformingVariant {
			return nil
		}
	}
	return ErrVariantNotFound
}
