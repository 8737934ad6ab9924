package lifecycle

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectBest(t *testing.T) {
	a := Variant{ID: uuid.New(), Name: "A", Position: 0}
	b := Variant{ID: uuid.New(), Name: "B", Position: 1}
	c := Variant{ID: uuid.New(), Name: "C", Position: 2}
	variants := []Variant{a, b, c}

	t.Run("highest probability wins", func(t *testing.T) {
		probs := map[uuid.UUID]float64{a.ID: 0.10, b.ID: 0.25, c.ID: 0.15}
		id, ok := SelectBest(variants, probs)
		require.True(t, ok)
		assert.Equal(t, b.ID, id)
	})

	t.Run("tie breaks to earlier creation", func(t *testing.T) {
		// B and C tie at 0.15; B was created before C and wins.
		probs := map[uuid.UUID]float64{a.ID: 0.10, b.ID: 0.15, c.ID: 0.15}
		id, ok := SelectBest(variants, probs)
		require.True(t, ok)
		assert.Equal(t, b.ID, id)
	})

	t.Run("deterministic across repeated runs", func(t *testing.T) {
		probs := map[uuid.UUID]float64{a.ID: 0.2, b.ID: 0.2, c.ID: 0.2}
		first, ok := SelectBest(variants, probs)
		require.True(t, ok)
		for i := 0; i < 20; i++ {
			id, ok := SelectBest(variants, probs)
			require.True(t, ok)
			assert.Equal(t, first, id)
		}
	})

	t.Run("variants without probabilities are skipped", func(t *testing.T) {
		probs := map[uuid.UUID]float64{c.ID: 0.01}
		id, ok := SelectBest(variants, probs)
		require.True(t, ok)
		assert.Equal(t, c.ID, id)
	})

	t.Run("no recorded probabilities", func(t *testing.T) {
		_, ok := SelectBest(variants, nil)
		assert.False(t, ok)
	})

	t.Run("empty variant set", func(t *testing.T) {
		_, ok := SelectBest(nil, map[uuid.UUID]float64{a.ID: 0.5})
		assert.False(t, ok)
	})

	t.Run("tie break ignores slice order", func(t *testing.T) {
		shuffled := []Variant{c, a, b}
		probs := map[uuid.UUID]float64{a.ID: 0.15, b.ID: 0.15, c.ID: 0.15}
		id, ok := SelectBest(shuffled, probs)
		require.True(t, ok)
		assert.Equal(t, a.ID, id, "lowest position wins regardless of iteration order")
	})
}

func TestRefreshBestVariant(t *testing.T) {
	a := Variant{ID: uuid.New(), Name: "A", Position: 0}
	b := Variant{ID: uuid.New(), Name: "B", Position: 1}

	t.Run("updates pointer from probabilities", func(t *testing.T) {
		o := Optimizer{Variants: []Variant{a, b}}
		o = RefreshBestVariant(o, map[uuid.UUID]float64{a.ID: 0.1, b.ID: 0.3})
		require.NotNil(t, o.BestPerformingVariant)
		assert.Equal(t, b.ID, *o.BestPerformingVariant)
	})

	t.Run("fewer than two variants clears pointer", func(t *testing.T) {
		stale := a.ID
		o := Optimizer{Variants: []Variant{a}, BestPerformingVariant: &stale}
		o = RefreshBestVariant(o, map[uuid.UUID]float64{a.ID: 0.9})
		assert.Nil(t, o.BestPerformingVariant)
	})

	t.Run("no probabilities keeps existing pointer", func(t *testing.T) {
		best := a.ID
		o := Optimizer{Variants: []Variant{a, b}, BestPerformingVariant: &best}
		o = RefreshBestVariant(o, nil)
		require.NotNil(t, o.BestPerformingVariant)
		assert.Equal(t, a.ID, *o.BestPerformingVariant)
	})
}

func TestValidateBestVariant(t *testing.T) {
	a := Variant{ID: uuid.New(), Name: "A"}
	b := Variant{ID: uuid.New(), Name: "B", Position: 1}

	t.Run("nil pointer is valid", func(t *testing.T) {
		assert.NoError(t, ValidateBestVariant(Optimizer{Variants: []Variant{a, b}}))
	})

	t.Run("member pointer is valid", func(t *testing.T) {
		best := b.ID
		assert.NoError(t, ValidateBestVariant(Optimizer{Variants: []Variant{a, b}, BestPerformingVariant: &best}))
	})

	t.Run("dangling pointer is detected", func(t *testing.T) {
		dangling := uuid.New()
		err := ValidateBestVariant(Optimizer{Variants: []Variant{a, b}, BestPerformingVariant: &dangling})
		assert.ErrorIs(t, err, ErrVariantNotFound)
	})
}
