package engine

import (
	"fmt"
	"math/rand"

	"github.com/tidewater/outreach/internal/models"
)

// SelectVariant draws one variant proportionally to the weights.
// A single variant is returned as-is; a degenerate weight sum falls
// back to the first variant.
func SelectVariant(variants []models.StepVariant, rng *rand.Rand) *models.StepVariant {
	if len(variants) == 0 {
		return nil
	}
	if len(variants) == 1 {
		return &variants[0]
	}

	total := 0
	for _, v := range variants {
		total += v.Weight
	}
	if total <= 0 {
		return &variants[0]
	}

	r := rng.Float64() * float64(total)
	for i := range variants {
		r -= float64(variants[i].Weight)
		if r <= 0 {
			return &variants[i]
		}
	}

	// r landed exactly on the total
	return &variants[0]
}

// ValidateWeights checks a step's variant weights: each in [0,100],
// summing to 100. A lone variant implicitly carries the full weight.
func ValidateWeights(variants []models.StepVariant) error {
	if len(variants) == 0 {
		return fmt.Errorf("step has no variants")
	}
	if len(variants) == 1 {
		return nil
	}

	total := 0
	for i, v := range variants {
		if v.Weight < 0 || v.Weight > 100 {
			return fmt.Errorf("variant %d weight %d out of range [0,100]", i, v.Weight)
		}
		total += v.Weight
	}
	if total != 100 {
		return fmt.Errorf("variant weights sum to %d, expected 100", total)
	}
	return nil
}
