package patterns

import (
	"context"

	"github.com/Mindburn-Labs/casegate/pkg/canonicalize"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

// SimilarityOracle scores the semantic similarity of two texts in [0,1].
// Production deployments back it with an embedding service.
type SimilarityOracle interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// TokenOverlap is a SimilarityOracle computing the Jaccard index of the
// folded word sets of two texts, ignoring words of three letters or less.
type TokenOverlap struct{}

func (TokenOverlap) Similarity(ctx context.Context, a, b string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0, nil
	}
	inter := 0
	for w := range sa {
		if sb[w] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union), nil
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range canonicalize.Words(text) {
		if len([]rune(w)) > 3 {
			set[w] = true
		}
	}
	return set
}

// CategoryGroups lists sets of categories considered related.
type CategoryGroups [][]contracts.Category

// DefaultCategoryGroups is the curated related-category table.
func DefaultCategoryGroups() CategoryGroups {
	return CategoryGroups{
		{contracts.CategoryPackaging, contracts.CategoryShipping},
		{contracts.CategoryQuality, contracts.CategoryEfficacy},
		{contracts.CategoryAdverseReaction, contracts.CategoryContamination},
		{contracts.CategoryPackaging, contracts.CategoryDelivery},
		{contracts.CategoryProductQuality, contracts.CategoryQuality},
	}
}

// Related reports whether a and b share a group.
func (g CategoryGroups) Related(a, b contracts.Category) bool {
	for _, group := range g {
		var hasA, hasB bool
		for _, c := range group {
			hasA = hasA || c == a
			hasB = hasB || c == b
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}
