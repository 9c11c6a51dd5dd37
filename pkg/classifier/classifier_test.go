package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

func classify(t *testing.T, c contracts.Case) Classification {
	t.Helper()
	out, err := NewKeywordClassifier(DefaultRules()).Classify(context.Background(), c)
	require.NoError(t, err)
	return out
}

func TestClassify_PackagingComplaint(t *testing.T) {
	out := classify(t, contracts.Case{
		CaseID:      "C-1",
		Description: "The pump dispenser on my Vitamin C Serum stopped and the seal came loose",
	})

	assert.Equal(t, "Vitamin C Serum", out.Product)
	assert.Equal(t, "SKINCARE", out.ProductLine)
	assert.Equal(t, 0.90, out.ProductConfidence)
	assert.Equal(t, contracts.CategoryPackaging, out.Category)
	assert.Equal(t, 0.90, out.CategoryConfidence, "three keyword hits")
	assert.Equal(t, contracts.SeverityLow, out.Severity)
	assert.Equal(t, 0.85, out.SeverityConfidence)
	assert.Equal(t, 0.85, out.Confidence, "overall confidence is the minimum")
	assert.False(t, out.AdverseEvent)
	assert.ElementsMatch(t, []string{"seal", "pump", "dispenser"}, out.Keywords)
}

func TestClassify_Severity(t *testing.T) {
	tests := []struct {
		name       string
		c          contracts.Case
		severity   contracts.Severity
		confidence float64
		adverse    bool
	}{
		{
			name:       "critical keyword",
			c:          contracts.Case{Description: "After using the Dermal Filler I went to the hospital"},
			severity:   contracts.SeverityCritical,
			confidence: 0.95,
			adverse:    true,
		},
		{
			name:       "high risk line with adverse word",
			c:          contracts.Case{Description: "Dermal Filler Lyft left a lump on my cheek"},
			severity:   contracts.SeverityHigh,
			confidence: 0.90,
			adverse:    true,
		},
		{
			name:       "high keyword",
			c:          contracts.Case{Description: "I had to see a doctor after the Mineral Sunscreen"},
			severity:   contracts.SeverityHigh,
			confidence: 0.85,
			adverse:    true,
		},
		{
			name:       "medium keyword",
			c:          contracts.Case{Description: "Mild redness after the Retinoid Gel"},
			severity:   contracts.SeverityMedium,
			confidence: 0.80,
			adverse:    true,
		},
		{
			name:       "adverse category floor",
			c:          contracts.Case{Description: "Strange feeling", Category: contracts.CategoryAdverseReaction},
			severity:   contracts.SeverityMedium,
			confidence: 0.75,
			adverse:    true,
		},
		{
			name:       "substring is not a match",
			c:          contracts.Case{Description: "The box arrived after a crash, tissue paper torn"},
			severity:   contracts.SeverityLow,
			confidence: 0.85,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := classify(t, tc.c)
			assert.Equal(t, tc.severity, out.Severity)
			assert.Equal(t, tc.confidence, out.SeverityConfidence)
			assert.Equal(t, tc.adverse, out.AdverseEvent)
		})
	}
}

func TestClassify_KeepsCaseFieldsAndNeverLowersSeverity(t *testing.T) {
	c := contracts.Case{
		CaseID:      "C-2",
		Product:     "Moisturizing Cream",
		Category:    contracts.CategoryQuality,
		Severity:    contracts.SeverityHigh,
		Description: "The jar arrived fine",
	}
	out := classify(t, c)

	assert.Equal(t, "Moisturizing Cream", out.Product)
	assert.Equal(t, "SKINCARE", out.ProductLine, "line looked up from the catalogue")
	assert.Equal(t, 0.95, out.ProductConfidence)
	assert.Equal(t, contracts.CategoryQuality, out.Category)
	assert.Equal(t, 0.95, out.CategoryConfidence)
	assert.Equal(t, contracts.SeverityHigh, out.Severity)

	annotated := out.Apply(contracts.Case{CaseID: "C-2", Severity: contracts.SeverityLow})
	assert.Equal(t, contracts.SeverityHigh, annotated.Severity)
	assert.Equal(t, "Moisturizing Cream", annotated.Product)
}

func TestClassify_ProductFallbacks(t *testing.T) {
	lineOnly := classify(t, contracts.Case{Description: "Question about my skincare order"})
	assert.Equal(t, "Gentle Skin Cleanser", lineOnly.Product)
	assert.Equal(t, 0.75, lineOnly.ProductConfidence)

	both := classify(t, contracts.Case{Description: "Acne range: the Retinoid Gel tube"})
	assert.Equal(t, 0.95, both.ProductConfidence)
	assert.Equal(t, "ACNE", both.ProductLine)

	unknown := classify(t, contracts.Case{Description: "Where is my refund"})
	assert.Equal(t, "UNKNOWN", unknown.ProductLine)
	assert.Zero(t, unknown.Confidence)
	assert.Equal(t, contracts.CategoryOther, unknown.Category)
	assert.Equal(t, 0.50, unknown.CategoryConfidence)
}

func TestClassify_LongestProductWins(t *testing.T) {
	out := classify(t, contracts.Case{Description: "My Dermal Filler Silk syringe was cracked"})
	assert.Equal(t, "Dermal Filler Silk", out.Product)
}

func TestClassify_UnicodeFolding(t *testing.T) {
	out := classify(t, contracts.Case{Description: "ÉTIQUETTE: the LABEL was MISPRINTED"})
	assert.Equal(t, contracts.CategoryLabeling, out.Category)
}

func TestClassify_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewKeywordClassifier(DefaultRules()).Classify(ctx, contracts.Case{Description: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRules_LineOf(t *testing.T) {
	r := DefaultRules()
	assert.Equal(t, "INJECTABLES", r.LineOf("dermal filler silk"))
	assert.Equal(t, "SUNCARE", r.LineOf(" Mineral Sunscreen "))
	assert.Empty(t, r.LineOf("Shampoo"))
}
