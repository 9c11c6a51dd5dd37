package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

func cleanCase() contracts.Case {
	return contracts.Case{
		CaseID:      "C-100",
		CaseType:    contracts.CaseTypeComplaint,
		Status:      contracts.CaseStatusOpen,
		Product:     "Vitamin C Serum",
		Category:    contracts.CategoryPackaging,
		Severity:    contracts.SeverityLow,
		Description: "The pump dispenser is stuck and will not dispense",
	}
}

func TestGate_CleanCaseApproves(t *testing.T) {
	agg, err := NewGate().Evaluate(context.Background(), Input{Case: cleanCase(), Confidence: 0.95})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApprove, agg.Decision)
	assert.Equal(t, []string{"POL-001", "POL-002", "POL-003", "POL-004", "POL-005"}, agg.Passed)
	assert.Empty(t, agg.Failed)
	assert.False(t, agg.RequiresHuman)
	assert.False(t, agg.Recoverable)
	assert.Equal(t, contracts.UrgencyLow, agg.Urgency)
	assert.Equal(t, "1.0.0", agg.PolicyVersion)
	assert.Equal(t, "All 5 policies passed", agg.Reasoning)
}

func TestGate_Decisions(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*contracts.Case)
		confidence  float64
		want        contracts.Decision
		failed      []string
		recoverable bool
		urgency     contracts.Urgency
	}{
		{
			name:       "high severity blocks",
			mutate:     func(c *contracts.Case) { c.Severity = contracts.SeverityHigh },
			confidence: 0.95,
			want:       contracts.DecisionBlock,
			failed:     []string{"POL-001"},
			urgency:    contracts.UrgencyMedium,
		},
		{
			name:       "medium severity needs review",
			mutate:     func(c *contracts.Case) { c.Severity = contracts.SeverityMedium },
			confidence: 0.95,
			want:       contracts.DecisionHumanReview,
			failed:     []string{"POL-001"},
			urgency:    contracts.UrgencyLow,
		},
		{
			name:        "low confidence is recoverable",
			mutate:      func(*contracts.Case) {},
			confidence:  0.89,
			want:        contracts.DecisionHumanReview,
			failed:      []string{"POL-003"},
			recoverable: true,
			urgency:     contracts.UrgencyLow,
		},
		{
			name:        "missing evidence is recoverable",
			mutate:      func(c *contracts.Case) { c.Product = "" },
			confidence:  0.95,
			want:        contracts.DecisionHumanReview,
			failed:      []string{"POL-002"},
			recoverable: true,
			urgency:     contracts.UrgencyLow,
		},
		{
			name:       "adverse words escalate",
			mutate:     func(c *contracts.Case) { c.Description = "I went to the emergency room after using it" },
			confidence: 0.95,
			want:       contracts.DecisionEscalate,
			failed:     []string{"POL-004"},
			urgency:    contracts.UrgencyHigh,
		},
		{
			name:       "adverse category escalates",
			mutate:     func(c *contracts.Case) { c.Category = contracts.CategoryAdverseReaction },
			confidence: 0.95,
			want:       contracts.DecisionEscalate,
			failed:     []string{"POL-004"},
			urgency:    contracts.UrgencyHigh,
		},
		{
			name:        "regulatory words flag",
			mutate:      func(c *contracts.Case) { c.Description = "My lawyer says this should be a recall" },
			confidence:  0.95,
			want:        contracts.DecisionHumanReview,
			failed:      []string{"POL-005"},
			recoverable: true,
			urgency:     contracts.UrgencyLow,
		},
		{
			name: "escalate outranks block",
			mutate: func(c *contracts.Case) {
				c.Severity = contracts.SeverityCritical
				c.Description = "She was hospitalized overnight"
			},
			confidence: 0.10,
			want:       contracts.DecisionEscalate,
			failed:     []string{"POL-001", "POL-003", "POL-004"},
			urgency:    contracts.UrgencyHigh,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := cleanCase()
			tc.mutate(&c)
			agg, err := NewGate().Evaluate(context.Background(), Input{Case: c, Confidence: tc.confidence})
			require.NoError(t, err)
			assert.Equal(t, tc.want, agg.Decision)
			assert.Equal(t, tc.failed, agg.Failed)
			assert.Equal(t, tc.recoverable, agg.Recoverable)
			assert.Equal(t, tc.urgency, agg.Urgency)
			assert.True(t, agg.RequiresHuman)
			assert.Len(t, agg.Results, 5, "every policy is evaluated")
		})
	}
}

func TestKeywordsRespectWordBoundaries(t *testing.T) {
	c := cleanCase()
	// "sue" inside "issue", "burn" inside "burnt" and "news" inside
	// "newsletter" are not matches.
	c.Description = "Issue with the burnt orange cap mentioned in the newsletter"
	agg, err := NewGate().Evaluate(context.Background(), Input{Case: c, Confidence: 0.95})
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApprove, agg.Decision)
}

func TestAdversePolicy_ReportsMatches(t *testing.T) {
	c := cleanCase()
	c.Description = "Severe swelling, I saw a doctor"
	res, err := AdversePolicy{Indicators: DefaultAdverseIndicators()}.Check(context.Background(), Input{Case: c})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, []string{"doctor", "swelling", "severe"}, res.Matches)
	assert.Contains(t, res.Reason, "[medical_attention, allergic_reaction, serious_outcome]")
}

type brokenPolicy struct{}

func (brokenPolicy) ID() string   { return "POL-X" }
func (brokenPolicy) Name() string { return "Broken" }
func (brokenPolicy) Check(context.Context, Input) (contracts.PolicyResult, error) {
	return contracts.PolicyResult{}, errors.New("backend unavailable")
}

func TestGate_PolicyErrorFailsClosed(t *testing.T) {
	g := NewGate(WithExtraPolicies(brokenPolicy{}), WithPackVersion(semver.MustParse("2.1.0")))
	agg, err := g.Evaluate(context.Background(), Input{Case: cleanCase(), Confidence: 0.95})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POL-X")
	assert.Equal(t, contracts.DecisionHumanReview, agg.Decision)
	assert.Equal(t, []string{"POL-X"}, agg.Failed)
	assert.False(t, agg.Recoverable)
	assert.Equal(t, "2.1.0", agg.PolicyVersion)
	assert.Equal(t, []string{"POL-001", "POL-002", "POL-003", "POL-004", "POL-005", "POL-X"}, agg.Evaluated())
}

func TestGate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGate().Evaluate(ctx, Input{Case: cleanCase()})
	assert.ErrorIs(t, err, context.Canceled)
}

// Property: an elevated severity is never approved, whatever else holds.
func TestElevatedSeverityNeverApproved(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	g := NewGate()

	severities := []contracts.Severity{contracts.SeverityHigh, contracts.SeverityCritical}
	categories := []contracts.Category{contracts.CategoryPackaging, contracts.CategoryEfficacy, contracts.CategoryOther, ""}

	properties.Property("HIGH/CRITICAL never APPROVE", prop.ForAll(
		func(desc string, confidence float64, si, ci int) bool {
			c := cleanCase()
			c.Description = desc
			c.Severity = severities[si]
			c.Category = categories[ci]
			agg, err := g.Evaluate(context.Background(), Input{Case: c, Confidence: confidence})
			if err != nil {
				return false
			}
			return agg.Decision == contracts.DecisionBlock || agg.Decision == contracts.DecisionEscalate
		},
		gen.AnyString(),
		gen.Float64Range(0, 1),
		gen.IntRange(0, len(severities)-1),
		gen.IntRange(0, len(categories)-1),
	))

	properties.TestingRun(t)
}
