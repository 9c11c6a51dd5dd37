package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/casegate/pkg/config"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/policy"
	"github.com/Mindburn-Labs/casegate/pkg/resolution"
)

const euProfile = `
name: eu-pharmacovigilance
policy_pack_version: 2.1.0
confidence_threshold: 0.8
category_groups:
  - [PACKAGING, SHIPPING, DELIVERY]
locales: [EN, DE]
policies:
  - id: POL-100
    name: Injectables need evidence
    expression: "case.product_line != 'INJECTABLES' || confidence >= 0.95"
    action: HUMAN_REVIEW
    recoverable: true
    reason: Injectable cases need near-certain matches
`

func TestParseProfile(t *testing.T) {
	p, err := config.ParseProfile([]byte(euProfile))
	require.NoError(t, err)

	assert.Equal(t, "eu-pharmacovigilance", p.Name)
	require.NotNil(t, p.PackVersion())
	assert.Equal(t, "2.1.0", p.PackVersion().String())
	assert.Equal(t, []string{"EN", "DE"}, p.RequiredLocales())
	assert.Equal(t, [][]contracts.Category{{contracts.CategoryPackaging, contracts.CategoryShipping, contracts.CategoryDelivery}}, p.CategoryGroups)

	opts, err := p.GateOptions()
	require.NoError(t, err)
	gate := policy.NewGate(opts...)
	assert.Equal(t, []string{"POL-001", "POL-002", "POL-003", "POL-004", "POL-005", "POL-100"}, gate.Policies())
	assert.Len(t, p.MatcherOptions(), 2)
}

func TestParseProfile_Defaults(t *testing.T) {
	p, err := config.LoadProfile("")
	require.NoError(t, err)
	assert.Nil(t, p.PackVersion())
	assert.Equal(t, resolution.DefaultLocales, p.RequiredLocales())
	assert.NotEmpty(t, p.ClassifierRules().Catalogue)

	opts, err := p.GateOptions()
	require.NoError(t, err)
	assert.Len(t, policy.NewGate(opts...).Policies(), 5)
}

func TestParseProfile_ConfidenceThreshold(t *testing.T) {
	p, err := config.ParseProfile([]byte("confidence_threshold: 0.5\n"))
	require.NoError(t, err)
	opts, err := p.GateOptions()
	require.NoError(t, err)

	agg, err := policy.NewGate(opts...).Evaluate(context.Background(), policy.Input{
		Case: contracts.Case{
			CaseID: "C-1", CaseType: contracts.CaseTypeComplaint, Status: contracts.CaseStatusOpen,
			Description: "Pump is stuck", Product: "Moisturizing Lotion", Category: contracts.CategoryPackaging,
			Severity: contracts.SeverityLow,
		},
		Confidence: 0.6,
	})
	require.NoError(t, err)
	for _, r := range agg.Results {
		if r.PolicyID == "POL-003" {
			assert.True(t, r.Passed, r.Reason)
		}
	}
}

func TestParseProfile_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":       "nmae: typo\n",
		"bad semver":        "policy_pack_version: v2\n",
		"threshold range":   "confidence_threshold: 1.5\n",
		"single group":      "category_groups:\n  - [PACKAGING]\n",
		"duplicate locales": "locales: [EN, EN]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseProfile([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseProfile_BadCEL(t *testing.T) {
	p, err := config.ParseProfile([]byte("policies:\n  - id: POL-200\n    expression: \"case.\"\n    action: HUMAN_REVIEW\n"))
	require.NoError(t, err)
	_, err = p.GateOptions()
	assert.Error(t, err)
}

func TestLoadProfile_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(euProfile), 0o600))
	p, err := config.LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "eu-pharmacovigilance", p.Name)

	_, err = config.LoadProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
