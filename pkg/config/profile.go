package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/casegate/pkg/classifier"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/patterns"
	"github.com/Mindburn-Labs/casegate/pkg/policy"
	"github.com/Mindburn-Labs/casegate/pkg/resolution"
)

// Profile tunes the pipeline for a deployment. Zero fields keep the
// built-in defaults.
type Profile struct {
	Name              string  `yaml:"name"`
	PolicyPackVersion string  `yaml:"policy_pack_version"`
	ConfidenceThresh  float64 `yaml:"confidence_threshold"`

	CategoryGroups [][]contracts.Category `yaml:"category_groups"`
	Rules          *classifier.Rules      `yaml:"rules"`

	AdverseIndicators  policy.KeywordGroups `yaml:"adverse_indicators"`
	RegulatoryKeywords policy.KeywordGroups `yaml:"regulatory_keywords"`
	Policies           []policy.CELSpec     `yaml:"policies"`

	Locales []string `yaml:"locales"`

	packVersion *semver.Version
}

// LoadProfile reads a profile YAML file. An empty path yields the default
// profile.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return &Profile{Name: "default"}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// ParseProfile decodes and validates a profile document. Unknown keys are
// rejected.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) validate() error {
	var errs []error
	if p.PolicyPackVersion != "" {
		v, err := semver.StrictNewVersion(p.PolicyPackVersion)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy_pack_version %q: %w", p.PolicyPackVersion, err))
		}
		p.packVersion = v
	}
	if p.ConfidenceThresh < 0 || p.ConfidenceThresh > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold %v outside [0,1]", p.ConfidenceThresh))
	}
	for i, g := range p.CategoryGroups {
		if len(g) < 2 {
			errs = append(errs, fmt.Errorf("category_groups[%d]: need at least two categories", i))
		}
	}
	seen := make(map[string]bool)
	for _, l := range p.Locales {
		if seen[l] {
			errs = append(errs, fmt.Errorf("locales: duplicate %q", l))
		}
		seen[l] = true
	}
	return errors.Join(errs...)
}

// PackVersion returns the parsed policy pack version, or nil.
func (p *Profile) PackVersion() *semver.Version { return p.packVersion }

// ClassifierRules returns the profile's keyword tables or the defaults.
func (p *Profile) ClassifierRules() classifier.Rules {
	if p.Rules != nil {
		return *p.Rules
	}
	return classifier.DefaultRules()
}

// RequiredLocales returns the locales every resolution must carry.
func (p *Profile) RequiredLocales() []string {
	if len(p.Locales) > 0 {
		return p.Locales
	}
	return resolution.DefaultLocales
}

// GateOptions builds the policy set: POL-001..POL-005 tuned by the profile,
// followed by its CEL policies.
func (p *Profile) GateOptions() ([]policy.GateOption, error) {
	threshold := p.ConfidenceThresh
	if threshold == 0 {
		threshold = policy.DefaultConfidenceThreshold
	}
	adverse := p.AdverseIndicators
	if len(adverse) == 0 {
		adverse = policy.DefaultAdverseIndicators()
	}
	regulatory := p.RegulatoryKeywords
	if len(regulatory) == 0 {
		regulatory = policy.DefaultRegulatoryKeywords()
	}
	opts := []policy.GateOption{policy.WithPolicies(
		policy.SeverityPolicy{},
		policy.EvidencePolicy{},
		policy.ConfidencePolicy{Threshold: threshold},
		policy.AdversePolicy{Indicators: adverse},
		policy.RegulatoryPolicy{Keywords: regulatory},
	)}
	if len(p.Policies) > 0 {
		extra, err := policy.CompileCEL(p.Policies)
		if err != nil {
			return nil, fmt.Errorf("profile policies: %w", err)
		}
		opts = append(opts, policy.WithExtraPolicies(extra...))
	}
	if p.packVersion != nil {
		opts = append(opts, policy.WithPackVersion(p.packVersion))
	}
	return opts, nil
}

// MatcherOptions applies the related-category table and the product line
// lookup of the classifier rules.
func (p *Profile) MatcherOptions() []patterns.MatcherOption {
	groups := patterns.DefaultCategoryGroups()
	if len(p.CategoryGroups) > 0 {
		groups = patterns.CategoryGroups(p.CategoryGroups)
	}
	rules := p.ClassifierRules()
	return []patterns.MatcherOption{
		patterns.WithCategoryGroups(groups),
		patterns.WithProductLines(rules.LineOf),
	}
}
