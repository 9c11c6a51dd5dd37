package policy

import (
	"strings"

	"github.com/Mindburn-Labs/casegate/pkg/canonicalize"
)

// KeywordGroup is a named list of phrases. Phrases match on word
// boundaries after case folding.
type KeywordGroup struct {
	Name    string   `yaml:"name" json:"name"`
	Phrases []string `yaml:"phrases" json:"phrases"`
}

// KeywordGroups is an ordered set of groups.
type KeywordGroups []KeywordGroup

// Scan returns the groups with at least one hit and every matched phrase,
// both in declaration order.
func (gs KeywordGroups) Scan(folded string) (groups []string, phrases []string) {
	if folded == "" {
		return nil, nil
	}
	for _, g := range gs {
		hit := false
		for _, p := range g.Phrases {
			if canonicalize.ContainsPhrase(folded, p) {
				phrases = append(phrases, p)
				hit = true
			}
		}
		if hit {
			groups = append(groups, g.Name)
		}
	}
	return groups, phrases
}

// DefaultAdverseIndicators are the POL-004 groups.
func DefaultAdverseIndicators() KeywordGroups {
	return KeywordGroups{
		{Name: "medical_attention", Phrases: []string{"doctor", "hospital", "emergency room", "er visit", "urgent care", "medical attention", "physician"}},
		{Name: "hospitalization", Phrases: []string{"hospitalized", "admitted", "inpatient", "overnight stay"}},
		{Name: "allergic_reaction", Phrases: []string{"allergic reaction", "anaphylaxis", "severe allergy", "swelling", "difficulty breathing", "throat closing"}},
		{Name: "injury", Phrases: []string{"injury", "injured", "hurt", "wound", "burn", "scarring", "permanent damage"}},
		{Name: "serious_outcome", Phrases: []string{"serious", "severe", "life-threatening", "critical condition"}},
	}
}

// DefaultRegulatoryKeywords are the POL-005 groups.
func DefaultRegulatoryKeywords() KeywordGroups {
	return KeywordGroups{
		{Name: "legal", Phrases: []string{"fda", "lawsuit", "legal", "attorney", "lawyer", "sue", "court", "litigation", "settlement"}},
		{Name: "serious_outcome", Phrases: []string{"death", "died", "fatal", "serious injury", "permanent"}},
		{Name: "regulatory_action", Phrases: []string{"recall", "contaminated", "dangerous", "unsafe", "health department", "report to", "complaint to"}},
		{Name: "media_risk", Phrases: []string{"news", "media", "reporter", "social media", "viral", "public", "expose"}},
	}
}

func joinGroups(groups []string) string {
	return "[" + strings.Join(groups, ", ") + "]"
}
