package classifier

import "github.com/Mindburn-Labs/casegate/pkg/contracts"

// ProductLine is one catalogue line and the products it contains. The
// first product stands in when only the line is named.
type ProductLine struct {
	Name     string   `yaml:"name" json:"name"`
	Products []string `yaml:"products" json:"products"`
}

// CategoryKeywords maps a category to the phrases that indicate it.
type CategoryKeywords struct {
	Category contracts.Category `yaml:"category" json:"category"`
	Keywords []string           `yaml:"keywords" json:"keywords"`
}

// Rules are the keyword tables the classifier runs on. Order matters:
// catalogue lines and categories are tried in the order given.
type Rules struct {
	Catalogue  []ProductLine      `yaml:"catalogue" json:"catalogue"`
	Categories []CategoryKeywords `yaml:"categories" json:"categories"`

	Critical []string `yaml:"critical" json:"critical"`
	High     []string `yaml:"high" json:"high"`
	Medium   []string `yaml:"medium" json:"medium"`

	// HighRiskLines are product lines where any adverse word is HIGH.
	HighRiskLines   []string `yaml:"high_risk_lines" json:"high_risk_lines"`
	HighRiskAdverse []string `yaml:"high_risk_adverse" json:"high_risk_adverse"`
}

// DefaultRules returns the built-in tables.
func DefaultRules() Rules {
	return Rules{
		Catalogue: []ProductLine{
			{Name: "SKINCARE", Products: []string{"Gentle Skin Cleanser", "Moisturizing Lotion", "Moisturizing Cream", "Daily Facial Cleanser", "Vitamin C Serum"}},
			{Name: "ACNE", Products: []string{"Retinoid Gel", "Clarifying Cleanser", "Dark Spot Corrector"}},
			{Name: "SUNCARE", Products: []string{"Mineral Sunscreen", "Tinted Sunscreen"}},
			{Name: "INJECTABLES", Products: []string{"Dermal Filler", "Dermal Filler Lyft", "Dermal Filler Silk"}},
		},
		Categories: []CategoryKeywords{
			{Category: contracts.CategoryContamination, Keywords: []string{
				"contaminated", "foreign object", "foreign material", "mold", "bacteria",
				"dirty", "unclean", "particle", "debris",
			}},
			{Category: contracts.CategoryAdverseReaction, Keywords: []string{
				"reaction", "allergic", "rash", "irritation", "swelling",
				"burning", "itching", "redness", "breakout", "hives",
			}},
			{Category: contracts.CategoryPackaging, Keywords: []string{
				"packaging", "seal", "broken seal", "damaged", "leak", "leaking",
				"cap", "pump", "dispenser", "container",
			}},
			{Category: contracts.CategoryLabeling, Keywords: []string{
				"label", "labeling", "misprinted", "instructions", "wrong language",
			}},
			{Category: contracts.CategoryQuality, Keywords: []string{
				"consistency", "texture", "color", "smell", "odor",
				"separated", "expired", "changed", "different",
			}},
			{Category: contracts.CategoryEfficacy, Keywords: []string{
				"not working", "ineffective", "no results", "doesn't work",
				"no improvement", "waste of money", "disappointed",
			}},
			{Category: contracts.CategoryShipping, Keywords: []string{
				"shipping", "delivery", "wrong product", "missing",
				"late", "damaged in transit", "never received",
			}},
		},
		Critical: []string{
			"hospital", "emergency", "life-threatening", "died", "death",
			"anaphylaxis", "anaphylactic", "difficulty breathing", "cant breathe",
			"heart", "seizure", "unconscious", "coma",
		},
		High: []string{
			"allergic reaction", "severe reaction", "swelling", "blisters",
			"medical attention", "doctor", "urgent care", "burning sensation",
			"infection", "hospitalized", "er visit", "emergency room",
		},
		Medium: []string{
			"rash", "irritation", "redness", "itching", "discomfort",
			"not working", "ineffective", "disappointed", "quality issue",
		},
		HighRiskLines:   []string{"INJECTABLES"},
		HighRiskAdverse: []string{"reaction", "swelling", "pain", "bruise", "lump", "infection"},
	}
}

// LineOf returns the catalogue line of product, or "".
func (r Rules) LineOf(product string) string {
	for _, line := range r.Catalogue {
		for _, p := range line.Products {
			if equalFold(p, product) {
				return line.Name
			}
		}
	}
	return ""
}
