// Package classifier extracts product, category and severity from a case.
//
// The Classifier interface is the contract the pipeline depends on. The
// KeywordClassifier is a deterministic implementation over keyword tables;
// text is NFC-normalized and case-folded and keywords match whole words.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/casegate/pkg/canonicalize"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

// Classification is the classifier's view of a case.
type Classification struct {
	Product            string             `json:"product"`
	ProductLine        string             `json:"product_line"`
	ProductConfidence  float64            `json:"product_confidence"`
	Category           contracts.Category `json:"category"`
	CategoryConfidence float64            `json:"category_confidence"`
	Severity           contracts.Severity `json:"severity"`
	SeverityConfidence float64            `json:"severity_confidence"`
	// Confidence is the minimum of the three component confidences.
	Confidence   float64  `json:"confidence"`
	Keywords     []string `json:"keywords,omitempty"`
	AdverseEvent bool     `json:"adverse_event"`
	Reasoning    string   `json:"reasoning"`
}

// Apply returns c annotated with the classification. Fields the case
// already carried are kept; severity is only ever raised.
func (cl Classification) Apply(c contracts.Case) contracts.Case {
	if c.Product == "" {
		c.Product = cl.Product
	}
	if c.ProductLine == "" {
		c.ProductLine = cl.ProductLine
	}
	if c.Category == "" {
		c.Category = cl.Category
	}
	c.Severity = contracts.MaxSeverity(c.Severity, cl.Severity)
	return c
}

// Classifier classifies a case.
type Classifier interface {
	Classify(ctx context.Context, c contracts.Case) (Classification, error)
}

// KeywordClassifier classifies cases from keyword tables.
type KeywordClassifier struct {
	rules  Rules
	logger *slog.Logger
}

// NewKeywordClassifier creates a classifier over rules.
func NewKeywordClassifier(rules Rules) *KeywordClassifier {
	return &KeywordClassifier{
		rules:  rules,
		logger: slog.Default().With("component", "classifier"),
	}
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(ctx context.Context, c contracts.Case) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}
	text := canonicalize.Fold(c.Description)
	var out Classification
	var reasons []string
	seen := make(map[string]bool)
	note := func(kw string) {
		if !seen[kw] {
			seen[kw] = true
			out.Keywords = append(out.Keywords, kw)
		}
	}

	out.Product, out.ProductLine, out.ProductConfidence = k.product(c, text)
	reasons = append(reasons, fmt.Sprintf("product %q (%.2f)", out.Product, out.ProductConfidence))

	var catHits []string
	out.Category, out.CategoryConfidence, catHits = k.category(c, text)
	for _, kw := range catHits {
		note(kw)
	}
	reasons = append(reasons, fmt.Sprintf("category %s (%.2f)", out.Category, out.CategoryConfidence))

	sev, sevConf, sevKeyword, why := k.severity(text, out.ProductLine, out.Category)
	if sevKeyword != "" {
		note(sevKeyword)
	}
	out.Severity = contracts.MaxSeverity(c.Severity, sev)
	out.SeverityConfidence = sevConf
	if out.Severity != sev {
		why = fmt.Sprintf("case severity %s kept over assessed %s", c.Severity, sev)
	}
	reasons = append(reasons, why)

	out.AdverseEvent = out.Category == contracts.CategoryAdverseReaction || (sevKeyword != "" && sev.Elevated())
	out.Confidence = round2(math.Min(out.ProductConfidence, math.Min(out.CategoryConfidence, out.SeverityConfidence)))
	out.Reasoning = strings.Join(reasons, "; ")

	k.logger.DebugContext(ctx, "case classified",
		"case_id", c.CaseID, "category", out.Category, "severity", out.Severity, "confidence", out.Confidence)
	return out, nil
}

func (k *KeywordClassifier) product(c contracts.Case, text string) (product, line string, confidence float64) {
	if c.Product != "" {
		line = c.ProductLine
		if line == "" {
			line = k.rules.LineOf(c.Product)
		}
		return c.Product, line, 0.95
	}
	for _, pl := range k.rules.Catalogue {
		lineNamed := canonicalize.ContainsPhrase(text, pl.Name)
		for _, p := range longestFirst(pl.Products) {
			if canonicalize.ContainsPhrase(text, p) {
				if lineNamed {
					return p, pl.Name, 0.95
				}
				return p, pl.Name, 0.90
			}
		}
		if lineNamed && len(pl.Products) > 0 {
			return pl.Products[0], pl.Name, 0.75
		}
	}
	return "Unknown Product", "UNKNOWN", 0.0
}

func (k *KeywordClassifier) category(c contracts.Case, text string) (contracts.Category, float64, []string) {
	best := contracts.Category("")
	var bestHits []string
	for _, ck := range k.rules.Categories {
		hits := matchAll(text, ck.Keywords)
		if len(hits) > len(bestHits) {
			best, bestHits = ck.Category, hits
		}
	}
	if c.Category != "" {
		return c.Category, 0.95, bestHits
	}
	if best == "" {
		return contracts.CategoryOther, 0.50, nil
	}
	return best, round2(math.Min(0.95, 0.60+0.10*float64(len(bestHits)))), bestHits
}

func (k *KeywordClassifier) severity(text, line string, category contracts.Category) (contracts.Severity, float64, string, string) {
	if kw := firstMatch(text, k.rules.Critical); kw != "" {
		return contracts.SeverityCritical, 0.95, kw, "critical keyword: " + kw
	}
	if containsFold(k.rules.HighRiskLines, line) {
		if kw := firstMatch(text, k.rules.HighRiskAdverse); kw != "" {
			return contracts.SeverityHigh, 0.90, kw, "high-risk product line with adverse indicator: " + kw
		}
	}
	if kw := firstMatch(text, k.rules.High); kw != "" {
		return contracts.SeverityHigh, 0.85, kw, "high severity keyword: " + kw
	}
	if kw := firstMatch(text, k.rules.Medium); kw != "" {
		return contracts.SeverityMedium, 0.80, kw, "medium severity keyword: " + kw
	}
	if category == contracts.CategoryAdverseReaction {
		return contracts.SeverityMedium, 0.75, "", "adverse reaction category is at least MEDIUM"
	}
	return contracts.SeverityLow, 0.85, "", "no elevated severity indicators"
}

func firstMatch(text string, phrases []string) string {
	for _, p := range phrases {
		if canonicalize.ContainsPhrase(text, p) {
			return p
		}
	}
	return ""
}

func matchAll(text string, phrases []string) []string {
	var hits []string
	for _, p := range phrases {
		if canonicalize.ContainsPhrase(text, p) {
			hits = append(hits, p)
		}
	}
	return hits
}

// longestFirst orders products so "Dermal Filler Lyft" wins over "Dermal Filler".
func longestFirst(products []string) []string {
	out := append([]string(nil), products...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if equalFold(v, s) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	return strings.TrimSpace(canonicalize.Fold(a)) == strings.TrimSpace(canonicalize.Fold(b))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
