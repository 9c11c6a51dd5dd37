package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/casegate/pkg/canonicalize"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

var ErrIncompleteArtifact = errors.New("incomplete decision artifact")

// Template is the fallback resolution for a category when no pattern
// supplies one.
type Template struct {
	Canonical string `yaml:"canonical" json:"canonical"`
	Code      string `yaml:"code" json:"code"`
}

// DefaultTemplates returns the category fallbacks. OTHER is the catch-all.
func DefaultTemplates() map[contracts.Category]Template {
	return map[contracts.Category]Template{
		contracts.CategoryPackaging: {
			Canonical: "We apologize for the packaging issue with your {product}. We are sending a replacement unit and have notified our quality assurance team to investigate this batch. Your feedback helps us maintain product quality.",
			Code:      "PKG-REPLACE-001",
		},
		contracts.CategoryQuality: {
			Canonical: "Thank you for reporting the quality concern with {product}. We have initiated an investigation and will send a replacement. Our quality team will analyze the batch to prevent future occurrences.",
			Code:      "QTY-REPLACE-001",
		},
		contracts.CategoryEfficacy: {
			Canonical: "We understand your concerns about {product} efficacy. Individual results may vary. We are happy to process a refund if desired.",
			Code:      "EFF-REFUND-001",
		},
		contracts.CategoryShipping: {
			Canonical: "We apologize for the shipping issue with your {product} order. We are expediting a replacement shipment and have flagged this with our logistics partner.",
			Code:      "SHP-REPLACE-001",
		},
		contracts.CategoryOther: {
			Canonical: "Thank you for contacting us about {product}. We have reviewed your concern and are taking appropriate action. Please contact us if you have any additional questions.",
			Code:      "OTH-REVIEW-001",
		},
	}
}

// Builder produces decision artifacts.
type Builder struct {
	composer  TextComposer
	locales   []string
	templates map[contracts.Category]Template
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithLocales overrides the required locales.
func WithLocales(locales ...string) BuilderOption {
	return func(b *Builder) { b.locales = append([]string(nil), locales...) }
}

// WithTemplates overrides the category fallbacks.
func WithTemplates(t map[contracts.Category]Template) BuilderOption {
	return func(b *Builder) { b.templates = t }
}

// NewBuilder creates a builder over composer.
func NewBuilder(composer TextComposer, opts ...BuilderOption) *Builder {
	b := &Builder{
		composer:  composer,
		locales:   DefaultLocales,
		templates: DefaultTemplates(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Locales returns the required locales.
func (b *Builder) Locales() []string { return b.locales }

// Build composes the artifact for c. p is the matched pattern and may be
// nil, in which case the category template is used.
func (b *Builder) Build(ctx context.Context, c contracts.Case, runID string, p *contracts.Pattern) (contracts.DecisionArtifact, error) {
	a := contracts.DecisionArtifact{CaseID: c.CaseID, RunID: runID}

	tmpl, ok := b.templates[c.Category]
	if !ok {
		tmpl = b.templates[contracts.CategoryOther]
	}
	canonical, code := tmpl.Canonical, tmpl.Code
	if p != nil {
		a.PatternID = p.PatternID
		if p.ResolutionTemplate != "" {
			canonical = p.ResolutionTemplate
		}
		if p.ResolutionCode != "" {
			code = p.ResolutionCode
		}
	}
	product := c.Product
	if product == "" {
		product = "your product"
	}
	a.Resolution = strings.ReplaceAll(canonical, "{product}", product)
	a.ResolutionCode = code

	texts := make([]contracts.LocalizedText, len(b.locales))
	g, gctx := errgroup.WithContext(ctx)
	for i, locale := range b.locales {
		g.Go(func() error {
			t, err := b.composer.Compose(gctx, ComposeRequest{
				CaseID:    c.CaseID,
				Locale:    locale,
				Canonical: a.Resolution,
				Product:   product,
				Category:  c.Category,
			})
			if err != nil {
				return fmt.Errorf("compose %s: %w", locale, err)
			}
			t.Locale = locale
			texts[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return contracts.DecisionArtifact{}, err
	}
	a.Texts = make(map[string]contracts.LocalizedText, len(texts))
	for _, t := range texts {
		a.Texts[t.Locale] = t
	}

	if missing := Missing(a, b.locales); len(missing) > 0 {
		return contracts.DecisionArtifact{}, fmt.Errorf("%w: %s", ErrIncompleteArtifact, strings.Join(missing, ", "))
	}
	h, err := Hash(a)
	if err != nil {
		return contracts.DecisionArtifact{}, err
	}
	a.Hash = h
	return a, nil
}

// Missing lists what keeps a from being complete for locales: an empty
// resolution code, or a locale without subject and body.
func Missing(a contracts.DecisionArtifact, locales []string) []string {
	var missing []string
	if strings.TrimSpace(a.ResolutionCode) == "" {
		missing = append(missing, "resolution_code")
	}
	for _, l := range locales {
		t, ok := a.Texts[l]
		if !ok || strings.TrimSpace(t.Subject) == "" || strings.TrimSpace(t.Body) == "" {
			missing = append(missing, "texts."+l)
		}
	}
	return missing
}

// Hash is the canonical hash of a with its Hash field cleared.
func Hash(a contracts.DecisionArtifact) (string, error) {
	a.Hash = ""
	h, err := canonicalize.CanonicalHash(a)
	if err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return h, nil
}

// Verify reports whether a's recorded hash matches its content.
func Verify(a contracts.DecisionArtifact) bool {
	h, err := Hash(a)
	return err == nil && a.Hash != "" && h == a.Hash
}
