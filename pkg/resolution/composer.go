// Package resolution builds the decision artifact for a case: the
// resolution code, the canonical text, one localized rendering per
// required locale, and the artifact's canonical hash.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

// DefaultLocales are required on every artifact.
var DefaultLocales = []string{"PT", "EN", "ES", "FR"}

var ErrUnsupportedLocale = errors.New("unsupported locale")

// ComposeRequest asks for one locale's rendering.
type ComposeRequest struct {
	CaseID    string
	Locale    string
	Canonical string
	Product   string
	Category  contracts.Category
}

// TextComposer renders a canonical resolution into a locale. Production
// deployments put a translation service behind this interface.
type TextComposer interface {
	Compose(ctx context.Context, req ComposeRequest) (contracts.LocalizedText, error)
}

type localeTable struct {
	subject string
	closing string
	phrases *strings.Replacer
}

// TemplateComposer is a deterministic phrase-table composer for local
// runs and tests.
type TemplateComposer struct {
	tables map[string]localeTable
}

// NewTemplateComposer creates the composer with PT/EN/ES/FR tables.
func NewTemplateComposer() *TemplateComposer {
	return &TemplateComposer{tables: map[string]localeTable{
		"EN": {
			subject: "Resolution of case %s",
			closing: "Kind regards, Customer Care Team",
			phrases: strings.NewReplacer(),
		},
		"PT": {
			subject: "Resolução do caso %s",
			closing: "Atenciosamente, Equipa de Apoio ao Cliente",
			phrases: strings.NewReplacer(
				"Thank you for contacting us about", "Agradecemos o seu contacto sobre",
				"Thank you for contacting", "Agradecemos o seu contacto com",
				"We have reviewed your concern", "Analisámos a sua questão",
				"We sincerely apologize", "Pedimos sinceras desculpas",
				"We apologize", "Pedimos desculpa",
				"for the inconvenience", "pelo inconveniente",
				"A replacement will be sent", "Será enviada uma substituição",
				"We are sending a replacement unit", "Estamos a enviar uma unidade de substituição",
				"Please contact us", "Por favor contacte-nos",
				"Your feedback helps us maintain product quality", "O seu feedback ajuda-nos a manter a qualidade do produto",
			),
		},
		"ES": {
			subject: "Resolución del caso %s",
			closing: "Atentamente, Equipo de Atención al Cliente",
			phrases: strings.NewReplacer(
				"Thank you for contacting us about", "Gracias por contactarnos sobre",
				"Thank you for contacting", "Gracias por contactar con",
				"We have reviewed your concern", "Hemos revisado su consulta",
				"We sincerely apologize", "Le pedimos sinceras disculpas",
				"We apologize", "Le pedimos disculpas",
				"for the inconvenience", "por las molestias",
				"A replacement will be sent", "Se enviará un reemplazo",
				"We are sending a replacement unit", "Le enviamos una unidad de reemplazo",
				"Please contact us", "Por favor contáctenos",
				"Your feedback helps us maintain product quality", "Sus comentarios nos ayudan a mantener la calidad del producto",
			),
		},
		"FR": {
			subject: "Résolution du dossier %s",
			closing: "Cordialement, Service Client",
			phrases: strings.NewReplacer(
				"Thank you for contacting us about", "Merci de nous avoir contactés au sujet de",
				"Thank you for contacting", "Merci d'avoir contacté",
				"We have reviewed your concern", "Nous avons examiné votre demande",
				"We sincerely apologize", "Nous vous présentons nos sincères excuses",
				"We apologize", "Nous nous excusons",
				"for the inconvenience", "pour la gêne occasionnée",
				"A replacement will be sent", "Un remplacement vous sera envoyé",
				"We are sending a replacement unit", "Nous vous envoyons une unité de remplacement",
				"Please contact us", "Veuillez nous contacter",
				"Your feedback helps us maintain product quality", "Vos retours nous aident à maintenir la qualité du produit",
			),
		},
	}}
}

// Compose implements TextComposer.
func (tc *TemplateComposer) Compose(ctx context.Context, req ComposeRequest) (contracts.LocalizedText, error) {
	if err := ctx.Err(); err != nil {
		return contracts.LocalizedText{}, err
	}
	locale := strings.ToUpper(req.Locale)
	t, ok := tc.tables[locale]
	if !ok {
		return contracts.LocalizedText{}, fmt.Errorf("%w: %s", ErrUnsupportedLocale, req.Locale)
	}
	return contracts.LocalizedText{
		Locale:  locale,
		Subject: fmt.Sprintf(t.subject, req.CaseID),
		Body:    t.phrases.Replace(req.Canonical),
		Closing: t.closing,
	}, nil
}
