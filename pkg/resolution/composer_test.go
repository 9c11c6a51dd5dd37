package resolution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateComposer(t *testing.T) {
	tc := NewTemplateComposer()
	req := ComposeRequest{CaseID: "C-9", Canonical: "We apologize for the inconvenience."}

	req.Locale = "en"
	en, err := tc.Compose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "EN", en.Locale)
	assert.Equal(t, "Resolution of case C-9", en.Subject)
	assert.Equal(t, req.Canonical, en.Body)

	req.Locale = "PT"
	pt, err := tc.Compose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Pedimos desculpa pelo inconveniente.", pt.Body)
	assert.Equal(t, "Resolução do caso C-9", pt.Subject)

	req.Locale = "DE"
	_, err = tc.Compose(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnsupportedLocale)
}

func TestTemplateComposer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTemplateComposer().Compose(ctx, ComposeRequest{Locale: "EN"})
	assert.ErrorIs(t, err, context.Canceled)
}
