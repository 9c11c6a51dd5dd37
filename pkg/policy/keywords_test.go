package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/casegate/pkg/canonicalize"
)

func TestKeywordGroups_Scan(t *testing.T) {
	groups, phrases := DefaultRegulatoryKeywords().Scan(canonicalize.Fold("My lawyer says the RECALL was on the news."))
	assert.Equal(t, []string{"legal", "regulatory_action", "media_risk"}, groups)
	assert.Equal(t, []string{"lawyer", "recall", "news"}, phrases)

	groups, phrases = DefaultRegulatoryKeywords().Scan("")
	assert.Nil(t, groups)
	assert.Nil(t, phrases)
}
