package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	assert.Equal(t, " the box was crushed ", Fold("The BOX was -- crushed!"))
	assert.Equal(t, "", Fold(""))
}

func TestContainsPhrase_WordBoundaries(t *testing.T) {
	folded := Fold("There is an issue with the tissue paper.")
	assert.False(t, ContainsPhrase(folded, "sue"), "substring inside a word must not match")
	assert.True(t, ContainsPhrase(folded, "tissue paper"))
}

func TestMatchPhrases_MultiWord(t *testing.T) {
	hits := MatchPhrases("She had Difficulty Breathing and went to urgent-care.",
		[]string{"difficulty breathing", "urgent care", "hospital"})
	assert.Equal(t, []string{"difficulty breathing", "urgent care"}, hits)
}
