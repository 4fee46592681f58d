package tokenize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeLowercasesStemsAndDropsStopwords(t *testing.T) {
	tokens := Tokenize("The Running Foxes are jumping")
	terms := TermsOnly(tokens)
	assert.Contains(t, terms, "run")
	assert.Contains(t, terms, "fox")
	assert.Contains(t, terms, "jump")
	assert.NotContains(t, terms, "the")
	assert.NotContains(t, terms, "are")
}

func TestTokenizePreservesPositionOrder(t *testing.T) {
	tokens := Tokenize("alpha beta gamma")
	for i, tok := range tokens {
		assert.Equal(t, i, tok.Position)
	}
}

func TestTokenizeHandlesEmptyInput(t *testing.T) {
	assert.Empty(t, Tokenize(""))
	assert.Empty(t, Tokenize("   ...   "))
}
