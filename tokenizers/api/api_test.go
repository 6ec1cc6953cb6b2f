package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecialToken(t *testing.T) {
	for _, token := range SpecialTokenValues() {
		parsed, err := ParseSpecialToken(token.String())
		require.NoError(t, err)
		assert.Equal(t, token, parsed)
	}

	parsed, err := ParseSpecialToken(" EOS ")
	require.NoError(t, err)
	assert.Equal(t, TokEndOfSentence, parsed)

	_, err = ParseSpecialToken("end_of_story")
	assert.Error(t, err)
	assert.Equal(t, "SpecialToken(99)", SpecialToken(99).String())
}

func TestSpecialTokens(t *testing.T) {
	tokens := SpecialTokens{TokPad: 0, TokEndOfSentence: 2}
	id, err := tokens.SpecialTokenID(TokEndOfSentence)
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	_, err = tokens.SpecialTokenID(TokSeparator)
	assert.Error(t, err)
}
