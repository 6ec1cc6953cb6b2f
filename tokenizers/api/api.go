// Package api defines the small part of a tokenizer the packer needs: mapping special tokens
// (padding, end of sentence, separator...) to the ids of a given vocabulary.
//
// Tokens are produced upstream; this package never encodes text. Adapt a tokenizer to
// SpecialTokenResolver, or use a SpecialTokens table, to resolve named separators.
package api

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSeparator
	TokSpecialTokensCount
)

var specialTokenNames = [TokSpecialTokensCount]string{
	"beginning_of_sentence",
	"end_of_sentence",
	"unknown",
	"pad",
	"mask",
	"classification",
	"separator",
}

// Common short aliases accepted by ParseSpecialToken.
var specialTokenAliases = map[string]SpecialToken{
	"bos": TokBeginningOfSentence,
	"eos": TokEndOfSentence,
	"unk": TokUnknown,
	"cls": TokClassification,
	"sep": TokSeparator,
}

// String implements fmt.Stringer, with the snake case name of the token.
func (t SpecialToken) String() string {
	if t < 0 || t >= TokSpecialTokensCount {
		return fmt.Sprintf("SpecialToken(%d)", int(t))
	}
	return specialTokenNames[t]
}

// SpecialTokenValues returns all the special tokens.
func SpecialTokenValues() []SpecialToken {
	values := make([]SpecialToken, TokSpecialTokensCount)
	for i := range values {
		values[i] = SpecialToken(i)
	}
	return values
}

// ParseSpecialToken converts a name, as returned by SpecialToken.String, or a short alias
// (bos, eos, unk, cls, sep) to a SpecialToken.
func ParseSpecialToken(name string) (SpecialToken, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, known := range specialTokenNames {
		if name == known {
			return SpecialToken(i), nil
		}
	}
	if t, found := specialTokenAliases[name]; found {
		return t, nil
	}
	return TokSpecialTokensCount, errors.Errorf("unknown special token %q", name)
}

// SpecialTokenResolver maps special tokens to ids of a vocabulary.
type SpecialTokenResolver interface {
	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// SpecialTokens is a fixed SpecialTokenResolver, e.g. read from a configuration file.
type SpecialTokens map[SpecialToken]int

// Compile time assert that SpecialTokens implements SpecialTokenResolver.
var _ SpecialTokenResolver = SpecialTokens{}

// SpecialTokenID implements SpecialTokenResolver.
func (s SpecialTokens) SpecialTokenID(token SpecialToken) (int, error) {
	id, found := s[token]
	if !found {
		return 0, errors.Errorf("special token %s not registered", token)
	}
	return id, nil
}
