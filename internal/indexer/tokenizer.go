package indexer

import (
	"unicode"
)

// Tokenizer counts tokens for chunk sizing.
type Tokenizer interface {
	Count(text string) int
}

// HeuristicTokenizer approximates subword tokenizers without a vocabulary:
// every CJK character is one token, other words cost one token per
// latinCharsPerToken characters, and punctuation costs one token each.
type HeuristicTokenizer struct{}

const latinCharsPerToken = 4

// Count returns the estimated token count of text.
func (HeuristicTokenizer) Count(text string) int {
	tokens := 0
	word := 0
	flush := func() {
		if word > 0 {
			tokens += (word + latinCharsPerToken - 1) / latinCharsPerToken
			word = 0
		}
	}
	for _, r := range text {
		switch {
		case isCJK(r):
			flush()
			tokens++
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word++
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			tokens++
		}
	}
	flush()
	return tokens
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}
