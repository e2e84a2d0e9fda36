package analysis

import (
	"unicode"
	"unicode/utf8"

	"github.com/clipperhouse/uax29/v2/words"
)

// StandardTokenizer splits on Unicode word boundaries (UAX #29) and drops segments that
// contain neither letters nor digits.
type StandardTokenizer struct {
	MaxTokenLength int
}

func (t StandardTokenizer) Tokenize(text string) []Token {
	var tokens []Token
	iter := words.FromString(text)
	for iter.Next() {
		word := iter.Value()
		kind, ok := classifyWord(word)
		if !ok {
			continue
		}
		if t.MaxTokenLength > 0 && utf8.RuneCountInString(word) > t.MaxTokenLength {
			continue
		}
		tokens = append(tokens, Token{
			Term:        word,
			StartOffset: iter.Start(),
			EndOffset:   iter.End(),
			Position:    len(tokens),
			Type:        kind,
		})
	}
	return tokens
}

func classifyWord(word string) (string, bool) {
	hasLetter, hasDigit := false, false
	for _, r := range word {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	switch {
	case hasLetter:
		return tokenTypeWord, true
	case hasDigit:
		return tokenTypeNum, true
	default:
		return "", false
	}
}

// WhitespaceTokenizer splits on whitespace only.
type WhitespaceTokenizer struct{}

func (WhitespaceTokenizer) Tokenize(text string) []Token {
	return splitTokens(text, unicode.IsSpace)
}

// LetterTokenizer splits on anything that is not a letter.
type LetterTokenizer struct{}

func (LetterTokenizer) Tokenize(text string) []Token {
	return splitTokens(text, func(r rune) bool { return !unicode.IsLetter(r) })
}

func splitTokens(text string, isSep func(rune) bool) []Token {
	var tokens []Token
	start := -1
	for i, r := range text {
		if isSep(r) {
			if start >= 0 {
				tokens = append(tokens, Token{Term: text[start:i], StartOffset: start, EndOffset: i, Position: len(tokens), Type: tokenTypeWhole})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, Token{Term: text[start:], StartOffset: start, EndOffset: len(text), Position: len(tokens), Type: tokenTypeWhole})
	}
	return tokens
}

// KeywordTokenizer emits the entire input as a single token.
type KeywordTokenizer struct{}

func (KeywordTokenizer) Tokenize(text string) []Token {
	if text == "" {
		return nil
	}
	return []Token{{Term: text, StartOffset: 0, EndOffset: len(text), Position: 0, Type: tokenTypeWhole}}
}

// NGramTokenizer emits every substring whose rune length lies in [MinGram, MaxGram],
// ordered by start position and then by length.
type NGramTokenizer struct {
	MinGram int
	MaxGram int
}

func (t NGramTokenizer) Tokenize(text string) []Token {
	bounds := runeBounds(text)
	n := len(bounds) - 1
	var tokens []Token
	for start := 0; start < n; start++ {
		for size := t.MinGram; size <= t.MaxGram && start+size <= n; size++ {
			tokens = append(tokens, Token{
				Term:        text[bounds[start]:bounds[start+size]],
				StartOffset: bounds[start],
				EndOffset:   bounds[start+size],
				Position:    len(tokens),
				Type:        tokenTypeGram,
			})
		}
	}
	return tokens
}

// EdgeNGramTokenizer emits only grams anchored at the front (or back) of the input.
type EdgeNGramTokenizer struct {
	MinGram int
	MaxGram int
	Side    Side
}

func (t EdgeNGramTokenizer) Tokenize(text string) []Token {
	var tokens []Token
	for _, g := range edgeGrams(text, t.MinGram, t.MaxGram, t.Side) {
		tokens = append(tokens, Token{
			Term:        text[g.start:g.end],
			StartOffset: g.start,
			EndOffset:   g.end,
			Position:    len(tokens),
			Type:        tokenTypeGram,
		})
	}
	return tokens
}

// Side selects which end of a string edge n-grams are anchored to.
type Side string

const (
	SideFront Side = "front"
	SideBack  Side = "back"
)

type span struct{ start, end int }

func edgeGrams(text string, minGram, maxGram int, side Side) []span {
	bounds := runeBounds(text)
	n := len(bounds) - 1
	var grams []span
	for size := minGram; size <= maxGram && size <= n; size++ {
		if side == SideBack {
			grams = append(grams, span{start: bounds[n-size], end: bounds[n]})
		} else {
			grams = append(grams, span{start: 0, end: bounds[size]})
		}
	}
	return grams
}

// runeBounds returns the byte offset of every rune boundary including len(text).
func runeBounds(text string) []int {
	bounds := make([]int, 0, len(text)+1)
	for i := range text {
		bounds = append(bounds, i)
	}
	return append(bounds, len(text))
}
