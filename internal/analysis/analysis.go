// Package analysis turns raw text into normalized tokens. An Analyzer is a chain of
// character filters, one tokenizer and an ordered list of token filters. Analyzers are
// compiled from declarative Settings up front so that unknown component names fail at
// index creation instead of at indexing time.
package analysis

// Token represents a single normalized term with its position and byte offsets into the
// original (pre char-filter) input.
type Token struct {
	Term        string `json:"token"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Position    int    `json:"position"`
	Type        string `json:"type"`
}

const (
	tokenTypeWord    = "<ALPHANUM>"
	tokenTypeNum     = "<NUM>"
	tokenTypeWhole   = "word"
	tokenTypeGram    = "gram"
	tokenTypeSynonym = "SYNONYM"
)

// CharFilter rewrites the whole input before tokenization. The returned slice maps every
// byte of the output (plus one trailing entry) back to a byte offset of the input.
type CharFilter interface {
	Filter(text string) (string, []int)
}

// Tokenizer splits filtered text into raw tokens with sequential positions.
type Tokenizer interface {
	Tokenize(text string) []Token
}

// TokenFilter transforms a token stream. Implementations must not mutate their input slice.
type TokenFilter interface {
	Filter(tokens []Token) []Token
}

// Analyzer is a compiled, immutable analysis chain. It is safe for concurrent use.
type Analyzer struct {
	Name        string
	CharFilters []CharFilter
	Tokenizer   Tokenizer
	Filters     []TokenFilter
}

// Analyze runs the chain over text. Identical input always yields an identical token slice.
func (a *Analyzer) Analyze(text string) []Token {
	filtered := text
	var offsets []int
	for _, cf := range a.CharFilters {
		out, step := cf.Filter(filtered)
		offsets = composeOffsets(offsets, step)
		filtered = out
	}

	tokens := a.Tokenizer.Tokenize(filtered)
	if offsets != nil {
		for i := range tokens {
			start, end := tokens[i].StartOffset, tokens[i].EndOffset
			tokens[i].StartOffset = lookupOffset(offsets, start)
			if end > start {
				// map the last byte, not the one after it, so stripped markup is excluded
				tokens[i].EndOffset = lookupOffset(offsets, end-1) + 1
			} else {
				tokens[i].EndOffset = lookupOffset(offsets, end)
			}
		}
	}

	for _, f := range a.Filters {
		tokens = f.Filter(tokens)
	}
	return tokens
}

// Terms is a convenience wrapper returning only the token terms.
func (a *Analyzer) Terms(text string) []string {
	tokens := a.Analyze(text)
	terms := make([]string, len(tokens))
	for i, t := range tokens {
		terms[i] = t.Term
	}
	return terms
}

// Analyze builds a one-off analyzer from def using only the built-in components and runs it.
func Analyze(def AnalyzerConfig, input string) ([]Token, error) {
	return AnalyzeWith(Settings{}, def, input)
}

// AnalyzeWith is Analyze with component names also resolved against settings.
func AnalyzeWith(settings Settings, def AnalyzerConfig, input string) ([]Token, error) {
	analyzer, err := buildAnalyzer("_inline", def, settings)
	if err != nil {
		return nil, err
	}
	return analyzer.Analyze(input), nil
}

func composeOffsets(prev, next []int) []int {
	if prev == nil {
		return next
	}
	composed := make([]int, len(next))
	for i, o := range next {
		composed[i] = lookupOffset(prev, o)
	}
	return composed
}

func lookupOffset(offsets []int, i int) int {
	if len(offsets) == 0 {
		return i
	}
	if i < 0 {
		return offsets[0]
	}
	if i >= len(offsets) {
		return offsets[len(offsets)-1]
	}
	return offsets[i]
}
