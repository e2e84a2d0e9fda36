package analysis

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kljensen/snowball"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// mapTerms applies fn to every term, dropping tokens for which fn reports false.
func mapTerms(tokens []Token, fn func(string) (string, bool)) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		term, keep := fn(t.Term)
		if !keep {
			continue
		}
		t.Term = term
		out = append(out, t)
	}
	return out
}

// LowercaseFilter lowercases every token.
type LowercaseFilter struct{}

func (LowercaseFilter) Filter(tokens []Token) []Token {
	return mapTerms(tokens, func(s string) (string, bool) { return strings.ToLower(s), true })
}

// UppercaseFilter uppercases every token.
type UppercaseFilter struct{}

func (UppercaseFilter) Filter(tokens []Token) []Token {
	return mapTerms(tokens, func(s string) (string, bool) { return strings.ToUpper(s), true })
}

// TrimFilter strips surrounding whitespace and drops tokens that become empty.
type TrimFilter struct{}

func (TrimFilter) Filter(tokens []Token) []Token {
	return mapTerms(tokens, func(s string) (string, bool) {
		s = strings.TrimSpace(s)
		return s, s != ""
	})
}

// StopFilter drops tokens equal to any stop word. Positions of the surviving tokens are
// left untouched so phrase queries still see the gaps.
type StopFilter struct {
	words      map[string]struct{}
	ignoreCase bool
}

// NewStopFilter builds a stop filter over the given word list.
func NewStopFilter(words []string, ignoreCase bool) *StopFilter {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if ignoreCase {
			w = strings.ToLower(w)
		}
		set[w] = struct{}{}
	}
	return &StopFilter{words: set, ignoreCase: ignoreCase}
}

func (f *StopFilter) Filter(tokens []Token) []Token {
	return mapTerms(tokens, func(s string) (string, bool) {
		key := s
		if f.ignoreCase {
			key = strings.ToLower(s)
		}
		_, stop := f.words[key]
		return s, !stop
	})
}

// StemmerFilter reduces tokens to their Snowball stem.
type StemmerFilter struct {
	language string
}

var stemmerLanguages = map[string]string{
	"english":       "english",
	"porter":        "english",
	"light_english": "english",
	"spanish":       "spanish",
	"french":        "french",
	"russian":       "russian",
	"swedish":       "swedish",
	"norwegian":     "norwegian",
	"hungarian":     "hungarian",
}

// NewStemmerFilter validates language up front so a typo fails index creation.
func NewStemmerFilter(language string) (*StemmerFilter, error) {
	if language == "" {
		language = "english"
	}
	resolved, ok := stemmerLanguages[strings.ToLower(language)]
	if !ok {
		return nil, configErrorf("stemmer: unsupported language %q", language)
	}
	if _, err := snowball.Stem("probe", resolved, true); err != nil {
		return nil, configErrorf("stemmer: %v", err)
	}
	return &StemmerFilter{language: resolved}, nil
}

func (f *StemmerFilter) Filter(tokens []Token) []Token {
	return mapTerms(tokens, func(s string) (string, bool) {
		stemmed, err := snowball.Stem(s, f.language, true)
		if err != nil || stemmed == "" {
			return s, true
		}
		return stemmed, true
	})
}

// SynonymFilter expands equivalence rules ("a, b, c") at the same position and applies
// explicit mappings ("a, b => c") as replacements.
type SynonymFilter struct {
	expand     map[string][]string
	ignoreCase bool
}

// NewSynonymFilter parses rules in Solr format. Multi-word entries are rejected because the
// filter works on single tokens.
func NewSynonymFilter(rules []string, ignoreCase bool) (*SynonymFilter, error) {
	f := &SynonymFilter{expand: make(map[string][]string), ignoreCase: ignoreCase}
	norm := func(s string) string {
		s = strings.TrimSpace(s)
		if ignoreCase {
			s = strings.ToLower(s)
		}
		return s
	}
	split := func(side string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(side, ",") {
			word := norm(part)
			if word == "" {
				continue
			}
			if strings.ContainsFunc(word, unicode.IsSpace) {
				return nil, configErrorf("synonym: multi-word entry %q is not supported", word)
			}
			out = append(out, word)
		}
		return out, nil
	}

	for _, rule := range rules {
		if strings.TrimSpace(rule) == "" || strings.HasPrefix(strings.TrimSpace(rule), "#") {
			continue
		}
		if lhs, rhs, explicit := strings.Cut(rule, "=>"); explicit {
			from, err := split(lhs)
			if err != nil {
				return nil, err
			}
			to, err := split(rhs)
			if err != nil {
				return nil, err
			}
			if len(from) == 0 || len(to) == 0 {
				return nil, configErrorf("synonym: rule %q needs words on both sides", rule)
			}
			for _, w := range from {
				f.expand[w] = appendUnique(f.expand[w], to...)
			}
			continue
		}
		group, err := split(rule)
		if err != nil {
			return nil, err
		}
		for _, w := range group {
			f.expand[w] = appendUnique(f.expand[w], group...)
		}
	}
	return f, nil
}

func appendUnique(dst []string, words ...string) []string {
	for _, w := range words {
		found := false
		for _, existing := range dst {
			if existing == w {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, w)
		}
	}
	return dst
}

func (f *SynonymFilter) Filter(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		key := t.Term
		if f.ignoreCase {
			key = strings.ToLower(key)
		}
		replacements, ok := f.expand[key]
		if !ok {
			out = append(out, t)
			continue
		}
		keepOriginal := false
		for _, r := range replacements {
			if r == key {
				keepOriginal = true
				break
			}
		}
		if keepOriginal {
			out = append(out, t)
		}
		for _, r := range replacements {
			if r == key {
				continue
			}
			syn := t
			syn.Term = r
			syn.Type = tokenTypeSynonym
			out = append(out, syn)
		}
	}
	return out
}

// ASCIIFoldingFilter strips diacritics and folds a few letters that do not decompose.
type ASCIIFoldingFilter struct {
	PreserveOriginal bool
}

var foldReplacer = strings.NewReplacer(
	"ß", "ss", "æ", "ae", "Æ", "AE", "œ", "oe", "Œ", "OE", "ø", "o", "Ø", "O",
	"ł", "l", "Ł", "L", "đ", "d", "Đ", "D", "þ", "th", "Þ", "TH", "ı", "i",
)

func foldASCII(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	return foldReplacer.Replace(folded)
}

func (f ASCIIFoldingFilter) Filter(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		folded := foldASCII(t.Term)
		if f.PreserveOriginal && folded != t.Term {
			out = append(out, t)
		}
		t.Term = folded
		out = append(out, t)
	}
	return out
}

// EdgeNGramFilter replaces each token with its front (or back) anchored grams.
type EdgeNGramFilter struct {
	MinGram          int
	MaxGram          int
	Side             Side
	PreserveOriginal bool
}

func (f EdgeNGramFilter) Filter(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		grams := edgeGrams(t.Term, f.MinGram, f.MaxGram, f.Side)
		for _, g := range grams {
			gram := t
			gram.Term = t.Term[g.start:g.end]
			out = append(out, gram)
		}
		if f.PreserveOriginal && utf8.RuneCountInString(t.Term) > f.MaxGram {
			out = append(out, t)
		}
	}
	return out
}

// NGramFilter replaces each token with all of its grams.
type NGramFilter struct {
	MinGram int
	MaxGram int
}

func (f NGramFilter) Filter(tokens []Token) []Token {
	tokenizer := NGramTokenizer(f)
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		for _, g := range tokenizer.Tokenize(t.Term) {
			gram := t
			gram.Term = g.Term
			out = append(out, gram)
		}
	}
	return out
}

// LengthFilter keeps tokens whose rune length lies within [Min, Max].
type LengthFilter struct {
	Min int
	Max int
}

func (f LengthFilter) Filter(tokens []Token) []Token {
	return mapTerms(tokens, func(s string) (string, bool) {
		n := utf8.RuneCountInString(s)
		return s, n >= f.Min && (f.Max <= 0 || n <= f.Max)
	})
}

// UniqueFilter drops repeated terms, keeping the first occurrence.
type UniqueFilter struct{}

func (UniqueFilter) Filter(tokens []Token) []Token {
	seen := make(map[string]struct{}, len(tokens))
	return mapTerms(tokens, func(s string) (string, bool) {
		if _, dup := seen[s]; dup {
			return s, false
		}
		seen[s] = struct{}{}
		return s, true
	})
}
