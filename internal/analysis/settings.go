package analysis

import (
	"encoding/json"
	"fmt"
	"sort"

	"asterengine/internal/apperr"
)

// Settings is the declarative analysis block of an index's settings.
type Settings struct {
	Analyzer   map[string]AnalyzerConfig   `json:"analyzer,omitempty"`
	Tokenizer  map[string]TokenizerConfig  `json:"tokenizer,omitempty"`
	Filter     map[string]FilterConfig     `json:"filter,omitempty"`
	CharFilter map[string]CharFilterConfig `json:"char_filter,omitempty"`
}

// AnalyzerConfig declares an analyzer. Type "custom" (or empty with a Tokenizer) assembles
// the chain from named components; any other Type selects a built-in analyzer.
type AnalyzerConfig struct {
	Type       string   `json:"type,omitempty"`
	Tokenizer  string   `json:"tokenizer,omitempty"`
	CharFilter []string `json:"char_filter,omitempty"`
	Filter     []string `json:"filter,omitempty"`
	Stopwords  WordList `json:"stopwords,omitempty"`
}

type TokenizerConfig struct {
	Type           string `json:"type"`
	MinGram        int    `json:"min_gram,omitempty"`
	MaxGram        int    `json:"max_gram,omitempty"`
	Side           Side   `json:"side,omitempty"`
	MaxTokenLength int    `json:"max_token_length,omitempty"`
}

type FilterConfig struct {
	Type             string   `json:"type"`
	Stopwords        WordList `json:"stopwords,omitempty"`
	IgnoreCase       bool     `json:"ignore_case,omitempty"`
	Language         string   `json:"language,omitempty"`
	Synonyms         []string `json:"synonyms,omitempty"`
	MinGram          int      `json:"min_gram,omitempty"`
	MaxGram          int      `json:"max_gram,omitempty"`
	Side             Side     `json:"side,omitempty"`
	PreserveOriginal bool     `json:"preserve_original,omitempty"`
	Min              int      `json:"min,omitempty"`
	Max              int      `json:"max,omitempty"`
}

type CharFilterConfig struct {
	Type        string   `json:"type"`
	Mappings    []string `json:"mappings,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Replacement string   `json:"replacement,omitempty"`
	EscapedTags []string `json:"escaped_tags,omitempty"`
}

// WordList accepts either a named list such as "_english_" or an explicit array of words.
type WordList []string

func (w *WordList) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*w = WordList{name}
		return nil
	}
	var words []string
	if err := json.Unmarshal(data, &words); err != nil {
		return configErrorf("stopwords must be a string or an array of strings")
	}
	*w = words
	return nil
}

func (w WordList) resolve(fallback []string) ([]string, error) {
	if len(w) == 0 {
		return fallback, nil
	}
	if len(w) == 1 {
		if named, ok := namedStopLists[w[0]]; ok {
			return named, nil
		}
		if len(w[0]) > 1 && w[0][0] == '_' && w[0][len(w[0])-1] == '_' {
			return nil, configErrorf("unknown stop word list %q", w[0])
		}
	}
	return w, nil
}

func configErrorf(format string, args ...any) error {
	return apperr.Configurationf(format, args...)
}

// DefaultAnalyzer is used for text fields that do not name one.
const DefaultAnalyzer = "standard"

var builtinAnalyzers = []string{"standard", "simple", "whitespace", "keyword", "stop", "english"}

// Registry holds every analyzer compiled for one index: the built-ins plus the custom ones
// declared in its settings.
type Registry struct {
	analyzers map[string]*Analyzer
}

// NewRegistry compiles all analyzers declared in settings. The first invalid definition
// aborts the whole registry.
func NewRegistry(settings Settings) (*Registry, error) {
	r := &Registry{analyzers: make(map[string]*Analyzer, len(builtinAnalyzers)+len(settings.Analyzer))}
	for _, name := range builtinAnalyzers {
		a, err := builtinAnalyzer(name, AnalyzerConfig{})
		if err != nil {
			return nil, err
		}
		r.analyzers[name] = a
	}

	names := make([]string, 0, len(settings.Analyzer))
	for name := range settings.Analyzer {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a, err := buildAnalyzer(name, settings.Analyzer[name], settings)
		if err != nil {
			return nil, fmt.Errorf("analyzer %q: %w", name, err)
		}
		r.analyzers[name] = a
	}
	return r, nil
}

// Has reports whether name resolves to an analyzer.
func (r *Registry) Has(name string) bool {
	_, ok := r.analyzers[name]
	return ok
}

// Get returns the analyzer registered under name.
func (r *Registry) Get(name string) (*Analyzer, error) {
	if name == "" {
		return r.Default(), nil
	}
	a, ok := r.analyzers[name]
	if !ok {
		return nil, configErrorf("unknown analyzer %q", name)
	}
	return a, nil
}

// Default returns the analyzer named "default" when declared, otherwise standard.
func (r *Registry) Default() *Analyzer {
	if a, ok := r.analyzers["default"]; ok {
		return a
	}
	return r.analyzers[DefaultAnalyzer]
}

// Analyze runs the named analyzer over text.
func (r *Registry) Analyze(name, text string) ([]Token, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return a.Analyze(text), nil
}

func buildAnalyzer(name string, def AnalyzerConfig, settings Settings) (*Analyzer, error) {
	if def.Type != "" && def.Type != "custom" {
		return builtinAnalyzer(def.Type, def)
	}
	if def.Tokenizer == "" {
		return nil, configErrorf("custom analyzer %q requires a tokenizer", name)
	}

	a := &Analyzer{Name: name}
	tokenizer, err := resolveTokenizer(def.Tokenizer, settings)
	if err != nil {
		return nil, err
	}
	a.Tokenizer = tokenizer

	for _, cfName := range def.CharFilter {
		cf, err := resolveCharFilter(cfName, settings)
		if err != nil {
			return nil, err
		}
		a.CharFilters = append(a.CharFilters, cf)
	}
	for _, fName := range def.Filter {
		f, err := resolveFilter(fName, settings)
		if err != nil {
			return nil, err
		}
		a.Filters = append(a.Filters, f)
	}
	return a, nil
}

func builtinAnalyzer(kind string, def AnalyzerConfig) (*Analyzer, error) {
	switch kind {
	case "standard":
		a := &Analyzer{Name: kind, Tokenizer: StandardTokenizer{MaxTokenLength: 255}, Filters: []TokenFilter{LowercaseFilter{}}}
		if len(def.Stopwords) > 0 {
			words, err := def.Stopwords.resolve(nil)
			if err != nil {
				return nil, err
			}
			a.Filters = append(a.Filters, NewStopFilter(words, false))
		}
		return a, nil
	case "simple":
		return &Analyzer{Name: kind, Tokenizer: LetterTokenizer{}, Filters: []TokenFilter{LowercaseFilter{}}}, nil
	case "whitespace":
		return &Analyzer{Name: kind, Tokenizer: WhitespaceTokenizer{}}, nil
	case "keyword":
		return &Analyzer{Name: kind, Tokenizer: KeywordTokenizer{}}, nil
	case "stop":
		words, err := def.Stopwords.resolve(englishStopWords)
		if err != nil {
			return nil, err
		}
		return &Analyzer{Name: kind, Tokenizer: LetterTokenizer{}, Filters: []TokenFilter{LowercaseFilter{}, NewStopFilter(words, false)}}, nil
	case "english":
		words, err := def.Stopwords.resolve(englishStopWords)
		if err != nil {
			return nil, err
		}
		stemmer, err := NewStemmerFilter("english")
		if err != nil {
			return nil, err
		}
		return &Analyzer{
			Name:      kind,
			Tokenizer: StandardTokenizer{MaxTokenLength: 255},
			Filters:   []TokenFilter{LowercaseFilter{}, NewStopFilter(words, false), stemmer},
		}, nil
	default:
		return nil, configErrorf("unknown analyzer type %q", kind)
	}
}

func resolveTokenizer(name string, settings Settings) (Tokenizer, error) {
	cfg, ok := settings.Tokenizer[name]
	if !ok {
		cfg = TokenizerConfig{Type: name}
	}
	switch cfg.Type {
	case "standard":
		return StandardTokenizer{MaxTokenLength: cfg.MaxTokenLength}, nil
	case "whitespace":
		return WhitespaceTokenizer{}, nil
	case "letter":
		return LetterTokenizer{}, nil
	case "keyword":
		return KeywordTokenizer{}, nil
	case "ngram", "nGram":
		minGram, maxGram, err := gramBounds(cfg.MinGram, cfg.MaxGram)
		if err != nil {
			return nil, fmt.Errorf("tokenizer %q: %w", name, err)
		}
		return NGramTokenizer{MinGram: minGram, MaxGram: maxGram}, nil
	case "edge_ngram", "edgeNGram":
		minGram, maxGram, err := gramBounds(cfg.MinGram, cfg.MaxGram)
		if err != nil {
			return nil, fmt.Errorf("tokenizer %q: %w", name, err)
		}
		side, err := parseSide(cfg.Side)
		if err != nil {
			return nil, err
		}
		return EdgeNGramTokenizer{MinGram: minGram, MaxGram: maxGram, Side: side}, nil
	default:
		return nil, configErrorf("unknown tokenizer %q", name)
	}
}

func resolveCharFilter(name string, settings Settings) (CharFilter, error) {
	cfg, ok := settings.CharFilter[name]
	if !ok {
		cfg = CharFilterConfig{Type: name}
	}
	switch cfg.Type {
	case "html_strip":
		escaped := make(map[string]struct{}, len(cfg.EscapedTags))
		for _, tag := range cfg.EscapedTags {
			escaped[tag] = struct{}{}
		}
		return HTMLStripCharFilter{EscapedTags: escaped}, nil
	case "trim":
		return TrimCharFilter{}, nil
	case "mapping":
		if len(cfg.Mappings) == 0 {
			return nil, configErrorf("char_filter %q: mapping requires mappings", name)
		}
		return NewMappingCharFilter(cfg.Mappings)
	case "pattern_replace":
		return NewPatternReplaceCharFilter(cfg.Pattern, cfg.Replacement)
	default:
		return nil, configErrorf("unknown char_filter %q", name)
	}
}

func resolveFilter(name string, settings Settings) (TokenFilter, error) {
	cfg, ok := settings.Filter[name]
	if !ok {
		cfg = FilterConfig{Type: name}
	}
	switch cfg.Type {
	case "lowercase":
		return LowercaseFilter{}, nil
	case "uppercase":
		return UppercaseFilter{}, nil
	case "trim":
		return TrimFilter{}, nil
	case "unique":
		return UniqueFilter{}, nil
	case "asciifolding":
		return ASCIIFoldingFilter{PreserveOriginal: cfg.PreserveOriginal}, nil
	case "stop":
		words, err := cfg.Stopwords.resolve(englishStopWords)
		if err != nil {
			return nil, err
		}
		return NewStopFilter(words, cfg.IgnoreCase), nil
	case "stemmer", "snowball":
		return NewStemmerFilter(cfg.Language)
	case "porter_stem":
		return NewStemmerFilter("porter")
	case "synonym", "synonym_graph":
		if !ok {
			return nil, configErrorf("synonym filter %q must be declared with synonyms", name)
		}
		return NewSynonymFilter(cfg.Synonyms, cfg.IgnoreCase)
	case "edge_ngram", "edgeNGram":
		minGram, maxGram, err := gramBounds(cfg.MinGram, cfg.MaxGram)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", name, err)
		}
		side, err := parseSide(cfg.Side)
		if err != nil {
			return nil, err
		}
		return EdgeNGramFilter{MinGram: minGram, MaxGram: maxGram, Side: side, PreserveOriginal: cfg.PreserveOriginal}, nil
	case "ngram", "nGram":
		minGram, maxGram, err := gramBounds(cfg.MinGram, cfg.MaxGram)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", name, err)
		}
		return NGramFilter{MinGram: minGram, MaxGram: maxGram}, nil
	case "length":
		if cfg.Max != 0 && cfg.Max < cfg.Min {
			return nil, configErrorf("filter %q: max %d is below min %d", name, cfg.Max, cfg.Min)
		}
		return LengthFilter{Min: cfg.Min, Max: cfg.Max}, nil
	default:
		return nil, configErrorf("unknown filter %q", name)
	}
}

// gramBounds applies the 1..2 defaults and validates the range.
func gramBounds(minGram, maxGram int) (int, int, error) {
	if minGram == 0 {
		minGram = 1
	}
	if maxGram == 0 {
		maxGram = max(minGram, 2)
	}
	if minGram < 1 || maxGram < minGram {
		return 0, 0, configErrorf("invalid gram range [%d,%d]", minGram, maxGram)
	}
	return minGram, maxGram, nil
}

func parseSide(side Side) (Side, error) {
	switch side {
	case "", SideFront:
		return SideFront, nil
	case SideBack:
		return SideBack, nil
	default:
		return "", configErrorf("invalid side %q", side)
	}
}
