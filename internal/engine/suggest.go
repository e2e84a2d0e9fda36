package engine

import (
	"encoding/json"
	"sort"
	"strings"

	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
	"asterengine/internal/suggest"
)

const defaultCompletionSize = 5

// Suggester is one named entry of a "suggest" block. Exactly one of Term and Completion
// is set.
type Suggester struct {
	Name       string
	Text       string
	Term       *TermSuggester
	Completion *CompletionSuggester
}

type TermSuggester struct {
	Field string `json:"field"`
	suggest.TermOptions
}

type CompletionSuggester struct {
	Field          string `json:"field"`
	Size           int    `json:"size,omitempty"`
	SkipDuplicates bool   `json:"skip_duplicates,omitempty"`
}

// Suggestion is the result for one analyzed token of the input (term) or for the whole
// prefix (completion).
type Suggestion struct {
	Text    string   `json:"text"`
	Offset  int      `json:"offset"`
	Length  int      `json:"length"`
	Options []Option `json:"options"`
}

// Option is one suggested text.
type Option struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Freq  int     `json:"freq,omitempty"`
	ID    string  `json:"_id,omitempty"`
}

// ParseSuggest decodes a "suggest" block. A top-level "text" applies to every suggester
// that has none of its own.
func ParseSuggest(raw any) ([]Suggester, error) {
	if raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, apperr.Validationf("[suggest] must be an object")
	}
	globalText, _ := obj["text"].(string)

	names := make([]string, 0, len(obj))
	for name := range obj {
		if name != "text" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]Suggester, 0, len(names))
	for _, name := range names {
		def, ok := obj[name].(map[string]any)
		if !ok {
			return nil, apperr.Validationf("suggester [%s] must be an object", name)
		}
		s := Suggester{Name: name, Text: globalText}
		if text, ok := def["text"].(string); ok {
			s.Text = text
		}
		if prefix, ok := def["prefix"].(string); ok {
			s.Text = prefix
		}
		switch {
		case def["term"] != nil:
			s.Term = &TermSuggester{}
			if err := decodeInto(def["term"], s.Term); err != nil {
				return nil, apperr.Validationf("suggester [%s]: %v", name, err)
			}
		case def["completion"] != nil:
			s.Completion = &CompletionSuggester{}
			if err := decodeInto(def["completion"], s.Completion); err != nil {
				return nil, apperr.Validationf("suggester [%s]: %v", name, err)
			}
		default:
			return nil, apperr.Validationf("suggester [%s] must declare [term] or [completion]", name)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeInto(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (idx *Index) runSuggester(snap *index.Snapshot, s Suggester) ([]Suggestion, error) {
	if s.Term != nil {
		return idx.suggestTerm(snap, s.Term.Field, s.Text, s.Term.TermOptions)
	}
	entry, err := idx.suggestCompletion(snap, s.Completion.Field, s.Text, s.Completion.Size, s.Completion.SkipDuplicates)
	if err != nil {
		return nil, err
	}
	return []Suggestion{entry}, nil
}

// SuggestTerm proposes dictionary terms of field close to each token of text.
func (e *Engine) SuggestTerm(name, field, text string, opts suggest.TermOptions) ([]Suggestion, error) {
	idx, err := e.Index(name)
	if err != nil {
		return nil, err
	}
	return idx.suggestTerm(idx.Snapshot(), field, text, opts)
}

// SuggestCompletion returns completion inputs of field that start with prefix.
func (e *Engine) SuggestCompletion(name, field, prefix string, size int, skipDuplicates bool) (Suggestion, error) {
	idx, err := e.Index(name)
	if err != nil {
		return Suggestion{}, err
	}
	return idx.suggestCompletion(idx.Snapshot(), field, prefix, size, skipDuplicates)
}

func (idx *Index) suggestTerm(snap *index.Snapshot, field, text string, opts suggest.TermOptions) ([]Suggestion, error) {
	fm, err := snap.Mapping.Resolve(field)
	if err != nil {
		return []Suggestion{}, nil
	}

	type token struct {
		term          string
		offset, limit int
	}
	var tokens []token
	switch fm.Type {
	case mapping.FieldTypeText:
		analyzer, err := idx.analyzers.Get(fm.QueryAnalyzer())
		if err != nil {
			return nil, err
		}
		for _, t := range analyzer.Analyze(text) {
			tokens = append(tokens, token{term: t.Term, offset: t.StartOffset, limit: t.EndOffset})
		}
	case mapping.FieldTypeKeyword:
		tokens = append(tokens, token{term: text, limit: len(text)})
	default:
		return nil, apperr.Validationf("field [%s] of type [%s] does not support term suggestions", field, fm.Type)
	}

	dict := snap.TermStats(field)
	out := make([]Suggestion, 0, len(tokens))
	for _, t := range tokens {
		entry := Suggestion{Text: text[t.offset:t.limit], Offset: t.offset, Length: t.limit - t.offset, Options: []Option{}}
		for _, o := range suggest.SuggestTerm(t.term, dict, opts) {
			entry.Options = append(entry.Options, Option{Text: o.Text, Score: o.Score, Freq: o.Freq})
		}
		out = append(out, entry)
	}
	return out, nil
}

func (idx *Index) suggestCompletion(snap *index.Snapshot, field, prefix string, size int, skipDuplicates bool) (Suggestion, error) {
	entry := Suggestion{Text: prefix, Length: len(prefix), Options: []Option{}}
	fm, err := snap.Mapping.Resolve(field)
	if err != nil {
		return entry, nil
	}
	if fm.Type != mapping.FieldTypeCompletion {
		return Suggestion{}, apperr.Validationf("field [%s] is not a completion suggest field", field)
	}
	analyzer, err := idx.analyzers.Get(fm.QueryAnalyzer())
	if err != nil {
		return Suggestion{}, err
	}
	key := strings.Join(analyzer.Terms(prefix), " ")
	if key == "" {
		return entry, nil
	}
	if size <= 0 {
		size = defaultCompletionSize
	}

	var candidates []suggest.Option
	snap.Completions(field, key, func(doc index.StoredDoc, e suggest.Entry) {
		candidates = append(candidates, suggest.Option{Text: e.Text, ID: doc.ID, Weight: e.Weight})
	})
	for _, o := range suggest.RankOptions(candidates, size, skipDuplicates) {
		entry.Options = append(entry.Options, Option{Text: o.Text, Score: o.Score, ID: o.ID})
	}
	return entry, nil
}
