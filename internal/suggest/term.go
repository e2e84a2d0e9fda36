package suggest

import (
	"sort"
	"unicode/utf8"
)

// Mode decides when a term is corrected.
type Mode string

const (
	// ModeMissing only suggests for terms absent from the dictionary.
	ModeMissing Mode = "missing"
	// ModePopular only suggests terms more frequent than the input term.
	ModePopular Mode = "popular"
	// ModeAlways suggests regardless of the input term's frequency.
	ModeAlways Mode = "always"
)

// TermOptions tunes term suggestion. Zero values select the defaults.
type TermOptions struct {
	MaxEdits      int  `json:"max_edits,omitempty"`
	PrefixLength  *int `json:"prefix_length,omitempty"`
	MinWordLength int  `json:"min_word_length,omitempty"`
	Size          int  `json:"size,omitempty"`
	Mode          Mode `json:"suggest_mode,omitempty"`
}

const (
	DefaultMaxEdits      = 2
	DefaultPrefixLength  = 1
	DefaultMinWordLength = 4
	DefaultSize          = 5
)

func (o TermOptions) withDefaults() TermOptions {
	if o.MaxEdits <= 0 {
		o.MaxEdits = DefaultMaxEdits
	}
	if o.PrefixLength == nil {
		n := DefaultPrefixLength
		o.PrefixLength = &n
	}
	if o.MinWordLength <= 0 {
		o.MinWordLength = DefaultMinWordLength
	}
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Mode == "" {
		o.Mode = ModeMissing
	}
	return o
}

// TermStat is a dictionary term with its live document frequency.
type TermStat struct {
	Term    string
	DocFreq int
}

// TermOption is one correction candidate.
type TermOption struct {
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
	Freq     int     `json:"freq"`
	Distance int     `json:"-"`
}

// SuggestTerm ranks dictionary terms within MaxEdits of token by ascending distance, then
// descending document frequency, then text.
func SuggestTerm(token string, dict []TermStat, opts TermOptions) []TermOption {
	opts = opts.withDefaults()
	if utf8.RuneCountInString(token) < opts.MinWordLength {
		return nil
	}

	inputFreq := 0
	for _, ts := range dict {
		if ts.Term == token {
			inputFreq = ts.DocFreq
			break
		}
	}
	if opts.Mode == ModeMissing && inputFreq > 0 {
		return nil
	}

	prefix := runePrefix(token, *opts.PrefixLength)
	tokenRunes := []rune(token)
	var out []TermOption
	for _, ts := range dict {
		if ts.Term == token || ts.DocFreq == 0 {
			continue
		}
		if opts.Mode == ModePopular && ts.DocFreq <= inputFreq {
			continue
		}
		if len(ts.Term) < len(prefix) || ts.Term[:len(prefix)] != prefix {
			continue
		}
		termRunes := []rune(ts.Term)
		d, ok := BoundedLevenshtein(tokenRunes, termRunes, opts.MaxEdits)
		if !ok {
			continue
		}
		out = append(out, TermOption{
			Text:     ts.Term,
			Freq:     ts.DocFreq,
			Distance: d,
			Score:    1 - float64(d)/float64(max(len(tokenRunes), len(termRunes))),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		if out[i].Freq != out[j].Freq {
			return out[i].Freq > out[j].Freq
		}
		return out[i].Text < out[j].Text
	})
	if len(out) > opts.Size {
		out = out[:opts.Size]
	}
	return out
}

// BoundedLevenshtein returns the insert/delete/substitute distance between a and b when it
// does not exceed limit.
func BoundedLevenshtein(a, b []rune, limit int) (int, bool) {
	if diff := len(a) - len(b); diff > limit || -diff > limit {
		return 0, false
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			rowMin = min(rowMin, curr[j])
		}
		if rowMin > limit {
			return 0, false
		}
		prev, curr = curr, prev
	}
	d := prev[len(b)]
	return d, d <= limit
}

func runePrefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
