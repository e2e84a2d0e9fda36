// Package suggest serves completion suggestions from a prefix trie and term suggestions by
// bounded edit distance over a field's term dictionary.
package suggest

import (
	"sort"

	"github.com/tchap/go-patricia/v2/patricia"
)

// Entry is one completion input registered in a trie.
type Entry struct {
	Text   string
	Weight int
	Doc    uint32
}

// Completion is a prefix automaton over analyzed completion inputs. A Completion is built
// once by its owning segment and is read-only afterwards.
type Completion struct {
	trie *patricia.Trie
	size int
}

func NewCompletion() *Completion {
	return &Completion{trie: patricia.NewTrie()}
}

// Add registers e under key, the analyzed form of the input.
func (c *Completion) Add(key string, e Entry) {
	if key == "" {
		return
	}
	c.size++
	prefix := patricia.Prefix(key)
	if existing := c.trie.Get(prefix); existing != nil {
		c.trie.Set(prefix, append(existing.([]Entry), e))
		return
	}
	c.trie.Insert(prefix, []Entry{e})
}

// Len returns the number of registered inputs.
func (c *Completion) Len() int {
	return c.size
}

// Lookup calls fn for every entry whose key starts with prefix. Matching is anchored at
// the first byte of the key; an input is never matched from the middle.
func (c *Completion) Lookup(prefix string, fn func(Entry)) {
	if c == nil {
		return
	}
	_ = c.trie.VisitSubtree(patricia.Prefix(prefix), func(_ patricia.Prefix, item patricia.Item) error {
		for _, e := range item.([]Entry) {
			fn(e)
		}
		return nil
	})
}

// Option is a ranked completion result.
type Option struct {
	Text   string  `json:"text"`
	ID     string  `json:"_id"`
	Score  float64 `json:"_score"`
	Weight int     `json:"-"`
}

// RankOptions orders candidates by weight descending and then by text. A document
// contributes at most one option; with skipDuplicates identical texts collapse as well.
func RankOptions(candidates []Option, size int, skipDuplicates bool) []Option {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.Text != b.Text {
			return a.Text < b.Text
		}
		return a.ID < b.ID
	})

	out := make([]Option, 0, min(size, len(candidates)))
	seenDoc := make(map[string]struct{}, len(candidates))
	seenText := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if len(out) == size {
			break
		}
		if _, dup := seenDoc[c.ID]; dup {
			continue
		}
		if skipDuplicates {
			if _, dup := seenText[c.Text]; dup {
				continue
			}
			seenText[c.Text] = struct{}{}
		}
		seenDoc[c.ID] = struct{}{}
		c.Score = float64(c.Weight)
		out = append(out, c)
	}
	return out
}
