package suggest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(opts []TermOption) []string {
	out := make([]string, len(opts))
	for i, o := range opts {
		out[i] = o.Text
	}
	return out
}

func TestCompletionIsAnchoredAtInputStart(t *testing.T) {
	c := NewCompletion()
	c.Add("fall love", Entry{Text: "Fall love", Weight: 1, Doc: 0})
	c.Add("nevermind", Entry{Text: "Nevermind", Weight: 5, Doc: 1})
	c.Add("nirvana", Entry{Text: "Nirvana", Weight: 10, Doc: 2})
	require.Equal(t, 3, c.Len())

	var got []Entry
	c.Lookup("love", func(e Entry) { got = append(got, e) })
	assert.Empty(t, got, "mid-string matches must not be returned")

	got = nil
	c.Lookup("fa", func(e Entry) { got = append(got, e) })
	require.Len(t, got, 1)
	assert.Equal(t, "Fall love", got[0].Text)

	got = nil
	c.Lookup("n", func(e Entry) { got = append(got, e) })
	assert.Len(t, got, 2)
}

func TestRankOptions(t *testing.T) {
	candidates := []Option{
		{Text: "Nevermind", ID: "1", Weight: 5},
		{Text: "Nirvana", ID: "2", Weight: 10},
		{Text: "Nirvana", ID: "3", Weight: 10},
		{Text: "Nevermore", ID: "1", Weight: 1},
	}
	ranked := RankOptions(append([]Option(nil), candidates...), 10, false)
	require.Len(t, ranked, 3)
	assert.Equal(t, "2", ranked[0].ID)
	assert.Equal(t, "3", ranked[1].ID)
	assert.Equal(t, "Nevermind", ranked[2].Text)
	assert.Equal(t, float64(10), ranked[0].Score)

	deduped := RankOptions(append([]Option(nil), candidates...), 10, true)
	assert.Len(t, deduped, 2)

	truncated := RankOptions(append([]Option(nil), candidates...), 1, false)
	assert.Len(t, truncated, 1)
}

func TestSuggestTermRanksByDistance(t *testing.T) {
	dict := []TermStat{
		{Term: "fall", DocFreq: 1},
		{Term: "love", DocFreq: 1},
		{Term: "lovely", DocFreq: 1},
		{Term: "lover", DocFreq: 1},
		{Term: "lovestory", DocFreq: 1},
	}

	got := SuggestTerm("lave", dict, TermOptions{})
	assert.Equal(t, []string{"love", "lover"}, texts(got))

	got = SuggestTerm("lave", dict, TermOptions{MaxEdits: 6, Size: 10})
	require.Contains(t, texts(got), "lovestory")
	lover, lovestory := -1, -1
	for i, o := range got {
		switch o.Text {
		case "lover":
			lover = i
		case "lovestory":
			lovestory = i
		}
	}
	assert.Less(t, lover, lovestory)
}

func TestSuggestTermTieBreaksOnFrequency(t *testing.T) {
	dict := []TermStat{
		{Term: "cast", DocFreq: 2},
		{Term: "cart", DocFreq: 9},
		{Term: "card", DocFreq: 4},
	}
	got := SuggestTerm("cash", dict, TermOptions{MaxEdits: 2})
	assert.Equal(t, []string{"cast", "cart", "card"}, texts(got))
	assert.Equal(t, 1, got[0].Distance)
}

func TestSuggestModes(t *testing.T) {
	dict := []TermStat{{Term: "book", DocFreq: 1}, {Term: "books", DocFreq: 7}}

	assert.Empty(t, SuggestTerm("book", dict, TermOptions{}))
	assert.Equal(t, []string{"books"}, texts(SuggestTerm("book", dict, TermOptions{Mode: ModePopular})))
	assert.Empty(t, SuggestTerm("books", dict, TermOptions{Mode: ModePopular}))
	assert.Equal(t, []string{"book"}, texts(SuggestTerm("books", dict, TermOptions{Mode: ModeAlways})))
	assert.Empty(t, SuggestTerm("bok", dict, TermOptions{}), "shorter than min_word_length")
}

func TestBoundedLevenshtein(t *testing.T) {
	cases := []struct {
		a, b  string
		limit int
		want  int
		ok    bool
	}{
		{"kitten", "sitting", 3, 3, true},
		{"kitten", "sitting", 2, 0, false},
		{"", "abc", 3, 3, true},
		{"café", "cafe", 1, 1, true},
		{"same", "same", 0, 0, true},
	}
	for _, tc := range cases {
		d, ok := BoundedLevenshtein([]rune(tc.a), []rune(tc.b), tc.limit)
		assert.Equal(t, tc.ok, ok, "%s/%s", tc.a, tc.b)
		if tc.ok {
			assert.Equal(t, tc.want, d, "%s/%s", tc.a, tc.b)
		}
	}
}
