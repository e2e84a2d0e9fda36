// Package query evaluates the search DSL against an index snapshot: term-level and
// full-text queries, boolean composition, nested isolation, BM25 scoring, sorting and
// highlighting.
package query

// Query is a node of the query tree. The set of implementations is closed: every node
// type is declared in this package.
type Query interface {
	eval(e *evaluator, c *scopeCtx) (*matches, error)
}

// Operator combines the analyzed terms of a full-text query.
type Operator string

const (
	OperatorOr  Operator = "or"
	OperatorAnd Operator = "and"
)

// ScoreMode folds the scores of matching nested elements into their parent.
type ScoreMode string

const (
	ScoreModeAvg  ScoreMode = "avg"
	ScoreModeMax  ScoreMode = "max"
	ScoreModeMin  ScoreMode = "min"
	ScoreModeSum  ScoreMode = "sum"
	ScoreModeNone ScoreMode = "none"
)

// Relation selects how a range query compares against date_range field values.
type Relation string

const (
	RelationIntersects Relation = "intersects"
	RelationWithin     Relation = "within"
	RelationContains   Relation = "contains"
)

type MatchAll struct {
	Boost float64
}

type MatchNone struct{}

// Term matches the exact, unanalyzed value.
type Term struct {
	Field           string
	Value           any
	CaseInsensitive bool
	Boost           float64
}

type Terms struct {
	Field  string
	Values []any
	Boost  float64
}

// Match analyzes Query with the field's search analyzer and matches the resulting terms.
type Match struct {
	Field              string
	Query              any
	Operator           Operator
	Fuzziness          string
	PrefixLength       int
	MaxExpansions      int
	MinimumShouldMatch string
	Analyzer           string
	ZeroTermsAll       bool
	Boost              float64
}

// MatchPhrase requires the analyzed terms in order, allowing Slop positions of movement.
type MatchPhrase struct {
	Field    string
	Query    string
	Slop     int
	Analyzer string
	Boost    float64
}

// MultiMatch runs a match over several fields. Fields may carry a ^boost suffix and
// wildcards.
type MultiMatch struct {
	Query              string
	Fields             []string
	Type               string
	Operator           Operator
	Fuzziness          string
	MinimumShouldMatch string
	TieBreaker         float64
	Boost              float64
}

// Range bounds are numbers, date strings, date math or plain strings depending on the
// field type.
type Range struct {
	Field    string
	GT       any
	GTE      any
	LT       any
	LTE      any
	Format   string
	Relation Relation
	Boost    float64
}

type Bool struct {
	Must               []Query
	Should             []Query
	MustNot            []Query
	Filter             []Query
	MinimumShouldMatch string
	Boost              float64
}

type Prefix struct {
	Field           string
	Value           string
	CaseInsensitive bool
	Boost           float64
}

// Wildcard matches terms against a pattern where ? is one character and * is any run.
type Wildcard struct {
	Field           string
	Value           string
	CaseInsensitive bool
	Boost           float64
}

type Fuzzy struct {
	Field         string
	Value         string
	Fuzziness     string
	PrefixLength  int
	MaxExpansions int
	Boost         float64
}

type Exists struct {
	Field string
}

type IDs struct {
	Values []string
}

// Nested evaluates Query against each element of the nested field at Path on its own, so
// all inner clauses must hold for the same element.
type Nested struct {
	Path           string
	Query          Query
	ScoreMode      ScoreMode
	IgnoreUnmapped bool
}

func boostOr1(b float64) float64 {
	if b == 0 {
		return 1
	}
	return b
}
