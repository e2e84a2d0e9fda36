package analysis

// englishStopWords is the classic Lucene English stop set.
var englishStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "if", "in", "into", "is",
	"it", "no", "not", "of", "on", "or", "such", "that", "the", "their", "then", "there",
	"these", "they", "this", "to", "was", "will", "with",
}

var namedStopLists = map[string][]string{
	"_english_": englishStopWords,
	"_none_":    nil,
}
