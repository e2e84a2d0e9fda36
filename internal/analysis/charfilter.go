package analysis

import (
	"html"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// offsetWriter accumulates filtered output together with its back-mapping to the input.
type offsetWriter struct {
	out     strings.Builder
	offsets []int
}

// copySpan writes s assuming its bytes line up one-to-one with the input starting at origin.
func (w *offsetWriter) copySpan(s string, origin int) {
	for i := 0; i < len(s); i++ {
		w.offsets = append(w.offsets, origin+i)
	}
	w.out.WriteString(s)
}

// replace writes s as the substitute for an input region starting at origin.
func (w *offsetWriter) replace(s string, origin int) {
	for i := 0; i < len(s); i++ {
		w.offsets = append(w.offsets, origin)
	}
	w.out.WriteString(s)
}

func (w *offsetWriter) finish(inputLen int) (string, []int) {
	w.offsets = append(w.offsets, inputLen)
	return w.out.String(), w.offsets
}

// HTMLStripCharFilter removes markup and decodes entities. Block-level tags become newlines
// so that words on either side of them do not fuse.
type HTMLStripCharFilter struct {
	EscapedTags map[string]struct{}
}

var blockTags = map[string]struct{}{
	"p": {}, "br": {}, "div": {}, "li": {}, "ul": {}, "ol": {}, "tr": {}, "td": {}, "th": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {}, "table": {}, "section": {},
}

func (f HTMLStripCharFilter) Filter(text string) (string, []int) {
	var w offsetWriter
	i := 0
	for i < len(text) {
		switch text[i] {
		case '<':
			end := strings.IndexByte(text[i:], '>')
			if end < 0 {
				w.copySpan(text[i:], i)
				i = len(text)
				continue
			}
			raw := text[i : i+end+1]
			name := tagName(raw)
			if _, keep := f.EscapedTags[name]; keep {
				w.copySpan(raw, i)
			} else if _, block := blockTags[name]; block {
				w.replace("\n", i)
			}
			i += end + 1
		case '&':
			end := strings.IndexByte(text[i:], ';')
			if end > 1 && end <= 10 {
				entity := text[i : i+end+1]
				if decoded := html.UnescapeString(entity); decoded != entity {
					w.replace(decoded, i)
					i += end + 1
					continue
				}
			}
			w.copySpan("&", i)
			i++
		default:
			_, size := utf8.DecodeRuneInString(text[i:])
			w.copySpan(text[i:i+size], i)
			i += size
		}
	}
	return w.finish(len(text))
}

func tagName(raw string) string {
	name := strings.TrimPrefix(strings.TrimSuffix(raw, ">"), "<")
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimSuffix(name, "/")
	if idx := strings.IndexFunc(name, unicode.IsSpace); idx >= 0 {
		name = name[:idx]
	}
	return strings.ToLower(name)
}

// TrimCharFilter strips leading and trailing whitespace from the whole input.
type TrimCharFilter struct{}

func (TrimCharFilter) Filter(text string) (string, []int) {
	start := len(text) - len(strings.TrimLeftFunc(text, unicode.IsSpace))
	trimmed := strings.TrimRightFunc(text[start:], unicode.IsSpace)
	var w offsetWriter
	w.copySpan(trimmed, start)
	return w.finish(len(text))
}

// MappingCharFilter replaces every occurrence of a key with its value, preferring the
// longest key at each position.
type MappingCharFilter struct {
	keys  []string
	rules map[string]string
}

// NewMappingCharFilter parses "from => to" rules.
func NewMappingCharFilter(mappings []string) (*MappingCharFilter, error) {
	f := &MappingCharFilter{rules: make(map[string]string, len(mappings))}
	for _, rule := range mappings {
		parts := strings.SplitN(rule, "=>", 2)
		if len(parts) != 2 {
			return nil, configErrorf("mapping char_filter rule %q must have the form \"from => to\"", rule)
		}
		from := strings.TrimSpace(parts[0])
		if from == "" {
			return nil, configErrorf("mapping char_filter rule %q has an empty key", rule)
		}
		f.rules[from] = strings.TrimSpace(parts[1])
	}
	for k := range f.rules {
		f.keys = append(f.keys, k)
	}
	sort.Slice(f.keys, func(i, j int) bool {
		if len(f.keys[i]) != len(f.keys[j]) {
			return len(f.keys[i]) > len(f.keys[j])
		}
		return f.keys[i] < f.keys[j]
	})
	return f, nil
}

func (f *MappingCharFilter) Filter(text string) (string, []int) {
	var w offsetWriter
	i := 0
outer:
	for i < len(text) {
		for _, k := range f.keys {
			if strings.HasPrefix(text[i:], k) {
				w.replace(f.rules[k], i)
				i += len(k)
				continue outer
			}
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		w.copySpan(text[i:i+size], i)
		i += size
	}
	return w.finish(len(text))
}

// PatternReplaceCharFilter applies a regular expression replacement.
type PatternReplaceCharFilter struct {
	pattern     *regexp.Regexp
	replacement string
}

// NewPatternReplaceCharFilter compiles pattern; replacement may reference groups as $1.
func NewPatternReplaceCharFilter(pattern, replacement string) (*PatternReplaceCharFilter, error) {
	if pattern == "" {
		return nil, configErrorf("pattern_replace char_filter requires a pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, configErrorf("pattern_replace char_filter: invalid pattern %q: %v", pattern, err)
	}
	return &PatternReplaceCharFilter{pattern: re, replacement: replacement}, nil
}

func (f *PatternReplaceCharFilter) Filter(text string) (string, []int) {
	var w offsetWriter
	last := 0
	for _, m := range f.pattern.FindAllStringSubmatchIndex(text, -1) {
		w.copySpan(text[last:m[0]], last)
		expanded := f.pattern.ExpandString(nil, f.replacement, text, m)
		w.replace(string(expanded), m[0])
		last = m[1]
	}
	w.copySpan(text[last:], last)
	return w.finish(len(text))
}
