// Package search provides the keyword index used for course search and
// subscription matching.
package search

import (
	"sort"
	"strings"
	"unicode"

	"mpkbot/pkg/catalog"
)

// MinTokenLength is the shortest indexable and matchable term, in runes.
const MinTokenLength = 3

// Index is an inverted index over course text with forward (prefix)
// tokenization: a word is indexed under each of its prefixes of at least
// MinTokenLength runes. An Index is immutable once built and safe for
// concurrent reads.
type Index struct {
	postings map[string]map[int64]struct{}
	courses  map[int64]*catalog.Course
}

// Build indexes the name, location and description of each course.
func Build(courses []*catalog.Course) *Index {
	idx := &Index{
		postings: make(map[string]map[int64]struct{}),
		courses:  make(map[int64]*catalog.Course, len(courses)),
	}
	for _, c := range courses {
		if c == nil {
			continue
		}
		idx.courses[c.ID] = c
		for _, word := range Tokenize(c.SearchText()) {
			for _, prefix := range prefixes(word) {
				ids, ok := idx.postings[prefix]
				if !ok {
					ids = make(map[int64]struct{})
					idx.postings[prefix] = ids
				}
				ids[c.ID] = struct{}{}
			}
		}
	}
	return idx
}

// Len returns the number of indexed courses.
func (idx *Index) Len() int {
	return len(idx.courses)
}

// Course returns an indexed course by id.
func (idx *Index) Course(id int64) (*catalog.Course, bool) {
	c, ok := idx.courses[id]
	return c, ok
}

// Match returns the ids of courses matching every term in text. Terms
// shorter than MinTokenLength are ignored; if none remain nothing matches.
func (idx *Index) Match(text string) map[int64]struct{} {
	var terms []string
	for _, t := range Tokenize(text) {
		if runeLen(t) >= MinTokenLength {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return nil
	}

	out := make(map[int64]struct{})
	for id := range idx.postings[terms[0]] {
		out[id] = struct{}{}
	}
	for _, term := range terms[1:] {
		ids := idx.postings[term]
		for id := range out {
			if _, ok := ids[id]; !ok {
				delete(out, id)
			}
		}
	}
	return out
}

// Search evaluates q: positive terms joined into one search, minus every
// course matched by the negated terms. Results are ordered by start time,
// with unknown start times first, then by id.
func (idx *Index) Search(q catalog.Query) []*catalog.Course {
	include := idx.Match(strings.Join(q.Include, " "))
	if len(include) == 0 {
		return nil
	}
	if len(q.Exclude) > 0 {
		for id := range idx.Match(strings.Join(q.Exclude, " ")) {
			delete(include, id)
		}
	}

	out := make([]*catalog.Course, 0, len(include))
	for id := range include {
		out = append(out, idx.courses[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := startOf(out[i]), startOf(out[j])
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func startOf(c *catalog.Course) int64 {
	if c.StartAt == nil {
		return 0
	}
	return *c.StartAt
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or a digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func prefixes(word string) []string {
	runes := []rune(word)
	if len(runes) < MinTokenLength {
		return nil
	}
	out := make([]string, 0, len(runes)-MinTokenLength+1)
	for n := MinTokenLength; n <= len(runes); n++ {
		out = append(out, string(runes[:n]))
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
