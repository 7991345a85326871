package catalog

import "strings"

// NegationPrefix marks a subscription token that excludes matches.
const NegationPrefix = "-"

// NormalizeTokens trims tokens, drops ones of a single character and removes
// duplicates while keeping the original order.
func NormalizeTokens(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	var out []string
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if len([]rune(t)) <= 1 || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Keyword joins tokens the way they are shown to users.
func Keyword(tokens []string) string {
	return strings.Join(tokens, " ")
}

// Query is a parsed subscription or search: courses must match every
// Include term and none of the Exclude terms.
type Query struct {
	Include []string
	Exclude []string
}

// ParseQuery splits tokens into positive and negated terms. The negation
// prefix is stripped; a token that is only the prefix is ignored.
func ParseQuery(tokens []string) Query {
	var q Query
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if neg, ok := strings.CutPrefix(t, NegationPrefix); ok {
			if neg = strings.TrimSpace(neg); neg != "" {
				q.Exclude = append(q.Exclude, neg)
			}
			continue
		}
		if t != "" {
			q.Include = append(q.Include, t)
		}
	}
	return q
}

// Empty reports whether the query has no positive terms.
func (q Query) Empty() bool {
	return len(q.Include) == 0
}
