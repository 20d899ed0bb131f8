package moderation

import (
	"regexp"
	"sort"
	"strings"
)

// Category groups banned terms for reporting.
type Category string

const (
	None      Category = "none"
	Profanity Category = "profanity"
	Slur      Category = "slur"
	Sexual    Category = "sexual"
	Insult    Category = "insult"
)

// Decision reports whether a text contains banned terms.
type Decision struct {
	Flagged  bool
	Category Category
	Terms    []string
}

var keywordBuckets = map[Category][]string{
	Profanity: {"fuck", "shit", "crap", "piss", "bullshit", "motherfucker"},
	Slur:      {"nigger", "nigga", "faggot"},
	Sexual:    {"dick", "cock", "pussy", "cunt", "whore", "slut"},
	Insult:    {"ass", "bitch", "bastard", "asshole", "douchebag", "wanker", "twat"},
}

// category precedence when a text hits several buckets
var severity = []Category{Slur, Sexual, Profanity, Insult}

var (
	pattern  *regexp.Regexp
	termCats map[string]Category
)

func init() {
	termCats = make(map[string]Category)
	var terms []string
	for cat, words := range keywordBuckets {
		for _, w := range words {
			termCats[w] = cat
			terms = append(terms, regexp.QuoteMeta(w))
		}
	}
	// longest first so alternation prefers "asshole" over "ass"
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})
	pattern = regexp.MustCompile(`(?i)\b(?:` + strings.Join(terms, "|") + `)\b`)
}

// Contains reports whether text has any banned term as a whole word.
func Contains(text string) bool {
	return pattern.MatchString(text)
}

// Analyze lists the banned terms found in text, lowercased and de-duplicated in
// order of first appearance.
func Analyze(text string) Decision {
	matches := pattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return Decision{Category: None}
	}

	seen := make(map[string]struct{}, len(matches))
	terms := make([]string, 0, len(matches))
	hits := make(map[Category]bool)
	for _, m := range matches {
		term := strings.ToLower(m)
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
		hits[termCats[term]] = true
	}

	category := None
	for _, c := range severity {
		if hits[c] {
			category = c
			break
		}
	}

	return Decision{Flagged: true, Category: category, Terms: terms}
}
