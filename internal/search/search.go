// Package search turns the catalog search inputs into a Filter, a value
// type listing the predicates a book must satisfy. The store translates
// a Filter into SQL; nothing in this package touches the database.
package search

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrYearNotInteger is returned when the year input does not parse.
// The whole search fails in that case; no other predicate is evaluated.
var ErrYearNotInteger = errors.New("year must be an integer")

// Kind identifies what a predicate matches against.
type Kind int

const (
	// KindTitleOrAuthorContains matches books whose title or author
	// contains Text, case-insensitively.
	KindTitleOrAuthorContains Kind = iota

	// KindYearEquals matches books published exactly in Year.
	KindYearEquals

	// KindYearAfter matches books published strictly after Year.
	KindYearAfter

	// KindYearBefore matches books published strictly before Year.
	KindYearBefore

	// KindAuthorContains matches books whose author contains Text,
	// case-insensitively.
	KindAuthorContains

	// KindBorrowerContains matches books whose borrower contains Text,
	// case-insensitively.
	KindBorrowerContains
)

// Predicate is a single condition over book attributes. Text is set for
// the substring kinds, Year for the year kinds.
type Predicate struct {
	Kind Kind
	Text string
	Year int
}

// Filter is the conjunction of zero or more predicates. An empty Filter
// matches the whole catalog.
type Filter struct {
	predicates []Predicate
}

// Predicates returns the predicate list. All predicates are ANDed.
func (f Filter) Predicates() []Predicate {
	return f.predicates
}

// Empty reports whether the filter has no predicates.
func (f Filter) Empty() bool {
	return len(f.predicates) == 0
}

// Phrase clause patterns. They run against the lowercased phrase and are
// detected independently; a phrase may yield several clauses. The year
// patterns require exactly four digits, and the author pattern stops at
// the first character outside letters and whitespace.
var (
	afterPattern  = regexp.MustCompile(`after (\d{4})`)
	beforePattern = regexp.MustCompile(`before (\d{4})`)
	byPattern     = regexp.MustCompile(`by ([a-z\s]+)`)
)

// BuildFilter combines the four search-box inputs into a Filter. Every
// input is optional; non-empty ones contribute predicates which are
// ANDed together. A year that does not parse as an integer fails the
// whole build with ErrYearNotInteger.
func BuildFilter(query, year, borrower, nlpQuery string) (Filter, error) {
	var predicates []Predicate

	if query != "" {
		predicates = append(predicates, Predicate{Kind: KindTitleOrAuthorContains, Text: query})
	}

	if year != "" {
		value, err := strconv.Atoi(strings.TrimSpace(year))
		if err != nil {
			return Filter{}, ErrYearNotInteger
		}
		predicates = append(predicates, Predicate{Kind: KindYearEquals, Year: value})
	}

	if borrower != "" {
		predicates = append(predicates, Predicate{Kind: KindBorrowerContains, Text: borrower})
	}

	if nlpQuery != "" {
		predicates = append(predicates, extractClauses(nlpQuery)...)
	}

	return Filter{predicates: predicates}, nil
}

// extractClauses derives predicates from one free-form phrase.
// Recognized clauses:
//
//	"after <YYYY>"  -> year > YYYY
//	"before <YYYY>" -> year < YYYY
//	"by <author>"   -> author contains the trimmed run of letters
//
// When no clause matches, the entire phrase, in its original casing,
// becomes a single title-or-author substring predicate.
func extractClauses(phrase string) []Predicate {
	var clauses []Predicate
	lowered := strings.ToLower(phrase)

	if match := afterPattern.FindStringSubmatch(lowered); match != nil {
		year, _ := strconv.Atoi(match[1])
		clauses = append(clauses, Predicate{Kind: KindYearAfter, Year: year})
	}

	if match := beforePattern.FindStringSubmatch(lowered); match != nil {
		year, _ := strconv.Atoi(match[1])
		clauses = append(clauses, Predicate{Kind: KindYearBefore, Year: year})
	}

	if match := byPattern.FindStringSubmatch(lowered); match != nil {
		author := strings.TrimSpace(match[1])
		clauses = append(clauses, Predicate{Kind: KindAuthorContains, Text: author})
	}

	if len(clauses) == 0 {
		clauses = append(clauses, Predicate{Kind: KindTitleOrAuthorContains, Text: phrase})
	}

	return clauses
}
