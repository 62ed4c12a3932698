// Package sentence splits article text into sentences and keeps the ones that mention a keyword.
package sentence

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const (
	baseTerminators      = ".!?…。！？"
	semicolonTerminators = ";；"
)

// Options controls sentence filtering.
type Options struct {
	Keywords []string
	// MinLength and MaxLength bound the trimmed sentence length in runes. MaxLength 0 means unbounded.
	MinLength int
	MaxLength int
	// Dedupe drops repeated sentences, keeping the first occurrence.
	Dedupe bool
	// IncludeSemicolon also splits on ';' and '；'.
	IncludeSemicolon bool
}

// Match pairs a retained sentence with the first keyword it contains.
type Match struct {
	Sentence string
	Keyword  string
}

// Matcher is immutable after New and safe for concurrent use.
type Matcher struct {
	opts        Options
	keywords    []string
	folded      []string
	terminators string
}

// New validates options and builds a Matcher.
func New(opts Options) (*Matcher, error) {
	if opts.MinLength < 0 {
		return nil, errors.New("sentence: min length must be >= 0")
	}
	if opts.MaxLength < 0 {
		return nil, errors.New("sentence: max length must be >= 0")
	}
	if opts.MaxLength > 0 && opts.MaxLength < opts.MinLength {
		return nil, errors.New("sentence: max length must be >= min length")
	}

	fold := cases.Fold()
	m := &Matcher{opts: opts, terminators: baseTerminators}
	if opts.IncludeSemicolon {
		m.terminators += semicolonTerminators
	}
	for _, kw := range opts.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		m.keywords = append(m.keywords, kw)
		m.folded = append(m.folded, fold.String(kw))
	}
	if len(m.keywords) == 0 {
		return nil, errors.New("sentence: at least one keyword is required")
	}
	return m, nil
}

// ExtractMatching is a convenience wrapper around New and Extract.
func ExtractMatching(text string, keywords []string, minLength, maxLength int, dedupe bool) ([]string, error) {
	m, err := New(Options{Keywords: keywords, MinLength: minLength, MaxLength: maxLength, Dedupe: dedupe})
	if err != nil {
		return nil, err
	}
	return m.Extract(text), nil
}

// Extract returns the matching sentences in document order.
func (m *Matcher) Extract(text string) []string {
	matches := m.Matches(text)
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		out = append(out, match.Sentence)
	}
	return out
}

// Matches returns the matching sentences with the keyword that selected each one.
func (m *Matcher) Matches(text string) []Match {
	var (
		out  []Match
		seen map[string]struct{}
	)
	if m.opts.Dedupe {
		seen = make(map[string]struct{})
	}
	for _, s := range Split(text, m.terminators) {
		n := utf8.RuneCountInString(s)
		if n < m.opts.MinLength {
			continue
		}
		if m.opts.MaxLength > 0 && n > m.opts.MaxLength {
			continue
		}
		kw, ok := m.keywordIn(s)
		if !ok {
			continue
		}
		if seen != nil {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
		}
		out = append(out, Match{Sentence: s, Keyword: kw})
	}
	return out
}

func (m *Matcher) keywordIn(s string) (string, bool) {
	// Casers carry state and cannot be shared between goroutines.
	folded := cases.Fold().String(s)
	for i, kw := range m.folded {
		if strings.Contains(folded, kw) {
			return m.keywords[i], true
		}
	}
	return "", false
}

// Split cuts text after every run of terminator runes. Terminators stay attached to the
// sentence they close, whitespace is collapsed and empty pieces are dropped.
func Split(text, terminators string) []string {
	var (
		out     []string
		current strings.Builder
		inRun   bool
	)
	emit := func() {
		s := strings.Join(strings.Fields(current.String()), " ")
		if s != "" {
			out = append(out, s)
		}
		current.Reset()
	}
	for _, r := range text {
		isTerm := strings.ContainsRune(terminators, r)
		if inRun && !isTerm {
			emit()
			inRun = false
		}
		current.WriteRune(r)
		if isTerm {
			inRun = true
		}
	}
	emit()
	return out
}
