// Package anonymizer replaces detected PII with per-conversation tokens such
// as [PERSON_1] and records what is needed to reverse the substitution.
package anonymizer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/voice-agent/privacy-core/internal/pii"
)

// ScanStatus tells reviewers how much trust an empty PII result deserves.
type ScanStatus string

const (
	ScanMatched  ScanStatus = "matched"
	ScanNone     ScanStatus = "none"
	ScanDegraded ScanStatus = "degraded"
)

// Entry associates a token with the first original rendering that produced it.
type Entry struct {
	Token    string       `json:"token"`
	Category pii.Category `json:"category"`
	Original string       `json:"original"`
}

// Replacement is one substitution in an anonymized text. Offset is the byte
// offset of Token in the anonymized text; Original is the exact surface form
// that was removed.
type Replacement struct {
	Token    string `json:"token"`
	Original string `json:"original"`
	Offset   int    `json:"offset"`
}

type Result struct {
	Text         string
	Entries      []Entry
	Replacements []Replacement
	Categories   []pii.Category
	Scan         ScanStatus
}

// State carries token assignment for one conversation. It is not safe for
// concurrent use; a conversation's turns are anonymized sequentially.
type State struct {
	ConversationID string

	counters map[pii.Category]int
	tokens   map[string]string
	entries  []Entry
}

func NewState(conversationID string) *State {
	return &State{
		ConversationID: conversationID,
		counters:       make(map[pii.Category]int),
		tokens:         make(map[string]string),
	}
}

// Entries returns every mapping entry assigned so far, in assignment order.
func (s *State) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *State) token(c pii.Category, original string) (string, *Entry) {
	key := c.String() + "\x00" + Normalize(c, original)
	if tok, ok := s.tokens[key]; ok {
		return tok, nil
	}
	s.counters[c]++
	tok := fmt.Sprintf("[%s_%d]", c, s.counters[c])
	s.tokens[key] = tok
	e := Entry{Token: tok, Category: c, Original: original}
	s.entries = append(s.entries, e)
	return tok, &e
}

type Anonymizer struct {
	detector *pii.Detector
}

func New(detector *pii.Detector) *Anonymizer {
	if detector == nil {
		detector = pii.NewDetector()
	}
	return &Anonymizer{detector: detector}
}

// Anonymize replaces every span found in text, reusing tokens already held
// by state and allocating new ones in order of first appearance.
func (a *Anonymizer) Anonymize(text string, state *State) Result {
	res := Result{Text: text, Scan: ScanNone}
	if text == "" {
		return res
	}
	if !utf8.ValidString(text) {
		res.Scan = ScanDegraded
		return res
	}

	var b strings.Builder
	b.Grow(len(text))
	seen := make(map[pii.Category]bool)
	last := 0

	for span := range a.detector.Detect(text) {
		b.WriteString(text[last:span.Start])
		tok, entry := state.token(span.Category, span.Value)
		res.Replacements = append(res.Replacements, Replacement{Token: tok, Original: span.Value, Offset: b.Len()})
		b.WriteString(tok)
		last = span.End

		if entry != nil {
			res.Entries = append(res.Entries, *entry)
		}
		if !seen[span.Category] {
			seen[span.Category] = true
			res.Categories = append(res.Categories, span.Category)
		}
	}

	if len(res.Replacements) == 0 {
		return res
	}
	b.WriteString(text[last:])
	res.Text = b.String()
	res.Scan = ScanMatched
	return res
}

// Restore reverses Anonymize exactly using the replacements it returned.
func Restore(text string, replacements []Replacement) (string, error) {
	var b strings.Builder
	last := 0
	for _, r := range replacements {
		end := r.Offset + len(r.Token)
		if r.Offset < last || end > len(text) || text[r.Offset:end] != r.Token {
			return "", fmt.Errorf("replacement %s at offset %d does not match text", r.Token, r.Offset)
		}
		b.WriteString(text[last:r.Offset])
		b.WriteString(r.Original)
		last = end
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// Deanonymize substitutes every token with its recorded original. Unlike
// Restore it does not need offsets, but a value written two ways comes back
// in the form first seen.
func Deanonymize(text string, entries []Entry) string {
	if len(entries) == 0 {
		return text
	}
	pairs := make([]string, 0, 2*len(entries))
	for _, e := range entries {
		pairs = append(pairs, e.Token, e.Original)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Normalize folds the renderings of one value to a single key: digits only
// for phone and card numbers (dropping the Italian country code), upper-case
// alphanumerics for fiscal codes, and case and whitespace folding otherwise.
func Normalize(c pii.Category, value string) string {
	switch c {
	case pii.Phone, pii.Card:
		digits := keep(value, unicode.IsDigit)
		if c == pii.Phone {
			digits = strings.TrimPrefix(digits, "00")
			if len(digits) >= 11 && strings.HasPrefix(digits, "39") {
				digits = digits[2:]
			}
		}
		return digits
	case pii.FiscalID:
		return strings.ToUpper(keep(value, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }))
	default:
		return strings.ToLower(strings.Join(strings.Fields(value), " "))
	}
}

func keep(s string, ok func(rune) bool) string {
	var b strings.Builder
	for _, r := range s {
		if ok(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
