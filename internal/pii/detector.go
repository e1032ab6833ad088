// Package pii finds personal data in Italian conversation text using
// regular expressions and a small name and medical-term lexicon.
package pii

import (
	"iter"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Span is one detected PII occurrence. Start and End are byte offsets into
// the scanned text; Value is text[Start:End].
type Span struct {
	Category Category
	Start    int
	End      int
	Value    string
}

func (s Span) Len() int { return s.End - s.Start }

func (s Span) overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Detector is safe for concurrent use.
type Detector struct {
	rules []rule
}

func NewDetector() *Detector {
	return &Detector{rules: defaultRules}
}

var wordPattern = regexp.MustCompile(`\p{L}+`)

// Detect returns the non-overlapping spans found in text, in document order.
// Nothing is scanned until the sequence is ranged over. Text that is not
// valid UTF-8 yields no spans.
func (d *Detector) Detect(text string) iter.Seq[Span] {
	return func(yield func(Span) bool) {
		for _, s := range d.resolve(text) {
			if !yield(s) {
				return
			}
		}
	}
}

// DetectAll collects Detect into a slice.
func (d *Detector) DetectAll(text string) []Span {
	return d.resolve(text)
}

func (d *Detector) resolve(text string) []Span {
	if text == "" || !utf8.ValidString(text) {
		return nil
	}

	candidates := d.candidates(text)
	if len(candidates) == 0 {
		return nil
	}

	// Longer match first, then category priority, then position.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Start < b.Start
	})

	accepted := make([]Span, 0, len(candidates))
	for _, c := range candidates {
		clash := false
		for _, a := range accepted {
			if c.overlaps(a) {
				clash = true
				break
			}
		}
		if !clash {
			accepted = append(accepted, c)
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted
}

func (d *Detector) candidates(text string) []Span {
	var out []Span
	for _, r := range d.rules {
		for _, m := range r.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*r.group], m[2*r.group+1]
			if start < 0 || start == end {
				continue
			}
			value := text[start:end]
			if r.valid != nil && !r.valid(value) {
				continue
			}
			out = append(out, Span{Category: r.category, Start: start, End: end, Value: value})
		}
	}
	return append(out, lexiconNames(text)...)
}

// lexiconNames finds "Nome Cognome" pairs where both words are capitalised
// and present in the name lists.
func lexiconNames(text string) []Span {
	words := wordPattern.FindAllStringIndex(text, -1)
	var out []Span

	for i := 0; i+1 < len(words); i++ {
		first := text[words[i][0]:words[i][1]]
		if !capitalised(first) {
			continue
		}
		if _, ok := firstNames[strings.ToLower(first)]; !ok {
			continue
		}

		end := -1
		if i+2 < len(words) && blankBetween(text, words[i][1], words[i+1][0]) && blankBetween(text, words[i+1][1], words[i+2][0]) {
			a, b := text[words[i+1][0]:words[i+1][1]], text[words[i+2][0]:words[i+2][1]]
			if capitalised(a) && capitalised(b) {
				if _, ok := lastNames[strings.ToLower(a+" "+b)]; ok {
					end = words[i+2][1]
				}
			}
		}
		if end < 0 && blankBetween(text, words[i][1], words[i+1][0]) {
			last := text[words[i+1][0]:words[i+1][1]]
			if _, ok := lastNames[strings.ToLower(last)]; ok && capitalised(last) {
				end = words[i+1][1]
			}
		}
		if end > 0 {
			start := words[i][0]
			out = append(out, Span{Category: Person, Start: start, End: end, Value: text[start:end]})
		}
	}
	return out
}

func capitalised(word string) bool {
	r, _ := utf8.DecodeRuneInString(word)
	return unicode.IsUpper(r)
}

func blankBetween(text string, from, to int) bool {
	if from >= to {
		return false
	}
	for _, r := range text[from:to] {
		if r != ' ' && r != '\t' {
			return false
		}
	}
	return true
}
