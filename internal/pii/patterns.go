package pii

import (
	"regexp"
	"sort"
	"strings"
)

type rule struct {
	category Category
	re       *regexp.Regexp
	// group selects the submatch reported as the span; 0 is the whole match.
	group int
	valid func(match string) bool
}

// Name part: a capitalised word, optionally followed by a second one.
const namePart = `(\p{Lu}[\p{Ll}']*\p{Ll}(?:[ \t]+\p{Lu}[\p{Ll}']*\p{Ll})?)`

var defaultRules = []rule{
	{category: FiscalID, re: regexp.MustCompile(`(?i)\b[a-z]{6}\d{2}[a-z]\d{2}[a-z]\d{3}[a-z]\b`)},
	{category: Card, re: regexp.MustCompile(`\b\d{4}[ \-]?\d{4}[ \-]?\d{4}[ \-]?\d{4}\b`), valid: luhnValid},
	{category: Email, re: regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)},

	// Mobile and landline, with and without the +39 / 0039 prefix.
	{category: Phone, re: regexp.MustCompile(`(?:\+|\b00)39[ \-]?3\d{2}[ \-]?\d{3}[ \-]?\d{3,4}\b`)},
	{category: Phone, re: regexp.MustCompile(`\b3\d{2}[ \-]?\d{3}[ \-]?\d{3,4}\b`)},
	{category: Phone, re: regexp.MustCompile(`(?:\+|\b00)39[ \-]?0\d{1,3}[ \-]?\d{6,8}\b`)},
	{category: Phone, re: regexp.MustCompile(`\b0\d{1,3}[ \-]?\d{6,8}\b`)},

	{category: Address, re: regexp.MustCompile(`(?i)\b(?:via|viale|v\.le|piazza|p\.zza|corso|largo|vicolo)[ \t]+\p{L}[\p{L}'. \t]*?,?[ \t]*\d{1,4}(?:/?[a-z])?\b`)},
	{category: Address, re: regexp.MustCompile(`\b\d{5}[ \t]+\p{Lu}[\p{L}']*\p{L}(?:[ \t]+\p{Lu}[\p{L}']*\p{L})?`)},

	// Introducing phrases: "sono Mario Rossi", "mi chiamo Anna", "Sig.ra Bianchi".
	{category: Person, re: regexp.MustCompile(`\b(?i:sono|mi chiamo|chiamo)[ \t]+` + namePart), group: 1},
	{category: Person, re: regexp.MustCompile(`\b(?i:sig\.ra|sig\.na|sig\.?|dott\.ssa|dott\.?|dr\.?)[ \t]+` + namePart), group: 1},

	{category: Medical, re: medicalPattern(medicalTerms)},
}

func medicalPattern(terms []string) *regexp.Regexp {
	sorted := make([]string, len(terms))
	copy(sorted, terms)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	quoted := make([]string, len(sorted))
	for i, t := range sorted {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(t), " ", `[ \t]+`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// luhnValid reports whether match has 16 digits passing the Luhn checksum.
func luhnValid(match string) bool {
	digits := make([]int, 0, 16)
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) != 16 {
		return false
	}

	sum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if (len(digits)-1-i)%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
