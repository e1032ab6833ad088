package pii

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type found struct {
	Category Category
	Value    string
}

func detect(t *testing.T, text string) []found {
	t.Helper()
	var out []found
	for s := range NewDetector().Detect(text) {
		require.Equal(t, s.Value, text[s.Start:s.End])
		out = append(out, found{s.Category, s.Value})
	}
	return out
}

func TestDetect_Categories(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []found
	}{
		{
			name: "name and mobile",
			text: "Sono Mario Rossi, chiamami al 3201234567",
			want: []found{{Person, "Mario Rossi"}, {Phone, "3201234567"}},
		},
		{
			name: "international mobile keeps prefix",
			text: "il mio numero è +39 320 123 4567 grazie",
			want: []found{{Phone, "+39 320 123 4567"}},
		},
		{
			name: "landline",
			text: "ufficio 06 12345678",
			want: []found{{Phone, "06 12345678"}},
		},
		{
			name: "fiscal code any case",
			text: "codice fiscale rssmra80a01h501u",
			want: []found{{FiscalID, "rssmra80a01h501u"}},
		},
		{
			name: "email",
			text: "scrivimi a Mario.Rossi@example.it",
			want: []found{{Email, "Mario.Rossi@example.it"}},
		},
		{
			name: "valid card",
			text: "carta 4111 1111 1111 1111",
			want: []found{{Card, "4111 1111 1111 1111"}},
		},
		{
			name: "luhn failure is not a card",
			text: "ordine 1234 5678 9012 3456",
			want: nil,
		},
		{
			name: "street address",
			text: "abito in Via Roma 12, terzo piano",
			want: []found{{Address, "Via Roma 12"}},
		},
		{
			name: "postal code and city",
			text: "spedire a 00184 Roma",
			want: []found{{Address, "00184 Roma"}},
		},
		{
			name: "title",
			text: "ho parlato con la Sig.ra Bianchi",
			want: []found{{Person, "Bianchi"}},
		},
		{
			name: "lexicon pair without indicator",
			text: "ritira Giulia De Luca domani",
			want: []found{{Person, "Giulia De Luca"}},
		},
		{
			name: "lowercase lexicon words are ignored",
			text: "rosa e bianchi sono colori",
			want: nil,
		},
		{
			name: "medical multi-word term wins over prefix",
			text: "soffro di pressione alta e diabete",
			want: []found{{Medical, "pressione alta"}, {Medical, "diabete"}},
		},
		{
			name: "no pii",
			text: "a che ora apre la farmacia?",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detect(t, tt.text))
		})
	}
}

func TestDetect_OverlapPrefersLongerMatch(t *testing.T) {
	spans := NewDetector().DetectAll("numero +39 3201234567")
	require.Len(t, spans, 1)
	assert.Equal(t, "+39 3201234567", spans[0].Value)
}

func TestDetect_OverlapTieUsesPriority(t *testing.T) {
	// Same length spans from different rules: the earlier category wins.
	d := &Detector{rules: []rule{
		{category: Medical, re: medicalPattern([]string{"rossi"})},
		{category: Person, re: defaultRules[len(defaultRules)-2].re, group: 1},
	}}
	spans := d.DetectAll("Dott. Rossi")
	require.Len(t, spans, 1)
	assert.Equal(t, Person, spans[0].Category)
}

func TestDetect_SpansAreOrderedAndDisjoint(t *testing.T) {
	text := "Mi chiamo Anna Conti, email anna@example.com, tel 3471234567, abito in Piazza Duomo 3"
	spans := NewDetector().DetectAll(text)
	require.NotEmpty(t, spans)
	for i := 1; i < len(spans); i++ {
		assert.LessOrEqual(t, spans[i-1].End, spans[i].Start)
	}
}

func TestDetect_InvalidUTF8YieldsNothing(t *testing.T) {
	text := "Sono Mario Rossi \xff\xfe 3201234567"
	assert.Empty(t, NewDetector().DetectAll(text))
}

func TestDetect_StopsWhenConsumerBreaks(t *testing.T) {
	n := 0
	for range NewDetector().Detect("3201234567 e 3471234567") {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestCategory_TextRoundTrip(t *testing.T) {
	for _, c := range Categories() {
		b, err := c.MarshalText()
		require.NoError(t, err)
		var got Category
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, c, got)
	}
	_, err := ParseCategory("SSN")
	assert.Error(t, err)
}
