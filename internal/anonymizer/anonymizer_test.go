package anonymizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voice-agent/privacy-core/internal/pii"
)

func TestAnonymize_NameAndPhone(t *testing.T) {
	a := New(nil)
	state := NewState("conv-1")

	res := a.Anonymize("Sono Mario Rossi, chiamami al 3201234567", state)

	assert.Equal(t, "Sono [PERSON_1], chiamami al [PHONE_1]", res.Text)
	assert.Equal(t, ScanMatched, res.Scan)
	assert.Equal(t, []pii.Category{pii.Person, pii.Phone}, res.Categories)
	assert.Equal(t, map[string]string{
		"[PERSON_1]": "Mario Rossi",
		"[PHONE_1]":  "3201234567",
	}, (&Mapping{Entries: res.Entries}).Tokens())
}

func TestAnonymize_TokensStableAcrossTurns(t *testing.T) {
	a := New(nil)
	state := NewState("conv-2")

	first := a.Anonymize("Sono Mario Rossi, il mio numero è 3201234567", state)
	second := a.Anonymize("Ripeto: +39 320 123 4567, chiedete di Mario Rossi", state)
	third := a.Anonymize("Oppure chiamate Anna Conti al 3471234567", state)

	assert.Len(t, first.Entries, 2)
	assert.Empty(t, second.Entries, "same values reuse tokens")
	assert.Equal(t, "Ripeto: [PHONE_1], chiedete di [PERSON_1]", second.Text)
	assert.Equal(t, "Oppure chiamate [PERSON_2] al [PHONE_2]", third.Text)

	tokens := []string{}
	for _, e := range state.Entries() {
		tokens = append(tokens, e.Token)
	}
	assert.Equal(t, []string{"[PERSON_1]", "[PHONE_1]", "[PERSON_2]", "[PHONE_2]"}, tokens)
}

func TestAnonymize_StatesAreIndependent(t *testing.T) {
	a := New(nil)
	s1, s2 := NewState("a"), NewState("b")

	a.Anonymize("chiama 3201234567", s1)
	res := a.Anonymize("chiama 3479999999", s2)

	assert.Equal(t, "chiama [PHONE_1]", res.Text)
}

func TestRestore_ExactRoundTrip(t *testing.T) {
	texts := []string{
		"Sono Mario Rossi, chiamami al 3201234567",
		"Il numero è +39 320 123 4567 oppure 3201234567, email MARIO@example.it",
		"Codice RSSMRA80A01H501U, carta 4111-1111-1111-1111, abito in Via Roma 12",
		"nessun dato personale qui",
		"Dott.ssa Bianchi, soffro di ipertensione e diabete",
		"",
	}

	a := New(nil)
	state := NewState("conv-rt")
	for _, text := range texts {
		res := a.Anonymize(text, state)
		got, err := Restore(res.Text, res.Replacements)
		require.NoError(t, err)
		assert.Equal(t, text, got)
	}
}

func TestRestore_RejectsMismatchedOffsets(t *testing.T) {
	_, err := Restore("hello [PHONE_1]", []Replacement{{Token: "[PHONE_1]", Original: "3201234567", Offset: 2}})
	assert.Error(t, err)
}

func TestDeanonymize(t *testing.T) {
	a := New(nil)
	state := NewState("conv-3")
	res := a.Anonymize("Sono Mario Rossi, chiamami al 3201234567", state)

	assert.Equal(t, "Sono Mario Rossi, chiamami al 3201234567", Deanonymize(res.Text, state.Entries()))
	assert.Equal(t, "plain", Deanonymize("plain", nil))
}

func TestAnonymize_InvalidUTF8IsDegraded(t *testing.T) {
	text := "Sono Mario Rossi \xff"
	res := New(nil).Anonymize(text, NewState("conv-4"))

	assert.Equal(t, ScanDegraded, res.Scan)
	assert.Equal(t, text, res.Text)
	assert.Empty(t, res.Entries)
}

func TestAnonymize_NoPII(t *testing.T) {
	res := New(nil).Anonymize("buongiorno", NewState("conv-5"))
	assert.Equal(t, ScanNone, res.Scan)
	assert.Equal(t, "buongiorno", res.Text)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Normalize(pii.Phone, "+39 320 123 4567"), Normalize(pii.Phone, "320-123-4567"))
	assert.Equal(t, "4111111111111111", Normalize(pii.Card, "4111 1111 1111 1111"))
	assert.Equal(t, "RSSMRA80A01H501U", Normalize(pii.FiscalID, "rssmra80a01h501u"))
	assert.Equal(t, "mario rossi", Normalize(pii.Person, "Mario   ROSSI"))
}

func TestMapping_RestoreField(t *testing.T) {
	a := New(nil)
	state := NewState("conv-6")
	m := NewMapping("conv-6")

	user := a.Anonymize("Sono Mario Rossi", state)
	m.Record(1, FieldUser, user)
	agent := a.Anonymize("Grazie Mario Rossi", state)
	m.Record(1, FieldAgent, agent)

	got, err := m.RestoreField(1, FieldUser, user.Text)
	require.NoError(t, err)
	assert.Equal(t, "Sono Mario Rossi", got)

	// Agent text reused the token, so it carries replacements but no entries.
	got, err = m.RestoreField(1, FieldAgent, agent.Text)
	require.NoError(t, err)
	assert.Equal(t, "Grazie Mario Rossi", got)

	got, err = m.RestoreField(2, FieldUser, "ciao [PERSON_1]")
	require.NoError(t, err)
	assert.Equal(t, "ciao Mario Rossi", got)

	assert.Len(t, m.Entries, 1)
	assert.False(t, m.Empty())
	assert.True(t, NewMapping("x").Empty())
}
