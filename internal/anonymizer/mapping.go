package anonymizer

import "fmt"

// Field names a text slot of a turn whose replacements are recorded.
type Field string

const (
	FieldUser  Field = "user"
	FieldAgent Field = "agent"
	FieldQuery Field = "query"
)

type SpanRecord struct {
	Turn         int           `json:"turn"`
	Field        Field         `json:"field"`
	Replacements []Replacement `json:"replacements"`
}

// Mapping is the reversible association for one conversation. It only
// leaves the process encrypted.
type Mapping struct {
	ConversationID string       `json:"conversation_id"`
	Entries        []Entry      `json:"entries"`
	Spans          []SpanRecord `json:"spans,omitempty"`
}

func NewMapping(conversationID string) *Mapping {
	return &Mapping{ConversationID: conversationID}
}

func (m *Mapping) Empty() bool {
	return m == nil || len(m.Entries) == 0
}

// Record stores the entries and replacements produced for one turn field.
func (m *Mapping) Record(turn int, field Field, res Result) {
	m.Entries = append(m.Entries, res.Entries...)
	if len(res.Replacements) > 0 {
		m.Spans = append(m.Spans, SpanRecord{Turn: turn, Field: field, Replacements: res.Replacements})
	}
}

// Replacements returns the recorded replacements for a turn field.
func (m *Mapping) Replacements(turn int, field Field) []Replacement {
	for _, s := range m.Spans {
		if s.Turn == turn && s.Field == field {
			return s.Replacements
		}
	}
	return nil
}

// RestoreField reverses one turn field. When no span record exists it falls
// back to token substitution.
func (m *Mapping) RestoreField(turn int, field Field, text string) (string, error) {
	if reps := m.Replacements(turn, field); reps != nil {
		out, err := Restore(text, reps)
		if err != nil {
			return "", fmt.Errorf("turn %d %s: %w", turn, field, err)
		}
		return out, nil
	}
	return Deanonymize(text, m.Entries), nil
}

// Tokens returns token -> original, the shape exposed in access packages.
func (m *Mapping) Tokens() map[string]string {
	out := make(map[string]string, len(m.Entries))
	for _, e := range m.Entries {
		out[e.Token] = e.Original
	}
	return out
}
