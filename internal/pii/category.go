package pii

import "fmt"

// Category is the closed set of PII kinds the detector reports. The declared
// order is also the overlap priority: identifiers, then contact details,
// then names, then medical terms.
type Category int

const (
	FiscalID Category = iota
	Card
	Email
	Phone
	Address
	Person
	Medical
)

var categoryNames = [...]string{
	FiscalID: "FISCAL_ID",
	Card:     "CARD",
	Email:    "EMAIL",
	Phone:    "PHONE",
	Address:  "ADDRESS",
	Person:   "PERSON",
	Medical:  "MEDICAL",
}

// Categories lists every category in priority order.
func Categories() []Category {
	return []Category{FiscalID, Card, Email, Phone, Address, Person, Medical}
}

// String returns the token label, e.g. "PERSON" for [PERSON_1].
func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return categoryNames[c]
}

func ParseCategory(s string) (Category, error) {
	for i, name := range categoryNames {
		if name == s {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("unknown PII category %q", s)
}

func (c Category) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(categoryNames) {
		return nil, fmt.Errorf("invalid PII category %d", int(c))
	}
	return []byte(categoryNames[c]), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
