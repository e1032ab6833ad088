// Package identity derives the one-way identifier hash that links
// conversations to a caller without storing the caller's phone number,
// email or session id.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

type Type string

const (
	TypePhone   Type = "phone"
	TypeEmail   Type = "email"
	TypeSession Type = "session"
)

var (
	ErrEmptyIdentifier = errors.New("identifier is empty")
	ErrUnknownType     = errors.New("unknown identifier type")
	ErrPepperMissing   = errors.New("identifier hash pepper is missing")
)

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypePhone, TypeEmail, TypeSession:
		return t, nil
	case "":
		return TypePhone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// Hasher computes HMAC-SHA256(pepper, type ":" normalized identifier).
// The same Hasher must be used by the conversation logger and the GDPR
// service so lookups match.
type Hasher struct {
	pepper []byte
}

func NewHasher(pepper []byte) (*Hasher, error) {
	if len(pepper) == 0 {
		return nil, ErrPepperMissing
	}
	p := make([]byte, len(pepper))
	copy(p, pepper)
	return &Hasher{pepper: p}, nil
}

func (h *Hasher) Hash(identifier string, t Type) (string, error) {
	norm, err := Normalize(identifier, t)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(t))
	mac.Write([]byte{':'})
	mac.Write([]byte(norm))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Normalize folds the renderings a caller may use for the same identifier:
// "+39 320 123 4567", "0039-3201234567" and "3201234567" are one phone.
func Normalize(identifier string, t Type) (string, error) {
	s := strings.TrimSpace(identifier)
	if s == "" {
		return "", ErrEmptyIdentifier
	}

	switch t {
	case TypePhone:
		var b strings.Builder
		for _, r := range s {
			if unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		digits := b.String()
		digits = strings.TrimPrefix(digits, "00")
		if len(digits) >= 11 && strings.HasPrefix(digits, "39") {
			digits = digits[2:]
		}
		if digits == "" {
			return "", ErrEmptyIdentifier
		}
		return digits, nil
	case TypeEmail:
		return strings.ToLower(s), nil
	case TypeSession:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}
