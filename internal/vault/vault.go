// Package vault encrypts anonymization maps at rest with XChaCha20-Poly1305.
// A Vault only exists with a valid key; there is no plaintext mode.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/voice-agent/privacy-core/internal/anonymizer"
)

// ContentType tags stored map blobs with the scheme that produced them.
const ContentType = "application/vnd.pii-map.v1+xchacha20poly1305"

const (
	KeySize       = chacha20poly1305.KeySize
	formatVersion = byte(1)
	headerSize    = 1 + chacha20poly1305.NonceSizeX
)

var (
	ErrKeyMissing     = errors.New("vault: encryption key is missing")
	ErrKeyInvalid     = errors.New("vault: encryption key is invalid")
	ErrAuthentication = errors.New("vault: ciphertext failed authentication")
	ErrMalformed      = errors.New("vault: ciphertext is malformed")
)

type Vault struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// New builds a Vault from a base64 key (standard or URL alphabet, padded or
// not) that must decode to exactly 32 bytes.
func New(encodedKey string) (*Vault, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, ErrKeyMissing
	}

	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyInvalid, err)
	}
	return &Vault{aead: aead}, nil
}

// Load reads the key named name from src and builds a Vault from it.
func Load(ctx context.Context, src SecretSource, name string) (*Vault, error) {
	raw, err := src.Secret(ctx, name)
	if errors.Is(err, ErrSecretNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyMissing, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read encryption key: %w", err)
	}
	defer clear(raw)
	return New(string(raw))
}

func decodeKey(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		key, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(key) != KeySize {
			clear(key)
			return nil, fmt.Errorf("%w: decoded length %d, want %d", ErrKeyInvalid, len(key), KeySize)
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: not base64", ErrKeyInvalid)
}

// GenerateKey returns a fresh random key in standard base64.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	defer clear(key)
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals m with a fresh nonce. The conversation id is bound as
// associated data, so a blob cannot be replayed under another conversation.
func (v *Vault) Encrypt(m *anonymizer.Mapping) ([]byte, error) {
	if m == nil || m.ConversationID == "" {
		return nil, errors.New("vault: mapping has no conversation id")
	}
	plaintext, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mapping: %w", err)
	}
	defer clear(plaintext)

	out := make([]byte, headerSize, headerSize+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = formatVersion
	nonce := out[1:headerSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return v.aead.Seal(out, nonce, plaintext, []byte(m.ConversationID)), nil
}

func (v *Vault) Decrypt(conversationID string, ciphertext []byte) (*anonymizer.Mapping, error) {
	if len(ciphertext) < headerSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(ciphertext))
	}
	if ciphertext[0] != formatVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformed, ciphertext[0])
	}

	nonce := ciphertext[1:headerSize]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext[headerSize:], []byte(conversationID))
	if err != nil {
		return nil, ErrAuthentication
	}
	defer clear(plaintext)

	var m anonymizer.Mapping
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.ConversationID != conversationID {
		return nil, ErrAuthentication
	}
	return &m, nil
}
