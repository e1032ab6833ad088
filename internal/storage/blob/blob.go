// Package blob defines the object store that holds encrypted anonymization
// maps, and an in-memory implementation.
package blob

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("blob not found")

type Object struct {
	Key         string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// Store is a flat key/value object store. Delete of a missing key succeeds.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, Object, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
}

// MapKey is the key under which a conversation's encrypted map is stored.
// Grouping by identifier hash lets GDPR requests find maps by prefix even
// after the conversation record has been purged.
func MapKey(prefix, identifierHash, conversationID string) string {
	if identifierHash == "" {
		identifierHash = "_"
	}
	return path.Join(prefix, identifierHash, conversationID+".bin")
}

// IdentifierPrefix is the List prefix covering every map of one identifier.
func IdentifierPrefix(prefix, identifierHash string) string {
	return path.Join(prefix, identifierHash) + "/"
}

// ConversationIDFromKey recovers the conversation id from a MapKey.
func ConversationIDFromKey(key string) string {
	return strings.TrimSuffix(path.Base(key), ".bin")
}

type memoryObject struct {
	data []byte
	meta Object
}

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), now: time.Now}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{
		data: cp,
		meta: Object{Key: key, ContentType: contentType, Size: int64(len(cp)), CreatedAt: m.now()},
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, Object{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	if !ok {
		return nil, Object{}, ErrNotFound
	}
	return append([]byte(nil), o.data...), o.meta, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Object
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, o.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// SetClock overrides the creation timestamp source. Tests use it to age
// objects for retention.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
