// Package vector defines the nearest-neighbour store contract used by the
// approved-response index.
package vector

import (
	"context"
	"errors"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Metadata travels with each vector so the store can be inspected and
// purged without joining back to the record store.
type Metadata struct {
	ConversationID string
	IdentifierHash string
	Rating         int
	ApprovedAt     int64
}

// Match is a search hit. Score is cosine similarity in [-1, 1].
type Match struct {
	ID    string
	Score float32
}

type Store interface {
	Upsert(ctx context.Context, id string, vec []float32, md Metadata) error
	Search(ctx context.Context, vec []float32, topK int) ([]Match, error)
}

// Deleter removes vectors by id. Deleting a missing id succeeds.
type Deleter interface {
	Delete(ctx context.Context, ids []string) error
}

// Index is a Store that also supports deletion.
type Index interface {
	Store
	Deleter
}
