package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/voice-agent/privacy-core/internal/storage/blob"
)

// Blobs adapts the client to blob.Store for single-node deployments that
// keep encrypted maps next to the conversation records.
func (c *Client) Blobs() blob.Store {
	return blobStore{c: c, now: time.Now}
}

type blobStore struct {
	c   *Client
	now func() time.Time
}

func (s blobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.c.db.ExecContext(ctx, `
		INSERT INTO blobs (key, content_type, data, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content_type = excluded.content_type,
			data = excluded.data`,
		key, contentType, data, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("failed to put blob: %w", err)
	}
	return nil
}

func (s blobStore) Get(ctx context.Context, key string) ([]byte, blob.Object, error) {
	var (
		data      []byte
		obj       = blob.Object{Key: key}
		createdAt int64
	)
	err := s.c.db.QueryRowContext(ctx,
		`SELECT content_type, data, created_at FROM blobs WHERE key = ?`, key,
	).Scan(&obj.ContentType, &data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, blob.Object{}, blob.ErrNotFound
	}
	if err != nil {
		return nil, blob.Object{}, fmt.Errorf("failed to get blob: %w", err)
	}
	obj.Size = int64(len(data))
	obj.CreatedAt = fromMillis(createdAt)
	return data, obj, nil
}

func (s blobStore) Delete(ctx context.Context, key string) error {
	if _, err := s.c.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (s blobStore) List(ctx context.Context, prefix string) ([]blob.Object, error) {
	rows, err := s.c.db.QueryContext(ctx,
		`SELECT key, content_type, length(data), created_at FROM blobs WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()

	var out []blob.Object
	for rows.Next() {
		var (
			o         blob.Object
			createdAt int64
		)
		if err := rows.Scan(&o.Key, &o.ContentType, &o.Size, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		o.CreatedAt = fromMillis(createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}
