package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

// SaveConversation stores the sealed, anonymized conversation. Saving the
// same id again replaces it, so retried writes are idempotent.
func (c *Client) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	doc, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	query := `
		INSERT INTO conversations (id, channel, identifier_hash, started_at, ended_at, document)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel = excluded.channel,
			identifier_hash = excluded.identifier_hash,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			document = excluded.document
	`

	_, err = c.db.ExecContext(ctx, query,
		conv.ID,
		string(conv.Channel),
		conv.IdentifierHash,
		toMillis(conv.StartedAt),
		toMillis(conv.EndedAt),
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	logger.Debug("Conversation saved",
		zap.String("conversation_id", conv.ID),
		zap.Int("turns", len(conv.Turns)),
	)
	return nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var doc string
	err := c.db.QueryRowContext(ctx, `SELECT document FROM conversations WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var conv models.Conversation
	if err := json.Unmarshal([]byte(doc), &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

func (c *Client) ListConversations(ctx context.Context, f models.ConversationFilter) ([]models.Conversation, error) {
	var (
		where []string
		args  []any
	)
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, string(f.Channel))
	}
	if f.IdentifierHash != "" {
		where = append(where, "identifier_hash = ?")
		args = append(args, f.IdentifierHash)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, toMillis(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, toMillis(f.Until))
	}

	query := `SELECT document FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var conv models.Conversation
		if err := json.Unmarshal([]byte(doc), &conv); err != nil {
			return nil, fmt.Errorf("failed to decode conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (c *Client) ConversationsByIdentifier(ctx context.Context, identifierHash string) ([]models.Conversation, error) {
	return c.ListConversations(ctx, models.ConversationFilter{IdentifierHash: identifierHash})
}

// PurgeConversationsBefore deletes conversation records that started before
// cutoff, with their turn evaluations, and returns how many conversations
// were removed.
func (c *Client) PurgeConversationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	ms := toMillis(cutoff)
	_, err = tx.ExecContext(ctx, `
		DELETE FROM turn_evaluations WHERE conversation_id IN
			(SELECT id FROM conversations WHERE started_at < ?)`, ms)
	if err != nil {
		return 0, fmt.Errorf("failed to purge evaluations: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE started_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("failed to purge conversations: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return int(n), nil
}
