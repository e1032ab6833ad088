package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

// EraseIdentifier deletes every record for identifierHash in one
// transaction.
func (c *Client) EraseIdentifier(ctx context.Context, identifierHash string) (models.ErasureCounts, error) {
	var counts models.ErasureCounts

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("failed to begin erasure transaction: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		table string
		n     *int
	}{
		{"approved_responses", &counts.ApprovedResponses},
		{"feedback", &counts.Feedback},
		{"turn_evaluations", &counts.Evaluations},
		{"conversations", &counts.Conversations},
	}
	for _, s := range steps {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+s.table+` WHERE identifier_hash = ?`, identifierHash)
		if err != nil {
			return models.ErasureCounts{}, fmt.Errorf("failed to erase %s: %w", s.table, err)
		}
		n, _ := res.RowsAffected()
		*s.n = int(n)
	}

	if err := tx.Commit(); err != nil {
		return models.ErasureCounts{}, fmt.Errorf("failed to commit erasure: %w", err)
	}

	logger.Info("Identifier records erased",
		zap.String("identifier_hash", identifierHash),
		zap.Int("records", counts.Total()),
	)
	return counts, nil
}

// CountByIdentifier reports how many records still reference identifierHash.
func (c *Client) CountByIdentifier(ctx context.Context, identifierHash string) (models.ErasureCounts, error) {
	var counts models.ErasureCounts
	err := c.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations WHERE identifier_hash = ?),
			(SELECT COUNT(*) FROM approved_responses WHERE identifier_hash = ?),
			(SELECT COUNT(*) FROM feedback WHERE identifier_hash = ?),
			(SELECT COUNT(*) FROM turn_evaluations WHERE identifier_hash = ?)`,
		identifierHash, identifierHash, identifierHash, identifierHash,
	).Scan(&counts.Conversations, &counts.ApprovedResponses, &counts.Feedback, &counts.Evaluations)
	if err != nil {
		return counts, fmt.Errorf("failed to count identifier records: %w", err)
	}
	return counts, nil
}

// EnqueueErasure records an identifier whose erasure must be retried.
func (c *Client) EnqueueErasure(ctx context.Context, identifierHash, reason string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO erasure_queue (identifier_hash, reason, attempts, enqueued_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(identifier_hash) DO UPDATE SET
			reason = excluded.reason,
			attempts = erasure_queue.attempts + 1`,
		identifierHash, reason, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue erasure: %w", err)
	}
	return nil
}

func (c *Client) PendingErasures(ctx context.Context) ([]models.PendingErasure, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT identifier_hash, reason, attempts, enqueued_at FROM erasure_queue ORDER BY enqueued_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending erasures: %w", err)
	}
	defer rows.Close()

	var out []models.PendingErasure
	for rows.Next() {
		var (
			p          models.PendingErasure
			reason     sql.NullString
			enqueuedAt int64
		)
		if err := rows.Scan(&p.IdentifierHash, &reason, &p.Attempts, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		p.Reason = reason.String
		p.EnqueuedAt = fromMillis(enqueuedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *Client) ResolveErasure(ctx context.Context, identifierHash string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM erasure_queue WHERE identifier_hash = ?`, identifierHash)
	if err != nil {
		return fmt.Errorf("failed to resolve erasure: %w", err)
	}
	return nil
}
