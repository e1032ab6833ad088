package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

const approvedColumns = `id, conversation_id, turn_number, user_message, bot_response, corrected_response,
	rating, tags, embedding, usage_count, approved_at, identifier_hash`

// UpsertApprovedResponse inserts an approved response, or updates the
// correction of an existing one. usage_count and approved_at of an existing
// row are never overwritten.
func (c *Client) UpsertApprovedResponse(ctx context.Context, r *models.ApprovedResponse) error {
	tagsJSON, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	embeddingJSON, err := json.Marshal(r.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	query := `
		INSERT INTO approved_responses (` + approvedColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_message = excluded.user_message,
			bot_response = excluded.bot_response,
			corrected_response = excluded.corrected_response,
			rating = excluded.rating,
			tags = excluded.tags,
			embedding = excluded.embedding
	`

	_, err = c.db.ExecContext(ctx, query,
		r.ID,
		r.ConversationID,
		r.TurnNumber,
		r.UserMessage,
		r.BotResponse,
		r.CorrectedResponse,
		r.Rating,
		string(tagsJSON),
		string(embeddingJSON),
		toMillis(r.ApprovedAt),
		r.IdentifierHash,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert approved response: %w", err)
	}

	logger.Debug("Approved response stored", zap.String("id", r.ID), zap.Int("rating", r.Rating))
	return nil
}

func (c *Client) GetApprovedResponse(ctx context.Context, id string) (*models.ApprovedResponse, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+approvedColumns+` FROM approved_responses WHERE id = ?`, id)
	r, err := scanApproved(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approved response: %w", err)
	}
	return r, nil
}

// GetApprovedResponses loads the given ids; missing ids are absent from the map.
func (c *Client) GetApprovedResponses(ctx context.Context, ids []string) (map[string]*models.ApprovedResponse, error) {
	out := make(map[string]*models.ApprovedResponse, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := c.db.QueryContext(ctx, `SELECT `+approvedColumns+` FROM approved_responses WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get approved responses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanApproved(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// ListApprovedResponses returns responses rated at least minRating, most
// used first.
func (c *Client) ListApprovedResponses(ctx context.Context, minRating, limit int) ([]models.ApprovedResponse, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+approvedColumns+` FROM approved_responses WHERE rating >= ? ORDER BY usage_count DESC, approved_at LIMIT ?`,
		minRating, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved responses: %w", err)
	}
	defer rows.Close()
	return collectApproved(rows)
}

func (c *Client) ApprovedByIdentifier(ctx context.Context, identifierHash string) ([]models.ApprovedResponse, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+approvedColumns+` FROM approved_responses WHERE identifier_hash = ? ORDER BY approved_at`, identifierHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get approved responses by identifier: %w", err)
	}
	defer rows.Close()
	return collectApproved(rows)
}

func (c *Client) IncrementUsage(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE approved_responses SET usage_count = usage_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (c *Client) ApprovedStats(ctx context.Context) (*models.ApprovedStats, error) {
	stats := &models.ApprovedStats{RatingDistribution: make(map[int]int)}

	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(rating), 0), COALESCE(SUM(usage_count), 0) FROM approved_responses`,
	).Scan(&stats.Total, &stats.AverageRating, &stats.TotalUsage)
	if err != nil {
		return nil, fmt.Errorf("failed to compute approved stats: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT rating, COUNT(*) FROM approved_responses GROUP BY rating`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute rating distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rating, n int
		if err := rows.Scan(&rating, &n); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		stats.RatingDistribution[rating] = n
	}
	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApproved(s scanner) (*models.ApprovedResponse, error) {
	var (
		r             models.ApprovedResponse
		tagsJSON      sql.NullString
		embeddingJSON sql.NullString
		approvedAt    int64
	)
	err := s.Scan(
		&r.ID,
		&r.ConversationID,
		&r.TurnNumber,
		&r.UserMessage,
		&r.BotResponse,
		&r.CorrectedResponse,
		&r.Rating,
		&tagsJSON,
		&embeddingJSON,
		&r.UsageCount,
		&approvedAt,
		&r.IdentifierHash,
	)
	if err != nil {
		return nil, err
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &r.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding: %w", err)
		}
	}
	r.ApprovedAt = fromMillis(approvedAt)
	return &r, nil
}

func collectApproved(rows *sql.Rows) ([]models.ApprovedResponse, error) {
	var out []models.ApprovedResponse
	for rows.Next() {
		r, err := scanApproved(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
