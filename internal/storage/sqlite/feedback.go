package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

const feedbackColumns = `id, conversation_id, turn_number, rating, tags, comment, corrected_response,
	approved, identifier_hash, created_at`

func (c *Client) StoreFeedback(ctx context.Context, f *models.Feedback) error {
	tagsJSON, err := json.Marshal(f.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	approved := 0
	if f.Approved {
		approved = 1
	}

	query := `INSERT INTO feedback (` + feedbackColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = c.db.ExecContext(ctx, query,
		f.ID,
		f.ConversationID,
		f.TurnNumber,
		f.Rating,
		string(tagsJSON),
		f.Comment,
		f.CorrectedResponse,
		approved,
		f.IdentifierHash,
		toMillis(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("conversation_id", f.ConversationID),
		zap.Int("turn", f.TurnNumber),
		zap.Int("rating", f.Rating),
	)
	return nil
}

// MarkFeedbackApproved flags the feedback rows for a turn as approved.
func (c *Client) MarkFeedbackApproved(ctx context.Context, conversationID string, turn int) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE feedback SET approved = 1 WHERE conversation_id = ? AND turn_number = ?`, conversationID, turn)
	if err != nil {
		return fmt.Errorf("failed to mark feedback approved: %w", err)
	}
	return nil
}

func (c *Client) FeedbackByConversation(ctx context.Context, conversationID string) ([]models.Feedback, error) {
	return c.queryFeedback(ctx, `WHERE conversation_id = ? ORDER BY turn_number, created_at`, conversationID)
}

func (c *Client) FeedbackByIdentifier(ctx context.Context, identifierHash string) ([]models.Feedback, error) {
	return c.queryFeedback(ctx, `WHERE identifier_hash = ? ORDER BY created_at`, identifierHash)
}

// ListFeedback returns feedback created at or after since (all when zero).
func (c *Client) ListFeedback(ctx context.Context, since time.Time) ([]models.Feedback, error) {
	return c.queryFeedback(ctx, `WHERE created_at >= ? ORDER BY created_at`, toMillis(since))
}

func (c *Client) queryFeedback(ctx context.Context, clause string, args ...any) ([]models.Feedback, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+feedbackColumns+` FROM feedback `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var out []models.Feedback
	for rows.Next() {
		var (
			f         models.Feedback
			tagsJSON  sql.NullString
			comment   sql.NullString
			corrected sql.NullString
			approved  int
			createdAt int64
		)
		err := rows.Scan(&f.ID, &f.ConversationID, &f.TurnNumber, &f.Rating, &tagsJSON, &comment,
			&corrected, &approved, &f.IdentifierHash, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &f.Tags); err != nil {
				return nil, fmt.Errorf("failed to decode tags: %w", err)
			}
		}
		f.Comment = comment.String
		f.CorrectedResponse = corrected.String
		f.Approved = approved == 1
		f.CreatedAt = fromMillis(createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}
