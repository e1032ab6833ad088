package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/voice-agent/privacy-core/internal/storage/models"
)

// SaveEvaluations stores the evaluations of one or more turns in a single
// transaction. Evaluating a turn again replaces its previous result.
func (c *Client) SaveEvaluations(ctx context.Context, evals []models.TurnEvaluation) error {
	if len(evals) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin evaluation transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO turn_evaluations (conversation_id, turn_number, identifier_hash, overall_score,
			priority, priority_rank, needs_review, document, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, turn_number) DO UPDATE SET
			identifier_hash = excluded.identifier_hash,
			overall_score = excluded.overall_score,
			priority = excluded.priority,
			priority_rank = excluded.priority_rank,
			needs_review = excluded.needs_review,
			document = excluded.document,
			evaluated_at = excluded.evaluated_at
	`

	for _, e := range evals {
		doc, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal evaluation: %w", err)
		}
		needsReview := 0
		if e.NeedsReview {
			needsReview = 1
		}
		_, err = tx.ExecContext(ctx, query,
			e.ConversationID,
			e.TurnNumber,
			e.IdentifierHash,
			e.OverallScore,
			string(e.Priority),
			e.Priority.Rank(),
			needsReview,
			string(doc),
			toMillis(e.EvaluatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save evaluation of turn %d: %w", e.TurnNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit evaluations: %w", err)
	}
	return nil
}

func (c *Client) EvaluationsByConversation(ctx context.Context, conversationID string) ([]models.TurnEvaluation, error) {
	return c.queryEvaluations(ctx, `WHERE conversation_id = ? ORDER BY turn_number`, conversationID)
}

func (c *Client) EvaluationsByIdentifier(ctx context.Context, identifierHash string) ([]models.TurnEvaluation, error) {
	return c.queryEvaluations(ctx, `WHERE identifier_hash = ? ORDER BY evaluated_at, conversation_id, turn_number`,
		identifierHash)
}

// ListEvaluations returns evaluations most urgent first: by priority, then
// lowest score, then oldest.
func (c *Client) ListEvaluations(ctx context.Context, f models.EvaluationFilter) ([]models.TurnEvaluation, error) {
	clause, args := evaluationWhere(f.Priority, f.NeedsReview, f.Since, f.Until)
	clause += " ORDER BY priority_rank, overall_score, evaluated_at, conversation_id, turn_number"

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	clause += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	return c.queryEvaluations(ctx, clause, args...)
}

// EvaluationStats summarizes evaluations made within [since, until). Zero
// bounds are open.
func (c *Client) EvaluationStats(ctx context.Context, since, until time.Time) (models.EvaluationStats, error) {
	stats := models.EvaluationStats{ByPriority: map[models.Priority]int{}}
	clause, args := evaluationWhere("", false, since, until)

	rows, err := c.db.QueryContext(ctx, `
		SELECT priority, COUNT(*), SUM(needs_review), SUM(overall_score)
		FROM turn_evaluations `+clause+` GROUP BY priority`, args...)
	if err != nil {
		return stats, fmt.Errorf("failed to query evaluation stats: %w", err)
	}
	defer rows.Close()

	var scoreSum float64
	for rows.Next() {
		var (
			priority string
			n        int
			review   int
			sum      float64
		)
		if err := rows.Scan(&priority, &n, &review, &sum); err != nil {
			return stats, fmt.Errorf("failed to scan row: %w", err)
		}
		stats.ByPriority[models.Priority(priority)] = n
		stats.Total += n
		stats.NeedsReview += review
		scoreSum += sum
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	if stats.Total > 0 {
		stats.AverageScore = scoreSum / float64(stats.Total)
	}
	return stats, nil
}

// UnevaluatedConversations returns up to limit conversations with turns and
// no stored evaluation, oldest first.
func (c *Client) UnevaluatedConversations(ctx context.Context, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT document FROM conversations c
		WHERE json_array_length(json_extract(document, '$.turns')) > 0
			AND NOT EXISTS (SELECT 1 FROM turn_evaluations e WHERE e.conversation_id = c.id)
		ORDER BY started_at, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unevaluated conversations: %w", err)
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

func evaluationWhere(priority models.Priority, needsReview bool, since, until time.Time) (string, []any) {
	var (
		where []string
		args  []any
	)
	if priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(priority))
	}
	if needsReview {
		where = append(where, "needs_review = 1")
	}
	if !since.IsZero() {
		where = append(where, "evaluated_at >= ?")
		args = append(args, toMillis(since))
	}
	if !until.IsZero() {
		where = append(where, "evaluated_at < ?")
		args = append(args, toMillis(until))
	}
	if len(where) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(where, " AND "), args
}

func (c *Client) queryEvaluations(ctx context.Context, clause string, args ...any) ([]models.TurnEvaluation, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT identifier_hash, document FROM turn_evaluations `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	var out []models.TurnEvaluation
	for rows.Next() {
		var hash, doc string
		if err := rows.Scan(&hash, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var e models.TurnEvaluation
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("failed to decode evaluation: %w", err)
		}
		e.IdentifierHash = hash
		out = append(out, e)
	}
	return out, rows.Err()
}
