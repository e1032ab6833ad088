package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/voice-agent/privacy-core/internal/storage/models"
)

// AppendAudit writes one audit entry. Triggers reject updates and deletes.
func (c *Client) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO audit_log (operation, identifier_hash, timestamp, outcome, detail) VALUES (?, ?, ?, ?, ?)`,
		string(e.Operation), e.IdentifierHash, toMillis(e.Timestamp), e.Outcome, e.Detail)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (c *Client) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, string(f.Operation))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, toMillis(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, toMillis(f.Until))
	}

	query := `SELECT id, operation, identifier_hash, timestamp, outcome, detail FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLogEntry
	for rows.Next() {
		var (
			e         models.AuditLogEntry
			op        string
			timestamp int64
			detail    sql.NullString
		)
		if err := rows.Scan(&e.ID, &op, &e.IdentifierHash, &timestamp, &e.Outcome, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.Operation = models.AuditOperation(op)
		e.Timestamp = fromMillis(timestamp)
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}
