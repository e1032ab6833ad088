package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection serialises writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		identifier_hash TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		document TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_identifier ON conversations(identifier_hash);
	CREATE INDEX IF NOT EXISTS idx_conversations_started ON conversations(started_at);

	CREATE TABLE IF NOT EXISTS approved_responses (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		user_message TEXT NOT NULL,
		bot_response TEXT NOT NULL,
		corrected_response TEXT NOT NULL,
		rating INTEGER NOT NULL,
		tags TEXT,
		embedding TEXT,
		usage_count INTEGER NOT NULL DEFAULT 0,
		approved_at INTEGER NOT NULL,
		identifier_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approved_identifier ON approved_responses(identifier_hash);
	CREATE INDEX IF NOT EXISTS idx_approved_conversation ON approved_responses(conversation_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		rating INTEGER NOT NULL,
		tags TEXT,
		comment TEXT,
		corrected_response TEXT,
		approved INTEGER NOT NULL DEFAULT 0,
		identifier_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_identifier ON feedback(identifier_hash);
	CREATE INDEX IF NOT EXISTS idx_feedback_conversation ON feedback(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback(created_at);

	CREATE TABLE IF NOT EXISTS turn_evaluations (
		conversation_id TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		identifier_hash TEXT NOT NULL,
		overall_score REAL NOT NULL,
		priority TEXT NOT NULL,
		priority_rank INTEGER NOT NULL,
		needs_review INTEGER NOT NULL DEFAULT 0,
		document TEXT NOT NULL,
		evaluated_at INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, turn_number)
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_identifier ON turn_evaluations(identifier_hash);
	CREATE INDEX IF NOT EXISTS idx_evaluations_review ON turn_evaluations(priority_rank, overall_score);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation TEXT NOT NULL,
		identifier_hash TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_log_no_delete BEFORE DELETE ON audit_log
	BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;

	CREATE TABLE IF NOT EXISTS erasure_queue (
		identifier_hash TEXT PRIMARY KEY,
		reason TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		content_type TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
