// Package gdpr serves data-subject access and erasure requests across the
// record store, the encrypted map store and the similarity index.
package gdpr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/internal/storage/blob"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/internal/vault"
	"github.com/voice-agent/privacy-core/internal/vector"
	"github.com/voice-agent/privacy-core/pkg/identity"
	"github.com/voice-agent/privacy-core/pkg/logger"
	"github.com/voice-agent/privacy-core/pkg/retry"
)

var (
	ErrInvalidRequest   = errors.New("invalid data subject request")
	ErrVaultUnavailable = errors.New("encryption vault unavailable")
)

const (
	StatusFound     = "found"
	StatusNotFound  = "not_found"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Request identifies a data subject by a raw identifier. The identifier is
// hashed on arrival and never stored or logged.
type Request struct {
	Identifier     string `json:"identifier"`
	IdentifierType string `json:"identifier_type"`
}

// Records is the part of the record store used by GDPR requests.
type Records interface {
	ConversationsByIdentifier(ctx context.Context, identifierHash string) ([]models.Conversation, error)
	ApprovedByIdentifier(ctx context.Context, identifierHash string) ([]models.ApprovedResponse, error)
	FeedbackByIdentifier(ctx context.Context, identifierHash string) ([]models.Feedback, error)
	EvaluationsByIdentifier(ctx context.Context, identifierHash string) ([]models.TurnEvaluation, error)
	EraseIdentifier(ctx context.Context, identifierHash string) (models.ErasureCounts, error)
	CountByIdentifier(ctx context.Context, identifierHash string) (models.ErasureCounts, error)
	PurgeConversationsBefore(ctx context.Context, cutoff time.Time) (int, error)
	AppendAudit(ctx context.Context, e *models.AuditLogEntry) error
	ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, error)
	EnqueueErasure(ctx context.Context, identifierHash, reason string) error
	PendingErasures(ctx context.Context) ([]models.PendingErasure, error)
	ResolveErasure(ctx context.Context, identifierHash string) error
}

type Config struct {
	Hasher  *identity.Hasher
	Vault   *vault.Vault
	Records Records
	Blobs   blob.Store
	// Vectors may be nil when no similarity store is configured.
	Vectors         vector.Deleter
	MapPrefix       string
	Locker          Locker
	Retry           retry.Config
	ConversationTTL time.Duration
	MapTTL          time.Duration
	Now             func() time.Time
}

type Service struct {
	hasher          *identity.Hasher
	vault           *vault.Vault
	records         Records
	blobs           blob.Store
	vectors         vector.Deleter
	mapPrefix       string
	locker          Locker
	retry           retry.Config
	conversationTTL time.Duration
	mapTTL          time.Duration
	now             func() time.Time
	log             *zap.Logger
}

func NewService(cfg Config) *Service {
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.MapPrefix == "" {
		cfg.MapPrefix = "anonymization-maps"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = 90 * 24 * time.Hour
	}
	if cfg.MapTTL <= 0 {
		cfg.MapTTL = 365 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		hasher:          cfg.Hasher,
		vault:           cfg.Vault,
		records:         cfg.Records,
		blobs:           cfg.Blobs,
		vectors:         cfg.Vectors,
		mapPrefix:       cfg.MapPrefix,
		locker:          cfg.Locker,
		retry:           cfg.Retry,
		conversationTTL: cfg.ConversationTTL,
		mapTTL:          cfg.MapTTL,
		now:             cfg.Now,
		log:             logger.Named("gdpr"),
	}
}

func (s *Service) hash(req Request) (string, error) {
	t, err := identity.ParseType(req.IdentifierType)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	h, err := s.hasher.Hash(req.Identifier, t)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return h, nil
}

// audit appends the request's single audit entry. It runs detached from the
// caller's context so a cancelled request is still recorded.
func (s *Service) audit(ctx context.Context, op models.AuditOperation, identifierHash, outcome, detail string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	entry := &models.AuditLogEntry{
		Operation:      op,
		IdentifierHash: identifierHash,
		Timestamp:      s.now(),
		Outcome:        outcome,
		Detail:         detail,
	}
	err := retry.Do(ctx, s.retry.WithOperation("audit"), func() error {
		return s.records.AppendAudit(ctx, entry)
	})
	if err != nil {
		s.log.Error("Failed to append audit entry",
			zap.String("operation", string(op)),
			zap.String("identifier_hash", identifierHash),
			zap.Error(err),
		)
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// lockFailed records a request that never acquired the identifier lock.
func (s *Service) lockFailed(ctx context.Context, op models.AuditOperation, identifierHash string, lockErr error) error {
	err := fmt.Errorf("failed to lock identifier: %w", lockErr)
	metrics.GDPRRequests.WithLabelValues(string(op), StatusFailed).Inc()
	if auditErr := s.audit(ctx, op, identifierHash, StatusFailed, err.Error()); auditErr != nil {
		return errors.Join(err, auditErr)
	}
	return err
}

func (s *Service) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, error) {
	return s.records.ListAudit(ctx, f)
}

// mapKeys lists every stored map blob for an identifier, plus keys recorded
// on conversations in case a map was stored under another prefix.
func (s *Service) mapKeys(ctx context.Context, identifierHash string, convs []models.Conversation) ([]string, error) {
	objs, err := s.blobs.List(ctx, blob.IdentifierPrefix(s.mapPrefix, identifierHash))
	if err != nil {
		return nil, fmt.Errorf("failed to list anonymization maps: %w", err)
	}

	seen := make(map[string]bool, len(objs))
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		seen[o.Key] = true
		keys = append(keys, o.Key)
	}
	for _, c := range convs {
		if c.MapKey != "" && !seen[c.MapKey] {
			seen[c.MapKey] = true
			keys = append(keys, c.MapKey)
		}
	}
	return keys, nil
}
