package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/anonymizer"
	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/internal/storage/blob"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/internal/vault"
	"github.com/voice-agent/privacy-core/pkg/logger"
	"github.com/voice-agent/privacy-core/pkg/retry"
)

// Records is the part of the record store the logger writes to.
type Records interface {
	SaveConversation(ctx context.Context, conv *models.Conversation) error
}

type Config struct {
	Anonymizer *anonymizer.Anonymizer
	// Vault may be nil; every persistence-path call then fails with
	// ErrVaultUnavailable.
	Vault     *vault.Vault
	Records   Records
	Blobs     blob.Store
	MapPrefix string
	Retry     retry.Config
	Now       func() time.Time
	NewID     func() string
}

type sealedConversation struct {
	conv       *models.Conversation
	ciphertext []byte
	blobStored bool
	lastErr    error
}

type Service struct {
	anonymizer *anonymizer.Anonymizer
	vault      *vault.Vault
	records    Records
	blobs      blob.Store
	mapPrefix  string
	retry      retry.Config
	now        func() time.Time
	newID      func() string
	log        *zap.Logger

	mu      sync.Mutex
	pending []*sealedConversation
}

func NewService(cfg Config) *Service {
	if cfg.Anonymizer == nil {
		cfg.Anonymizer = anonymizer.New(nil)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.MapPrefix == "" {
		cfg.MapPrefix = "anonymization-maps"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	return &Service{
		anonymizer: cfg.Anonymizer,
		vault:      cfg.Vault,
		records:    cfg.Records,
		blobs:      cfg.Blobs,
		mapPrefix:  cfg.MapPrefix,
		retry:      cfg.Retry.WithOperation("persist_conversation"),
		now:        cfg.Now,
		newID:      cfg.NewID,
		log:        logger.Named("conversation"),
	}
}

// Start opens a Logger for a new session. identifierHash may be empty for
// anonymous web sessions.
func (s *Service) Start(channel models.Channel, identifierHash string) *Logger {
	l := &Logger{
		svc:            s,
		id:             s.newID(),
		channel:        channel,
		identifierHash: identifierHash,
		startedAt:      s.now(),
	}
	s.log.Debug("Conversation started", zap.String("conversation_id", l.id), zap.String("channel", string(channel)))
	return l
}

// persist writes the map blob before the record, so a stored conversation
// never points at a map that does not exist.
func (s *Service) persist(ctx context.Context, item *sealedConversation) error {
	if item.ciphertext != nil && !item.blobStored {
		err := retry.Do(ctx, s.retry, func() error {
			return s.blobs.Put(ctx, item.conv.MapKey, item.ciphertext, vault.ContentType)
		})
		if err != nil {
			return fmt.Errorf("failed to store anonymization map: %w", err)
		}
		item.blobStored = true
	}

	err := retry.Do(ctx, s.retry, func() error {
		return s.records.SaveConversation(ctx, item.conv)
	})
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *Service) enqueue(item *sealedConversation, err error) {
	item.lastErr = err

	s.mu.Lock()
	s.pending = append(s.pending, item)
	n := len(s.pending)
	s.mu.Unlock()

	metrics.ReconciliationPending.Set(float64(n))
	s.log.Error("Conversation persistence deferred",
		zap.String("conversation_id", item.conv.ID),
		zap.Int("pending", n),
		zap.Error(err),
	)
}

// Pending returns the IDs of sealed conversations waiting to be persisted.
func (s *Service) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.pending))
	for i, item := range s.pending {
		ids[i] = item.conv.ID
	}
	return ids
}

// Reconcile retries every deferred conversation once through the retry
// policy and reports how many were persisted.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	if s.vault == nil {
		return 0, ErrVaultUnavailable
	}

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	var (
		persisted int
		failed    []*sealedConversation
		errs      []error
	)
	for _, item := range batch {
		if err := s.persist(ctx, item); err != nil {
			item.lastErr = err
			failed = append(failed, item)
			errs = append(errs, fmt.Errorf("conversation %s: %w", item.conv.ID, err))
			continue
		}
		persisted++
		metrics.ConversationsSealed.WithLabelValues("reconciled").Inc()
	}

	s.mu.Lock()
	s.pending = append(failed, s.pending...)
	n := len(s.pending)
	s.mu.Unlock()
	metrics.ReconciliationPending.Set(float64(n))

	if persisted > 0 || len(failed) > 0 {
		s.log.Info("Reconciliation pass finished",
			zap.Int("persisted", persisted),
			zap.Int("still_pending", n),
		)
	}
	return persisted, errors.Join(errs...)
}

// Run reconciles on every tick until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("Reconciliation pass incomplete", zap.Error(err))
			}
		}
	}
}
