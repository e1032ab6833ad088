package gdpr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/retry"
)

var errResidualData = errors.New("data still present after erasure")

// ErasureOutcome reports what an erasure removed. Status is partial when
// some artifacts could not be removed; the identifier is then queued for
// RetryPendingErasures.
type ErasureOutcome struct {
	IdentifierHash string               `json:"identifier_hash"`
	Status         string               `json:"status"`
	Deleted        models.ErasureCounts `json:"deleted"`
	MapsDeleted    int                  `json:"maps_deleted"`
	VectorsDeleted int                  `json:"vectors_deleted"`
	Attempts       int                  `json:"attempts"`
	Error          string               `json:"error,omitempty"`
	CompletedAt    time.Time            `json:"completed_at"`
}

// HandleErasureRequest removes every artifact for the subject: vectors, then
// map blobs, then records in one transaction, then verifies nothing is left.
// Repeating a completed erasure is a no-op that completes again.
func (s *Service) HandleErasureRequest(ctx context.Context, req Request) (*ErasureOutcome, error) {
	identifierHash, err := s.hash(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		metrics.GDPRDuration.WithLabelValues("erasure").Observe(time.Since(start).Seconds())
	}()

	unlock, err := s.locker.Lock(ctx, identifierHash)
	if err != nil {
		return nil, s.lockFailed(ctx, models.AuditErasure, identifierHash, err)
	}
	defer unlock()

	outcome := s.erase(ctx, identifierHash)

	if err := s.audit(ctx, models.AuditErasure, identifierHash, outcome.Status, erasureDetail(outcome)); err != nil {
		return outcome, err
	}
	metrics.GDPRRequests.WithLabelValues("erasure", outcome.Status).Inc()

	if ctx.Err() != nil {
		return outcome, ctx.Err()
	}
	return outcome, nil
}

// erase runs the erasure steps under the retry policy. Deleted artifacts are
// never restored; a failed pass leaves the identifier queued.
func (s *Service) erase(ctx context.Context, identifierHash string) *ErasureOutcome {
	outcome := &ErasureOutcome{IdentifierHash: identifierHash}

	err := retry.Do(ctx, s.retry.WithOperation("erasure"), func() error {
		outcome.Attempts++
		return s.eraseOnce(ctx, identifierHash, outcome)
	})

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	outcome.CompletedAt = s.now()
	if err != nil {
		outcome.Status = StatusPartial
		outcome.Error = err.Error()
		if qerr := s.records.EnqueueErasure(bg, identifierHash, err.Error()); qerr != nil {
			s.log.Error("Failed to queue pending erasure",
				zap.String("identifier_hash", identifierHash),
				zap.Error(qerr),
			)
		}
		s.log.Warn("Erasure incomplete",
			zap.String("identifier_hash", identifierHash),
			zap.Int("attempts", outcome.Attempts),
			zap.Error(err),
		)
	} else {
		outcome.Status = StatusCompleted
		if rerr := s.records.ResolveErasure(bg, identifierHash); rerr != nil {
			s.log.Warn("Failed to clear pending erasure", zap.String("identifier_hash", identifierHash), zap.Error(rerr))
		}
		s.log.Info("Erasure completed",
			zap.String("identifier_hash", identifierHash),
			zap.Int("records", outcome.Deleted.Total()),
			zap.Int("maps", outcome.MapsDeleted),
			zap.Int("vectors", outcome.VectorsDeleted),
		)
	}

	s.refreshPendingGauge(bg)
	return outcome
}

func (s *Service) eraseOnce(ctx context.Context, identifierHash string, outcome *ErasureOutcome) error {
	approved, err := s.records.ApprovedByIdentifier(ctx, identifierHash)
	if err != nil {
		return err
	}
	if s.vectors != nil && len(approved) > 0 {
		ids := make([]string, len(approved))
		for i, r := range approved {
			ids[i] = r.ID
		}
		if err := s.vectors.Delete(ctx, ids); err != nil {
			return fmt.Errorf("failed to delete vectors: %w", err)
		}
		outcome.VectorsDeleted += len(ids)
	}

	convs, err := s.records.ConversationsByIdentifier(ctx, identifierHash)
	if err != nil {
		return err
	}
	keys, err := s.mapKeys(ctx, identifierHash, convs)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete anonymization map: %w", err)
		}
		outcome.MapsDeleted++
	}

	counts, err := s.records.EraseIdentifier(ctx, identifierHash)
	if err != nil {
		return err
	}
	outcome.Deleted.Conversations += counts.Conversations
	outcome.Deleted.ApprovedResponses += counts.ApprovedResponses
	outcome.Deleted.Feedback += counts.Feedback

	return s.verify(ctx, identifierHash)
}

func (s *Service) verify(ctx context.Context, identifierHash string) error {
	left, err := s.records.CountByIdentifier(ctx, identifierHash)
	if err != nil {
		return err
	}
	keys, err := s.mapKeys(ctx, identifierHash, nil)
	if err != nil {
		return err
	}
	if left.Total() > 0 || len(keys) > 0 {
		return fmt.Errorf("%w: %d records, %d maps", errResidualData, left.Total(), len(keys))
	}
	return nil
}

// RetryPendingErasures re-runs queued erasures and reports how many
// completed. Each pass is audited as a background retry.
func (s *Service) RetryPendingErasures(ctx context.Context) (int, error) {
	pending, err := s.records.PendingErasures(ctx)
	if err != nil {
		return 0, err
	}

	completed := 0
	var errs []error
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return completed, err
		}

		unlock, err := s.locker.Lock(ctx, p.IdentifierHash)
		if err != nil {
			return completed, err
		}
		outcome := s.erase(ctx, p.IdentifierHash)
		unlock()

		detail := "background retry; " + erasureDetail(outcome)
		if err := s.audit(ctx, models.AuditErasure, p.IdentifierHash, outcome.Status, detail); err != nil {
			errs = append(errs, err)
		}
		metrics.GDPRRequests.WithLabelValues("erasure_retry", outcome.Status).Inc()

		if outcome.Status == StatusCompleted {
			completed++
		} else {
			errs = append(errs, fmt.Errorf("identifier %s: %s", p.IdentifierHash, outcome.Error))
		}
	}
	return completed, errors.Join(errs...)
}

func (s *Service) refreshPendingGauge(ctx context.Context) {
	pending, err := s.records.PendingErasures(ctx)
	if err != nil {
		return
	}
	metrics.PendingErasures.Set(float64(len(pending)))
}

func erasureDetail(o *ErasureOutcome) string {
	return fmt.Sprintf("conversations=%d approved=%d feedback=%d maps=%d vectors=%d attempts=%d",
		o.Deleted.Conversations, o.Deleted.ApprovedResponses, o.Deleted.Feedback,
		o.MapsDeleted, o.VectorsDeleted, o.Attempts)
}
