package gdpr

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/storage/models"
)

type PurgeResult struct {
	Conversations int `json:"conversations"`
	Maps          int `json:"maps"`
}

// PurgeExpired deletes conversation records older than the conversation
// horizon and map blobs older than the map horizon, and appends one
// retention audit entry.
func (s *Service) PurgeExpired(ctx context.Context) (PurgeResult, error) {
	var res PurgeResult
	now := s.now()

	n, err := s.records.PurgeConversationsBefore(ctx, now.Add(-s.conversationTTL))
	if err != nil {
		_ = s.audit(ctx, models.AuditRetention, "", StatusFailed, err.Error())
		return res, err
	}
	res.Conversations = n

	mapCutoff := now.Add(-s.mapTTL)
	objs, err := s.blobs.List(ctx, s.mapPrefix+"/")
	if err != nil {
		err = fmt.Errorf("failed to list anonymization maps: %w", err)
		_ = s.audit(ctx, models.AuditRetention, "", StatusPartial, err.Error())
		return res, err
	}
	for _, o := range objs {
		if !o.CreatedAt.Before(mapCutoff) {
			continue
		}
		if err := s.blobs.Delete(ctx, o.Key); err != nil {
			err = fmt.Errorf("failed to delete anonymization map: %w", err)
			_ = s.audit(ctx, models.AuditRetention, "", StatusPartial, err.Error())
			return res, err
		}
		res.Maps++
	}

	detail := fmt.Sprintf("conversations=%d maps=%d", res.Conversations, res.Maps)
	if err := s.audit(ctx, models.AuditRetention, "", StatusCompleted, detail); err != nil {
		return res, err
	}

	s.log.Info("Retention purge finished",
		zap.Int("conversations", res.Conversations),
		zap.Int("maps", res.Maps),
	)
	return res, nil
}
