package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/internal/vector"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

type approvedLister interface {
	ListApprovedResponses(ctx context.Context, minRating, limit int) ([]models.ApprovedResponse, error)
}

// WarmVectors loads the stored embeddings of every approved response into
// store. Entries whose embedding does not fit the store are skipped.
func WarmVectors(ctx context.Context, records approvedLister, store vector.Store) (int, error) {
	approved, err := records.ListApprovedResponses(ctx, 0, 0)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range approved {
		if len(r.Embedding) == 0 {
			continue
		}
		err := store.Upsert(ctx, r.ID, r.Embedding, vector.Metadata{
			ConversationID: r.ConversationID,
			IdentifierHash: r.IdentifierHash,
			Rating:         r.Rating,
			ApprovedAt:     r.ApprovedAt.UnixMilli(),
		})
		if err != nil {
			logger.Warn("Skipping approved response", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
