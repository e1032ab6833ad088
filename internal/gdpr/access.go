package gdpr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voice-agent/privacy-core/internal/anonymizer"
	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/internal/storage/blob"
	"github.com/voice-agent/privacy-core/internal/storage/models"
)

// AccessPackage is everything held about one data subject, with tokens
// restored to the original values. Evaluations are model output over the
// anonymized turns and are returned as stored.
type AccessPackage struct {
	IdentifierHash    string                       `json:"identifier_hash"`
	Status            string                       `json:"status"`
	Conversations     []models.Conversation        `json:"conversations"`
	AnonymizationMaps map[string]map[string]string `json:"anonymization_maps"`
	ApprovedResponses []models.ApprovedResponse    `json:"approved_responses"`
	Feedback          []models.Feedback            `json:"feedback"`
	Evaluations       []models.TurnEvaluation      `json:"evaluations"`
	GeneratedAt       time.Time                    `json:"generated_at"`
}

func (p *AccessPackage) empty() bool {
	return len(p.Conversations) == 0 && len(p.AnonymizationMaps) == 0 &&
		len(p.ApprovedResponses) == 0 && len(p.Feedback) == 0 && len(p.Evaluations) == 0
}

// HandleAccessRequest collects and de-anonymizes every artifact for the
// subject. A subject with no data gets a package with status not_found.
func (s *Service) HandleAccessRequest(ctx context.Context, req Request) (*AccessPackage, error) {
	identifierHash, err := s.hash(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		metrics.GDPRDuration.WithLabelValues("access").Observe(time.Since(start).Seconds())
	}()

	unlock, err := s.locker.Lock(ctx, identifierHash)
	if err != nil {
		return nil, s.lockFailed(ctx, models.AuditAccess, identifierHash, err)
	}
	defer unlock()

	pkg, err := s.collect(ctx, identifierHash)
	if err != nil {
		metrics.GDPRRequests.WithLabelValues("access", StatusFailed).Inc()
		if auditErr := s.audit(ctx, models.AuditAccess, identifierHash, StatusFailed, err.Error()); auditErr != nil {
			return nil, errors.Join(err, auditErr)
		}
		return nil, err
	}

	detail := fmt.Sprintf("conversations=%d maps=%d approved=%d feedback=%d evaluations=%d",
		len(pkg.Conversations), len(pkg.AnonymizationMaps), len(pkg.ApprovedResponses), len(pkg.Feedback),
		len(pkg.Evaluations))
	if err := s.audit(ctx, models.AuditAccess, identifierHash, pkg.Status, detail); err != nil {
		return nil, err
	}

	metrics.GDPRRequests.WithLabelValues("access", pkg.Status).Inc()
	s.log.Info("Access request served",
		zap.String("identifier_hash", identifierHash),
		zap.String("status", pkg.Status),
	)
	return pkg, nil
}

func (s *Service) collect(ctx context.Context, identifierHash string) (*AccessPackage, error) {
	pkg := &AccessPackage{
		IdentifierHash:    identifierHash,
		AnonymizationMaps: make(map[string]map[string]string),
		GeneratedAt:       s.now(),
	}

	var mapObjects []blob.Object

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		convs, err := s.records.ConversationsByIdentifier(gctx, identifierHash)
		pkg.Conversations = convs
		return err
	})
	g.Go(func() error {
		approved, err := s.records.ApprovedByIdentifier(gctx, identifierHash)
		pkg.ApprovedResponses = approved
		return err
	})
	g.Go(func() error {
		feedback, err := s.records.FeedbackByIdentifier(gctx, identifierHash)
		pkg.Feedback = feedback
		return err
	})
	g.Go(func() error {
		evals, err := s.records.EvaluationsByIdentifier(gctx, identifierHash)
		pkg.Evaluations = evals
		return err
	})
	g.Go(func() error {
		objs, err := s.blobs.List(gctx, blob.IdentifierPrefix(s.mapPrefix, identifierHash))
		mapObjects = objs
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to collect subject data: %w", err)
	}

	keys := make([]string, 0, len(mapObjects))
	for _, o := range mapObjects {
		keys = append(keys, o.Key)
	}
	for _, c := range pkg.Conversations {
		if c.MapKey != "" {
			keys = append(keys, c.MapKey)
		}
	}

	mappings := make(map[string]*anonymizer.Mapping)
	for _, key := range keys {
		convID := blob.ConversationIDFromKey(key)
		if _, done := mappings[convID]; done {
			continue
		}
		m, err := s.openMap(ctx, convID, key)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		mappings[convID] = m
		pkg.AnonymizationMaps[convID] = m.Tokens()
	}

	for i := range pkg.Conversations {
		c := &pkg.Conversations[i]
		m := mappings[c.ID]
		if m == nil {
			continue
		}
		for j := range c.Turns {
			if err := restoreTurn(m, &c.Turns[j]); err != nil {
				return nil, fmt.Errorf("conversation %s: %w", c.ID, err)
			}
		}
	}

	for i := range pkg.ApprovedResponses {
		r := &pkg.ApprovedResponses[i]
		r.Embedding = nil
		if m := mappings[r.ConversationID]; m != nil {
			r.UserMessage = restoreOrKeep(m, r.TurnNumber, anonymizer.FieldUser, r.UserMessage)
			r.BotResponse = restoreOrKeep(m, r.TurnNumber, anonymizer.FieldAgent, r.BotResponse)
		}
	}

	if pkg.empty() {
		pkg.Status = StatusNotFound
	} else {
		pkg.Status = StatusFound
	}
	return pkg, nil
}

// openMap fetches and decrypts one map. A blob that vanished between List
// and Get is skipped.
func (s *Service) openMap(ctx context.Context, conversationID, key string) (*anonymizer.Mapping, error) {
	data, _, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read anonymization map: %w", err)
	}
	if s.vault == nil {
		return nil, ErrVaultUnavailable
	}
	m, err := s.vault.Decrypt(conversationID, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt map for conversation %s: %w", conversationID, err)
	}
	return m, nil
}

func restoreTurn(m *anonymizer.Mapping, t *models.Turn) error {
	var err error
	if t.UserMessage, err = m.RestoreField(t.TurnNumber, anonymizer.FieldUser, t.UserMessage); err != nil {
		return err
	}
	if t.BotResponse, err = m.RestoreField(t.TurnNumber, anonymizer.FieldAgent, t.BotResponse); err != nil {
		return err
	}
	if t.SearchQuery != "" {
		if t.SearchQuery, err = m.RestoreField(t.TurnNumber, anonymizer.FieldQuery, t.SearchQuery); err != nil {
			return err
		}
	}
	return nil
}

func restoreOrKeep(m *anonymizer.Mapping, turn int, f anonymizer.Field, text string) string {
	out, err := m.RestoreField(turn, f, text)
	if err != nil {
		return anonymizer.Deanonymize(text, m.Entries)
	}
	return out
}
