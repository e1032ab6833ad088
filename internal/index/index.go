// Package index maintains the searchable store of approved responses and
// answers similarity queries against it.
package index

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/anonymizer"
	"github.com/voice-agent/privacy-core/internal/llm"
	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/internal/vector"
	"github.com/voice-agent/privacy-core/pkg/logger"
	"github.com/voice-agent/privacy-core/pkg/retry"
)

var (
	// ErrRetryable marks failures of the embedding or similarity backends.
	// The caller may retry later; nothing was partially written.
	ErrRetryable     = errors.New("index backend temporarily unavailable")
	// ErrRejected marks approvals no retry can index, such as an embedding
	// request the provider refuses or a vector of the wrong size.
	ErrRejected      = errors.New("approval cannot be indexed")
	ErrTurnNotFound  = errors.New("conversation turn not found")
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	ErrQueueFull     = errors.New("approval queue is full")
)

// Records is the part of the record store the index reads and writes.
type Records interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpsertApprovedResponse(ctx context.Context, r *models.ApprovedResponse) error
	GetApprovedResponses(ctx context.Context, ids []string) (map[string]*models.ApprovedResponse, error)
	IncrementUsage(ctx context.Context, id string) error
	MarkFeedbackApproved(ctx context.Context, conversationID string, turn int) error
}

type ApproveRequest struct {
	ConversationID    string   `json:"conversation_id"`
	TurnNumber        int      `json:"turn_number"`
	CorrectedResponse string   `json:"corrected_response"`
	Rating            int      `json:"rating"`
	Tags              []string `json:"tags"`
}

// Match is a retrieved approved response with its cosine similarity.
type Match struct {
	Response   models.ApprovedResponse `json:"response"`
	Similarity float32                 `json:"similarity"`
}

const (
	// candidateFactor is how many hits are fetched per requested result.
	candidateFactor = 4
	maxCandidates   = 1024
)

type Config struct {
	Records      Records
	Vectors      vector.Store
	Embedder     llm.Embedder
	Anonymizer   *anonymizer.Anonymizer
	Timeout      time.Duration
	UsageWorkers int
	QueueSize    int
	Retry        retry.Config

	// RequeueDelay is the wait before a queued approval that is still
	// failing with ErrRetryable is tried again. It doubles per pass up to
	// RequeueMaxDelay.
	RequeueDelay    time.Duration
	RequeueMaxDelay time.Duration
	Now             func() time.Time
}

type Index struct {
	records    Records
	vectors    vector.Store
	embedder   llm.Embedder
	anonymizer *anonymizer.Anonymizer
	timeout    time.Duration
	retry      retry.Config
	now        func() time.Time
	log        *zap.Logger

	usageSem chan struct{}
	usageWG  sync.WaitGroup

	queue           chan queuedApproval
	waiting         atomic.Int64
	requeueDelay    time.Duration
	requeueMaxDelay time.Duration
}

func New(cfg Config) *Index {
	if cfg.Anonymizer == nil {
		cfg.Anonymizer = anonymizer.New(nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1500 * time.Millisecond
	}
	if cfg.UsageWorkers <= 0 {
		cfg.UsageWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 5 * time.Second
	}
	if cfg.RequeueMaxDelay < cfg.RequeueDelay {
		cfg.RequeueMaxDelay = max(5*time.Minute, cfg.RequeueDelay)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Index{
		records:    cfg.Records,
		vectors:    cfg.Vectors,
		embedder:   cfg.Embedder,
		anonymizer: cfg.Anonymizer,
		timeout:    cfg.Timeout,
		retry:      cfg.Retry.WithOperation("approve"),
		now:        cfg.Now,
		log:        logger.Named("index"),
		usageSem:   make(chan struct{}, cfg.UsageWorkers),

		queue:           make(chan queuedApproval, cfg.QueueSize),
		requeueDelay:    cfg.RequeueDelay,
		requeueMaxDelay: cfg.RequeueMaxDelay,
	}
}

// ApprovedID is the stable id of the approved response for a turn, so
// approving the same turn twice updates one entry.
func ApprovedID(conversationID string, turn int) string {
	return fmt.Sprintf("approved-%s-turn%d", conversationID, turn)
}

// Approve indexes a sealed conversation turn as an approved response.
func (i *Index) Approve(ctx context.Context, req ApproveRequest) (string, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return "", ErrInvalidRating
	}

	conv, err := i.records.GetConversation(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("%w: conversation %s", ErrTurnNotFound, req.ConversationID)
		}
		return "", err
	}
	turn, ok := conv.Turn(req.TurnNumber)
	if !ok {
		return "", fmt.Errorf("%w: conversation %s turn %d", ErrTurnNotFound, req.ConversationID, req.TurnNumber)
	}

	// Reviewer corrections are free text and may themselves carry PII.
	corrected := turn.BotResponse
	if req.CorrectedResponse != "" {
		corrected = i.anonymizer.Anonymize(req.CorrectedResponse, anonymizer.NewState(conv.ID)).Text
	}

	embedding, err := i.embedder.Embed(ctx, turn.UserMessage+"\n"+corrected)
	if err != nil {
		if errors.Is(err, llm.ErrRejected) || errors.Is(err, llm.ErrEmptyInput) {
			metrics.Approvals.WithLabelValues("rejected").Inc()
			return "", fmt.Errorf("%w: %w", ErrRejected, err)
		}
		metrics.Approvals.WithLabelValues("retryable").Inc()
		return "", fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	id := ApprovedID(conv.ID, turn.TurnNumber)
	approvedAt := i.now()

	err = retry.Do(ctx, i.retry, func() error {
		err := i.vectors.Upsert(ctx, id, embedding, vector.Metadata{
			ConversationID: conv.ID,
			IdentifierHash: conv.IdentifierHash,
			Rating:         req.Rating,
			ApprovedAt:     approvedAt.UnixMilli(),
		})
		if errors.Is(err, vector.ErrDimensionMismatch) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, vector.ErrDimensionMismatch) {
			metrics.Approvals.WithLabelValues("rejected").Inc()
			return "", fmt.Errorf("%w: %w", ErrRejected, err)
		}
		metrics.Approvals.WithLabelValues("retryable").Inc()
		return "", fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	record := &models.ApprovedResponse{
		ID:                id,
		ConversationID:    conv.ID,
		TurnNumber:        turn.TurnNumber,
		UserMessage:       turn.UserMessage,
		BotResponse:       turn.BotResponse,
		CorrectedResponse: corrected,
		Rating:            req.Rating,
		Tags:              req.Tags,
		Embedding:         embedding,
		ApprovedAt:        approvedAt,
		IdentifierHash:    conv.IdentifierHash,
	}
	if err := i.records.UpsertApprovedResponse(ctx, record); err != nil {
		metrics.Approvals.WithLabelValues("failed").Inc()
		return "", err
	}

	if err := i.records.MarkFeedbackApproved(ctx, conv.ID, turn.TurnNumber); err != nil {
		i.log.Warn("Failed to flag feedback as approved", zap.String("id", id), zap.Error(err))
	}

	metrics.Approvals.WithLabelValues("approved").Inc()
	i.log.Info("Response approved", zap.String("id", id), zap.Int("rating", req.Rating))
	return id, nil
}

// RetrieveSimilar returns up to topK approved responses whose similarity to
// query is at least minSimilarity, best first. Usage of every returned
// response is incremented once, asynchronously. On timeout or backend
// failure it returns no results and an error wrapping ErrRetryable.
func (i *Index) RetrieveSimilar(ctx context.Context, query string, topK int, minSimilarity float32) ([]Match, error) {
	return i.lookup(ctx, query, topK, minSimilarity, true)
}

// Preview runs the same lookup as RetrieveSimilar without counting usage,
// for reviewers inspecting what the agent would be given.
func (i *Index) Preview(ctx context.Context, query string, topK int, minSimilarity float32) ([]Match, error) {
	return i.lookup(ctx, query, topK, minSimilarity, false)
}

func (i *Index) lookup(ctx context.Context, query string, topK int, minSimilarity float32, countUsage bool) ([]Match, error) {
	start := time.Now()
	matches, err := i.retrieve(ctx, query, topK, minSimilarity)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RetrievalDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		i.log.Warn("Retrieval degraded", zap.Error(err))
		return nil, err
	}

	metrics.RetrievalResultsCount.Observe(float64(len(matches)))
	if countUsage {
		for _, m := range matches {
			i.recordUsage(m.Response.ID)
		}
	}
	return matches, nil
}

func (i *Index) retrieve(ctx context.Context, query string, topK int, minSimilarity float32) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	anonymized := i.anonymizer.Anonymize(query, anonymizer.NewState("")).Text

	embedding, err := i.embedder.Embed(ctx, anonymized)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	hits, err := i.candidates(ctx, embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	ids := make([]string, 0, len(hits))
	scores := make(map[string]float32, len(hits))
	for _, h := range hits {
		if h.Score >= minSimilarity {
			ids = append(ids, h.ID)
			scores[h.ID] = h.Score
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	records, err := i.records.GetApprovedResponses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
	}

	matches := make([]Match, 0, len(ids))
	for _, id := range ids {
		r, ok := records[id]
		if !ok {
			continue
		}
		resp := *r
		resp.Embedding = nil
		matches = append(matches, Match{Response: resp, Similarity: scores[id]})
	}

	SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// candidates searches past topK until every hit tied with the topK-th score
// is in hand. Stores order equal scores arbitrarily, so cutting at topK would
// let the store rather than rating and approval time pick among ties.
func (i *Index) candidates(ctx context.Context, vec []float32, topK int) ([]vector.Match, error) {
	limit := min(topK*candidateFactor, maxCandidates)
	for {
		hits, err := i.vectors.Search(ctx, vec, limit)
		if err != nil {
			return nil, err
		}
		if len(hits) < limit || len(hits) <= topK || limit >= maxCandidates ||
			hits[len(hits)-1].Score < hits[topK-1].Score {
			return hits, nil
		}
		limit = min(limit*2, maxCandidates)
	}
}

// SortMatches orders by similarity, then rating, then earlier approval.
func SortMatches(matches []Match) {
	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Response.Rating, a.Response.Rating); c != 0 {
			return c
		}
		if c := a.Response.ApprovedAt.Compare(b.Response.ApprovedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Response.ID, b.Response.ID)
	})
}

// recordUsage increments usage off the request path, with at most
// UsageWorkers increments in flight.
func (i *Index) recordUsage(id string) {
	i.usageWG.Add(1)
	go func() {
		defer i.usageWG.Done()

		i.usageSem <- struct{}{}
		defer func() { <-i.usageSem }()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := i.records.IncrementUsage(ctx, id); err != nil {
			metrics.UsageIncrements.WithLabelValues("failed").Inc()
			i.log.Warn("Failed to increment usage", zap.String("id", id), zap.Error(err))
			return
		}
		metrics.UsageIncrements.WithLabelValues("ok").Inc()
	}()
}

// Drain waits for in-flight usage increments.
func (i *Index) Drain() {
	i.usageWG.Wait()
}
