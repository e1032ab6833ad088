package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/index"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

// ApprovedIndex is the approved-response index as used by reviewers and the
// session surface.
type ApprovedIndex interface {
	Approve(ctx context.Context, req index.ApproveRequest) (string, error)
	Submit(req index.ApproveRequest) error
	RetrieveSimilar(ctx context.Context, query string, topK int, minSimilarity float32) ([]index.Match, error)
	Preview(ctx context.Context, query string, topK int, minSimilarity float32) ([]index.Match, error)
}

type ReviewHandler struct {
	index         ApprovedIndex
	topK          int
	minSimilarity float32
}

func NewReviewHandler(idx ApprovedIndex, topK int, minSimilarity float32) *ReviewHandler {
	return &ReviewHandler{index: idx, topK: topK, minSimilarity: minSimilarity}
}

// ApproveTurn promotes a reviewed turn into the index. When the embedding or
// similarity backend is down the approval is queued and 202 is returned.
func (h *ReviewHandler) ApproveTurn(c *fiber.Ctx) error {
	turn, err := c.ParamsInt("turn")
	if err != nil {
		return badRequest(c, "turn must be a number")
	}

	var body struct {
		CorrectedResponse string   `json:"corrected_response"`
		Rating            int      `json:"rating"`
		Tags              []string `json:"tags"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "Invalid request body")
	}

	req := index.ApproveRequest{
		ConversationID:    c.Params("id"),
		TurnNumber:        turn,
		CorrectedResponse: body.CorrectedResponse,
		Rating:            body.Rating,
		Tags:              body.Tags,
	}

	id, err := h.index.Approve(c.Context(), req)
	switch {
	case err == nil:
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id, "status": "approved"})
	case errors.Is(err, index.ErrInvalidRating):
		return badRequest(c, "rating must be between 1 and 5")
	case errors.Is(err, index.ErrTurnNotFound):
		return notFound(c, "Turn not found")
	case errors.Is(err, index.ErrRejected):
		logger.Warn("Approval rejected by the embedding backend",
			zap.String("conversation_id", req.ConversationID),
			zap.Int("turn", turn),
			zap.Error(err),
		)
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "Turn cannot be indexed"})
	case errors.Is(err, index.ErrRetryable):
		if qerr := h.index.Submit(req); qerr != nil {
			logger.Warn("Approval queue rejected request",
				zap.String("conversation_id", req.ConversationID),
				zap.Int("turn", turn),
				zap.Error(qerr),
			)
			return unavailable(c, "Index temporarily unavailable, retry later")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"id":     index.ApprovedID(req.ConversationID, turn),
			"status": "queued",
		})
	default:
		logger.Error("Failed to approve turn",
			zap.String("conversation_id", req.ConversationID),
			zap.Int("turn", turn),
			zap.Error(err),
		)
		return internalError(c, "Failed to approve turn")
	}
}

// SearchPreview shows what the agent would retrieve for a query, without
// counting usage. Results are empty, not an error, when the backends are
// degraded.
func (h *ReviewHandler) SearchPreview(c *fiber.Ctx) error {
	query := c.Query("q")
	if query == "" {
		return badRequest(c, "q is required")
	}

	topK := c.QueryInt("top_k", h.topK)
	if topK < 1 || topK > 50 {
		return badRequest(c, "top_k must be between 1 and 50")
	}

	minSimilarity := h.minSimilarity
	if c.Query("min_similarity") != "" {
		f := c.QueryFloat("min_similarity", -2)
		if f < -1 || f > 1 {
			return badRequest(c, "min_similarity must be within [-1, 1]")
		}
		minSimilarity = float32(f)
	}

	matches, err := h.index.Preview(c.Context(), query, topK, minSimilarity)
	degraded := err != nil
	if degraded {
		logger.Warn("Retrieval degraded", zap.Error(err))
	}
	if matches == nil {
		matches = []index.Match{}
	}

	return c.JSON(fiber.Map{
		"matches":  matches,
		"count":    len(matches),
		"degraded": degraded,
	})
}
