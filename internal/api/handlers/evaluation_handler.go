package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/evaluation"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

type EvaluationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListEvaluations(ctx context.Context, f models.EvaluationFilter) ([]models.TurnEvaluation, error)
	EvaluationsByConversation(ctx context.Context, conversationID string) ([]models.TurnEvaluation, error)
}

type ConversationEvaluator interface {
	EvaluateAndStore(ctx context.Context, conv *models.Conversation) (*evaluation.ConversationEvaluation, error)
}

type EvaluationHandler struct {
	store     EvaluationStore
	evaluator ConversationEvaluator
}

func NewEvaluationHandler(store EvaluationStore, evaluator ConversationEvaluator) *EvaluationHandler {
	return &EvaluationHandler{store: store, evaluator: evaluator}
}

// ReviewQueue lists evaluated turns most urgent first. Without a priority
// filter only turns that need review are listed, unless all=true.
func (h *EvaluationHandler) ReviewQueue(c *fiber.Ctx) error {
	f := models.EvaluationFilter{
		Priority:    models.Priority(c.Query("priority")),
		NeedsReview: c.Query("priority") == "" && !c.QueryBool("all", false),
		Limit:       c.QueryInt("limit", 50),
		Offset:      c.QueryInt("offset", 0),
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return badRequest(c, "priority must be critical, high, medium or low")
	}
	if f.Limit < 1 || f.Limit > 500 {
		return badRequest(c, "limit must be between 1 and 500")
	}

	var err error
	if f.Since, err = queryTime(c, "since"); err != nil {
		return badRequest(c, "since must be an RFC 3339 timestamp")
	}
	if f.Until, err = queryTime(c, "until"); err != nil {
		return badRequest(c, "until must be an RFC 3339 timestamp")
	}

	evals, err := h.store.ListEvaluations(c.Context(), f)
	if err != nil {
		logger.Error("Failed to list evaluations", zap.Error(err))
		return internalError(c, "Failed to list review queue")
	}
	if evals == nil {
		evals = []models.TurnEvaluation{}
	}

	return c.JSON(fiber.Map{
		"turns":  evals,
		"count":  len(evals),
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (h *EvaluationHandler) ConversationEvaluations(c *fiber.Ctx) error {
	id := c.Params("id")
	evals, err := h.store.EvaluationsByConversation(c.Context(), id)
	if err != nil {
		logger.Error("Failed to get evaluations", zap.String("conversation_id", id), zap.Error(err))
		return internalError(c, "Failed to get evaluations")
	}
	if evals == nil {
		evals = []models.TurnEvaluation{}
	}
	return c.JSON(fiber.Map{"conversation_id": id, "turns": evals})
}

// Evaluate scores every turn of a stored conversation now, replacing any
// earlier evaluation.
func (h *EvaluationHandler) Evaluate(c *fiber.Ctx) error {
	id := c.Params("id")

	conv, err := h.store.GetConversation(c.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return notFound(c, "Conversation not found")
	}
	if err != nil {
		logger.Error("Failed to get conversation", zap.String("conversation_id", id), zap.Error(err))
		return internalError(c, "Failed to get conversation")
	}
	if len(conv.Turns) == 0 {
		return badRequest(c, "Conversation has no turns")
	}

	result, err := h.evaluator.EvaluateAndStore(c.Context(), conv)
	if err != nil {
		logger.Warn("Conversation evaluation failed", zap.String("conversation_id", id), zap.Error(err))
		return unavailable(c, "Evaluation temporarily unavailable, retry later")
	}
	return c.JSON(result)
}
