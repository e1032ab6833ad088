package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/anonymizer"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

// ConversationStore is the part of the record store the review dashboard reads.
type ConversationStore interface {
	ListConversations(ctx context.Context, f models.ConversationFilter) ([]models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	StoreFeedback(ctx context.Context, f *models.Feedback) error
	FeedbackByConversation(ctx context.Context, conversationID string) ([]models.Feedback, error)
}

type ConversationHandler struct {
	store      ConversationStore
	anonymizer *anonymizer.Anonymizer
	now        func() time.Time
}

func NewConversationHandler(store ConversationStore, anon *anonymizer.Anonymizer) *ConversationHandler {
	if anon == nil {
		anon = anonymizer.New(nil)
	}
	return &ConversationHandler{
		store:      store,
		anonymizer: anon,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *ConversationHandler) ListConversations(c *fiber.Ctx) error {
	f := models.ConversationFilter{
		Channel: models.Channel(c.Query("channel")),
		Limit:   c.QueryInt("limit", 50),
		Offset:  c.QueryInt("offset", 0),
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return badRequest(c, "channel must be phone or web")
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

	convs, err := h.store.ListConversations(c.Context(), f)
	if err != nil {
		logger.Error("Failed to list conversations", zap.Error(err))
		return internalError(c, "Failed to list conversations")
	}

	return c.JSON(fiber.Map{
		"conversations": convs,
		"count":         len(convs),
		"limit":         f.Limit,
		"offset":        f.Offset,
	})
}

func (h *ConversationHandler) GetConversation(c *fiber.Ctx) error {
	id := c.Params("id")

	conv, err := h.store.GetConversation(c.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return notFound(c, "Conversation not found")
	}
	if err != nil {
		logger.Error("Failed to get conversation", zap.String("conversation_id", id), zap.Error(err))
		return internalError(c, "Failed to get conversation")
	}

	feedback, err := h.store.FeedbackByConversation(c.Context(), id)
	if err != nil {
		logger.Error("Failed to get feedback", zap.String("conversation_id", id), zap.Error(err))
		return internalError(c, "Failed to get conversation")
	}

	return c.JSON(fiber.Map{
		"conversation": conv,
		"feedback":     feedback,
	})
}

// SubmitFeedback stores a reviewer's rating of one turn. Free text is
// anonymized before it is stored since reviewers may paste caller details.
func (h *ConversationHandler) SubmitFeedback(c *fiber.Ctx) error {
	id := c.Params("id")
	turn, err := c.ParamsInt("turn")
	if err != nil {
		return badRequest(c, "turn must be a number")
	}

	var req struct {
		Rating            int      `json:"rating"`
		Tags              []string `json:"tags"`
		Comment           string   `json:"comment"`
		CorrectedResponse string   `json:"corrected_response"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.Rating < 1 || req.Rating > 5 {
		return badRequest(c, "rating must be between 1 and 5")
	}

	conv, err := h.store.GetConversation(c.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return notFound(c, "Conversation not found")
	}
	if err != nil {
		logger.Error("Failed to get conversation", zap.String("conversation_id", id), zap.Error(err))
		return internalError(c, "Failed to store feedback")
	}
	if _, ok := conv.Turn(turn); !ok {
		return notFound(c, "Turn not found")
	}

	state := anonymizer.NewState(id)
	fb := &models.Feedback{
		ID:                uuid.NewString(),
		ConversationID:    id,
		TurnNumber:        turn,
		Rating:            req.Rating,
		Tags:              req.Tags,
		Comment:           h.anonymizer.Anonymize(req.Comment, state).Text,
		CorrectedResponse: h.anonymizer.Anonymize(req.CorrectedResponse, state).Text,
		IdentifierHash:    conv.IdentifierHash,
		CreatedAt:         h.now(),
	}
	if fb.Tags == nil {
		fb.Tags = []string{}
	}

	if err := h.store.StoreFeedback(c.Context(), fb); err != nil {
		logger.Error("Failed to store feedback", zap.String("conversation_id", id), zap.Error(err))
		return internalError(c, "Failed to store feedback")
	}

	logger.Info("Feedback stored",
		zap.String("conversation_id", id),
		zap.Int("turn", turn),
		zap.Int("rating", req.Rating),
	)

	return c.Status(fiber.StatusCreated).JSON(fb)
}

func queryTime(c *fiber.Ctx, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
