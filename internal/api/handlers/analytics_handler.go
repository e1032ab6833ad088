package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/analytics"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

type AnalyticsHandler struct {
	svc *analytics.Service
}

func NewAnalyticsHandler(svc *analytics.Service) *AnalyticsHandler {
	return &AnalyticsHandler{svc: svc}
}

func (h *AnalyticsHandler) Dashboard(c *fiber.Ctx) error {
	days := c.QueryInt("days", 30)
	if days < 1 || days > 365 {
		return badRequest(c, "days must be between 1 and 365")
	}

	d, err := h.svc.Dashboard(c.Context(), days)
	if err != nil {
		logger.Error("Failed to build dashboard", zap.Error(err))
		return internalError(c, "Failed to build dashboard")
	}
	return c.JSON(d)
}

func (h *AnalyticsHandler) Conversations(c *fiber.Ctx) error {
	since, until, err := period(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	sum, err := h.svc.ConversationSummary(c.Context(), since, until)
	if err != nil {
		logger.Error("Failed to summarize conversations", zap.Error(err))
		return internalError(c, "Failed to summarize conversations")
	}
	return c.JSON(sum)
}

func (h *AnalyticsHandler) Feedback(c *fiber.Ctx) error {
	since, until, err := period(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	sum, err := h.svc.FeedbackSummary(c.Context(), since, until)
	if err != nil {
		logger.Error("Failed to summarize feedback", zap.Error(err))
		return internalError(c, "Failed to summarize feedback")
	}
	return c.JSON(sum)
}

func (h *AnalyticsHandler) Trends(c *fiber.Ctx) error {
	trends, err := h.svc.QualityTrends(c.Context(), c.QueryInt("days", 30), c.QueryInt("interval", 7))
	if err != nil {
		logger.Error("Failed to compute quality trends", zap.Error(err))
		return internalError(c, "Failed to compute quality trends")
	}
	return c.JSON(trends)
}

func (h *AnalyticsHandler) Approved(c *fiber.Ctx) error {
	sum, err := h.svc.ApprovedSummary(c.Context())
	if err != nil {
		logger.Error("Failed to summarize approved responses", zap.Error(err))
		return internalError(c, "Failed to summarize approved responses")
	}
	return c.JSON(sum)
}

func (h *AnalyticsHandler) Evaluations(c *fiber.Ctx) error {
	since, until, err := period(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	sum, err := h.svc.EvaluationSummary(c.Context(), since, until)
	if err != nil {
		logger.Error("Failed to summarize evaluations", zap.Error(err))
		return internalError(c, "Failed to summarize evaluations")
	}
	return c.JSON(sum)
}

// period reads since/until, defaulting to the last 30 days.
func period(c *fiber.Ctx) (time.Time, time.Time, error) {
	until, err := queryTime(c, "until")
	if err != nil {
		return time.Time{}, time.Time{}, fiber.NewError(fiber.StatusBadRequest, "until must be an RFC 3339 timestamp")
	}
	if until.IsZero() {
		until = time.Now().UTC()
	}
	since, err := queryTime(c, "since")
	if err != nil {
		return time.Time{}, time.Time{}, fiber.NewError(fiber.StatusBadRequest, "since must be an RFC 3339 timestamp")
	}
	if since.IsZero() {
		since = until.AddDate(0, 0, -30)
	}
	if since.After(until) {
		return time.Time{}, time.Time{}, fiber.NewError(fiber.StatusBadRequest, "since must not be after until")
	}
	return since, until, nil
}
