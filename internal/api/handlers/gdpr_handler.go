package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/gdpr"
	"github.com/voice-agent/privacy-core/internal/middleware/auth"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

type DataSubjectService interface {
	HandleAccessRequest(ctx context.Context, req gdpr.Request) (*gdpr.AccessPackage, error)
	HandleErasureRequest(ctx context.Context, req gdpr.Request) (*gdpr.ErasureOutcome, error)
	ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, error)
}

type GDPRHandler struct {
	svc DataSubjectService
}

func NewGDPRHandler(svc DataSubjectService) *GDPRHandler {
	return &GDPRHandler{svc: svc}
}

func (h *GDPRHandler) Access(c *fiber.Ctx) error {
	req, err := parseRequest(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}

	pkg, err := h.svc.HandleAccessRequest(c.Context(), req)
	if err != nil {
		return h.fail(c, "access", err)
	}

	logger.Info("Access request served",
		zap.String("identifier_hash", pkg.IdentifierHash),
		zap.String("status", pkg.Status),
		zap.String("requested_by", auth.Subject(c)),
	)
	return c.JSON(pkg)
}

// Erasure returns 200 when everything was removed and 202 when a partial
// erasure was queued for background retry.
func (h *GDPRHandler) Erasure(c *fiber.Ctx) error {
	req, err := parseRequest(c)
	if err != nil {
		return badRequest(c, "Invalid request body")
	}

	outcome, err := h.svc.HandleErasureRequest(c.Context(), req)
	if err != nil && outcome == nil {
		return h.fail(c, "erasure", err)
	}
	if err != nil {
		logger.Warn("Erasure finished with error", zap.String("identifier_hash", outcome.IdentifierHash), zap.Error(err))
	}

	logger.Info("Erasure request served",
		zap.String("identifier_hash", outcome.IdentifierHash),
		zap.String("status", outcome.Status),
		zap.String("requested_by", auth.Subject(c)),
	)

	status := fiber.StatusOK
	if outcome.Status != gdpr.StatusCompleted {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(outcome)
}

func (h *GDPRHandler) ListAudit(c *fiber.Ctx) error {
	f := models.AuditFilter{
		Operation: models.AuditOperation(c.Query("operation")),
		Limit:     c.QueryInt("limit", 100),
	}
	switch f.Operation {
	case "", models.AuditAccess, models.AuditErasure, models.AuditRetention:
	default:
		return badRequest(c, "operation must be access, erasure or retention")
	}

	var err error
	if f.Since, err = queryTime(c, "since"); err != nil {
		return badRequest(c, "since must be an RFC 3339 timestamp")
	}
	if f.Until, err = queryTime(c, "until"); err != nil {
		return badRequest(c, "until must be an RFC 3339 timestamp")
	}

	entries, err := h.svc.ListAudit(c.Context(), f)
	if err != nil {
		logger.Error("Failed to list audit log", zap.Error(err))
		return internalError(c, "Failed to list audit log")
	}

	return c.JSON(fiber.Map{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *GDPRHandler) fail(c *fiber.Ctx, op string, err error) error {
	switch {
	case errors.Is(err, gdpr.ErrInvalidRequest):
		return badRequest(c, err.Error())
	case errors.Is(err, gdpr.ErrVaultUnavailable):
		logger.Error("Data subject request failed closed", zap.String("operation", op), zap.Error(err))
		return unavailable(c, "Encryption vault unavailable")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "Request timed out"})
	default:
		logger.Error("Data subject request failed", zap.String("operation", op), zap.Error(err))
		return internalError(c, "Failed to process request")
	}
}

func parseRequest(c *fiber.Ctx) (gdpr.Request, error) {
	var req gdpr.Request
	err := c.BodyParser(&req)
	return req, err
}
