package validation

import (
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/pkg/identity"
)

type Config struct {
	MaxIdentifierLength int
	MaxTextLength       int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects malformed bodies before they reach a handler. GDPR
// requests carry a raw identifier, so failures here never log the body.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxIdentifierLength == 0 {
		cfg.MaxIdentifierLength = 320
	}
	if cfg.MaxTextLength == 0 {
		cfg.MaxTextLength = 10000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		path := c.Path()

		if strings.Contains(path, "/gdpr/") {
			var req struct {
				Identifier     string `json:"identifier"`
				IdentifierType string `json:"identifier_type"`
			}
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "Invalid JSON format")
			}

			req.Identifier = sanitizeString(req.Identifier)
			if req.Identifier == "" {
				return badRequest(c, "identifier is required")
			}
			if len(req.Identifier) > cfg.MaxIdentifierLength {
				return badRequest(c, "identifier exceeds maximum length")
			}
			if _, err := identity.ParseType(req.IdentifierType); err != nil {
				cfg.Logger.Warn("Rejected data subject request",
					zap.String("ip", c.IP()),
					zap.String("path", path),
					zap.String("reason", "identifier_type"),
				)
				return badRequest(c, "identifier_type must be phone, email or session")
			}
		}

		if strings.HasSuffix(path, "/feedback") || strings.HasSuffix(path, "/approve") {
			var req struct {
				Rating            int    `json:"rating"`
				Comment           string `json:"comment"`
				CorrectedResponse string `json:"corrected_response"`
			}
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "Invalid JSON format")
			}
			if req.Rating < 1 || req.Rating > 5 {
				return badRequest(c, "rating must be between 1 and 5")
			}
			for _, s := range []string{req.Comment, req.CorrectedResponse} {
				if !utf8.ValidString(s) {
					return badRequest(c, "text must be valid UTF-8")
				}
				if utf8.RuneCountInString(s) > cfg.MaxTextLength {
					return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
						"error": "text exceeds maximum length",
					})
				}
			}
		}

		return c.Next()
	}
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.HasPrefix(strings.ToLower(contentType), t) {
			return true
		}
	}
	return false
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	return strings.ReplaceAll(input, "\x00", "")
}
