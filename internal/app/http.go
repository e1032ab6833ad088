package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/api"
	"github.com/voice-agent/privacy-core/internal/api/handlers"
	"github.com/voice-agent/privacy-core/internal/gdpr"
	"github.com/voice-agent/privacy-core/internal/middleware/auth"
	"github.com/voice-agent/privacy-core/internal/middleware/ratelimit"
	"github.com/voice-agent/privacy-core/internal/middleware/security"
	"github.com/voice-agent/privacy-core/internal/middleware/validation"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

// Authenticator builds the JWT authenticator from configuration.
func (a *App) Authenticator() *auth.Authenticator {
	return auth.New(auth.Config{
		Secret:   []byte(a.Cfg.Auth.JWTSecret),
		Issuer:   a.Cfg.Auth.Issuer,
		Audience: a.Cfg.Auth.Audience,
		Disabled: !a.Cfg.Auth.Enabled,
		Logger:   logger.Named("auth"),
	})
}

// HTTP builds the fiber app serving the admin, GDPR and session surfaces.
func (a *App) HTTP() *fiber.App {
	cfg := a.Cfg
	topK := cfg.Retrieval.TopK
	minSim := float32(cfg.Retrieval.MinSimilarity)

	server := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:             cfg.Server.BodyLimit,
		DisableStartupMessage: true,
	})

	server.Use(recover.New())
	server.Use(requestLogger())
	if len(cfg.Server.AllowedOrigins) > 0 {
		server.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ","),
			AllowHeaders: "Origin, Content-Type, Accept, Authorization",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}
	server.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	gdprLimit := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.GDPRRequestsPerMinute,
		Logger:               logger.Named("ratelimit"),
	})
	adminLimit := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.AdminRequestsPerMinute,
		Logger:               logger.Named("ratelimit"),
	})
	a.closers = append(a.closers, func() error {
		gdprLimit.Stop()
		adminLimit.Stop()
		return nil
	})

	routes := &api.Routes{
		Health: handlers.NewHealthHandler(map[string]handlers.ReadinessCheck{
			"sqlite": a.SQLite.Ping,
			"vault": func(context.Context) error {
				if a.Vault == nil {
					return gdpr.ErrVaultUnavailable
				}
				return nil
			},
		}),
		Conversations: handlers.NewConversationHandler(a.SQLite, a.Anonymizer),
		Review:        handlers.NewReviewHandler(a.Index, topK, minSim),
		Evaluations:   handlers.NewEvaluationHandler(a.SQLite, a.Evaluator),
		Analytics:     handlers.NewAnalyticsHandler(a.Analytics),
		GDPR:          handlers.NewGDPRHandler(a.GDPR),
		Sessions:      handlers.NewSessionHandler(a.Conversations, a.Hasher, a.Index, topK, minSim),
		Auth:          a.Authenticator(),
		Validation:    validation.Middleware(validation.Config{Logger: logger.Named("validation")}),
		GDPRLimit:     gdprLimit,
		AdminLimit:    adminLimit,
	}
	routes.Register(server)

	return server
}

// requestLogger logs method, route and status. Paths and bodies are not
// logged since query strings may carry search text.
func requestLogger() fiber.Handler {
	log := logger.Named("http")
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		log.Info("Request",
			zap.String("method", c.Method()),
			zap.String("route", c.Route().Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		)
		return err
	}
}
