// Package api wires the HTTP and websocket surface of the privacy core.
package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/voice-agent/privacy-core/internal/api/handlers"
	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/internal/middleware/auth"
	"github.com/voice-agent/privacy-core/internal/middleware/ratelimit"
	"github.com/voice-agent/privacy-core/internal/middleware/validation"
)

type Routes struct {
	Health        *handlers.HealthHandler
	Conversations *handlers.ConversationHandler
	Review        *handlers.ReviewHandler
	Evaluations   *handlers.EvaluationHandler
	Analytics     *handlers.AnalyticsHandler
	GDPR          *handlers.GDPRHandler
	Sessions      *handlers.SessionHandler

	Auth       *auth.Authenticator
	Validation fiber.Handler
	GDPRLimit  *ratelimit.RateLimiter
	AdminLimit *ratelimit.RateLimiter
}

func (r *Routes) Register(app *fiber.App) {
	if r.Validation == nil {
		r.Validation = validation.Middleware(validation.Config{})
	}

	app.Get("/metrics", metrics.MetricsHandler())

	v1 := app.Group("/api/v1")
	v1.Get("/health", r.Health.Health)
	v1.Get("/ready", r.Health.Ready)

	if r.Sessions != nil {
		sessions := v1.Group("/sessions", r.Auth.Middleware(auth.RoleAgent))
		sessions.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		sessions.Get("/ws", websocket.New(r.Sessions.HandleConnection))
	}

	admin := func(roles []string, h fiber.Handler) []fiber.Handler {
		return []fiber.Handler{r.Auth.Middleware(roles...), limit(r.AdminLimit), r.Validation, h}
	}
	anyStaff := []string{auth.RoleReviewer, auth.RoleAnalyst, auth.RoleDPO}
	reviewers := []string{auth.RoleReviewer}

	v1.Get("/conversations", admin(anyStaff, r.Conversations.ListConversations)...)
	v1.Get("/conversations/:id", admin(anyStaff, r.Conversations.GetConversation)...)
	v1.Post("/conversations/:id/turns/:turn/feedback", admin(anyStaff, r.Conversations.SubmitFeedback)...)
	v1.Post("/conversations/:id/turns/:turn/approve", admin(reviewers, r.Review.ApproveTurn)...)
	v1.Get("/approved/search", admin(reviewers, r.Review.SearchPreview)...)

	if r.Evaluations != nil {
		triage := []string{auth.RoleReviewer, auth.RoleAnalyst}
		v1.Get("/review/queue", admin(triage, r.Evaluations.ReviewQueue)...)
		v1.Get("/conversations/:id/evaluations", admin(anyStaff, r.Evaluations.ConversationEvaluations)...)
		v1.Post("/conversations/:id/evaluate", admin(reviewers, r.Evaluations.Evaluate)...)
	}

	v1.Get("/analytics/dashboard", admin(anyStaff, r.Analytics.Dashboard)...)
	v1.Get("/analytics/conversations", admin(anyStaff, r.Analytics.Conversations)...)
	v1.Get("/analytics/feedback", admin(anyStaff, r.Analytics.Feedback)...)
	v1.Get("/analytics/trends", admin(anyStaff, r.Analytics.Trends)...)
	v1.Get("/analytics/approved", admin(anyStaff, r.Analytics.Approved)...)
	v1.Get("/analytics/evaluations", admin(anyStaff, r.Analytics.Evaluations)...)

	gdpr := v1.Group("/gdpr", r.Auth.Middleware(auth.RoleDPO), limit(r.GDPRLimit), r.Validation)
	gdpr.Post("/access", r.GDPR.Access)
	gdpr.Post("/erasure", r.GDPR.Erasure)
	gdpr.Get("/audit", r.GDPR.ListAudit)
}

func limit(rl *ratelimit.RateLimiter) fiber.Handler {
	if rl == nil {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return rl.Middleware()
}
