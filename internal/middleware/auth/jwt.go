package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	// RoleAgent is held by the conversation pipeline that opens sessions.
	RoleAgent    = "agent"
	RoleReviewer = "reviewer"
	RoleAnalyst  = "analyst"
	// RoleDPO may file data subject requests and read the audit log.
	RoleDPO = "dpo"

	subjectKey = "subject"
	rolesKey   = "roles"
)

var ErrMissingToken = errors.New("missing bearer token")

type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Disabled bool
	Logger   *zap.Logger
	Now      func() time.Time
}

type Authenticator struct {
	cfg    Config
	parser *jwt.Parser
}

func New(cfg Config) *Authenticator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(cfg.Now),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Authenticator{cfg: cfg, parser: jwt.NewParser(opts...)}
}

// Issue signs a token for subject with the given roles.
func (a *Authenticator) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := a.cfg.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.Audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.cfg.Secret)
}

func (a *Authenticator) Parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware authenticates the bearer token and requires at least one of
// roles when any are given.
func (a *Authenticator) Middleware(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if a.cfg.Disabled {
			c.Locals(subjectKey, "anonymous")
			return c.Next()
		}

		token, _ := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		claims, err := a.Parse(strings.TrimSpace(token))
		if err != nil {
			a.cfg.Logger.Warn("Unauthorized request",
				zap.String("ip", c.IP()),
				zap.String("path", c.Path()),
				zap.Error(err),
			)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}

		if len(roles) > 0 && !slices.ContainsFunc(claims.Roles, func(r string) bool {
			return slices.Contains(roles, r)
		}) {
			a.cfg.Logger.Warn("Forbidden request",
				zap.String("subject", claims.Subject),
				zap.String("path", c.Path()),
			)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Forbidden",
			})
		}

		c.Locals(subjectKey, claims.Subject)
		c.Locals(rolesKey, claims.Roles)
		return c.Next()
	}
}

// Subject returns the authenticated subject, or "" outside the middleware.
func Subject(c *fiber.Ctx) string {
	s, _ := c.Locals(subjectKey).(string)
	return s
}
