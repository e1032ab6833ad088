package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuth(now time.Time) *Authenticator {
	return New(Config{
		Secret:   []byte("test-secret"),
		Issuer:   "privacy-core",
		Audience: "privacy-core-admin",
		Now:      func() time.Time { return now },
	})
}

func TestIssueAndParse(t *testing.T) {
	a := newAuth(time.Now())

	token, err := a.Issue("dpo@example.com", []string{RoleDPO}, time.Hour)
	require.NoError(t, err)

	claims, err := a.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "dpo@example.com", claims.Subject)
	assert.Equal(t, []string{RoleDPO}, claims.Roles)
}

func TestParse_Rejects(t *testing.T) {
	now := time.Now()
	a := newAuth(now)

	expired, err := a.Issue("x", nil, -time.Minute)
	require.NoError(t, err)

	other := New(Config{Secret: []byte("other"), Issuer: "privacy-core", Audience: "privacy-core-admin"})
	foreign, err := other.Issue("x", nil, time.Hour)
	require.NoError(t, err)

	wrongIssuer := New(Config{Secret: []byte("test-secret"), Issuer: "someone-else", Audience: "privacy-core-admin"})
	misissued, err := wrongIssuer.Issue("x", nil, time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "x",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"expired":      expired,
		"wrong secret": foreign,
		"wrong issuer": misissued,
		"alg none":     none,
		"garbage":      "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Parse(token)
			assert.Error(t, err)
		})
	}
}

func TestMiddleware_Roles(t *testing.T) {
	a := newAuth(time.Now())

	app := fiber.New()
	app.Get("/audit", a.Middleware(RoleDPO), func(c *fiber.Ctx) error {
		return c.SendString(Subject(c))
	})

	dpo, err := a.Issue("dpo-1", []string{RoleDPO}, time.Hour)
	require.NoError(t, err)
	reviewer, err := a.Issue("rev-1", []string{RoleReviewer}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", fiber.StatusUnauthorized},
		{"wrong role", "Bearer " + reviewer, fiber.StatusForbidden},
		{"allowed", "Bearer " + dpo, fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/audit", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	a := New(Config{Disabled: true})

	app := fiber.New()
	app.Get("/", a.Middleware(RoleDPO), func(c *fiber.Ctx) error {
		return c.SendString(Subject(c))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
