package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voice-agent/privacy-core/internal/middleware/auth"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/internal/vault"
	"github.com/voice-agent/privacy-core/internal/vector/memory"
	"github.com/voice-agent/privacy-core/pkg/config"
	"github.com/voice-agent/privacy-core/pkg/identity"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	t.Setenv("TEST_PRIVACY_KEY", key)
	t.Setenv("TEST_PRIVACY_PEPPER", "pepper-for-tests")

	return &config.Config{
		Server:    config.ServerConfig{ReadTimeout: 5, WriteTimeout: 5, BodyLimit: 1 << 20},
		SQLite:    config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "core.db")},
		Blob:      config.BlobConfig{Provider: "sqlite", Prefix: "maps"},
		LLM:       config.LLMConfig{Provider: "openai", BaseURL: "http://127.0.0.1:1/v1", EmbeddingModel: "test", EmbeddingDim: 2, TimeoutSec: 1},
		Vault:     config.VaultConfig{KeySource: "env", SecretName: "TEST_PRIVACY_KEY"},
		Identity:  config.IdentityConfig{PepperSecretName: "TEST_PRIVACY_PEPPER"},
		Retrieval: config.RetrievalConfig{TopK: 3, MinSimilarity: 0.5, TimeoutMS: 200, UsageWorkers: 1},
		Retry:     config.RetryConfig{MaxAttempts: 2, InitialDelayMS: 1, MaxDelayMS: 1},
		Retention: config.RetentionConfig{ConversationDays: 90, MapDays: 365, SweepIntervalMin: 60},
		Auth:      config.AuthConfig{Enabled: true, JWTSecret: "jwt-secret", Issuer: "privacy-core", Audience: "privacy-core-admin"},
		RateLimit: config.RateLimitConfig{GDPRRequestsPerMinute: 100, AdminRequestsPerMinute: 100},
	}
}

func call(t *testing.T, server *fiber.App, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := server.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestNew_FailsClosedWithoutKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vault.SecretName = "TEST_PRIVACY_MISSING_KEY"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, vault.ErrKeyMissing)
}

func TestApp_AccessThenErasure(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	hash, err := a.Hasher.Hash("3201234567", identity.TypePhone)
	require.NoError(t, err)

	l := a.Conversations.Start(models.ChannelPhone, hash)
	require.NoError(t, l.LogTurn("Sono Mario Rossi, chiamami al 3201234567", "Certo, la richiamo.", nil))
	conv, err := l.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Sono [PERSON_1], chiamami al [PHONE_1]", conv.Turns[0].UserMessage)

	server := a.HTTP()
	authn := a.Authenticator()
	dpo, err := authn.Issue("dpo-1", []string{auth.RoleDPO}, time.Hour)
	require.NoError(t, err)

	status, _ := call(t, server, "GET", "/api/v1/health", "", "")
	assert.Equal(t, fiber.StatusOK, status)

	status, _ = call(t, server, "GET", "/api/v1/conversations", "", "")
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body := call(t, server, "GET", "/api/v1/conversations", dpo, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])

	subject := `{"identifier":"+39 320 123 4567","identifier_type":"phone"}`

	status, body = call(t, server, "POST", "/api/v1/gdpr/access", dpo, subject)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "found", body["status"])
	convs := body["conversations"].([]any)
	require.Len(t, convs, 1)
	turn := convs[0].(map[string]any)["turns"].([]any)[0].(map[string]any)
	assert.Equal(t, "Sono Mario Rossi, chiamami al 3201234567", turn["user_message"])

	status, body = call(t, server, "POST", "/api/v1/gdpr/erasure", dpo, subject)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "completed", body["status"])

	status, body = call(t, server, "POST", "/api/v1/gdpr/access", dpo, subject)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "not_found", body["status"])

	status, body = call(t, server, "GET", "/api/v1/gdpr/audit", dpo, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 3, body["count"])

	reviewer, err := authn.Issue("rev-1", []string{auth.RoleReviewer}, time.Hour)
	require.NoError(t, err)
	status, _ = call(t, server, "POST", "/api/v1/gdpr/access", reviewer, subject)
	assert.Equal(t, fiber.StatusForbidden, status)
}

type approvedList []models.ApprovedResponse

func (l approvedList) ListApprovedResponses(context.Context, int, int) ([]models.ApprovedResponse, error) {
	return l, nil
}

func TestWarmVectors(t *testing.T) {
	store := memory.New(2)
	n, err := WarmVectors(context.Background(), approvedList{
		{ID: "a", Embedding: []float32{1, 0}, ApprovedAt: time.Now()},
		{ID: "no-embedding"},
		{ID: "wrong-dim", Embedding: []float32{1, 0, 0}},
	}, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, store.Has("a"))
	assert.False(t, store.Has("wrong-dim"))
}
