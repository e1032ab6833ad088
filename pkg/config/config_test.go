package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWith_Defaults(t *testing.T) {
	t.Setenv("PRIVACY_CORE_AUTH_JWTSECRET", "test-secret")

	cfg, err := LoadWith(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Blob.Provider)
	assert.Equal(t, "env", cfg.Vault.KeySource)
	assert.Equal(t, "ANONYMIZATION_ENCRYPTION_KEY", cfg.Vault.SecretName)
	assert.Equal(t, 1536, cfg.LLM.EmbeddingDim)
	assert.Equal(t, 90, cfg.Retention.ConversationDays)
	assert.Equal(t, 365, cfg.Retention.MapDays)
	assert.Equal(t, 1500*time.Millisecond, cfg.Retrieval.Timeout())
	retryDelay, retryMax := cfg.Retrieval.ApprovalRetry()
	assert.Equal(t, 5*time.Second, retryDelay)
	assert.Equal(t, 5*time.Minute, retryMax)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.ConversationTTL())
	assert.False(t, cfg.Evaluation.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Evaluation.Interval())
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
}

func TestLoadWith_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
server:
  port: 9090
blob:
  provider: gcs
  gcsBucket: maps-bucket
retrieval:
  topK: 5
  minSimilarity: 0.6
auth:
  enabled: false
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	v := viper.New()
	v.AddConfigPath(dir)

	cfg, err := LoadWith(v)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "gcs", cfg.Blob.Provider)
	assert.Equal(t, "maps-bucket", cfg.Blob.GCSBucket)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.6, cfg.Retrieval.MinSimilarity, 1e-9)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoadWith_AuthRequiresSecret(t *testing.T) {
	_, err := LoadWith(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwtSecret")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Blob:      BlobConfig{Provider: "sqlite"},
			Vault:     VaultConfig{KeySource: "env"},
			Retrieval: RetrievalConfig{MinSimilarity: 0.5},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Blob.Provider = "gcs" }, wantErr: "gcsBucket"},
		{name: "unknown blob provider", mutate: func(c *Config) { c.Blob.Provider = "s3" }, wantErr: "unknown blob provider"},
		{name: "unknown key source", mutate: func(c *Config) { c.Vault.KeySource = "default" }, wantErr: "unknown vault key source"},
		{name: "similarity out of range", mutate: func(c *Config) { c.Retrieval.MinSimilarity = 1.5 }, wantErr: "minSimilarity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
