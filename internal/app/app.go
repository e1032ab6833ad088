// Package app wires configuration, storage backends and services into a
// running privacy core. Both the API server and vaultctl build on it.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/analytics"
	"github.com/voice-agent/privacy-core/internal/anonymizer"
	redisCache "github.com/voice-agent/privacy-core/internal/cache/redis"
	"github.com/voice-agent/privacy-core/internal/conversation"
	"github.com/voice-agent/privacy-core/internal/evaluation"
	"github.com/voice-agent/privacy-core/internal/gdpr"
	"github.com/voice-agent/privacy-core/internal/index"
	"github.com/voice-agent/privacy-core/internal/llm"
	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/internal/storage/blob"
	"github.com/voice-agent/privacy-core/internal/storage/gcs"
	"github.com/voice-agent/privacy-core/internal/storage/sqlite"
	"github.com/voice-agent/privacy-core/internal/vault"
	"github.com/voice-agent/privacy-core/internal/vector"
	"github.com/voice-agent/privacy-core/internal/vector/memory"
	"github.com/voice-agent/privacy-core/internal/vector/zilliz"
	"github.com/voice-agent/privacy-core/pkg/config"
	"github.com/voice-agent/privacy-core/pkg/identity"
	"github.com/voice-agent/privacy-core/pkg/logger"
	"github.com/voice-agent/privacy-core/pkg/retry"
)

const reconcileInterval = 30 * time.Second

type App struct {
	Cfg *config.Config

	SQLite  *sqlite.Client
	Blobs   blob.Store
	Vectors vector.Index
	Redis   *redisCache.Client
	LLM     *llm.Client
	Vault   *vault.Vault
	Hasher  *identity.Hasher

	Anonymizer    *anonymizer.Anonymizer
	Conversations *conversation.Service
	Index         *index.Index
	GDPR          *gdpr.Service
	Analytics     *analytics.Service
	Evaluator     *evaluation.Evaluator

	closers []func() error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New connects every backend. Key material is loaded here and a missing or
// malformed key is returned as an error so the process fails closed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Cfg: cfg, Anonymizer: anonymizer.New(nil)}
	metrics.Init()

	if err := a.wireSecrets(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wireStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	embedder, err := a.wireEmbedder()
	if err != nil {
		a.Close()
		return nil, err
	}

	rc := retry.FromMillis(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelayMS, cfg.Retry.MaxDelayMS, logger.GetLogger())

	a.Conversations = conversation.NewService(conversation.Config{
		Anonymizer: a.Anonymizer,
		Vault:      a.Vault,
		Records:    a.SQLite,
		Blobs:      a.Blobs,
		MapPrefix:  cfg.Blob.Prefix,
		Retry:      rc,
	})

	requeueDelay, requeueMax := cfg.Retrieval.ApprovalRetry()
	a.Index = index.New(index.Config{
		Records:         a.SQLite,
		Vectors:         a.Vectors,
		Embedder:        embedder,
		Anonymizer:      a.Anonymizer,
		Timeout:         cfg.Retrieval.Timeout(),
		UsageWorkers:    cfg.Retrieval.UsageWorkers,
		Retry:           rc,
		RequeueDelay:    requeueDelay,
		RequeueMaxDelay: requeueMax,
	})

	var locker gdpr.Locker
	if a.Redis != nil {
		locker = a.Redis
	}
	a.GDPR = gdpr.NewService(gdpr.Config{
		Hasher:          a.Hasher,
		Vault:           a.Vault,
		Records:         a.SQLite,
		Blobs:           a.Blobs,
		Vectors:         a.Vectors,
		MapPrefix:       cfg.Blob.Prefix,
		Locker:          locker,
		Retry:           rc.WithOperation("gdpr"),
		ConversationTTL: cfg.Retention.ConversationTTL(),
		MapTTL:          cfg.Retention.MapTTL(),
	})

	a.Analytics = analytics.NewService(a.SQLite)

	a.Evaluator = evaluation.New(evaluation.Config{
		Client:    a.LLM,
		Store:     a.SQLite,
		Model:     cfg.Evaluation.Model,
		BatchSize: cfg.Evaluation.BatchSize,
	})

	return a, nil
}

func (a *App) wireSecrets(ctx context.Context) error {
	src, err := vault.NewSource(a.Cfg.Vault.KeySource, a.Cfg.Vault.SecretDir)
	if err != nil {
		return err
	}

	a.Vault, err = vault.Load(ctx, src, a.Cfg.Vault.SecretName)
	if err != nil {
		return fmt.Errorf("failed to load encryption key: %w", err)
	}

	pepper, err := src.Secret(ctx, a.Cfg.Identity.PepperSecretName)
	if err != nil {
		return fmt.Errorf("failed to load identifier hash pepper: %w", err)
	}
	a.Hasher, err = identity.NewHasher(pepper)
	clear(pepper)
	return err
}

func (a *App) wireStorage(ctx context.Context) error {
	db, err := sqlite.NewClient(a.Cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite: %w", err)
	}
	a.SQLite = db
	a.closers = append(a.closers, db.Close)

	if err := db.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	switch a.Cfg.Blob.Provider {
	case "gcs":
		store, err := gcs.NewStore(ctx, a.Cfg.Blob.GCSBucket, a.Cfg.Blob.GCSEmulatorHost)
		if err != nil {
			return fmt.Errorf("failed to open gcs bucket: %w", err)
		}
		a.Blobs = store
		a.closers = append(a.closers, store.Close)
	default:
		a.Blobs = db.Blobs()
	}

	if a.Cfg.Redis.Enabled {
		rc, err := redisCache.NewClient(a.Cfg.Redis.Host, a.Cfg.Redis.Port, a.Cfg.Redis.Password, a.Cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		rc.SetLockTTL(time.Duration(a.Cfg.Redis.LockTTLSec) * time.Second)
		a.Redis = rc
		a.closers = append(a.closers, rc.Close)
	}

	if a.Cfg.Zilliz.Enabled {
		zc, err := zilliz.NewClient(ctx, a.Cfg.Zilliz.Endpoint, a.Cfg.Zilliz.APIKey, a.Cfg.Zilliz.CollectionName, a.Cfg.Zilliz.VectorDim)
		if err != nil {
			return fmt.Errorf("failed to connect to zilliz: %w", err)
		}
		a.closers = append(a.closers, zc.Close)
		if err := zc.CreateCollection(ctx); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		a.Vectors = zc
		return nil
	}

	mem := memory.New(a.Cfg.LLM.EmbeddingDim)
	n, err := WarmVectors(ctx, db, mem)
	if err != nil {
		return fmt.Errorf("failed to load approved responses into memory index: %w", err)
	}
	logger.Warn("Zilliz disabled, using in-process vector index", zap.Int("vectors", n))
	a.Vectors = mem
	return nil
}

func (a *App) wireEmbedder() (llm.Embedder, error) {
	if a.Cfg.LLM.Provider != "openai" {
		return nil, fmt.Errorf("unsupported embedding provider %q", a.Cfg.LLM.Provider)
	}

	a.LLM = llm.NewClient(llm.Options{
		APIKey:    a.Cfg.LLM.APIKey,
		BaseURL:   a.Cfg.LLM.BaseURL,
		Model:     a.Cfg.LLM.EmbeddingModel,
		Dimension: a.Cfg.LLM.EmbeddingDim,
		Timeout:   time.Duration(a.Cfg.LLM.TimeoutSec) * time.Second,
		Retry:     retry.FromMillis(a.Cfg.Retry.MaxAttempts, a.Cfg.Retry.InitialDelayMS, a.Cfg.Retry.MaxDelayMS, logger.GetLogger()),
	})

	var embedder llm.Embedder = a.LLM
	if a.Redis != nil {
		embedder = llm.NewCachedEmbedder(embedder, a.Redis, a.Cfg.LLM.EmbeddingModel,
			time.Duration(a.Cfg.Redis.EmbeddingTTLSec)*time.Second)
	}
	return embedder, nil
}

// Start launches conversation reconciliation, the approval queue, the
// retention sweep and, when enabled, turn evaluation. They stop when Close
// is called.
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.Conversations.Run(ctx, reconcileInterval)
	}()
	go func() {
		defer a.wg.Done()
		a.Index.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.maintain(ctx, time.Duration(a.Cfg.Retention.SweepIntervalMin)*time.Minute)
	}()

	if a.Cfg.Evaluation.Enabled {
		interval := a.Cfg.Evaluation.Interval()
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Evaluator.Run(ctx, interval)
		}()
	}
}

func (a *App) maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Sweep runs one retention purge and one pass over queued erasures.
func (a *App) Sweep(ctx context.Context) {
	if res, err := a.GDPR.PurgeExpired(ctx); err != nil {
		logger.Error("Retention purge failed", zap.Error(err))
	} else if res.Conversations > 0 || res.Maps > 0 {
		logger.Info("Retention purge finished",
			zap.Int("conversations", res.Conversations),
			zap.Int("maps", res.Maps),
		)
	}

	if n, err := a.GDPR.RetryPendingErasures(ctx); err != nil {
		logger.Error("Erasure retry failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Queued erasures completed", zap.Int("count", n))
	}
}

// Close stops background work and releases backends in reverse order.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
		a.cancel = nil
	}
	if a.Index != nil {
		a.Index.Drain()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Failed to close backend", zap.Error(err))
		}
	}
	a.closers = nil
}
