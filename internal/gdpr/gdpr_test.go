package gdpr

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voice-agent/privacy-core/internal/conversation"
	"github.com/voice-agent/privacy-core/internal/index"
	"github.com/voice-agent/privacy-core/internal/storage/blob"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/internal/storage/sqlite"
	"github.com/voice-agent/privacy-core/internal/vault"
	"github.com/voice-agent/privacy-core/internal/vector/memory"
	"github.com/voice-agent/privacy-core/pkg/identity"
	"github.com/voice-agent/privacy-core/pkg/retry"
)

const caller = "+39 320 123 4567"

type staticEmbedder struct{}

func (staticEmbedder) Dimension() int { return 2 }
func (staticEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

// flakyVectors fails Delete until healed.
type flakyVectors struct {
	*memory.Store
	broken atomic.Bool
}

func (f *flakyVectors) Delete(ctx context.Context, ids []string) error {
	if f.broken.Load() {
		return errors.New("similarity store unreachable")
	}
	return f.Store.Delete(ctx, ids)
}

type fixture struct {
	svc     *Service
	db      *sqlite.Client
	blobs   *blob.MemoryStore
	vectors *flakyVectors
	convs   *conversation.Service
	idx     *index.Index
	hasher  *identity.Hasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "gdpr.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	hasher, err := identity.NewHasher([]byte("test-pepper"))
	require.NoError(t, err)

	blobs := blob.NewMemoryStore()
	vectors := &flakyVectors{Store: memory.New(2)}
	fastRetry := retry.FromMillis(2, 1, 1, nil)

	return &fixture{
		db:      db,
		blobs:   blobs,
		vectors: vectors,
		hasher:  hasher,
		convs: conversation.NewService(conversation.Config{
			Vault: v, Records: db, Blobs: blobs, MapPrefix: "maps", Retry: fastRetry,
		}),
		idx: index.New(index.Config{
			Records: db, Vectors: vectors, Embedder: staticEmbedder{}, Retry: fastRetry,
		}),
		svc: NewService(Config{
			Hasher: hasher, Vault: v, Records: db, Blobs: blobs, Vectors: vectors,
			MapPrefix: "maps", Retry: fastRetry,
		}),
	}
}

// seedSubject records one conversation for caller, approves its first turn,
// leaves feedback on it and stores its evaluation.
func (f *fixture) seedSubject(t *testing.T) *models.Conversation {
	t.Helper()
	ctx := context.Background()

	hash, err := f.hasher.Hash(caller, identity.TypePhone)
	require.NoError(t, err)

	l := f.convs.Start(models.ChannelPhone, hash)
	require.NoError(t, l.LogTurn("Sono Mario Rossi, chiamami al 3201234567", "Va bene Mario Rossi", nil))
	conv, err := l.End(ctx)
	require.NoError(t, err)

	require.NoError(t, f.db.StoreFeedback(ctx, &models.Feedback{
		ID: "fb-1", ConversationID: conv.ID, TurnNumber: 1, Rating: 5,
		IdentifierHash: hash, CreatedAt: time.Now(),
	}))
	_, err = f.idx.Approve(ctx, index.ApproveRequest{ConversationID: conv.ID, TurnNumber: 1, Rating: 5})
	require.NoError(t, err)
	require.NoError(t, f.db.SaveEvaluations(ctx, []models.TurnEvaluation{{
		ConversationID: conv.ID, TurnNumber: 1, IdentifierHash: hash, OverallScore: 8,
		Priority: models.PriorityLow, EvaluatedAt: time.Now(),
	}}))
	return conv
}

func TestAccessRestoresOriginalText(t *testing.T) {
	f := newFixture(t)
	conv := f.seedSubject(t)

	pkg, err := f.svc.HandleAccessRequest(context.Background(), Request{Identifier: "00393201234567", IdentifierType: "phone"})
	require.NoError(t, err)

	assert.Equal(t, StatusFound, pkg.Status)
	require.Len(t, pkg.Conversations, 1)
	assert.Equal(t, "Sono Mario Rossi, chiamami al 3201234567", pkg.Conversations[0].Turns[0].UserMessage)
	assert.Equal(t, "Va bene Mario Rossi", pkg.Conversations[0].Turns[0].BotResponse)
	assert.Equal(t, map[string]string{"[PERSON_1]": "Mario Rossi", "[PHONE_1]": "3201234567"}, pkg.AnonymizationMaps[conv.ID])
	require.Len(t, pkg.ApprovedResponses, 1)
	assert.Equal(t, "Sono Mario Rossi, chiamami al 3201234567", pkg.ApprovedResponses[0].UserMessage)
	assert.Nil(t, pkg.ApprovedResponses[0].Embedding)
	assert.Len(t, pkg.Feedback, 1)
	require.Len(t, pkg.Evaluations, 1)
	assert.Equal(t, models.PriorityLow, pkg.Evaluations[0].Priority)

	stored, err := f.db.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sono [PERSON_1], chiamami al [PHONE_1]", stored.Turns[0].UserMessage, "access never rewrites storage")
}

func TestErasureThenAccessIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.seedSubject(t)
	req := Request{Identifier: caller, IdentifierType: "phone"}

	outcome, err := f.svc.HandleErasureRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, models.ErasureCounts{Conversations: 1, ApprovedResponses: 1, Feedback: 1, Evaluations: 1}, outcome.Deleted)
	assert.Equal(t, 1, outcome.MapsDeleted)
	assert.Equal(t, 1, outcome.VectorsDeleted)
	assert.Zero(t, f.vectors.Len())

	_, _, err = f.blobs.Get(ctx, conv.MapKey)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	pkg, err := f.svc.HandleAccessRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, pkg.Status)
	assert.Empty(t, pkg.Conversations)

	again, err := f.svc.HandleErasureRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Zero(t, again.Deleted.Total())

	entries, err := f.svc.ListAudit(ctx, models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3, "one audit entry per request")
	hash, _ := f.hasher.Hash(caller, identity.TypePhone)
	for _, e := range entries {
		assert.Equal(t, hash, e.IdentifierHash)
		assert.NotContains(t, e.Detail, "3201234567")
	}
}

func TestPartialErasureIsQueuedAndRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.seedSubject(t)
	f.vectors.broken.Store(true)

	outcome, err := f.svc.HandleErasureRequest(ctx, Request{Identifier: caller})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Contains(t, outcome.Error, "similarity store unreachable")

	// Nothing was deleted past the failing step.
	_, err = f.db.GetConversation(ctx, conv.ID)
	require.NoError(t, err)

	pending, err := f.db.PendingErasures(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	f.vectors.broken.Store(false)
	n, err := f.svc.RetryPendingErasures(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err = f.db.PendingErasures(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.db.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestInvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleAccessRequest(context.Background(), Request{Identifier: "", IdentifierType: "phone"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.HandleErasureRequest(context.Background(), Request{Identifier: "x", IdentifierType: "passport"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	entries, err := f.svc.ListAudit(context.Background(), models.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLockTimeoutIsAudited(t *testing.T) {
	f := newFixture(t)
	hash, err := f.hasher.Hash(caller, identity.TypePhone)
	require.NoError(t, err)

	unlock, err := f.svc.locker.Lock(context.Background(), hash)
	require.NoError(t, err)
	defer unlock()

	req := Request{Identifier: caller, IdentifierType: "phone"}
	for _, call := range []func(context.Context) error{
		func(ctx context.Context) error { _, err := f.svc.HandleErasureRequest(ctx, req); return err },
		func(ctx context.Context) error { _, err := f.svc.HandleAccessRequest(ctx, req); return err },
	} {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		err := call(ctx)
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}

	entries, err := f.svc.ListAudit(context.Background(), models.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	ops := []models.AuditOperation{entries[0].Operation, entries[1].Operation}
	assert.ElementsMatch(t, []models.AuditOperation{models.AuditErasure, models.AuditAccess}, ops)
	for _, e := range entries {
		assert.Equal(t, hash, e.IdentifierHash)
		assert.Equal(t, StatusFailed, e.Outcome)
	}
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	old := now.Add(-400 * 24 * time.Hour)
	require.NoError(t, f.db.SaveConversation(ctx, &models.Conversation{
		ID: "old", Channel: models.ChannelWeb, StartedAt: old, EndedAt: old, IdentifierHash: "h",
	}))
	require.NoError(t, f.db.SaveConversation(ctx, &models.Conversation{
		ID: "recent", Channel: models.ChannelWeb, StartedAt: now.Add(-time.Hour), EndedAt: now, IdentifierHash: "h",
	}))

	f.blobs.SetClock(func() time.Time { return old })
	require.NoError(t, f.blobs.Put(ctx, blob.MapKey("maps", "h", "old"), []byte("x"), vault.ContentType))
	f.blobs.SetClock(func() time.Time { return now })
	require.NoError(t, f.blobs.Put(ctx, blob.MapKey("maps", "h", "recent"), []byte("y"), vault.ContentType))

	res, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, PurgeResult{Conversations: 1, Maps: 1}, res)

	_, err = f.db.GetConversation(ctx, "recent")
	require.NoError(t, err)
	objs, err := f.blobs.List(ctx, "maps/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "recent", blob.ConversationIDFromKey(objs[0].Key))

	entries, err := f.svc.ListAudit(ctx, models.AuditFilter{Operation: models.AuditRetention})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusCompleted, entries[0].Outcome)
}

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "a")
	require.NoError(t, err)

	other, err := km.Lock(ctx, "b")
	require.NoError(t, err, "different keys do not contend")
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(short, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var wg sync.WaitGroup
	var got atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		u, err := km.Lock(ctx, "a")
		if err == nil {
			got.Store(true)
			u()
		}
	}()
	unlock()
	unlock()
	wg.Wait()
	assert.True(t, got.Load())
	assert.Empty(t, km.slots)
}
