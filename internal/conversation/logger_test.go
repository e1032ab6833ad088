package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voice-agent/privacy-core/internal/anonymizer"
	"github.com/voice-agent/privacy-core/internal/storage/blob"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/internal/vault"
	"github.com/voice-agent/privacy-core/pkg/retry"
)

type fakeRecords struct {
	mu    sync.Mutex
	saved map[string]*models.Conversation
	fail  error
	calls int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{saved: map[string]*models.Conversation{}}
}

func (f *fakeRecords) SaveConversation(_ context.Context, conv *models.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	f.saved[conv.ID] = conv
	return nil
}

func (f *fakeRecords) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

type fixture struct {
	svc     *Service
	records *fakeRecords
	blobs   *blob.MemoryStore
	vault   *vault.Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	records := newFakeRecords()
	blobs := blob.NewMemoryStore()

	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seq := 0
	svc := NewService(Config{
		Vault:     v,
		Records:   records,
		Blobs:     blobs,
		MapPrefix: "maps",
		Retry:     retry.FromMillis(2, 1, 1, nil),
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("conv-%d", seq)
		},
	})
	return &fixture{svc: svc, records: records, blobs: blobs, vault: v}
}

func TestEnd_AnonymizesAndPersistsBothArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.svc.Start(models.ChannelPhone, "hash-1")
	require.NoError(t, l.LogTurn(
		"Sono Mario Rossi, chiamami al 3201234567",
		"Certo Mario Rossi, la richiamo al 320 123 4567",
		&Retrieval{Query: "richiamata Mario Rossi", ResultIDs: []string{"approved-conv-0-turn1"}},
	))
	require.NoError(t, l.LogTurn("grazie", "prego", nil))

	conv, err := l.End(ctx)
	require.NoError(t, err)

	require.Len(t, conv.Turns, 2)
	first := conv.Turns[0]
	assert.Equal(t, 1, first.TurnNumber)
	assert.Equal(t, "Sono [PERSON_1], chiamami al [PHONE_1]", first.UserMessage)
	assert.Equal(t, "Certo [PERSON_1], la richiamo al [PHONE_1]", first.BotResponse)
	assert.Equal(t, "richiamata [PERSON_1]", first.SearchQuery)
	assert.Equal(t, []string{"approved-conv-0-turn1"}, first.SearchResults)
	assert.Equal(t, "matched", first.PIIScan)
	assert.Equal(t, 2, conv.Turns[1].TurnNumber)
	assert.Equal(t, "none", conv.Turns[1].PIIScan)

	assert.Equal(t, []string{"PHONE", "PERSON"}, conv.PIIDetectedTypes)
	assert.Equal(t, "hash-1", conv.IdentifierHash)
	assert.Equal(t, 2, conv.Metadata.TotalTurns)
	assert.Greater(t, conv.Metadata.DurationSeconds, 0.0)
	assert.Equal(t, AnonymizationVersion, conv.AnonymizationVersion)

	assert.Same(t, conv, f.records.saved[conv.ID])
	assert.Equal(t, blob.MapKey("maps", "hash-1", conv.ID), conv.MapKey)

	data, obj, err := f.blobs.Get(ctx, conv.MapKey)
	require.NoError(t, err)
	assert.Equal(t, vault.ContentType, obj.ContentType)
	assert.NotContains(t, string(data), "Rossi")

	mapping, err := f.vault.Decrypt(conv.ID, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"[PERSON_1]": "Mario Rossi", "[PHONE_1]": "3201234567"}, mapping.Tokens())

	restored, err := mapping.RestoreField(1, anonymizer.FieldAgent, first.BotResponse)
	require.NoError(t, err)
	assert.Equal(t, "Certo Mario Rossi, la richiamo al 320 123 4567", restored)
}

func TestEnd_WithoutPIISkipsMapBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l := f.svc.Start(models.ChannelWeb, "")
	require.NoError(t, l.LogTurn("orari di apertura?", "dalle 9 alle 18", nil))

	conv, err := l.End(ctx)
	require.NoError(t, err)
	assert.Empty(t, conv.MapKey)
	assert.Empty(t, conv.PIIDetectedTypes)

	objs, err := f.blobs.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestLogTurnAfterEndIsRejected(t *testing.T) {
	f := newFixture(t)

	l := f.svc.Start(models.ChannelPhone, "hash-1")
	require.NoError(t, l.LogTurn("ciao", "buongiorno", nil))
	_, err := l.End(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, l.LogTurn("ancora", "no", nil), ErrSealed)
	_, err = l.End(context.Background())
	assert.ErrorIs(t, err, ErrSealed)
	assert.True(t, l.Sealed())
	assert.Len(t, f.records.saved[l.ID()].Turns, 1)
}

func TestMissingVault(t *testing.T) {
	svc := NewService(Config{Records: newFakeRecords(), Blobs: blob.NewMemoryStore()})
	l := svc.Start(models.ChannelPhone, "hash-1")

	assert.ErrorIs(t, l.LogTurn("a", "b", nil), ErrVaultUnavailable)
	_, err := l.End(context.Background())
	assert.ErrorIs(t, err, ErrVaultUnavailable)
	_, err = svc.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrVaultUnavailable)
}

func TestPersistenceFailureIsReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records.setFail(errors.New("database is locked"))

	l := f.svc.Start(models.ChannelPhone, "hash-2")
	require.NoError(t, l.LogTurn("mi chiamo Giulia Bianchi", "buongiorno", nil))

	conv, err := l.End(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistenceDeferred)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	require.NotNil(t, conv)
	assert.Equal(t, []string{conv.ID}, f.svc.Pending())
	assert.Equal(t, 2, f.records.calls)

	_, _, err = f.blobs.Get(ctx, conv.MapKey)
	require.NoError(t, err, "map blob is written before the record")

	n, err := f.svc.Reconcile(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.svc.Pending(), 1)

	f.records.setFail(nil)
	n, err = f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.svc.Pending())
	assert.Equal(t, "mi chiamo [PERSON_1]", f.records.saved[conv.ID].Turns[0].UserMessage)
}

func TestTokensStableAcrossTurns(t *testing.T) {
	f := newFixture(t)

	l := f.svc.Start(models.ChannelPhone, "hash-3")
	require.NoError(t, l.LogTurn("scrivete a anna@example.it", "ok", nil))
	require.NoError(t, l.LogTurn("oppure a luca@example.it", "ok", nil))
	require.NoError(t, l.LogTurn("ripeto ANNA@example.it", "ok", nil))

	conv, err := l.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "scrivete a [EMAIL_1]", conv.Turns[0].UserMessage)
	assert.Equal(t, "oppure a [EMAIL_2]", conv.Turns[1].UserMessage)
	assert.Equal(t, "ripeto [EMAIL_1]", conv.Turns[2].UserMessage)
}

func TestInvalidUTF8MarksTurnDegraded(t *testing.T) {
	f := newFixture(t)

	l := f.svc.Start(models.ChannelWeb, "")
	require.NoError(t, l.LogTurn("ciao \xff\xfe", "ok", nil))

	conv, err := l.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", conv.Turns[0].PIIScan)
}
