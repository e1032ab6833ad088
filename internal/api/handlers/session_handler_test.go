package handlers

import (
	"context"
	"net"
	"sync"
	"testing"

	fastws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voice-agent/privacy-core/internal/conversation"
	"github.com/voice-agent/privacy-core/internal/index"
	"github.com/voice-agent/privacy-core/internal/storage/blob"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/internal/vault"
	"github.com/voice-agent/privacy-core/pkg/identity"
	"github.com/voice-agent/privacy-core/pkg/retry"
)

type savedConversations struct {
	mu    sync.Mutex
	convs map[string]*models.Conversation
}

func (s *savedConversations) SaveConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv
	return nil
}

func (s *savedConversations) get(id string) *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id]
}

func newSessionHandler(t *testing.T) (*SessionHandler, *savedConversations, *blob.MemoryStore) {
	t.Helper()
	key, err := vault.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	hasher, err := identity.NewHasher([]byte("pepper"))
	require.NoError(t, err)

	records := &savedConversations{convs: map[string]*models.Conversation{}}
	blobs := blob.NewMemoryStore()
	svc := conversation.NewService(conversation.Config{
		Vault:   v,
		Records: records,
		Blobs:   blobs,
		Retry:   retry.FromMillis(2, 1, 1, nil),
	})

	idx := &fakeIndex{matches: []index.Match{{Response: models.ApprovedResponse{ID: "approved-x-turn1"}, Similarity: 0.91}}}
	return NewSessionHandler(svc, hasher, idx, 3, 0.75), records, blobs
}

func TestSession_Lifecycle(t *testing.T) {
	h, records, blobs := newSessionHandler(t)
	s := &session{h: h}
	ctx := context.Background()

	reply, done := s.handle(ctx, SessionMessage{Type: "turn", UserMessage: "ciao"})
	assert.Equal(t, "error", reply.Type)
	assert.False(t, done)

	reply, _ = s.handle(ctx, SessionMessage{Type: "start", Channel: "phone", Identifier: "+39 320 123 4567"})
	require.Equal(t, "started", reply.Type)
	convID := reply.ConversationID
	require.NotEmpty(t, convID)

	reply, _ = s.handle(ctx, SessionMessage{Type: "start"})
	assert.Equal(t, "session already started", reply.Error)

	reply, _ = s.handle(ctx, SessionMessage{
		Type:        "turn",
		UserMessage: "Sono Mario Rossi, chiamami al 3201234567",
		BotResponse: "Certo, la richiamo a breve.",
	})
	assert.Equal(t, "ack", reply.Type)
	assert.Equal(t, 1, reply.Turn)

	reply, _ = s.handle(ctx, SessionMessage{Type: "retrieve", Query: "orari di apertura"})
	assert.Equal(t, "matches", reply.Type)
	assert.Len(t, reply.Matches, 1)
	assert.False(t, reply.Degraded)

	reply, done = s.handle(ctx, SessionMessage{Type: "end"})
	require.Equal(t, "ended", reply.Type)
	assert.True(t, done)
	assert.Equal(t, []string{"PHONE", "PERSON"}, reply.PIIDetectedTypes)

	conv := records.get(convID)
	require.NotNil(t, conv)
	assert.Equal(t, "Sono [PERSON_1], chiamami al [PHONE_1]", conv.Turns[0].UserMessage)
	assert.NotEmpty(t, conv.IdentifierHash)
	assert.NotContains(t, conv.IdentifierHash, "320")

	_, _, err := blobs.Get(ctx, conv.MapKey)
	assert.NoError(t, err)

	reply, _ = s.handle(ctx, SessionMessage{Type: "turn", UserMessage: "ancora"})
	assert.Equal(t, "session already ended", reply.Error)
}

func TestSession_RejectsBadStart(t *testing.T) {
	h, _, _ := newSessionHandler(t)
	ctx := context.Background()

	reply, _ := (&session{h: h}).handle(ctx, SessionMessage{Type: "start", Channel: "fax"})
	assert.Equal(t, "error", reply.Type)

	reply, _ = (&session{h: h}).handle(ctx, SessionMessage{Type: "start", Identifier: "x", IdentifierType: "passport"})
	assert.Equal(t, "unknown identifier type", reply.Error)

	reply, _ = (&session{h: h}).handle(ctx, SessionMessage{Type: "hello"})
	assert.Equal(t, "unknown message type", reply.Error)
}

func TestSession_CloseSealsAbandonedSession(t *testing.T) {
	h, records, _ := newSessionHandler(t)
	s := &session{h: h}
	ctx := context.Background()

	reply, _ := s.handle(ctx, SessionMessage{Type: "start", Channel: "web"})
	convID := reply.ConversationID
	s.handle(ctx, SessionMessage{Type: "turn", UserMessage: "scrivimi a mario@example.com", BotResponse: "Va bene"})

	s.close()

	conv := records.get(convID)
	require.NotNil(t, conv)
	assert.Equal(t, "scrivimi a [EMAIL_1]", conv.Turns[0].UserMessage)
	assert.True(t, s.log.Sealed())
}

func TestSessionHandler_WebSocket(t *testing.T) {
	h, records, _ := newSessionHandler(t)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws", websocket.New(h.HandleConnection))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	conn, _, err := fastws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(msg SessionMessage) SessionReply {
		t.Helper()
		require.NoError(t, conn.WriteJSON(msg))
		var reply SessionReply
		require.NoError(t, conn.ReadJSON(&reply))
		return reply
	}

	started := send(SessionMessage{Type: "start", Channel: "phone", Identifier: "3201234567"})
	require.Equal(t, "started", started.Type)

	ack := send(SessionMessage{Type: "turn", UserMessage: "Il mio codice fiscale è RSSMRA80A01H501U", BotResponse: "Grazie"})
	assert.Equal(t, "ack", ack.Type)

	ended := send(SessionMessage{Type: "end"})
	require.Equal(t, "ended", ended.Type)

	conv := records.get(started.ConversationID)
	require.NotNil(t, conv)
	assert.Equal(t, "Il mio codice fiscale è [FISCAL_ID_1]", conv.Turns[0].UserMessage)
}
