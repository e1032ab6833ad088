package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/conversation"
	"github.com/voice-agent/privacy-core/internal/index"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/identity"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

const sessionEndTimeout = 15 * time.Second

// SessionMessage is sent by the voice or web pipeline over the session socket.
type SessionMessage struct {
	Type           string   `json:"type"`
	Channel        string   `json:"channel,omitempty"`
	Identifier     string   `json:"identifier,omitempty"`
	IdentifierType string   `json:"identifier_type,omitempty"`
	UserMessage    string   `json:"user_message,omitempty"`
	BotResponse    string   `json:"bot_response,omitempty"`
	SearchQuery    string   `json:"search_query,omitempty"`
	SearchResults  []string `json:"search_results,omitempty"`
	Query          string   `json:"query,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
}

type SessionReply struct {
	Type             string        `json:"type"`
	ConversationID   string        `json:"conversation_id,omitempty"`
	Turn             int           `json:"turn,omitempty"`
	Matches          []index.Match `json:"matches,omitempty"`
	Degraded         bool          `json:"degraded,omitempty"`
	PIIDetectedTypes []string      `json:"pii_detected_types,omitempty"`
	Deferred         bool          `json:"deferred,omitempty"`
	Error            string        `json:"error,omitempty"`
}

type Retriever interface {
	RetrieveSimilar(ctx context.Context, query string, topK int, minSimilarity float32) ([]index.Match, error)
}

// SessionHandler binds one conversation Logger to each socket. Raw turns stay
// in the Logger until the session ends; only the sealed record is persisted.
type SessionHandler struct {
	conversations *conversation.Service
	hasher        *identity.Hasher
	retriever     Retriever
	topK          int
	minSimilarity float32
}

func NewSessionHandler(conversations *conversation.Service, hasher *identity.Hasher, retriever Retriever, topK int, minSimilarity float32) *SessionHandler {
	return &SessionHandler{
		conversations: conversations,
		hasher:        hasher,
		retriever:     retriever,
		topK:          topK,
		minSimilarity: minSimilarity,
	}
}

func (h *SessionHandler) HandleConnection(c *websocket.Conn) {
	logger.Debug("Session socket opened")

	s := &session{h: h}
	defer func() {
		s.close()
		c.Close()
		logger.Debug("Session socket closed")
	}()

	for {
		var msg SessionMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read session message", zap.Error(err))
			}
			return
		}

		reply, done := s.handle(context.Background(), msg)
		if err := c.WriteJSON(reply); err != nil {
			logger.Warn("Failed to write session reply", zap.Error(err))
			return
		}
		if done {
			return
		}
	}
}

type session struct {
	h   *SessionHandler
	log *conversation.Logger
}

func (s *session) handle(ctx context.Context, msg SessionMessage) (SessionReply, bool) {
	switch msg.Type {
	case "start":
		return s.start(msg), false
	case "turn":
		return s.turn(msg), false
	case "retrieve":
		return s.retrieve(ctx, msg), false
	case "end":
		reply := s.end(ctx)
		return reply, reply.Type == "ended"
	default:
		return errorReply("unknown message type"), false
	}
}

func (s *session) start(msg SessionMessage) SessionReply {
	if s.log != nil {
		return errorReply("session already started")
	}

	channel := models.Channel(msg.Channel)
	if channel == "" {
		channel = models.ChannelPhone
	}
	if !channel.Valid() {
		return errorReply("channel must be phone or web")
	}

	var identifierHash string
	if msg.Identifier != "" {
		if s.h.hasher == nil {
			return errorReply("identifier hashing unavailable")
		}
		t, err := identity.ParseType(msg.IdentifierType)
		if err != nil {
			return errorReply("unknown identifier type")
		}
		if identifierHash, err = s.h.hasher.Hash(msg.Identifier, t); err != nil {
			return errorReply("invalid identifier")
		}
	}

	s.log = s.h.conversations.Start(channel, identifierHash)
	return SessionReply{Type: "started", ConversationID: s.log.ID()}
}

func (s *session) turn(msg SessionMessage) SessionReply {
	if s.log == nil {
		return errorReply("session not started")
	}

	var retrieval *conversation.Retrieval
	if msg.SearchQuery != "" || len(msg.SearchResults) > 0 {
		retrieval = &conversation.Retrieval{Query: msg.SearchQuery, ResultIDs: msg.SearchResults}
	}

	if err := s.log.LogTurn(msg.UserMessage, msg.BotResponse, retrieval); err != nil {
		switch {
		case errors.Is(err, conversation.ErrSealed):
			return errorReply("session already ended")
		case errors.Is(err, conversation.ErrVaultUnavailable):
			logger.Error("Turn rejected, vault unavailable", zap.String("conversation_id", s.log.ID()))
			return errorReply("encryption vault unavailable")
		default:
			return errorReply("failed to log turn")
		}
	}

	return SessionReply{Type: "ack", ConversationID: s.log.ID(), Turn: s.log.Turns()}
}

func (s *session) retrieve(ctx context.Context, msg SessionMessage) SessionReply {
	if msg.Query == "" {
		return errorReply("query is required")
	}
	topK := msg.TopK
	if topK <= 0 {
		topK = s.h.topK
	}

	matches, err := s.h.retriever.RetrieveSimilar(ctx, msg.Query, topK, s.h.minSimilarity)
	if matches == nil {
		matches = []index.Match{}
	}
	return SessionReply{Type: "matches", Matches: matches, Degraded: err != nil}
}

func (s *session) end(ctx context.Context) SessionReply {
	if s.log == nil {
		return errorReply("session not started")
	}
	if s.log.Sealed() {
		return errorReply("session already ended")
	}

	ctx, cancel := context.WithTimeout(ctx, sessionEndTimeout)
	defer cancel()

	conv, err := s.log.End(ctx)
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrPersistenceDeferred):
		return SessionReply{Type: "ended", ConversationID: conv.ID, PIIDetectedTypes: conv.PIIDetectedTypes, Deferred: true}
	default:
		logger.Error("Failed to end conversation", zap.String("conversation_id", s.log.ID()), zap.Error(err))
		return errorReply("failed to end session")
	}

	return SessionReply{Type: "ended", ConversationID: conv.ID, PIIDetectedTypes: conv.PIIDetectedTypes}
}

// close seals a session the pipeline abandoned, so its turns are still
// anonymized and persisted rather than held in memory.
func (s *session) close() {
	if s.log == nil || s.log.Sealed() {
		return
	}
	logger.Info("Session closed without end, sealing", zap.String("conversation_id", s.log.ID()))
	s.end(context.Background())
}

func errorReply(msg string) SessionReply {
	return SessionReply{Type: "error", Error: msg}
}
