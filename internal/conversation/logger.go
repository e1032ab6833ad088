// Package conversation records live sessions and, when they end, persists
// an anonymized conversation plus its encrypted anonymization map.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/anonymizer"
	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/internal/pii"
	"github.com/voice-agent/privacy-core/internal/storage/blob"
	"github.com/voice-agent/privacy-core/internal/storage/models"
)

// AnonymizationVersion is stamped on every sealed conversation.
const AnonymizationVersion = 1

var (
	ErrSealed              = errors.New("conversation is sealed")
	ErrVaultUnavailable    = errors.New("encryption vault unavailable")
	ErrPersistenceDeferred = errors.New("conversation persistence deferred")
)

// Retrieval describes the approved-response lookup made for a turn.
type Retrieval struct {
	Query     string
	ResultIDs []string
}

type rawTurn struct {
	user      string
	bot       string
	retrieval *Retrieval
	at        time.Time
}

// Logger accumulates one session's turns. Turns are expected in order from
// a single caller; the mutex only guards against a late LogTurn racing End.
type Logger struct {
	svc            *Service
	id             string
	channel        models.Channel
	identifierHash string
	startedAt      time.Time

	mu     sync.Mutex
	turns  []rawTurn
	sealed bool
}

func (l *Logger) ID() string {
	return l.id
}

func (l *Logger) Channel() models.Channel {
	return l.channel
}

// Turns reports how many turns have been logged.
func (l *Logger) Turns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

func (l *Logger) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// LogTurn appends a turn. Turn numbers are assigned sequentially from 1.
func (l *Logger) LogTurn(userMessage, botResponse string, retrieval *Retrieval) error {
	if l.svc.vault == nil {
		return ErrVaultUnavailable
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return ErrSealed
	}

	t := rawTurn{user: userMessage, bot: botResponse, at: l.svc.now()}
	if retrieval != nil {
		r := Retrieval{Query: retrieval.Query, ResultIDs: append([]string(nil), retrieval.ResultIDs...)}
		t.retrieval = &r
	}
	l.turns = append(l.turns, t)
	return nil
}

// End seals the conversation, anonymizes every turn with one token state,
// and persists both artifacts. When persistence keeps failing the sealed
// conversation is returned together with ErrPersistenceDeferred and stays
// queued for Service.Reconcile.
func (l *Logger) End(ctx context.Context) (*models.Conversation, error) {
	if l.svc.vault == nil {
		return nil, ErrVaultUnavailable
	}

	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return nil, ErrSealed
	}
	l.sealed = true
	turns := l.turns
	l.turns = nil
	l.mu.Unlock()

	conv, mapping := l.anonymize(turns)
	clear(turns)

	item := &sealedConversation{conv: conv}
	if !mapping.Empty() {
		ciphertext, err := l.svc.vault.Encrypt(mapping)
		if err != nil {
			metrics.ConversationsSealed.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("failed to encrypt anonymization map: %w", err)
		}
		conv.MapKey = blob.MapKey(l.svc.mapPrefix, conv.IdentifierHash, conv.ID)
		item.ciphertext = ciphertext
	}

	if err := l.svc.persist(ctx, item); err != nil {
		l.svc.enqueue(item, err)
		metrics.ConversationsSealed.WithLabelValues("deferred").Inc()
		return conv, fmt.Errorf("%w: %w", ErrPersistenceDeferred, err)
	}

	metrics.ConversationsSealed.WithLabelValues("persisted").Inc()
	l.svc.log.Info("Conversation sealed",
		zap.String("conversation_id", conv.ID),
		zap.Int("turns", len(conv.Turns)),
		zap.Strings("pii_types", conv.PIIDetectedTypes),
	)
	return conv, nil
}

func (l *Logger) anonymize(turns []rawTurn) (*models.Conversation, *anonymizer.Mapping) {
	state := anonymizer.NewState(l.id)
	mapping := anonymizer.NewMapping(l.id)
	detected := make(map[pii.Category]bool)

	conv := &models.Conversation{
		ID:                   l.id,
		Channel:              l.channel,
		StartedAt:            l.startedAt,
		EndedAt:              l.svc.now(),
		Turns:                make([]models.Turn, 0, len(turns)),
		IdentifierHash:       l.identifierHash,
		AnonymizationVersion: AnonymizationVersion,
	}

	field := func(n int, f anonymizer.Field, text string, scan *anonymizer.ScanStatus) string {
		res := l.svc.anonymizer.Anonymize(text, state)
		mapping.Record(n, f, res)
		for _, c := range res.Categories {
			detected[c] = true
		}
		for _, r := range res.Entries {
			metrics.PIIDetections.WithLabelValues(r.Category.String()).Inc()
		}
		metrics.PIIScans.WithLabelValues(string(res.Scan)).Inc()
		*scan = worse(*scan, res.Scan)
		return res.Text
	}

	for i, t := range turns {
		n := i + 1
		scan := anonymizer.ScanNone
		turn := models.Turn{TurnNumber: n, Timestamp: t.at}
		turn.UserMessage = field(n, anonymizer.FieldUser, t.user, &scan)
		turn.BotResponse = field(n, anonymizer.FieldAgent, t.bot, &scan)
		if t.retrieval != nil {
			if t.retrieval.Query != "" {
				turn.SearchQuery = field(n, anonymizer.FieldQuery, t.retrieval.Query, &scan)
			}
			turn.SearchResults = t.retrieval.ResultIDs
		}
		turn.PIIScan = string(scan)
		conv.Turns = append(conv.Turns, turn)
	}

	for _, c := range pii.Categories() {
		if detected[c] {
			conv.PIIDetectedTypes = append(conv.PIIDetectedTypes, c.String())
		}
	}

	conv.Metadata = models.ConversationMetadata{
		TotalTurns:      len(conv.Turns),
		DurationSeconds: conv.EndedAt.Sub(conv.StartedAt).Seconds(),
	}
	return conv, mapping
}

// worse orders scan results degraded > matched > none.
func worse(a, b anonymizer.ScanStatus) anonymizer.ScanStatus {
	rank := func(s anonymizer.ScanStatus) int {
		switch s {
		case anonymizer.ScanDegraded:
			return 2
		case anonymizer.ScanMatched:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
