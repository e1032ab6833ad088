package evaluation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voice-agent/privacy-core/internal/storage/models"
)

// fakeChat answers with the reply registered for the first user message
// fragment found in the prompt.
type fakeChat struct {
	mu       sync.Mutex
	replies  map[string]string
	fallback string
	err      error
	requests []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}

	prompt := req.Messages[len(req.Messages)-1].Content
	content := f.fallback
	for fragment, reply := range f.replies {
		if strings.Contains(prompt, "da valutare:\nUtente: "+fragment) {
			content = reply
			break
		}
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}},
		},
	}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	pending []models.Conversation
	saved   []models.TurnEvaluation
	saveErr error
}

func (f *fakeStore) SaveEvaluations(_ context.Context, evals []models.TurnEvaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, evals...)
	evaluated := map[string]bool{}
	for _, e := range evals {
		evaluated[e.ConversationID] = true
	}
	var rest []models.Conversation
	for _, c := range f.pending {
		if !evaluated[c.ID] {
			rest = append(rest, c)
		}
	}
	f.pending = rest
	return nil
}

func (f *fakeStore) UnevaluatedConversations(_ context.Context, limit int) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Conversation(nil), f.pending[:min(limit, len(f.pending))]...), nil
}

var fixedNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestEvaluator(chat *fakeChat, store *fakeStore) *Evaluator {
	return New(Config{
		Client:    chat,
		Store:     store,
		Model:     "test-judge",
		BatchSize: 2,
		Now:       func() time.Time { return fixedNow },
	})
}

func conversationWithTurns(id string, messages ...string) models.Conversation {
	conv := models.Conversation{ID: id, IdentifierHash: "hash-" + id, Channel: models.ChannelPhone}
	for i, m := range messages {
		conv.Turns = append(conv.Turns, models.Turn{
			TurnNumber:  i + 1,
			UserMessage: m,
			BotResponse: "Risposta a " + m,
		})
	}
	return conv
}

const goodReply = `{"overall_score": 9, "categories": {"accuracy": 9, "tone": 10, "context": 8, "completeness": 9, "clarity": 9},
	"issues": [], "strengths": ["cortese"], "evaluation_summary": "Ottima risposta"}`

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		name   string
		score  float64
		issues []string
		want   models.Priority
	}{
		{"low score", 3.5, nil, models.PriorityCritical},
		{"wrong answer issue", 9, []string{"Importo sbagliato"}, models.PriorityCritical},
		{"english keyword", 9, []string{"Incorrect due date"}, models.PriorityCritical},
		{"below six", 5.9, nil, models.PriorityHigh},
		{"three issues", 9, []string{"lunga", "vaga", "ripetitiva"}, models.PriorityHigh},
		{"below eight", 7, nil, models.PriorityMedium},
		{"one issue", 9, []string{"poco chiara"}, models.PriorityMedium},
		{"good", 8, nil, models.PriorityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PriorityFor(tt.score, tt.issues))
		})
	}
}

func TestEvaluateTurn(t *testing.T) {
	chat := &fakeChat{fallback: goodReply}
	e := newTestEvaluator(chat, &fakeStore{})

	conv := conversationWithTurns("c1", "Sono [PERSON_1]", "Il mio IBAN è [IBAN_1]")
	eval, err := e.EvaluateTurn(context.Background(), conv.Turns[1], conv.Turns[:1])
	require.NoError(t, err)

	assert.Equal(t, 2, eval.TurnNumber)
	assert.Equal(t, 9.0, eval.OverallScore)
	assert.Equal(t, 10.0, eval.Categories["tone"])
	assert.Equal(t, models.PriorityLow, eval.Priority)
	assert.False(t, eval.NeedsReview)
	assert.Equal(t, "test-judge", eval.Model)
	assert.Equal(t, fixedNow, eval.EvaluatedAt)

	require.Len(t, chat.requests, 1)
	req := chat.requests[0]
	assert.Equal(t, "test-judge", req.Model)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	prompt := req.Messages[1].Content
	assert.Contains(t, prompt, "Utente: Sono [PERSON_1]")
	assert.Contains(t, prompt, "Turno 2 da valutare")
	assert.NotContains(t, prompt, firstTurnNote)
}

func TestEvaluateTurnContextWindow(t *testing.T) {
	chat := &fakeChat{fallback: goodReply}
	e := newTestEvaluator(chat, &fakeStore{})

	conv := conversationWithTurns("c1", "uno", "due", "tre", "quattro", "cinque")
	_, err := e.EvaluateConversation(context.Background(), &conv)
	require.NoError(t, err)

	var first, last string
	for _, req := range chat.requests {
		prompt := req.Messages[1].Content
		switch {
		case strings.Contains(prompt, "Turno 1 da valutare"):
			first = prompt
		case strings.Contains(prompt, "Turno 5 da valutare"):
			last = prompt
		}
	}
	assert.Contains(t, first, firstTurnNote)
	assert.NotContains(t, last, "Utente: due\n")
	assert.Contains(t, last, "Utente: tre\n")
	assert.Contains(t, last, "Utente: quattro\n")
}

func TestEvaluateTurnClampsScores(t *testing.T) {
	chat := &fakeChat{fallback: `{"overall_score": 14, "categories": {"accuracy": -2, "tone": 11, "bogus": 3}}`}
	e := newTestEvaluator(chat, &fakeStore{})

	eval, err := e.EvaluateTurn(context.Background(), models.Turn{TurnNumber: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 10.0, eval.OverallScore)
	assert.Equal(t, map[string]float64{"accuracy": 0, "tone": 10}, eval.Categories)
	assert.Empty(t, eval.Issues)
}

func TestEvaluateTurnUnparseableReply(t *testing.T) {
	chat := &fakeChat{fallback: "Non posso rispondere in JSON"}
	e := newTestEvaluator(chat, &fakeStore{})

	eval, err := e.EvaluateTurn(context.Background(), models.Turn{TurnNumber: 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5.0, eval.OverallScore)
	assert.Equal(t, models.PriorityMedium, eval.Priority)
	assert.False(t, eval.NeedsReview)
	assert.NotEmpty(t, eval.Error)
}

func TestEvaluateTurnMissingOverallUsesCategoryMean(t *testing.T) {
	chat := &fakeChat{fallback: `{"categories": {"accuracy": 4, "clarity": 6}, "issues": []}`}
	e := newTestEvaluator(chat, &fakeStore{})

	eval, err := e.EvaluateTurn(context.Background(), models.Turn{TurnNumber: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5.0, eval.OverallScore)
	assert.Equal(t, models.PriorityHigh, eval.Priority)
}

func TestEvaluateConversation(t *testing.T) {
	chat := &fakeChat{
		fallback: goodReply,
		replies: map[string]string{
			"Quanto devo pagare?": `{"overall_score": 3, "categories": {"accuracy": 2}, "issues": ["Importo errato"], "strengths": []}`,
			"Grazie":              `{"overall_score": 7.5, "categories": {"tone": 8}, "issues": [], "strengths": []}`,
		},
	}
	e := newTestEvaluator(chat, &fakeStore{})

	conv := conversationWithTurns("c1", "Buongiorno", "Quanto devo pagare?", "Grazie")
	result, err := e.EvaluateConversation(context.Background(), &conv)
	require.NoError(t, err)

	assert.Equal(t, "c1", result.ConversationID)
	assert.Equal(t, 3, result.TotalTurns)
	assert.Equal(t, 6.5, result.AverageScore)
	assert.Equal(t, []int{2}, result.CriticalTurns)
	assert.True(t, result.NeedsReview)

	require.Len(t, result.Turns, 3)
	for i, turn := range result.Turns {
		assert.Equal(t, i+1, turn.TurnNumber)
		assert.Equal(t, "c1", turn.ConversationID)
		assert.Equal(t, "hash-c1", turn.IdentifierHash)
	}
	assert.Equal(t, models.PriorityCritical, result.Turns[1].Priority)
	assert.Equal(t, models.PriorityMedium, result.Turns[2].Priority)
}

func TestEvaluateAndStoreFailureStoresNothing(t *testing.T) {
	chat := &fakeChat{err: errors.New("chat completion unavailable")}
	store := &fakeStore{}
	e := newTestEvaluator(chat, store)

	conv := conversationWithTurns("c1", "Buongiorno")
	_, err := e.EvaluateAndStore(context.Background(), &conv)
	require.Error(t, err)
	assert.Empty(t, store.saved)
}

func TestRunOnce(t *testing.T) {
	chat := &fakeChat{fallback: goodReply}
	store := &fakeStore{pending: []models.Conversation{
		conversationWithTurns("c1", "uno"),
		conversationWithTurns("c2", "due", "tre"),
		conversationWithTurns("c3", "quattro"),
	}}
	e := newTestEvaluator(chat, store)

	n, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, store.saved, 3)

	n, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceStopsAtFirstFailure(t *testing.T) {
	chat := &fakeChat{fallback: goodReply}
	store := &fakeStore{
		pending: []models.Conversation{conversationWithTurns("c1", "uno")},
		saveErr: errors.New("disk full"),
	}
	e := newTestEvaluator(chat, store)

	n, err := e.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "c1")
}
