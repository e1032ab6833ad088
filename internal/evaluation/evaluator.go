package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/internal/storage/models"
	"github.com/voice-agent/privacy-core/pkg/logger"
)

// Categories are the quality dimensions every turn is scored on.
var Categories = []string{"accuracy", "tone", "context", "completeness", "clarity"}

const (
	contextTurns  = 3
	defaultScore  = 5
	maxScore      = 10
	turnWorkers   = 4
	temperature   = 0.3
	firstTurnNote = "Primo turno della conversazione."
)

const systemPrompt = `You review an Italian customer service voice assistant.
Personal data in the transcript has been replaced by placeholders such as [PERSON_1]; treat them as ordinary names or numbers.
Score the assistant's reply from 0 to 10 overall and in each category: accuracy, tone, context, completeness, clarity.
List concrete issues and strengths in Italian.
Answer with a JSON object only:
{"overall_score": number, "categories": {"accuracy": number, "tone": number, "context": number, "completeness": number, "clarity": number}, "issues": [string], "strengths": [string], "evaluation_summary": string}`

// issueKeywords mark issues serious enough to make a turn critical
// regardless of its score.
var issueKeywords = []string{
	"error", "wrong", "incorrect", "inappropriate", "offensive",
	"errat", "sbagliat", "scorrett", "inappropriat", "offensiv",
}

// ChatClient is the chat completion surface of the LLM client.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Store interface {
	SaveEvaluations(ctx context.Context, evals []models.TurnEvaluation) error
	UnevaluatedConversations(ctx context.Context, limit int) ([]models.Conversation, error)
}

type Config struct {
	Client ChatClient
	Store  Store
	Model  string
	// BatchSize caps how many conversations one RunOnce pass evaluates.
	BatchSize int
	Now       func() time.Time
}

// ConversationEvaluation rolls the turn evaluations of one conversation up.
type ConversationEvaluation struct {
	ConversationID string                  `json:"conversation_id"`
	TotalTurns     int                     `json:"total_turns"`
	AverageScore   float64                 `json:"average_score"`
	CriticalTurns  []int                   `json:"critical_turns"`
	NeedsReview    bool                    `json:"needs_review"`
	Turns          []models.TurnEvaluation `json:"turns"`
}

type Evaluator struct {
	client    ChatClient
	store     Store
	model     string
	batchSize int
	now       func() time.Time
	log       *zap.Logger
}

func New(cfg Config) *Evaluator {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Evaluator{
		client:    cfg.Client,
		store:     cfg.Store,
		model:     cfg.Model,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
		log:       logger.Named("evaluation"),
	}
}

type modelVerdict struct {
	OverallScore *float64           `json:"overall_score"`
	Categories   map[string]float64 `json:"categories"`
	Issues       []string           `json:"issues"`
	Strengths    []string           `json:"strengths"`
	Summary      string             `json:"evaluation_summary"`
}

// EvaluateTurn scores one anonymized turn given the turns before it. A reply
// the model formats badly yields a medium-priority evaluation carrying
// Error; a failed request returns the error.
func (e *Evaluator) EvaluateTurn(ctx context.Context, turn models.Turn, previous []models.Turn) (models.TurnEvaluation, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: turnPrompt(turn, previous)},
		},
	})
	if err != nil {
		return models.TurnEvaluation{}, fmt.Errorf("failed to evaluate turn %d: %w", turn.TurnNumber, err)
	}

	eval := models.TurnEvaluation{
		TurnNumber:  turn.TurnNumber,
		Model:       e.model,
		EvaluatedAt: e.now(),
	}

	verdict, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		e.log.Warn("Unusable evaluation reply", zap.Int("turn", turn.TurnNumber), zap.Error(err))
		eval.OverallScore = defaultScore
		eval.Categories = map[string]float64{}
		eval.Issues = []string{}
		eval.Strengths = []string{}
		eval.Priority = models.PriorityMedium
		eval.Error = err.Error()
		return eval, nil
	}

	eval.OverallScore = *verdict.OverallScore
	eval.Categories = verdict.Categories
	eval.Issues = verdict.Issues
	eval.Strengths = verdict.Strengths
	eval.Summary = verdict.Summary
	eval.Priority = PriorityFor(eval.OverallScore, eval.Issues)
	eval.NeedsReview = eval.Priority == models.PriorityCritical || eval.Priority == models.PriorityHigh
	return eval, nil
}

// EvaluateConversation evaluates every turn of conv. Any failed request
// fails the whole conversation so it can be evaluated again later.
func (e *Evaluator) EvaluateConversation(ctx context.Context, conv *models.Conversation) (*ConversationEvaluation, error) {
	evals := make([]models.TurnEvaluation, len(conv.Turns))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(turnWorkers)
	for i := range conv.Turns {
		g.Go(func() error {
			previous := conv.Turns[max(0, i-contextTurns):i]
			eval, err := e.EvaluateTurn(gctx, conv.Turns[i], previous)
			if err != nil {
				return err
			}
			eval.ConversationID = conv.ID
			eval.IdentifierHash = conv.IdentifierHash
			evals[i] = eval
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return summarize(conv.ID, evals), nil
}

// EvaluateAndStore evaluates conv and stores the turn evaluations.
func (e *Evaluator) EvaluateAndStore(ctx context.Context, conv *models.Conversation) (*ConversationEvaluation, error) {
	result, err := e.EvaluateConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveEvaluations(ctx, result.Turns); err != nil {
		return nil, fmt.Errorf("failed to store evaluations: %w", err)
	}

	for _, t := range result.Turns {
		metrics.TurnEvaluations.WithLabelValues(string(t.Priority)).Inc()
	}
	e.log.Info("Conversation evaluated",
		zap.String("conversation_id", conv.ID),
		zap.Float64("average_score", result.AverageScore),
		zap.Ints("critical_turns", result.CriticalTurns),
	)
	return result, nil
}

// RunOnce evaluates one batch of conversations that have none stored and
// returns how many were evaluated. It stops at the first failure.
func (e *Evaluator) RunOnce(ctx context.Context) (int, error) {
	convs, err := e.store.UnevaluatedConversations(ctx, e.batchSize)
	if err != nil {
		return 0, err
	}

	done := 0
	for i := range convs {
		if _, err := e.EvaluateAndStore(ctx, &convs[i]); err != nil {
			return done, fmt.Errorf("conversation %s: %w", convs[i].ID, err)
		}
		done++
	}
	return done, nil
}

// Run calls RunOnce every interval until ctx is done.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.RunOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				e.log.Warn("Evaluation pass incomplete", zap.Int("evaluated", n), zap.Error(err))
			}
		}
	}
}

// PriorityFor maps a score and its issues to a review priority.
func PriorityFor(score float64, issues []string) models.Priority {
	switch {
	case score < 4 || hasSeriousIssue(issues):
		return models.PriorityCritical
	case score < 6 || len(issues) >= 3:
		return models.PriorityHigh
	case score < 8 || len(issues) >= 1:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func hasSeriousIssue(issues []string) bool {
	for _, issue := range issues {
		lower := strings.ToLower(issue)
		for _, kw := range issueKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

func turnPrompt(turn models.Turn, previous []models.Turn) string {
	var b strings.Builder
	b.WriteString("Contesto:\n")
	if len(previous) == 0 {
		b.WriteString(firstTurnNote + "\n")
	}
	for _, p := range previous {
		fmt.Fprintf(&b, "Utente: %s\nAssistente: %s\n", p.UserMessage, p.BotResponse)
	}
	fmt.Fprintf(&b, "\nTurno %d da valutare:\nUtente: %s\nAssistente: %s\n",
		turn.TurnNumber, turn.UserMessage, turn.BotResponse)
	return b.String()
}

func parseVerdict(content string) (*modelVerdict, error) {
	var v modelVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation: %w", err)
	}

	categories := make(map[string]float64, len(Categories))
	for _, name := range Categories {
		if score, ok := v.Categories[name]; ok {
			categories[name] = clampScore(score)
		}
	}
	v.Categories = categories

	if v.OverallScore == nil {
		if len(categories) == 0 {
			return nil, errors.New("evaluation has no scores")
		}
		var sum float64
		for _, s := range categories {
			sum += s
		}
		mean := sum / float64(len(categories))
		v.OverallScore = &mean
	}
	score := clampScore(*v.OverallScore)
	v.OverallScore = &score

	if v.Issues == nil {
		v.Issues = []string{}
	}
	if v.Strengths == nil {
		v.Strengths = []string{}
	}
	return &v, nil
}

func clampScore(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return min(max(s, 0), maxScore)
}

func summarize(conversationID string, evals []models.TurnEvaluation) *ConversationEvaluation {
	result := &ConversationEvaluation{
		ConversationID: conversationID,
		TotalTurns:     len(evals),
		CriticalTurns:  []int{},
		Turns:          evals,
	}
	if len(evals) == 0 {
		return result
	}

	var sum float64
	for _, ev := range evals {
		sum += ev.OverallScore
		if ev.NeedsReview {
			result.CriticalTurns = append(result.CriticalTurns, ev.TurnNumber)
		}
	}
	result.AverageScore = math.Round(sum/float64(len(evals))*10) / 10
	result.NeedsReview = len(result.CriticalTurns) > 0
	return result
}
