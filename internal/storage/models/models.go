package models

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

type Channel string

const (
	ChannelPhone Channel = "phone"
	ChannelWeb   Channel = "web"
)

func (c Channel) Valid() bool {
	return c == ChannelPhone || c == ChannelWeb
}

type Turn struct {
	TurnNumber    int       `json:"turn_number"`
	UserMessage   string    `json:"user_message"`
	BotResponse   string    `json:"bot_response"`
	SearchQuery   string    `json:"search_query,omitempty"`
	SearchResults []string  `json:"search_results,omitempty"`
	PIIScan       string    `json:"pii_scan"`
	Timestamp     time.Time `json:"timestamp"`
}

type ConversationMetadata struct {
	TotalTurns      int     `json:"total_turns"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Conversation is the anonymized record. It never holds the caller's
// identifier, only IdentifierHash.
type Conversation struct {
	ID                   string               `json:"id"`
	Channel              Channel              `json:"channel"`
	StartedAt            time.Time            `json:"timestamp"`
	EndedAt              time.Time            `json:"ended_at"`
	Turns                []Turn               `json:"turns"`
	PIIDetectedTypes     []string             `json:"pii_detected_types"`
	IdentifierHash       string               `json:"identifier_hash"`
	Metadata             ConversationMetadata `json:"metadata"`
	AnonymizationVersion int                  `json:"anonymization_version"`
	// MapKey is the blob key of the encrypted anonymization map, empty when
	// no PII was found.
	MapKey string `json:"map_key,omitempty"`
}

// Turn returns the turn with the given 1-based number.
func (c *Conversation) Turn(n int) (*Turn, bool) {
	if n < 1 || n > len(c.Turns) {
		return nil, false
	}
	t := &c.Turns[n-1]
	return t, t.TurnNumber == n
}

type ApprovedResponse struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	TurnNumber        int       `json:"turn_number"`
	UserMessage       string    `json:"user_message"`
	BotResponse       string    `json:"bot_response"`
	CorrectedResponse string    `json:"corrected_response"`
	Rating            int       `json:"rating"`
	Tags              []string  `json:"tags"`
	Embedding         []float32 `json:"embedding,omitempty"`
	UsageCount        int64     `json:"usage_count"`
	ApprovedAt        time.Time `json:"approved_at"`
	IdentifierHash    string    `json:"-"`
}

type Feedback struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	TurnNumber        int       `json:"turn_number"`
	Rating            int       `json:"rating"`
	Tags              []string  `json:"tags"`
	Comment           string    `json:"comment,omitempty"`
	CorrectedResponse string    `json:"corrected_response,omitempty"`
	Approved          bool      `json:"approved"`
	IdentifierHash    string    `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

type AuditOperation string

const (
	AuditAccess    AuditOperation = "access"
	AuditErasure   AuditOperation = "erasure"
	AuditRetention AuditOperation = "retention"
)

type AuditLogEntry struct {
	ID             int64          `json:"id"`
	Operation      AuditOperation `json:"operation"`
	IdentifierHash string         `json:"identifier_hash"`
	Timestamp      time.Time      `json:"timestamp"`
	Outcome        string         `json:"outcome"`
	Detail         string         `json:"detail,omitempty"`
}

type ConversationFilter struct {
	Channel        Channel
	IdentifierHash string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

type AuditFilter struct {
	Operation AuditOperation
	Since     time.Time
	Until     time.Time
	Limit     int
}

// ErasureCounts reports how many records an erasure removed or found.
type ErasureCounts struct {
	Conversations     int `json:"conversations"`
	ApprovedResponses int `json:"approved_responses"`
	Feedback          int `json:"feedback"`
	Evaluations       int `json:"evaluations"`
}

func (c ErasureCounts) Total() int {
	return c.Conversations + c.ApprovedResponses + c.Feedback + c.Evaluations
}

// PendingErasure is an identifier whose erasure has not been confirmed.
type PendingErasure struct {
	IdentifierHash string
	Reason         string
	Attempts       int
	EnqueuedAt     time.Time
}

type ApprovedStats struct {
	Total              int         `json:"total"`
	AverageRating      float64     `json:"average_rating"`
	TotalUsage         int64       `json:"total_usage"`
	RatingDistribution map[int]int `json:"rating_distribution"`
}

// Priority orders turns for human review, most urgent first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank is 0 for critical and grows as urgency drops. Unknown priorities sort
// last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// TurnEvaluation is a model's quality assessment of one anonymized turn.
// Scores run from 0 to 10.
type TurnEvaluation struct {
	ConversationID string             `json:"conversation_id"`
	TurnNumber     int                `json:"turn_number"`
	IdentifierHash string             `json:"-"`
	OverallScore   float64            `json:"overall_score"`
	Categories     map[string]float64 `json:"categories"`
	Issues         []string           `json:"issues"`
	Strengths      []string           `json:"strengths"`
	Summary        string             `json:"evaluation_summary"`
	Priority       Priority           `json:"priority"`
	NeedsReview    bool               `json:"needs_review"`
	Model          string             `json:"evaluator"`
	Error          string             `json:"error,omitempty"`
	EvaluatedAt    time.Time          `json:"evaluated_at"`
}

type EvaluationFilter struct {
	Priority    Priority
	NeedsReview bool
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

type EvaluationStats struct {
	Total        int              `json:"total"`
	NeedsReview  int              `json:"needs_review"`
	AverageScore float64          `json:"average_score"`
	ByPriority   map[Priority]int `json:"by_priority"`
}
