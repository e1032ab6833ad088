// Package analytics summarises anonymized conversations, reviewer feedback,
// turn evaluations and approved responses for the admin dashboard.
package analytics

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voice-agent/privacy-core/internal/storage/models"
)

type Records interface {
	ListConversations(ctx context.Context, f models.ConversationFilter) ([]models.Conversation, error)
	ListFeedback(ctx context.Context, since time.Time) ([]models.Feedback, error)
	ListApprovedResponses(ctx context.Context, minRating, limit int) ([]models.ApprovedResponse, error)
	ApprovedStats(ctx context.Context) (*models.ApprovedStats, error)
	EvaluationStats(ctx context.Context, since, until time.Time) (models.EvaluationStats, error)
}

type ConversationSummary struct {
	TotalConversations      int            `json:"total_conversations"`
	TotalTurns              int            `json:"total_turns"`
	AvgTurnsPerConversation float64        `json:"avg_turns_per_conversation"`
	TotalDurationSeconds    float64        `json:"total_duration_seconds"`
	AvgDurationSeconds      float64        `json:"avg_duration_seconds"`
	ByChannel               map[string]int `json:"by_channel"`
	ConversationsWithPII    int            `json:"conversations_with_pii"`
	PIITypes                map[string]int `json:"pii_types"`
	ConversationsWithSearch int            `json:"conversations_with_search"`
	TotalSearches           int            `json:"total_searches"`
	DegradedScans           int            `json:"degraded_scans"`
}

type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

type FeedbackSummary struct {
	TotalFeedback      int            `json:"total_feedback"`
	RatingDistribution map[int]int    `json:"rating_distribution"`
	AvgRating          float64        `json:"avg_rating"`
	ApprovedCount      int            `json:"approved_count"`
	TagDistribution    map[string]int `json:"tag_distribution"`
	MostCommonIssues   []TagCount     `json:"most_common_issues"`
}

type TrendPoint struct {
	Date          string  `json:"date"`
	FeedbackCount int     `json:"feedback_count"`
	AvgRating     float64 `json:"avg_rating"`
}

type QualityTrends struct {
	PeriodDays   int          `json:"period_days"`
	IntervalDays int          `json:"interval_days"`
	Trends       []TrendPoint `json:"trends"`
}

type UsageEntry struct {
	ID         string `json:"id"`
	UsageCount int64  `json:"usage_count"`
	Rating     int    `json:"rating"`
	UserQuery  string `json:"user_query"`
}

type ApprovedSummary struct {
	models.ApprovedStats
	ByTag    map[string]int `json:"by_tag"`
	MostUsed []UsageEntry   `json:"most_used"`
}

type Period struct {
	Start time.Time `json:"start_date"`
	End   time.Time `json:"end_date"`
	Days  int       `json:"days"`
}

type Dashboard struct {
	Period            Period              `json:"period"`
	Conversations     ConversationSummary `json:"conversations"`
	Feedback          FeedbackSummary     `json:"feedback"`
	QualityTrends     QualityTrends       `json:"quality_trends"`
	ApprovedResponses ApprovedSummary     `json:"approved_responses"`
	Evaluations       EvaluationSummary   `json:"evaluations"`
	GeneratedAt       time.Time           `json:"generated_at"`
}

// EvaluationSummary counts evaluated turns per review priority.
type EvaluationSummary struct {
	models.EvaluationStats
	ReviewRate float64 `json:"review_rate"`
}

type Service struct {
	records Records
	now     func() time.Time
}

func NewService(records Records) *Service {
	return &Service{records: records, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) ConversationSummary(ctx context.Context, since, until time.Time) (*ConversationSummary, error) {
	convs, err := s.records.ListConversations(ctx, models.ConversationFilter{Since: since, Until: until})
	if err != nil {
		return nil, err
	}

	sum := &ConversationSummary{
		ByChannel: map[string]int{string(models.ChannelPhone): 0, string(models.ChannelWeb): 0},
		PIITypes:  make(map[string]int),
	}
	for _, c := range convs {
		sum.TotalConversations++
		sum.TotalTurns += len(c.Turns)
		sum.TotalDurationSeconds += c.Metadata.DurationSeconds
		sum.ByChannel[string(c.Channel)]++

		if len(c.PIIDetectedTypes) > 0 {
			sum.ConversationsWithPII++
			for _, t := range c.PIIDetectedTypes {
				sum.PIITypes[t]++
			}
		}

		searches := 0
		for _, t := range c.Turns {
			if t.SearchQuery != "" {
				searches++
			}
			if t.PIIScan == "degraded" {
				sum.DegradedScans++
			}
		}
		if searches > 0 {
			sum.ConversationsWithSearch++
			sum.TotalSearches += searches
		}
	}

	if sum.TotalConversations > 0 {
		sum.AvgTurnsPerConversation = round2(float64(sum.TotalTurns) / float64(sum.TotalConversations))
		sum.AvgDurationSeconds = round2(sum.TotalDurationSeconds / float64(sum.TotalConversations))
	}
	return sum, nil
}

func (s *Service) feedbackBetween(ctx context.Context, since, until time.Time) ([]models.Feedback, error) {
	all, err := s.records.ListFeedback(ctx, since)
	if err != nil {
		return nil, err
	}
	if until.IsZero() {
		return all, nil
	}
	return slices.DeleteFunc(all, func(f models.Feedback) bool { return !f.CreatedAt.Before(until) }), nil
}

func (s *Service) FeedbackSummary(ctx context.Context, since, until time.Time) (*FeedbackSummary, error) {
	feedback, err := s.feedbackBetween(ctx, since, until)
	if err != nil {
		return nil, err
	}

	sum := &FeedbackSummary{
		RatingDistribution: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		TagDistribution:    make(map[string]int),
	}
	total := 0
	for _, f := range feedback {
		sum.TotalFeedback++
		if f.Rating >= 1 && f.Rating <= 5 {
			sum.RatingDistribution[f.Rating]++
			total += f.Rating
		}
		if f.Approved {
			sum.ApprovedCount++
		}
		for _, t := range f.Tags {
			sum.TagDistribution[t]++
		}
	}
	if sum.TotalFeedback > 0 {
		sum.AvgRating = round2(float64(total) / float64(sum.TotalFeedback))
	}
	sum.MostCommonIssues = topTags(sum.TagDistribution, 10)
	return sum, nil
}

// QualityTrends buckets the last days of feedback into intervalDays-wide
// windows and averages the ratings in each.
func (s *Service) QualityTrends(ctx context.Context, days, intervalDays int) (*QualityTrends, error) {
	if days <= 0 {
		days = 30
	}
	if intervalDays <= 0 {
		intervalDays = 7
	}

	end := s.now()
	start := end.AddDate(0, 0, -days)
	feedback, err := s.feedbackBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}

	type bucket struct{ count, total int }
	buckets := make(map[string]*bucket)
	for _, f := range feedback {
		if f.Rating < 1 || f.Rating > 5 {
			continue
		}
		offset := int(f.CreatedAt.Sub(start).Hours()/24) / intervalDays * intervalDays
		key := start.AddDate(0, 0, offset).Format("2006-01-02")
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.count++
		b.total += f.Rating
	}

	out := &QualityTrends{PeriodDays: days, IntervalDays: intervalDays, Trends: []TrendPoint{}}
	for key, b := range buckets {
		out.Trends = append(out.Trends, TrendPoint{
			Date:          key,
			FeedbackCount: b.count,
			AvgRating:     round2(float64(b.total) / float64(b.count)),
		})
	}
	slices.SortFunc(out.Trends, func(a, b TrendPoint) int { return cmp.Compare(a.Date, b.Date) })
	return out, nil
}

func (s *Service) ApprovedSummary(ctx context.Context) (*ApprovedSummary, error) {
	stats, err := s.records.ApprovedStats(ctx)
	if err != nil {
		return nil, err
	}
	approved, err := s.records.ListApprovedResponses(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	sum := &ApprovedSummary{ApprovedStats: *stats, ByTag: make(map[string]int), MostUsed: []UsageEntry{}}
	for _, r := range approved {
		for _, t := range r.Tags {
			sum.ByTag[t]++
		}
	}
	// ListApprovedResponses is already ordered by usage.
	for _, r := range approved[:min(10, len(approved))] {
		sum.MostUsed = append(sum.MostUsed, UsageEntry{
			ID:         r.ID,
			UsageCount: r.UsageCount,
			Rating:     r.Rating,
			UserQuery:  truncate(r.UserMessage, 50),
		})
	}
	return sum, nil
}

func (s *Service) EvaluationSummary(ctx context.Context, since, until time.Time) (*EvaluationSummary, error) {
	stats, err := s.records.EvaluationStats(ctx, since, until)
	if err != nil {
		return nil, err
	}

	sum := &EvaluationSummary{EvaluationStats: stats}
	if sum.ByPriority == nil {
		sum.ByPriority = make(map[models.Priority]int)
	}
	for _, p := range []models.Priority{models.PriorityCritical, models.PriorityHigh, models.PriorityMedium, models.PriorityLow} {
		if _, ok := sum.ByPriority[p]; !ok {
			sum.ByPriority[p] = 0
		}
	}
	sum.AverageScore = round2(sum.AverageScore)
	if sum.Total > 0 {
		sum.ReviewRate = round2(float64(sum.NeedsReview) / float64(sum.Total))
	}
	return sum, nil
}

// Dashboard gathers every summary for the last days.
func (s *Service) Dashboard(ctx context.Context, days int) (*Dashboard, error) {
	if days <= 0 {
		days = 30
	}
	end := s.now()
	start := end.AddDate(0, 0, -days)
	d := &Dashboard{Period: Period{Start: start, End: end, Days: days}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.ConversationSummary(gctx, start, end)
		if err == nil {
			d.Conversations = *c
		}
		return err
	})
	g.Go(func() error {
		f, err := s.FeedbackSummary(gctx, start, end)
		if err == nil {
			d.Feedback = *f
		}
		return err
	})
	g.Go(func() error {
		q, err := s.QualityTrends(gctx, days, 7)
		if err == nil {
			d.QualityTrends = *q
		}
		return err
	})
	g.Go(func() error {
		a, err := s.ApprovedSummary(gctx)
		if err == nil {
			d.ApprovedResponses = *a
		}
		return err
	})
	g.Go(func() error {
		e, err := s.EvaluationSummary(gctx, start, end)
		if err == nil {
			d.Evaluations = *e
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.GeneratedAt = s.now()
	return d, nil
}

func topTags(dist map[string]int, n int) []TagCount {
	out := make([]TagCount, 0, len(dist))
	for tag, count := range dist {
		out = append(out, TagCount{Tag: tag, Count: count})
	}
	slices.SortFunc(out, func(a, b TagCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag, b.Tag)
	})
	return out[:min(n, len(out))]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
