package index

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/voice-agent/privacy-core/internal/metrics"
	"github.com/voice-agent/privacy-core/pkg/retry"
)

type queuedApproval struct {
	req    ApproveRequest
	passes int
}

// Submit queues an approval for Run, for when Approve failed with
// ErrRetryable and the reviewer should not have to resubmit.
func (i *Index) Submit(req ApproveRequest) error {
	select {
	case i.queue <- queuedApproval{req: req}:
		i.reportDepth()
		return nil
	default:
		return ErrQueueFull
	}
}

// Queued reports how many approvals wait for Run, including those backing
// off before their next pass.
func (i *Index) Queued() int {
	return len(i.queue) + int(i.waiting.Load())
}

func (i *Index) reportDepth() {
	metrics.ApprovalQueueDepth.Set(float64(i.Queued()))
}

// Run processes queued approvals until ctx is done. An approval that still
// fails with ErrRetryable goes back on the queue after a backoff; any other
// failure drops it.
func (i *Index) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-i.queue:
			i.reportDepth()
			i.processQueued(ctx, item)
		}
	}
}

func (i *Index) processQueued(ctx context.Context, item queuedApproval) {
	req := item.req
	id, err := retry.DoWithResult(ctx, i.retry.WithOperation("approve_queued"), func() (string, error) {
		id, err := i.Approve(ctx, req)
		if err != nil && !errors.Is(err, ErrRetryable) {
			return "", retry.Permanent(err)
		}
		return id, err
	})

	switch {
	case err == nil:
		i.log.Info("Queued approval indexed", zap.String("id", id), zap.Int("passes", item.passes+1))
	case ctx.Err() != nil:
		i.log.Warn("Queued approval abandoned at shutdown",
			zap.String("conversation_id", req.ConversationID),
			zap.Int("turn", req.TurnNumber),
		)
	case errors.Is(err, ErrRetryable):
		item.passes++
		i.requeue(ctx, item, err)
	default:
		metrics.Approvals.WithLabelValues("dropped").Inc()
		i.log.Error("Queued approval failed",
			zap.String("conversation_id", req.ConversationID),
			zap.Int("turn", req.TurnNumber),
			zap.Error(err),
		)
	}
}

// requeue puts item back on the queue once its backoff has passed.
func (i *Index) requeue(ctx context.Context, item queuedApproval, cause error) {
	delay := i.requeueDelay
	for n := 1; n < item.passes && delay < i.requeueMaxDelay; n++ {
		delay *= 2
	}
	delay = min(delay, i.requeueMaxDelay)

	metrics.Approvals.WithLabelValues("requeued").Inc()
	i.log.Warn("Queued approval still failing, will retry",
		zap.String("conversation_id", item.req.ConversationID),
		zap.Int("turn", item.req.TurnNumber),
		zap.Int("passes", item.passes),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	i.waiting.Add(1)
	i.reportDepth()
	go func() {
		defer func() {
			i.waiting.Add(-1)
			i.reportDepth()
		}()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		select {
		case i.queue <- item:
		case <-ctx.Done():
		}
	}()
}
