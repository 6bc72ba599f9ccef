package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// queue is one FIFO buffer plus a list of pending waiters. Publish hands
// the item to the oldest waiter when one is suspended, otherwise buffers
// it; consume drains the buffer before suspending. An item is either
// buffered or handed to exactly one waiter, never both.
type queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	waiters []chan T // each has capacity 1
}

func (q *queue[T]) publish(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- item
		return
	}
	q.buf = append(q.buf, item)
}

func (q *queue[T]) consume(ctx context.Context) (T, error) {
	q.mu.Lock()
	if len(q.buf) > 0 {
		item := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		return item, nil
	}

	w := make(chan T, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case item := <-w:
		return item, nil
	case <-ctx.Done():
		q.mu.Lock()
		removed := q.removeWaiter(w)
		q.mu.Unlock()
		if !removed {
			// Publish won the race and already handed us an item.
			// Requeue it so it is not lost.
			select {
			case item := <-w:
				q.publish(item)
			default:
			}
		}
		var zero T
		return zero, ctx.Err()
	}
}

// removeWaiter must be called with q.mu held.
func (q *queue[T]) removeWaiter(w chan T) bool {
	for i, c := range q.waiters {
		if c == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// resultWaiter is a predicate waiter: it only accepts approval results
// whose request ID matches.
type resultWaiter struct {
	requestID string
	ch        chan domain.ApprovalResult // capacity 1
}

// resultQueue correlates approval results to waiters by request ID.
// Results that match no current waiter are buffered, never dropped.
type resultQueue struct {
	mu      sync.Mutex
	buf     []domain.ApprovalResult
	waiters []*resultWaiter
}

func (q *resultQueue) publish(res domain.ApprovalResult) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, w := range q.waiters {
		if w.requestID == res.RequestID {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			w.ch <- res
			return
		}
	}
	q.buf = append(q.buf, res)
}

func (q *resultQueue) wait(ctx context.Context, requestID string, timeout time.Duration) (*domain.ApprovalResult, error) {
	q.mu.Lock()
	for i, res := range q.buf {
		if res.RequestID == requestID {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			q.mu.Unlock()
			return &res, nil
		}
	}

	w := &resultWaiter{requestID: requestID, ch: make(chan domain.ApprovalResult, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return &res, nil
	case <-timer.C:
		return nil, q.abandon(w)
	case <-ctx.Done():
		if err := q.abandon(w); err != nil {
			return nil, err
		}
		return nil, ctx.Err()
	}
}

// abandon withdraws a waiter. If publish settled it concurrently, the
// delivered result is pushed back so another waiter can claim it.
func (q *resultQueue) abandon(w *resultWaiter) error {
	q.mu.Lock()
	removed := false
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			removed = true
			break
		}
	}
	q.mu.Unlock()

	if !removed {
		select {
		case res := <-w.ch:
			q.publish(res)
		default:
		}
	}
	return nil
}

// Bus is the in-process message bus: four independent FIFO queues for
// inbound chat messages, outbound chat messages, approval requests, and
// approval results. Publishing never blocks.
type Bus struct {
	inbound          queue[domain.InboundMessage]
	outbound         queue[domain.OutboundMessage]
	approvalRequests queue[domain.ApprovalRequest]
	approvalResults  resultQueue
	logger           *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

func (b *Bus) PublishInbound(msg domain.InboundMessage) {
	b.inbound.publish(msg)
}

func (b *Bus) ConsumeInbound(ctx context.Context) (domain.InboundMessage, error) {
	return b.inbound.consume(ctx)
}

func (b *Bus) PublishOutbound(msg domain.OutboundMessage) {
	b.outbound.publish(msg)
}

func (b *Bus) ConsumeOutbound(ctx context.Context) (domain.OutboundMessage, error) {
	return b.outbound.consume(ctx)
}

func (b *Bus) PublishApprovalRequest(req domain.ApprovalRequest) {
	b.approvalRequests.publish(req)
}

func (b *Bus) ConsumeApprovalRequest(ctx context.Context) (domain.ApprovalRequest, error) {
	return b.approvalRequests.consume(ctx)
}

func (b *Bus) PublishApprovalResult(res domain.ApprovalResult) {
	b.approvalResults.publish(res)
}

// WaitApprovalResult blocks until a result for requestID arrives or the
// timeout elapses. Timing out is not an error: it returns (nil, nil).
// Buffered results for other request IDs are left in place.
func (b *Bus) WaitApprovalResult(ctx context.Context, requestID string, timeout time.Duration) (*domain.ApprovalResult, error) {
	res, err := b.approvalResults.wait(ctx, requestID, timeout)
	if err != nil {
		return nil, err
	}
	if res == nil {
		b.logger.Debug("approval wait timed out", "request_id", requestID, "timeout", timeout)
	}
	return res, nil
}

var _ domain.MessageBus = (*Bus)(nil)
