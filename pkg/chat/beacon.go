package chat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LeaveSender is implemented by APIClient.
type LeaveSender interface {
	Leave(ctx context.Context, groupID, sessionID string) (int, error)
}

type leaveJob struct {
	groupID   string
	sessionID string
}

// Beacon delivers leave signals in the background, detached from the
// caller's context, so a leave still lands while the client is shutting down.
type Beacon struct {
	sender   LeaveSender
	log      *zap.Logger
	queue    chan leaveJob
	attempts int
	backoff  time.Duration
	timeout  time.Duration

	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func NewBeacon(sender LeaveSender, log *zap.Logger) *Beacon {
	b := &Beacon{
		sender:   sender,
		log:      log,
		queue:    make(chan leaveJob, 16),
		attempts: 3,
		backoff:  200 * time.Millisecond,
		timeout:  5 * time.Second,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Enqueue never blocks. After Close the leave is sent inline.
func (b *Beacon) Enqueue(groupID, sessionID string) {
	job := leaveJob{groupID: groupID, sessionID: sessionID}

	b.mu.Lock()
	if !b.closed {
		select {
		case b.queue <- job:
			b.mu.Unlock()
			return
		default:
		}
	}
	b.mu.Unlock()
	b.deliver(job)
}

func (b *Beacon) run() {
	defer b.wg.Done()
	for job := range b.queue {
		b.deliver(job)
	}
}

func (b *Beacon) deliver(job leaveJob) {
	for attempt := 1; attempt <= b.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		_, err := b.sender.Leave(ctx, job.groupID, job.sessionID)
		cancel()
		if err == nil || isPermanent(err) {
			return
		}
		b.log.Warn("leave signal failed", zap.String("group_id", job.groupID), zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(b.wait(err, attempt))
	}
}

// wait honours Retry-After on a rate-limited leave, capped at the request timeout.
func (b *Beacon) wait(err error, attempt int) time.Duration {
	var e *APIError
	if errors.As(err, &e) && e.Status == http.StatusTooManyRequests && e.RetryAfter > 0 {
		return min(e.RetryAfter, b.timeout)
	}
	return b.backoff * time.Duration(attempt)
}

// isPermanent 4xx responses other than 429 will not succeed on retry
func isPermanent(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// Close waits for queued leaves until ctx expires.
func (b *Beacon) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
