package realtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/GhostRoom/internal/observability"
	"github.com/Gopher0727/GhostRoom/internal/services"
	"github.com/Gopher0727/GhostRoom/internal/utils"
	"github.com/Gopher0727/GhostRoom/pkg/mq"
)

// LeaveNotifier 处理连接异常断开后需要补发的 leave
type LeaveNotifier interface {
	NotifyLeave(notice mq.LeaveNotice)
}

// Publisher 由 mq.LeaveProducer 实现
type Publisher interface {
	Publish(ctx context.Context, notice mq.LeaveNotice) error
}

// LeaveApplier 由 services.MembershipService 实现
type LeaveApplier interface {
	Leave(ctx context.Context, groupID, sessionID string) (int, error)
}

// QueuedLeaves 优先写入 Kafka；没有 Kafka 或写入失败时直接调用服务（降级模式）。
// 投递在协程池中执行，与断开的连接无关；直接调用遇到 ErrTransient 时按退避重新提交
type QueuedLeaves struct {
	publisher Publisher
	direct    LeaveApplier
	pool      *utils.WorkerPool
	log       *zap.Logger
	timeout   time.Duration
	attempts  int
	backoff   time.Duration
}

// NewQueuedLeaves publisher 可以为 nil
func NewQueuedLeaves(publisher Publisher, direct LeaveApplier, pool *utils.WorkerPool, log *zap.Logger) *QueuedLeaves {
	return &QueuedLeaves{
		publisher: publisher,
		direct:    direct,
		pool:      pool,
		log:       log,
		timeout:   10 * time.Second,
		attempts:  5,
		backoff:   time.Second,
	}
}

func (q *QueuedLeaves) NotifyLeave(notice mq.LeaveNotice) {
	q.submit(notice, 1)
}

func (q *QueuedLeaves) submit(notice mq.LeaveNotice, attempt int) {
	job := func() { q.deliver(notice, attempt) }
	if q.pool == nil {
		go job()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if err := q.pool.Submit(ctx, job); err != nil {
		q.log.Warn("worker pool full, delivering leave inline", zap.String("group_id", notice.GroupID))
		go job()
	}
}

func (q *QueuedLeaves) deliver(notice mq.LeaveNotice, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if q.publisher != nil {
		err := q.publisher.Publish(ctx, notice)
		if err == nil {
			observability.IncLeaveQueued("kafka")
			return
		}
		q.log.Warn("kafka unavailable, applying leave directly", zap.String("group_id", notice.GroupID), zap.Error(err))
	}

	observability.IncLeaveQueued("direct")
	_, err := q.direct.Leave(ctx, notice.GroupID, notice.SessionID)
	switch {
	case err == nil, errors.Is(err, services.ErrGroupNotFound):
	case errors.Is(err, services.ErrTransient) && attempt < q.attempts:
		q.log.Warn("apply leave failed, retrying", zap.String("group_id", notice.GroupID), zap.Int("attempt", attempt), zap.Error(err))
		time.AfterFunc(q.backoff*time.Duration(attempt), func() { q.submit(notice, attempt+1) })
	default:
		q.log.Error("apply leave failed", zap.String("group_id", notice.GroupID), zap.Error(err))
	}
}
