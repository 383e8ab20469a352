package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/GhostRoom/config"
	"github.com/Gopher0727/GhostRoom/internal/services"
	"github.com/Gopher0727/GhostRoom/pkg/mq"
)

// LeaveApplier 由 services.MembershipService 实现
type LeaveApplier interface {
	Leave(ctx context.Context, groupID, sessionID string) (int, error)
}

// LeaveConsumer 消费网关排队的 leave 通知
type LeaveConsumer struct {
	members  LeaveApplier
	log      *zap.Logger
	attempts int
	backoff  time.Duration
}

func NewLeaveConsumer(members LeaveApplier, log *zap.Logger) *LeaveConsumer {
	return &LeaveConsumer{members: members, log: log, attempts: 5, backoff: 500 * time.Millisecond}
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (c *LeaveConsumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (c *LeaveConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 逐条应用 leave。存储暂时不可用时按退避重试；
// 会话集合保证重复投递不会重复扣减，重试用尽后也提交 offset，避免坏消息阻塞分区
func (c *LeaveConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if !c.handle(session.Context(), message) {
			// 会话结束，未提交的消息由下一个消费者重投
			return nil
		}
		session.MarkMessage(message, "")
	}
	return nil
}

// handle 返回 false 表示重试期间会话被取消，消息不应提交
func (c *LeaveConsumer) handle(ctx context.Context, message *sarama.ConsumerMessage) bool {
	notice, err := mq.DecodeLeave(message.Value)
	if err != nil {
		c.log.Warn("丢弃无效的 leave 消息", zap.Int64("offset", message.Offset), zap.Error(err))
		return true
	}

	var count int
	for attempt := 1; ; attempt++ {
		count, err = c.members.Leave(ctx, notice.GroupID, notice.SessionID)
		if !errors.Is(err, services.ErrTransient) || attempt >= c.attempts {
			break
		}
		c.log.Warn("queued leave failed, retrying", zap.String("group_id", notice.GroupID), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}

	switch {
	case err == nil:
		c.log.Info("queued leave applied",
			zap.String("group_id", notice.GroupID),
			zap.Int("active_user_count", count),
		)
	case errors.Is(err, services.ErrGroupNotFound):
		// 群组已被删除
	default:
		c.log.Error("apply queued leave failed", zap.String("group_id", notice.GroupID), zap.Error(err))
	}
	return true
}

// StartConsumer 启动消费者组，ctx 取消时退出。返回的 ConsumerGroup 由调用方关闭
func StartConsumer(ctx context.Context, cfg *config.KafkaConfig, consumer *LeaveConsumer, log *zap.Logger) (sarama.ConsumerGroup, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("创建消费者组客户端失败: %w", err)
	}

	go func() {
		for {
			if err := group.Consume(ctx, []string{cfg.Topic}, consumer); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				log.Warn("消费者错误", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return group, nil
}
