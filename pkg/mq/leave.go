package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/Gopher0727/GhostRoom/config"
)

// LeaveNotice 网关观察到的异常断开，由 consumer 转成一次 leave
type LeaveNotice struct {
	GroupID   string    `json:"group_id"`
	SessionID string    `json:"session_id"`
	Identity  string    `json:"identity,omitempty"`
	Node      string    `json:"node,omitempty"`
	At        time.Time `json:"at"`
}

func (n LeaveNotice) Validate() error {
	if n.GroupID == "" || n.SessionID == "" {
		return errors.New("leave notice needs group_id and session_id")
	}
	return nil
}

// DecodeLeave parses a Kafka message value.
func DecodeLeave(value []byte) (LeaveNotice, error) {
	var n LeaveNotice
	if err := json.Unmarshal(value, &n); err != nil {
		return n, fmt.Errorf("反序列化 leave 消息失败: %w", err)
	}
	return n, n.Validate()
}

// LeaveProducer 同步生产者，按 group_id 分区保证同一群组内有序
type LeaveProducer struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// NewLeaveProducer connects to the brokers in cfg.
//
// Returns:
//   - *LeaveProducer: ready producer
//   - error: brokers unreachable; the caller should run in degraded mode
func NewLeaveProducer(cfg *config.KafkaConfig, log *zap.Logger) (*LeaveProducer, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Net.DialTimeout = 5 * time.Second
	sc.Metadata.Retry.Max = 2

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("启动 Sarama 生产者失败: %w", err)
	}
	return NewLeaveProducerFrom(producer, cfg.Topic, log), nil
}

// NewLeaveProducerFrom wraps an existing producer (tests pass sarama/mocks).
func NewLeaveProducerFrom(producer sarama.SyncProducer, topic string, log *zap.Logger) *LeaveProducer {
	return &LeaveProducer{producer: producer, topic: topic, log: log}
}

func (p *LeaveProducer) Publish(ctx context.Context, notice LeaveNotice) error {
	if err := notice.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if notice.At.IsZero() {
		notice.At = time.Now().UTC()
	}

	value, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(notice.GroupID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("发送消息到 kafka 失败: %w", err)
	}

	p.log.Debug("leave notice queued",
		zap.String("group_id", notice.GroupID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *LeaveProducer) Close() error {
	return p.producer.Close()
}
