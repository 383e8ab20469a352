package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/GhostRoom/config"
	rt "github.com/Gopher0727/GhostRoom/pkg/realtime"
)

// 每个 topic 对应 redis 频道 realtime:room:{groupId}，所有网关节点通过 PSUBSCRIBE 接收
const redisChannelPrefix = "realtime:"

// envelope 节点间转发的帧，Origin 为发送连接，扇出时跳过它
type envelope struct {
	Origin string   `json:"origin,omitempty"`
	Frame  rt.Frame `json:"frame"`
}

// Hub 维护本节点上按 topic 分组的连接，并通过 redis pub/sub 在节点间广播
type Hub struct {
	// topic -> 本节点上的连接
	rooms map[string]map[*Client]struct{}
	mu    sync.RWMutex
	// 未完成 cleanup 的连接
	conns sync.WaitGroup

	rdb      *redis.Client
	pubsub   *redis.PubSub
	presence *Presence
	leaves   LeaveNotifier
	cfg      config.RealtimeConfig
	node     string
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewHub(rdb *redis.Client, cfg config.RealtimeConfig, node string, leaves LeaveNotifier, log *zap.Logger) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*Client]struct{}),
		rdb:      rdb,
		presence: NewPresence(rdb),
		leaves:   leaves,
		cfg:      cfg,
		node:     node,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start 订阅 redis，确认订阅生效后才返回
func (h *Hub) Start(ctx context.Context) error {
	pubsub := h.rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("订阅 redis 失败: %w", err)
	}
	h.pubsub = pubsub
	go h.run(pubsub.Channel())
	return nil
}

func (h *Hub) run(ch <-chan *redis.Message) {
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			h.log.Warn("invalid relay payload", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		data, err := json.Marshal(env.Frame)
		if err != nil {
			continue
		}
		h.fanout(strings.TrimPrefix(msg.Channel, redisChannelPrefix), env.Origin, data)
	}
}

// fanout 发给本节点 topic 下的所有连接，跳过 origin
func (h *Hub) fanout(topic, origin string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[topic] {
		if c.id == origin {
			continue
		}
		c.enqueue(data)
	}
}

func (h *Hub) publish(ctx context.Context, topic, origin string, f rt.Frame) error {
	payload, err := json.Marshal(envelope{Origin: origin, Frame: f})
	if err != nil {
		return err
	}
	return h.rdb.Publish(ctx, redisChannelPrefix+topic, payload).Err()
}

// publishPresence 广播 join/leave（可选）以及最新的完整成员列表
func (h *Hub) publishPresence(ctx context.Context, topic string, change rt.Frame) {
	if change.Type != "" {
		if err := h.publish(ctx, topic, "", change); err != nil {
			h.log.Warn("publish presence change failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	members, err := h.presence.Members(ctx, topic)
	if err != nil {
		h.log.Warn("read presence failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := h.publish(ctx, topic, "", rt.Frame{Type: rt.FramePresenceSync, Members: members}); err != nil {
		h.log.Warn("publish presence sync failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.topic]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[c.topic] = room
	}
	room[c] = struct{}{}
}

// unregister 移出房间并关闭发送通道。持有写锁，fanout 不会再写入该通道
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[c.topic]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.topic)
		}
	}
	c.closeSend()
}

// LocalConnections 本节点某个群组的连接数
func (h *Hub) LocalConnections(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[rt.Topic(groupID)])
}

// Close 断开所有连接，等待它们的 cleanup（包括排队 leave）完成后取消 redis 订阅
func (h *Hub) Close() error {
	h.mu.RLock()
	for _, room := range h.rooms {
		for c := range room {
			c.kill()
		}
	}
	h.mu.RUnlock()
	h.conns.Wait()
	if h.pubsub != nil {
		return h.pubsub.Close()
	}
	return nil
}
