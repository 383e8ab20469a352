package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Gopher0727/GhostRoom/internal/observability"
	"github.com/Gopher0727/GhostRoom/pkg/mq"
	rt "github.com/Gopher0727/GhostRoom/pkg/realtime"
)

const maxIdentityLen = 64

// Client 一个 websocket 连接，只订阅一个 topic
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
	log  *zap.Logger

	topic     string
	groupID   string
	identity  string
	sessionID string
	tracked   bool
	// clean 客户端显式 unsubscribe
	clean bool

	sendOnce sync.Once
	killOnce sync.Once
}

// ServeWS 升级连接并启动读写协程
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("升级 websocket 失败", zap.Error(err))
		return
	}

	sendBuffer := h.cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   uuid.NewString(),
		log:  h.log,
	}
	observability.IncWSActive()
	h.conns.Add(1)

	go client.writePump()
	go client.readPump()
}

func (c *Client) pongWait() time.Duration {
	if c.hub.cfg.PongWait > 0 {
		return c.hub.cfg.PongWait
	}
	return 60 * time.Second
}

func (c *Client) writeWait() time.Duration {
	if c.hub.cfg.WriteWait > 0 {
		return c.hub.cfg.WriteWait
	}
	return 10 * time.Second
}

// readPump 读取客户端帧。第一帧必须是 subscribe
func (c *Client) readPump() {
	defer c.cleanup()

	if limit := c.hub.cfg.MaxMessageSize; limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	ctx := context.Background()

	first, ok := c.readFrame()
	if !ok {
		return
	}
	if !c.subscribe(ctx, first) {
		return
	}

	for {
		f, ok := c.readFrame()
		if !ok {
			return
		}
		switch f.Type {
		case rt.FrameBroadcast:
			c.broadcast(ctx, f)
		case rt.FrameTrack:
			c.track(ctx)
		case rt.FrameUnsubscribe:
			c.clean = true
			return
		default:
			c.sendFrame(rt.Frame{Type: rt.FrameError, Error: "unknown frame type"})
		}
	}
}

func (c *Client) readFrame() (rt.Frame, bool) {
	var f rt.Frame
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.log.Debug("websocket closed", zap.String("topic", c.topic), zap.Error(err))
		}
		return f, false
	}
	if err := json.Unmarshal(data, &f); err != nil {
		c.sendFrame(rt.Frame{Type: rt.FrameError, Error: "invalid frame"})
		return f, true
	}
	return f, true
}

func (c *Client) subscribe(ctx context.Context, f rt.Frame) bool {
	if f.Type != rt.FrameSubscribe {
		c.sendFrame(rt.Frame{Type: rt.FrameError, Error: "first frame must be subscribe"})
		return false
	}
	groupID, ok := rt.GroupFromTopic(f.Topic)
	if !ok {
		c.sendFrame(rt.Frame{Type: rt.FrameError, Error: "invalid topic"})
		return false
	}
	if utf8.RuneCountInString(f.Identity) > maxIdentityLen {
		c.sendFrame(rt.Frame{Type: rt.FrameError, Error: "identity too long"})
		return false
	}

	c.topic, c.groupID = f.Topic, groupID
	c.identity, c.sessionID = f.Identity, f.SessionID
	c.log = c.hub.log.With(zap.String("group_id", groupID), zap.String("conn", c.id))
	c.hub.register(c)
	c.sendFrame(rt.Frame{Type: rt.FrameSubscribed, Topic: c.topic})

	members, err := c.hub.presence.Members(ctx, c.topic)
	if err != nil {
		c.log.Warn("read presence failed", zap.Error(err))
		members = []string{}
	}
	c.sendFrame(rt.Frame{Type: rt.FramePresenceSync, Members: members})
	return true
}

func (c *Client) broadcast(ctx context.Context, f rt.Frame) {
	if f.Event == "" {
		c.sendFrame(rt.Frame{Type: rt.FrameError, Error: "broadcast needs an event"})
		return
	}
	out := rt.Frame{Type: rt.FrameBroadcast, Event: f.Event, Payload: f.Payload}
	if err := c.hub.publish(ctx, c.topic, c.id, out); err != nil {
		c.log.Warn("relay broadcast failed", zap.Error(err))
		c.sendFrame(rt.Frame{Type: rt.FrameError, Error: "broadcast failed"})
		return
	}
	observability.IncBroadcastRelayed(eventLabel(f.Event))
}

func (c *Client) track(ctx context.Context) {
	if c.identity == "" {
		c.sendFrame(rt.Frame{Type: rt.FrameError, Error: "identity required to track presence"})
		return
	}
	if c.tracked {
		return
	}
	first, err := c.hub.presence.Track(ctx, c.topic, c.identity)
	if err != nil {
		c.log.Warn("track presence failed", zap.Error(err))
		c.sendFrame(rt.Frame{Type: rt.FrameError, Error: "track failed"})
		return
	}
	c.tracked = true

	var change rt.Frame
	if first {
		change = rt.Frame{Type: rt.FramePresenceJoin, Identity: c.identity}
	}
	c.hub.publishPresence(ctx, c.topic, change)
}

// cleanup 撤销在线状态，离开房间；非显式退出时补发 leave
func (c *Client) cleanup() {
	defer c.hub.conns.Done()
	ctx, cancel := context.WithTimeout(context.Background(), c.writeWait())
	defer cancel()

	if c.tracked {
		last, err := c.hub.presence.Untrack(ctx, c.topic, c.identity)
		if err != nil {
			c.log.Warn("untrack presence failed", zap.Error(err))
		}
		var change rt.Frame
		if last {
			change = rt.Frame{Type: rt.FramePresenceLeave, Identity: c.identity}
		}
		c.hub.publishPresence(ctx, c.topic, change)
	}

	c.hub.unregister(c)
	observability.DecWSActive()

	if !c.clean && c.tracked && c.sessionID != "" && c.hub.leaves != nil {
		c.log.Info("connection dropped without unsubscribe, queueing leave")
		c.hub.leaves.NotifyLeave(mq.LeaveNotice{
			GroupID:   c.groupID,
			SessionID: c.sessionID,
			Identity:  c.identity,
			Node:      c.hub.node,
			At:        time.Now().UTC(),
		})
	}
}

// writePump 把 send 中的帧写到连接，并定期 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pongWait() * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait()))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendFrame(f rt.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue 发送缓冲满时断开慢连接
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, dropping connection")
		c.kill()
	}
}

func (c *Client) closeSend() {
	c.sendOnce.Do(func() { close(c.send) })
}

func (c *Client) kill() {
	c.killOnce.Do(func() { _ = c.conn.Close() })
}

func eventLabel(event string) string {
	switch event {
	case "message", "typing":
		return event
	default:
		return "other"
	}
}
