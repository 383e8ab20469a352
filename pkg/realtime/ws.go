package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait     = 10 * time.Second
	defaultSubscribeWait = 10 * time.Second
)

// WSBroker talks to the gateway over one websocket per subscription.
type WSBroker struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger
}

// NewWSBroker url is the gateway endpoint, e.g. ws://localhost:9000/realtime.
func NewWSBroker(url string, log *zap.Logger) *WSBroker {
	return &WSBroker{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultSubscribeWait,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		log: log,
	}
}

func (b *WSBroker) Subscribe(ctx context.Context, groupID string, opts SubscribeOptions, h Handler) (Channel, error) {
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime gateway: %w", err)
	}

	ch := &wsChannel{
		conn:    conn,
		handler: h,
		log:     b.log.With(zap.String("topic", Topic(groupID))),
		done:    make(chan struct{}),
	}

	err = ch.write(ctx, Frame{
		Type:      FrameSubscribe,
		Topic:     Topic(groupID),
		Identity:  opts.Identity,
		SessionID: opts.SessionID,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.awaitSubscribed(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	go ch.readLoop()
	return ch, nil
}

type wsChannel struct {
	conn    *websocket.Conn
	handler Handler
	log     *zap.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsChannel) awaitSubscribed(ctx context.Context) error {
	deadline := time.Now().Add(defaultSubscribeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("await subscription: %w", err)
		}
		switch f.Type {
		case FrameSubscribed:
			return nil
		case FrameError:
			return fmt.Errorf("%w: %s", ErrSubscription, f.Error)
		default:
			c.dispatch(f)
		}
	}
}

func (c *wsChannel) readLoop() {
	defer c.terminate()
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("realtime connection ended", zap.Error(err))
			}
			return
		}
		c.dispatch(f)
	}
}

func (c *wsChannel) dispatch(f Frame) {
	switch f.Type {
	case FrameBroadcast:
		c.handler.OnBroadcast(f.Event, f.Payload)
	case FramePresenceSync:
		c.handler.OnPresenceSync(f.Members)
	case FramePresenceJoin:
		c.handler.OnPresenceJoin(f.Identity)
	case FramePresenceLeave:
		c.handler.OnPresenceLeave(f.Identity)
	case FrameError:
		c.log.Warn("gateway reported error", zap.String("error", f.Error))
	}
}

func (c *wsChannel) write(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(defaultWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (c *wsChannel) Broadcast(ctx context.Context, event string, payload any) error {
	raw, err := marshalRaw(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, Frame{Type: FrameBroadcast, Event: event, Payload: raw})
}

func (c *wsChannel) TrackPresence(ctx context.Context, meta any) error {
	raw, err := marshalRaw(meta)
	if err != nil {
		return err
	}
	return c.write(ctx, Frame{Type: FrameTrack, Meta: raw})
}

// Unsubscribe asks the gateway to drop presence, then waits for it to close the socket.
func (c *wsChannel) Unsubscribe(ctx context.Context) error {
	err := c.write(ctx, Frame{Type: FrameUnsubscribe})
	if errors.Is(err, ErrClosed) {
		return nil
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	c.terminate()
	return err
}

func (c *wsChannel) Done() <-chan struct{} {
	return c.done
}

func (c *wsChannel) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}
