// Package realtime is the client side of the group broker: one Channel per
// group with fire-and-forget broadcast and a presence set keyed by identity.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrClosed       = errors.New("realtime: channel closed")
	ErrNoIdentity   = errors.New("realtime: presence needs an identity")
	ErrSubscription = errors.New("realtime: subscribe rejected")
)

// Handler receives channel events. Calls for one Channel are made from a
// single goroutine, in the order the broker delivered them.
type Handler interface {
	OnBroadcast(event string, payload json.RawMessage)
	OnPresenceSync(members []string)
	OnPresenceJoin(identity string)
	OnPresenceLeave(identity string)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Broadcast     func(event string, payload json.RawMessage)
	PresenceSync  func(members []string)
	PresenceJoin  func(identity string)
	PresenceLeave func(identity string)
}

func (h HandlerFuncs) OnBroadcast(event string, payload json.RawMessage) {
	if h.Broadcast != nil {
		h.Broadcast(event, payload)
	}
}

func (h HandlerFuncs) OnPresenceSync(members []string) {
	if h.PresenceSync != nil {
		h.PresenceSync(members)
	}
}

func (h HandlerFuncs) OnPresenceJoin(identity string) {
	if h.PresenceJoin != nil {
		h.PresenceJoin(identity)
	}
}

func (h HandlerFuncs) OnPresenceLeave(identity string) {
	if h.PresenceLeave != nil {
		h.PresenceLeave(identity)
	}
}

// SubscribeOptions identify the subscriber. Identity may be empty for a
// watch-only subscription; SessionID lets the server queue a leave when the
// connection drops without Unsubscribe.
type SubscribeOptions struct {
	Identity  string
	SessionID string
}

// Broker opens channels.
type Broker interface {
	Subscribe(ctx context.Context, groupID string, opts SubscribeOptions, h Handler) (Channel, error)
}

// Channel is a live subscription to one group.
type Channel interface {
	// Broadcast sends payload to every other current subscriber. It is not echoed back.
	Broadcast(ctx context.Context, event string, payload any) error
	// TrackPresence registers the subscription's identity in the presence set.
	TrackPresence(ctx context.Context, meta any) error
	// Unsubscribe leaves the presence set and closes the channel.
	Unsubscribe(ctx context.Context) error
	// Done is closed when the channel ends for any reason.
	Done() <-chan struct{}
}

func marshalRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
