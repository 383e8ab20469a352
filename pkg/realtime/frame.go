package realtime

import (
	"encoding/json"
	"strings"
)

// Frame types on the realtime websocket.
const (
	FrameSubscribe   = "subscribe"
	FrameBroadcast   = "broadcast"
	FrameTrack       = "track"
	FrameUnsubscribe = "unsubscribe"

	FrameSubscribed    = "subscribed"
	FramePresenceSync  = "presence_sync"
	FramePresenceJoin  = "presence_join"
	FramePresenceLeave = "presence_leave"
	FrameError         = "error"
)

const topicPrefix = "room:"

// Frame is the single JSON envelope used in both directions.
type Frame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Identity  string          `json:"identity,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Members   []string        `json:"members,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Topic returns the channel name for a group.
func Topic(groupID string) string {
	return topicPrefix + groupID
}

// GroupFromTopic is the inverse of Topic.
func GroupFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, topicPrefix)
	return id, ok && id != ""
}
