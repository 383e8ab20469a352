package chat

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

const (
	EventMessage = "message"
	EventTyping  = "typing"

	snippetLen = 50
)

// ReplyRef is a copy of the quoted message, never a pointer into the log.
type ReplyRef struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// Content is the plaintext inside the envelope.
type Content struct {
	Text    string    `json:"text"`
	ReplyTo *ReplyRef `json:"replyTo,omitempty"`
}

// Message is one entry of the local log.
type Message struct {
	ID        string
	Sender    string
	Timestamp time.Time
	Content   Content
}

// wireMessage is the broadcast payload; only the ciphertext carries content.
type wireMessage struct {
	ID               string `json:"id"`
	Sender           string `json:"sender"`
	Timestamp        string `json:"timestamp"`
	EncryptedPayload string `json:"encryptedPayload"`
}

type typingSignal struct {
	User     string `json:"user"`
	IsTyping bool   `json:"isTyping"`
}

// Snippet keeps the first 50 characters and marks the cut.
func Snippet(text string) string {
	if utf8.RuneCountInString(text) <= snippetLen {
		return text
	}
	return string([]rune(text)[:snippetLen]) + "..."
}

// decodeContent falls back to plain text for payloads that are not JSON content.
func decodeContent(plain string) Content {
	var c Content
	if err := json.Unmarshal([]byte(plain), &c); err != nil {
		return Content{Text: plain}
	}
	return c
}

func parseTimestamp(s string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return fallback
}
