// Package chat is the client side of an encrypted group conversation: the
// session state machine, reply snippets, mentions, invitation links and the
// HTTP client for the group API.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gopher0727/GhostRoom/pkg/envelope"
	"github.com/Gopher0727/GhostRoom/pkg/realtime"
	"github.com/Gopher0727/GhostRoom/utils/snowflake"
)

// MaxNameLen matches the gateway's identity limit.
const MaxNameLen = 64

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

type State int

const (
	StateUnkeyed State = iota
	StateKeyed
	StateNaming
	StateJoined
	StateLeft
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnkeyed:
		return "unkeyed"
	case StateKeyed:
		return "keyed"
	case StateNaming:
		return "naming"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// API is the part of the group API a session drives. *APIClient implements it.
type API interface {
	Join(ctx context.Context, groupID, sessionID string) (int, error)
	Heartbeat(ctx context.Context, groupID string) error
	Cleanup(ctx context.Context) (int, error)
}

// LeaveQueue delivers leave signals independently of the session. *Beacon implements it.
type LeaveQueue interface {
	Enqueue(groupID, sessionID string)
}

type ChangeKind int

const (
	ChangeState ChangeKind = iota
	ChangeMessage
	ChangePresence
	ChangeTyping
	ChangeRejection
)

// Change is passed to Config.OnChange. Message is set for ChangeMessage,
// Identity for presence joins and leaves.
type Change struct {
	Kind     ChangeKind
	Message  *Message
	Identity string
}

type Config struct {
	GroupID string
	Broker  realtime.Broker
	API     API
	Leaves  LeaveQueue
	Log     *zap.Logger

	// OnChange may be called from several goroutines.
	OnChange func(Change)

	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	TypingIdle        time.Duration
	RejectionTTL      time.Duration

	IDs *snowflake.Generator
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = 2 * time.Second
	}
	if c.RejectionTTL <= 0 {
		c.RejectionTTL = 3 * time.Second
	}
	if c.IDs == nil {
		c.IDs = snowflake.NewRandom()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session is one client's view of one group.
type Session struct {
	cfg       Config
	log       *zap.Logger
	sessionID string

	// op 串行化用户操作；mu 保护状态，网络调用期间不持有
	op sync.Mutex
	mu sync.Mutex

	state        State
	err          error
	key          *envelope.Key
	username     string
	watcher      realtime.Channel
	channel      realtime.Channel
	participants []string
	typing       map[string]struct{}
	messages     []Message
	seen         map[string]struct{}
	replyingTo   *ReplyRef

	rejection      string
	rejectionTimer *time.Timer
	typingActive   bool
	typingTimer    *time.Timer

	stopTimers chan struct{}
	timersDone chan struct{}
}

func NewSession(cfg Config) (*Session, error) {
	switch {
	case cfg.GroupID == "":
		return nil, errors.New("chat: group id is required")
	case cfg.Broker == nil:
		return nil, errors.New("chat: broker is required")
	case cfg.API == nil:
		return nil, errors.New("chat: api is required")
	case cfg.Leaves == nil:
		return nil, errors.New("chat: leave queue is required")
	}
	cfg.setDefaults()

	sessionID := uuid.NewString()
	return &Session{
		cfg:       cfg,
		log:       cfg.Log.With(zap.String("group_id", cfg.GroupID), zap.String("session_id", sessionID)),
		sessionID: sessionID,
		state:     StateUnkeyed,
		typing:    make(map[string]struct{}),
		seen:      make(map[string]struct{}),
	}, nil
}

// OpenInvitation imports the key from the link fragment. A bad key is terminal.
func (s *Session) OpenInvitation(exportedKey string) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.state != StateUnkeyed {
		s.mu.Unlock()
		return ErrInvalidState
	}
	key, err := envelope.Import(exportedKey)
	if err != nil {
		s.state, s.err = StateError, err
	} else {
		s.state, s.key = StateKeyed, key
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeState})
	return err
}

// BeginNaming watches presence without an identity, so name collisions can be checked.
func (s *Session) BeginNaming(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	if s.State() != StateKeyed {
		return ErrInvalidState
	}
	watcher, err := s.cfg.Broker.Subscribe(ctx, s.cfg.GroupID, realtime.SubscribeOptions{}, realtime.HandlerFuncs{
		PresenceSync: s.onWatcherSync,
	})
	if err != nil {
		return fmt.Errorf("watch group: %w", err)
	}

	s.mu.Lock()
	s.watcher, s.state = watcher, StateNaming
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeState})
	return nil
}

func (s *Session) onWatcherSync(members []string) {
	s.mu.Lock()
	if s.state != StateKeyed && s.state != StateNaming {
		s.mu.Unlock()
		return
	}
	s.participants = uniqueSorted(members)
	s.mu.Unlock()
	s.emit(Change{Kind: ChangePresence})
}

// ChooseName joins the group under name. ErrNameTaken keeps the session in Naming.
func (s *Session) ChooseName(ctx context.Context, name string) error {
	s.op.Lock()
	defer s.op.Unlock()

	name = strings.TrimSpace(name)
	s.mu.Lock()
	if s.state != StateNaming {
		s.mu.Unlock()
		return ErrInvalidState
	}
	switch {
	case name == "":
		s.mu.Unlock()
		return ErrNameRequired
	case utf8.RuneCountInString(name) > MaxNameLen:
		s.mu.Unlock()
		return ErrNameTooLong
	case s.isParticipantLocked(name):
		s.rejectLocked(name)
		s.mu.Unlock()
		s.emit(Change{Kind: ChangeRejection})
		return ErrNameTaken
	}
	s.mu.Unlock()

	ch, err := s.cfg.Broker.Subscribe(ctx, s.cfg.GroupID, realtime.SubscribeOptions{
		Identity:  name,
		SessionID: s.sessionID,
	}, s.handler())
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	s.username, s.channel = name, ch
	s.mu.Unlock()

	abort := func(cause error) error {
		_ = ch.Unsubscribe(context.WithoutCancel(ctx))
		s.mu.Lock()
		s.username, s.channel = "", nil
		s.mu.Unlock()
		return cause
	}

	if err := ch.TrackPresence(ctx, map[string]string{"joined_at": s.cfg.Now().UTC().Format(isoMillis)}); err != nil {
		return abort(fmt.Errorf("track presence: %w", err))
	}
	if _, err := s.cfg.API.Join(ctx, s.cfg.GroupID, s.sessionID); err != nil {
		return abort(fmt.Errorf("join group: %w", err))
	}

	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.state = StateJoined
	s.stopTimers = make(chan struct{})
	s.timersDone = make(chan struct{})
	stop, done := s.stopTimers, s.timersDone
	s.mu.Unlock()

	if watcher != nil {
		_ = watcher.Unsubscribe(ctx)
	}
	s.log.Info("joined group", zap.String("username", name))
	s.emit(Change{Kind: ChangeState})

	s.heartbeat()
	go s.runTimers(stop, done, ch.Done())
	return nil
}

func (s *Session) rejectLocked(name string) {
	msg := fmt.Sprintf("%q is already in this group", name)
	s.rejection = msg
	if s.rejectionTimer != nil {
		s.rejectionTimer.Stop()
	}
	s.rejectionTimer = time.AfterFunc(s.cfg.RejectionTTL, func() {
		s.mu.Lock()
		cleared := s.rejection == msg
		if cleared {
			s.rejection = ""
		}
		s.mu.Unlock()
		if cleared {
			s.emit(Change{Kind: ChangeRejection})
		}
	})
}

func (s *Session) isParticipantLocked(name string) bool {
	for _, p := range s.participants {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

func (s *Session) handler() realtime.Handler {
	return realtime.HandlerFuncs{
		Broadcast:     s.onBroadcast,
		PresenceSync:  s.onPresenceSync,
		PresenceJoin:  s.onPresenceJoin,
		PresenceLeave: s.onPresenceLeave,
	}
}

func (s *Session) onBroadcast(event string, payload json.RawMessage) {
	switch event {
	case EventMessage:
		s.receiveMessage(payload)
	case EventTyping:
		s.receiveTyping(payload)
	}
}

// receiveMessage drops anything it cannot decrypt; the session carries on.
func (s *Session) receiveMessage(payload json.RawMessage) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil || w.ID == "" {
		s.log.Debug("dropping malformed message payload")
		return
	}

	s.mu.Lock()
	key := s.key
	_, dup := s.seen[w.ID]
	left := s.state == StateLeft
	s.mu.Unlock()
	if dup || left {
		return
	}

	plain, err := envelope.Decrypt(w.EncryptedPayload, key)
	if err != nil {
		s.log.Warn("dropping message that failed to decrypt", zap.String("message_id", w.ID), zap.Error(err))
		return
	}

	msg := Message{
		ID:        w.ID,
		Sender:    w.Sender,
		Timestamp: parseTimestamp(w.Timestamp, s.cfg.Now()),
		Content:   decodeContent(plain),
	}
	s.mu.Lock()
	added := s.appendLocked(msg)
	s.mu.Unlock()
	if added {
		s.emit(Change{Kind: ChangeMessage, Message: &msg})
	}
}

func (s *Session) appendLocked(msg Message) bool {
	if _, dup := s.seen[msg.ID]; dup {
		return false
	}
	s.seen[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	return true
}

func (s *Session) receiveTyping(payload json.RawMessage) {
	var sig typingSignal
	if err := json.Unmarshal(payload, &sig); err != nil || sig.User == "" {
		return
	}

	s.mu.Lock()
	if sig.User == s.username {
		s.mu.Unlock()
		return
	}
	_, was := s.typing[sig.User]
	if sig.IsTyping {
		s.typing[sig.User] = struct{}{}
	} else {
		delete(s.typing, sig.User)
	}
	s.mu.Unlock()

	if was != sig.IsTyping {
		s.emit(Change{Kind: ChangeTyping, Identity: sig.User})
	}
}

// onPresenceSync replaces the participant set; typing entries for departed users go with it.
func (s *Session) onPresenceSync(members []string) {
	s.mu.Lock()
	s.participants = uniqueSorted(members)
	present := make(map[string]struct{}, len(s.participants))
	for _, m := range s.participants {
		present[m] = struct{}{}
	}
	for u := range s.typing {
		if _, ok := present[u]; !ok {
			delete(s.typing, u)
		}
	}
	s.mu.Unlock()
	s.emit(Change{Kind: ChangePresence})
}

func (s *Session) onPresenceJoin(identity string) {
	s.emit(Change{Kind: ChangePresence, Identity: identity})
}

func (s *Session) onPresenceLeave(identity string) {
	s.mu.Lock()
	_, typing := s.typing[identity]
	delete(s.typing, identity)
	s.mu.Unlock()

	if typing {
		s.emit(Change{Kind: ChangeTyping, Identity: identity})
	}
	s.emit(Change{Kind: ChangePresence, Identity: identity})
}

// Send encrypts and broadcasts text, then appends it locally without waiting for an echo.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	s.op.Lock()
	defer s.op.Unlock()

	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return Message{}, ErrInvalidState
	}
	key, username, ch, reply := s.key, s.username, s.channel, s.replyingTo
	s.mu.Unlock()

	content := Content{Text: text, ReplyTo: reply}
	plain, err := json.Marshal(content)
	if err != nil {
		return Message{}, err
	}
	bundle, err := envelope.Encrypt(string(plain), key)
	if err != nil {
		return Message{}, err
	}

	now := s.cfg.Now().UTC()
	w := wireMessage{
		ID:               s.cfg.IDs.NextString(),
		Sender:           username,
		Timestamp:        now.Format(isoMillis),
		EncryptedPayload: bundle,
	}
	if err := ch.Broadcast(ctx, EventMessage, w); err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	msg := Message{ID: w.ID, Sender: username, Timestamp: now, Content: content}
	s.mu.Lock()
	s.appendLocked(msg)
	s.replyingTo = nil
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeMessage, Message: &msg})

	s.stopTyping(ctx)
	return msg, nil
}

// ReplyTo quotes a message from the local log in the next Send.
func (s *Session) ReplyTo(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if m := s.messages[i]; m.ID == messageID {
			s.replyingTo = &ReplyRef{ID: m.ID, Sender: m.Sender, Text: Snippet(m.Content.Text)}
			return nil
		}
	}
	return ErrUnknownMessage
}

func (s *Session) CancelReply() {
	s.mu.Lock()
	s.replyingTo = nil
	s.mu.Unlock()
}

// Typing is called on every keystroke. The first one announces typing; the
// stop follows TypingIdle after the last one, or on Send.
func (s *Session) Typing(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return nil
	}
	start := !s.typingActive
	s.typingActive = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.cfg.TypingIdle, func() {
		s.stopTyping(context.Background())
	})
	ch, user := s.channel, s.username
	s.mu.Unlock()

	if !start {
		return nil
	}
	return ch.Broadcast(ctx, EventTyping, typingSignal{User: user, IsTyping: true})
}

func (s *Session) stopTyping(ctx context.Context) {
	s.mu.Lock()
	if !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	ch, user, joined := s.channel, s.username, s.state == StateJoined
	s.mu.Unlock()

	if !joined {
		return
	}
	if err := ch.Broadcast(ctx, EventTyping, typingSignal{User: user, IsTyping: false}); err != nil {
		s.log.Debug("typing stop not delivered", zap.Error(err))
	}
}

// Leave is safe to call from any state and more than once. From Joined it
// queues the leave signal before unsubscribing.
func (s *Session) Leave(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	prev := s.state
	switch prev {
	case StateLeft, StateError:
		s.mu.Unlock()
		return nil
	case StateJoined:
	default:
		watcher := s.watcher
		s.watcher, s.state = nil, StateLeft
		s.mu.Unlock()
		if watcher != nil {
			_ = watcher.Unsubscribe(ctx)
		}
		s.emit(Change{Kind: ChangeState})
		return nil
	}

	ch, stop, done := s.channel, s.stopTimers, s.timersDone
	s.state = StateLeft
	s.typingActive = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.cfg.Leaves.Enqueue(s.cfg.GroupID, s.sessionID)
	err := ch.Unsubscribe(ctx)
	s.log.Info("left group")
	s.emit(Change{Kind: ChangeState})
	return err
}

func (s *Session) runTimers(stop <-chan struct{}, done chan<- struct{}, lost <-chan struct{}) {
	defer close(done)

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-stop:
			return
		case <-lost:
			s.disconnected()
			return
		case <-heartbeat.C:
			s.heartbeat()
		case <-sweep.C:
			s.sweep()
		}
	}
}

// disconnected 连接意外断开，补发 leave
func (s *Session) disconnected() {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return
	}
	s.state, s.err = StateError, ErrDisconnected
	s.mu.Unlock()

	s.log.Warn("realtime connection lost")
	s.cfg.Leaves.Enqueue(s.cfg.GroupID, s.sessionID)
	s.emit(Change{Kind: ChangeState})
}

// heartbeat failures are logged; the next tick retries.
func (s *Session) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cfg.API.Heartbeat(ctx, s.cfg.GroupID); err != nil {
		s.log.Warn("heartbeat failed", zap.Error(err))
	}
}

func (s *Session) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := s.cfg.API.Cleanup(ctx)
	if err != nil {
		s.log.Debug("cleanup sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("cleanup sweep removed idle groups", zap.Int("deleted", n))
	}
}

func (s *Session) emit(c Change) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(c)
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the cause of StateError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) SessionID() string {
	return s.sessionID
}

func (s *Session) GroupID() string {
	return s.cfg.GroupID
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.participants...)
}

func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// TypingUsers sorted, never includes self.
func (s *Session) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing))
	for u := range s.typing {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Session) ReplyingTo() *ReplyRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyingTo == nil {
		return nil
	}
	r := *s.replyingTo
	return &r
}

// Rejection is the pending name-collision notice, empty once it clears.
func (s *Session) Rejection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejection
}

// Suggestions completes a trailing "@partial" in draft against the participants.
func (s *Session) Suggestions(draft string) []string {
	partial, ok := ActiveMention(draft)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Suggest(partial, s.participants, s.username)
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, dup := seen[v]; dup || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
