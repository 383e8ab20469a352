package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/GhostRoom/pkg/envelope"
	"github.com/Gopher0727/GhostRoom/pkg/realtime"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeAPI struct {
	mu         sync.Mutex
	joins      []string
	heartbeats int
	cleanups   int
	joinErr    error
}

func (f *fakeAPI) Join(_ context.Context, groupID, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return 0, f.joinErr
	}
	f.joins = append(f.joins, groupID+"/"+sessionID)
	return len(f.joins), nil
}

func (f *fakeAPI) Heartbeat(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return errors.New("heartbeat failures are swallowed")
}

func (f *fakeAPI) Cleanup(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return 0, nil
}

func (f *fakeAPI) counts() (joins, heartbeats, cleanups int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins), f.heartbeats, f.cleanups
}

type fakeLeaves struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeLeaves) Enqueue(groupID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, groupID+"/"+sessionID)
}

func (f *fakeLeaves) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	broker   *realtime.MemoryBroker
	api      *fakeAPI
	leaves   *fakeLeaves
	key      *envelope.Key
	exported string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := envelope.GenerateKey()
	require.NoError(t, err)
	exported, err := envelope.Export(key)
	require.NoError(t, err)
	return &harness{
		broker:   realtime.NewMemoryBroker(),
		api:      &fakeAPI{},
		leaves:   &fakeLeaves{},
		key:      key,
		exported: exported,
	}
}

func (h *harness) session(t *testing.T, mutate ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		GroupID:      "g1",
		Broker:       h.broker,
		API:          h.api,
		Leaves:       h.leaves,
		TypingIdle:   50 * time.Millisecond,
		RejectionTTL: 50 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s
}

// joined 打开邀请、等待 presence 同步，然后以 name 加入
func (h *harness) joined(t *testing.T, name string, mutate ...func(*Config)) *Session {
	t.Helper()
	s := h.session(t, mutate...)
	require.NoError(t, s.OpenInvitation(h.exported))
	require.NoError(t, s.BeginNaming(context.Background()))
	require.NoError(t, s.ChooseName(context.Background(), name))
	t.Cleanup(func() { _ = s.Leave(context.Background()) })
	return s
}

func waitParticipants(t *testing.T, s *Session, want ...string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return strings.Join(s.Participants(), ",") == strings.Join(want, ",")
	}, waitFor, tick, "participants of %s", s.Username())
}

func TestSession_InvalidKeyIsTerminal(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)

	err := s.OpenInvitation(`{"kty":"oct","k":"short","alg":"A256GCM"}`)
	assert.ErrorIs(t, err, envelope.ErrInvalidKey)
	assert.Equal(t, StateError, s.State())
	assert.ErrorIs(t, s.Err(), envelope.ErrInvalidKey)

	assert.ErrorIs(t, s.OpenInvitation(h.exported), ErrInvalidState)
	assert.ErrorIs(t, s.BeginNaming(context.Background()), ErrInvalidState)
}

func TestSession_StateOrder(t *testing.T) {
	h := newHarness(t)
	s := h.session(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.ChooseName(ctx, "alice"), ErrInvalidState)
	_, err := s.Send(ctx, "hi")
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.OpenInvitation(h.exported))
	assert.Equal(t, StateKeyed, s.State())
	require.NoError(t, s.BeginNaming(ctx))
	assert.Equal(t, StateNaming, s.State())

	assert.ErrorIs(t, s.ChooseName(ctx, "   "), ErrNameRequired)
	assert.ErrorIs(t, s.ChooseName(ctx, strings.Repeat("n", MaxNameLen+1)), ErrNameTooLong)

	require.NoError(t, s.Leave(ctx))
	assert.Equal(t, StateLeft, s.State())
	assert.Empty(t, h.leaves.snapshot(), "never joined, nothing to leave")
}

func TestSession_JoinRegistersEverywhere(t *testing.T) {
	h := newHarness(t)
	alice := h.joined(t, "alice")

	assert.Equal(t, StateJoined, alice.State())
	assert.Equal(t, []string{"alice"}, h.broker.Members("g1"))
	joins, heartbeats, _ := h.api.counts()
	assert.Equal(t, 1, joins)
	assert.Equal(t, 1, heartbeats, "heartbeat right after join, even though it fails")
	waitParticipants(t, alice, "alice")
}

func TestSession_NameCollisionStaysNaming(t *testing.T) {
	h := newHarness(t)
	h.joined(t, "alice")

	bob := h.session(t)
	require.NoError(t, bob.OpenInvitation(h.exported))
	require.NoError(t, bob.BeginNaming(context.Background()))
	waitParticipants(t, bob, "alice")

	err := bob.ChooseName(context.Background(), "ALICE")
	assert.ErrorIs(t, err, ErrNameTaken)
	assert.Equal(t, StateNaming, bob.State())
	assert.NotEmpty(t, bob.Rejection())
	assert.Eventually(t, func() bool { return bob.Rejection() == "" }, waitFor, tick)

	require.NoError(t, bob.ChooseName(context.Background(), "bob"))
	assert.Equal(t, StateJoined, bob.State())
	waitParticipants(t, bob, "alice", "bob")
}

func TestSession_SendAndReceive(t *testing.T) {
	h := newHarness(t)
	alice := h.joined(t, "alice")
	bob := h.joined(t, "bob")
	waitParticipants(t, alice, "alice", "bob")

	sent, err := alice.Send(context.Background(), "hello @Bob")
	require.NoError(t, err)

	require.Len(t, alice.Messages(), 1, "optimistic local append")
	assert.Eventually(t, func() bool { return len(bob.Messages()) == 1 }, waitFor, tick)

	got := bob.Messages()[0]
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "hello @Bob", got.Content.Text)
	assert.Equal(t, []string{"bob"}, Mentions(got.Content.Text, bob.Participants()))

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, alice.Messages(), 1, "no echo to the sender")

	_, err = alice.Send(context.Background(), "  \n")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

// raw 订阅者直接广播 wire payload
func rawPublisher(t *testing.T, h *harness) realtime.Channel {
	t.Helper()
	ch, err := h.broker.Subscribe(context.Background(), "g1", realtime.SubscribeOptions{}, realtime.HandlerFuncs{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Unsubscribe(context.Background()) })
	return ch
}

func sealed(t *testing.T, key *envelope.Key, id, plain string) wireMessage {
	t.Helper()
	bundle, err := envelope.Encrypt(plain, key)
	require.NoError(t, err)
	return wireMessage{ID: id, Sender: "mallory", Timestamp: "2026-03-01T20:00:00.000Z", EncryptedPayload: bundle}
}

func TestSession_DedupByID(t *testing.T) {
	h := newHarness(t)
	bob := h.joined(t, "bob")
	raw := rawPublisher(t, h)

	w := sealed(t, h.key, "m1", `{"text":"once"}`)
	require.NoError(t, raw.Broadcast(context.Background(), EventMessage, w))
	require.NoError(t, raw.Broadcast(context.Background(), EventMessage, w))
	require.NoError(t, raw.Broadcast(context.Background(), EventMessage, sealed(t, h.key, "m2", `{"text":"twice"}`)))

	assert.Eventually(t, func() bool { return len(bob.Messages()) == 2 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	msgs := bob.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC), msgs[0].Timestamp.UTC())
}

func TestSession_BadPayloadsAreDropped(t *testing.T) {
	h := newHarness(t)
	bob := h.joined(t, "bob")
	raw := rawPublisher(t, h)
	ctx := context.Background()

	other, err := envelope.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, raw.Broadcast(ctx, EventMessage, sealed(t, other, "foreign", `{"text":"x"}`)))
	require.NoError(t, raw.Broadcast(ctx, EventMessage, json.RawMessage(`"not an object"`)))
	require.NoError(t, raw.Broadcast(ctx, EventMessage, wireMessage{ID: "garbage", EncryptedPayload: "!!"}))
	require.NoError(t, raw.Broadcast(ctx, EventMessage, sealed(t, h.key, "plain", "just text")))

	assert.Eventually(t, func() bool { return len(bob.Messages()) == 1 }, waitFor, tick)
	msg := bob.Messages()[0]
	assert.Equal(t, "plain", msg.ID)
	assert.Equal(t, "just text", msg.Content.Text, "non-JSON plaintext falls back to text")
	assert.Equal(t, StateJoined, bob.State())
}

func TestSession_ReplySnippet(t *testing.T) {
	h := newHarness(t)
	alice := h.joined(t, "alice")
	bob := h.joined(t, "bob")
	ctx := context.Background()

	long := strings.Repeat("a", 60)
	orig, err := alice.Send(ctx, long)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(bob.Messages()) == 1 }, waitFor, tick)

	assert.ErrorIs(t, bob.ReplyTo("nope"), ErrUnknownMessage)
	require.NoError(t, bob.ReplyTo(orig.ID))
	require.NotNil(t, bob.ReplyingTo())

	reply, err := bob.Send(ctx, "agreed")
	require.NoError(t, err)
	require.NotNil(t, reply.Content.ReplyTo)
	assert.Equal(t, orig.ID, reply.Content.ReplyTo.ID)
	assert.Equal(t, "alice", reply.Content.ReplyTo.Sender)
	assert.Equal(t, strings.Repeat("a", 50)+"...", reply.Content.ReplyTo.Text)
	assert.Nil(t, bob.ReplyingTo(), "reply pointer clears after send")

	assert.Eventually(t, func() bool { return len(alice.Messages()) == 2 }, waitFor, tick)
	assert.Equal(t, orig.ID, alice.Messages()[1].Content.ReplyTo.ID)
}

func TestSession_TypingAutoStops(t *testing.T) {
	h := newHarness(t)
	alice := h.joined(t, "alice")
	bob := h.joined(t, "bob")
	ctx := context.Background()

	require.NoError(t, alice.Typing(ctx))
	require.NoError(t, alice.Typing(ctx))
	assert.Eventually(t, func() bool { return strings.Join(bob.TypingUsers(), ",") == "alice" }, waitFor, tick)
	assert.Empty(t, alice.TypingUsers(), "self is never listed")

	assert.Eventually(t, func() bool { return len(bob.TypingUsers()) == 0 }, waitFor, tick)
}

func TestSession_SendStopsTyping(t *testing.T) {
	h := newHarness(t)
	alice := h.joined(t, "alice", func(c *Config) { c.TypingIdle = time.Hour })
	bob := h.joined(t, "bob")
	ctx := context.Background()

	require.NoError(t, alice.Typing(ctx))
	assert.Eventually(t, func() bool { return len(bob.TypingUsers()) == 1 }, waitFor, tick)

	_, err := alice.Send(ctx, "done")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(bob.TypingUsers()) == 0 }, waitFor, tick)
}

func TestSession_LeaveQueuesAndUnsubscribes(t *testing.T) {
	h := newHarness(t)
	alice := h.joined(t, "alice")
	bob := h.joined(t, "bob")
	waitParticipants(t, bob, "alice", "bob")

	require.NoError(t, alice.Leave(context.Background()))
	assert.Equal(t, StateLeft, alice.State())
	assert.Equal(t, []string{"g1/" + alice.SessionID()}, h.leaves.snapshot())
	waitParticipants(t, bob, "bob")

	require.NoError(t, alice.Leave(context.Background()))
	assert.Len(t, h.leaves.snapshot(), 1, "second leave is a no-op")

	_, err := alice.Send(context.Background(), "still here?")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestSession_JoinFailureStaysNaming(t *testing.T) {
	h := newHarness(t)
	h.api.joinErr = &APIError{Status: 404, Message: "Group not found"}
	s := h.session(t)
	require.NoError(t, s.OpenInvitation(h.exported))
	require.NoError(t, s.BeginNaming(context.Background()))

	err := s.ChooseName(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.Equal(t, StateNaming, s.State())
	assert.Empty(t, h.broker.Members("g1"))
	assert.Empty(t, s.Username())
}

func TestSession_PeriodicHeartbeatAndSweep(t *testing.T) {
	h := newHarness(t)
	s := h.joined(t, "alice", func(c *Config) {
		c.HeartbeatInterval = 10 * time.Millisecond
		c.SweepInterval = 10 * time.Millisecond
	})

	assert.Eventually(t, func() bool {
		_, hb, sw := h.api.counts()
		return hb >= 3 && sw >= 2
	}, waitFor, tick)

	require.NoError(t, s.Leave(context.Background()))
	_, before, _ := h.api.counts()
	time.Sleep(50 * time.Millisecond)
	_, after, _ := h.api.counts()
	assert.Equal(t, before, after, "timers stop on leave")
}

// lossyBroker 的 channel 可以被测试强制断开
type lossyBroker struct {
	*realtime.MemoryBroker
	lost chan struct{}
}

type lossyChannel struct {
	realtime.Channel
	lost chan struct{}
}

func (b *lossyBroker) Subscribe(ctx context.Context, groupID string, opts realtime.SubscribeOptions, h realtime.Handler) (realtime.Channel, error) {
	ch, err := b.MemoryBroker.Subscribe(ctx, groupID, opts, h)
	if err != nil || opts.Identity == "" {
		return ch, err
	}
	return &lossyChannel{Channel: ch, lost: b.lost}, nil
}

func (c *lossyChannel) Done() <-chan struct{} {
	return c.lost
}

func TestSession_DisconnectQueuesLeave(t *testing.T) {
	h := newHarness(t)
	lossy := &lossyBroker{MemoryBroker: h.broker, lost: make(chan struct{})}
	s := h.joined(t, "alice", func(c *Config) { c.Broker = lossy })

	close(lossy.lost)
	assert.Eventually(t, func() bool { return s.State() == StateError }, waitFor, tick)
	assert.ErrorIs(t, s.Err(), ErrDisconnected)
	assert.Equal(t, []string{"g1/" + s.SessionID()}, h.leaves.snapshot())
}

func TestSession_Suggestions(t *testing.T) {
	h := newHarness(t)
	alice := h.joined(t, "alice")
	h.joined(t, "albert")
	h.joined(t, "bob")
	waitParticipants(t, alice, "albert", "alice", "bob")

	assert.Equal(t, []string{"albert"}, alice.Suggestions("hey @Al"))
	assert.Equal(t, []string{"albert", "bob"}, alice.Suggestions("@"))
	assert.Nil(t, alice.Suggestions("no mention"))
}

func TestSession_OnChange(t *testing.T) {
	h := newHarness(t)
	var (
		mu    sync.Mutex
		kinds = map[ChangeKind]int{}
	)
	alice := h.joined(t, "alice", func(c *Config) {
		c.OnChange = func(ch Change) {
			mu.Lock()
			defer mu.Unlock()
			kinds[ch.Kind]++
		}
	})
	_, err := alice.Send(context.Background(), "hi")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, kinds[ChangeState], 3)
	assert.Equal(t, 1, kinds[ChangeMessage])
}

func TestNewSession_RequiresCollaborators(t *testing.T) {
	_, err := NewSession(Config{})
	assert.Error(t, err)
	_, err = NewSession(Config{GroupID: "g", Broker: realtime.NewMemoryBroker(), API: &fakeAPI{}})
	assert.Error(t, err)
}
