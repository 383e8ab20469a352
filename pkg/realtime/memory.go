package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

const memoryInbox = 1024

// MemoryBroker is an in-process Broker with the same delivery rules as the
// gateway: no echo to the sender, reference-counted presence, and a sync
// after every presence change and on subscribe.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
}

type memTopic struct {
	subs     map[*memChannel]struct{}
	presence map[string]int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string]*memTopic)}
}

func (b *MemoryBroker) Subscribe(_ context.Context, groupID string, opts SubscribeOptions, h Handler) (Channel, error) {
	c := &memChannel{
		broker: b,
		topic:  Topic(groupID),
		opts:   opts,
		h:      h,
		inbox:  make(chan func(), memoryInbox),
		done:   make(chan struct{}),
	}
	go c.run()

	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topicLocked(c.topic)
	t.subs[c] = struct{}{}
	members := t.members()
	c.deliver(func() { h.OnPresenceSync(members) })
	return c, nil
}

// Members reports the presence set of a group, for tests and diagnostics.
func (b *MemoryBroker) Members(groupID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[Topic(groupID)]; ok {
		return t.members()
	}
	return []string{}
}

func (b *MemoryBroker) topicLocked(topic string) *memTopic {
	t, ok := b.topics[topic]
	if !ok {
		t = &memTopic{subs: make(map[*memChannel]struct{}), presence: make(map[string]int)}
		b.topics[topic] = t
	}
	return t
}

func (t *memTopic) members() []string {
	out := make([]string, 0, len(t.presence))
	for id := range t.presence {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *memTopic) fanout(fn func(h Handler)) {
	for sub := range t.subs {
		h := sub.h
		sub.deliver(func() { fn(h) })
	}
}

type memChannel struct {
	broker  *MemoryBroker
	topic   string
	opts    SubscribeOptions
	h       Handler
	inbox   chan func()
	done    chan struct{}
	tracked bool
	once    sync.Once
}

func (c *memChannel) run() {
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.done:
			return
		}
	}
}

// deliver drops the event when the subscriber is too far behind.
func (c *memChannel) deliver(fn func()) {
	select {
	case c.inbox <- fn:
	default:
	}
}

func (c *memChannel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *memChannel) Broadcast(_ context.Context, event string, payload any) error {
	raw, err := marshalRaw(payload)
	if err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed() {
		return ErrClosed
	}
	t := b.topicLocked(c.topic)
	for sub := range t.subs {
		if sub == c {
			continue
		}
		h := sub.h
		cp := append(json.RawMessage(nil), raw...)
		sub.deliver(func() { h.OnBroadcast(event, cp) })
	}
	return nil
}

func (c *memChannel) TrackPresence(_ context.Context, _ any) error {
	if c.opts.Identity == "" {
		return ErrNoIdentity
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed() {
		return ErrClosed
	}
	if c.tracked {
		return nil
	}
	c.tracked = true

	t := b.topicLocked(c.topic)
	t.presence[c.opts.Identity]++
	if t.presence[c.opts.Identity] == 1 {
		id := c.opts.Identity
		t.fanout(func(h Handler) { h.OnPresenceJoin(id) })
	}
	members := t.members()
	t.fanout(func(h Handler) { h.OnPresenceSync(members) })
	return nil
}

func (c *memChannel) Unsubscribe(context.Context) error {
	c.once.Do(func() {
		b := c.broker
		b.mu.Lock()
		defer b.mu.Unlock()

		t := b.topicLocked(c.topic)
		delete(t.subs, c)
		if c.tracked {
			id := c.opts.Identity
			t.presence[id]--
			if t.presence[id] <= 0 {
				delete(t.presence, id)
				t.fanout(func(h Handler) { h.OnPresenceLeave(id) })
			}
			members := t.members()
			t.fanout(func(h Handler) { h.OnPresenceSync(members) })
		}
		if len(t.subs) == 0 {
			delete(b.topics, c.topic)
		}
		close(c.done)
	})
	return nil
}

func (c *memChannel) Done() <-chan struct{} {
	return c.done
}
