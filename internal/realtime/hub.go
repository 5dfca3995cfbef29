package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hub is an in-process Transport. Every joined channel gets its own mailbox,
// so a publisher never waits on a subscriber.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*hubTopic
	logger *zap.Logger
}

type hubTopic struct {
	members  map[string]*hubMember
	presence map[string]map[string]json.RawMessage
}

type hubMember struct {
	id         string
	cfg        ChannelConfig
	box        *mailbox[Message]
	trackedKey string
	removed    bool
}

type hubChannel struct {
	hub    *Hub
	member *hubMember
	once   sync.Once
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics: map[string]*hubTopic{},
		logger: logger,
	}
}

func (h *Hub) Join(ctx context.Context, cfg ChannelConfig, sink Sink) (Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	member := &hubMember{
		id:  uuid.NewString(),
		cfg: cfg,
		box: newMailbox(func(msg Message) { sink(msg) }),
	}

	h.mu.Lock()
	topic := h.topicLocked(cfg.Topic)
	topic.members[member.id] = member
	member.box.push(statusMessage(StatusSubscribed))
	member.box.push(Message{Kind: KindPresenceSync, State: cloneState(topic.presence)})
	h.mu.Unlock()

	h.logger.Debug("realtime member joined", zap.String("topic", cfg.Topic), zap.String("member", member.id))
	return &hubChannel{hub: h, member: member}, nil
}

// Interrupt drops every member of topic and delivers status to each of them,
// the way a broker reports a lost connection.
func (h *Hub) Interrupt(topic string, status Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[topic]
	if !ok {
		return
	}
	for _, member := range t.members {
		member.removed = true
		member.box.push(statusMessage(status))
	}
	delete(h.topics, topic)
}

// Members reports how many channels are joined to topic.
func (h *Hub) Members(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[topic]; ok {
		return len(t.members)
	}
	return 0
}

func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

func (h *Hub) topicLocked(name string) *hubTopic {
	t, ok := h.topics[name]
	if !ok {
		t = &hubTopic{
			members:  map[string]*hubMember{},
			presence: map[string]map[string]json.RawMessage{},
		}
		h.topics[name] = t
	}
	return t
}

func (h *Hub) liveTopicLocked(member *hubMember) (*hubTopic, error) {
	if member.removed {
		return nil, ErrClosed
	}
	t, ok := h.topics[member.cfg.Topic]
	if !ok {
		return nil, ErrClosed
	}
	return t, nil
}

func (t *hubTopic) fanOut(msg Message) {
	for _, member := range t.members {
		member.box.push(msg)
	}
}

func (t *hubTopic) untrackLocked(member *hubMember) {
	key := member.trackedKey
	if key == "" {
		return
	}
	member.trackedKey = ""
	byConn := t.presence[key]
	delete(byConn, member.id)
	if len(byConn) == 0 {
		delete(t.presence, key)
		t.fanOut(Message{Kind: KindPresenceLeave, Key: key})
	}
	t.fanOut(Message{Kind: KindPresenceSync, State: cloneState(t.presence)})
}

func (c *hubChannel) Track(ctx context.Context, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	t, err := h.liveTopicLocked(c.member)
	if err != nil {
		return err
	}
	key := c.member.cfg.PresenceKey
	if key == "" {
		key = c.member.id
	}
	if c.member.trackedKey != "" && c.member.trackedKey != key {
		t.untrackLocked(c.member)
	}
	if t.presence[key] == nil {
		t.presence[key] = map[string]json.RawMessage{}
	}
	t.presence[key][c.member.id] = append(json.RawMessage(nil), payload...)
	c.member.trackedKey = key
	t.fanOut(Message{Kind: KindPresenceJoin, Key: key, Entries: []json.RawMessage{payload}})
	t.fanOut(Message{Kind: KindPresenceSync, State: cloneState(t.presence)})
	return nil
}

func (c *hubChannel) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	t, err := h.liveTopicLocked(c.member)
	if err != nil {
		return err
	}
	t.untrackLocked(c.member)
	return nil
}

func (c *hubChannel) Send(ctx context.Context, event string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	t, err := h.liveTopicLocked(c.member)
	if err != nil {
		return err
	}
	msg := Message{Kind: KindBroadcast, Event: event, Payload: append(json.RawMessage(nil), payload...)}
	for id, member := range t.members {
		if id == c.member.id && !c.member.cfg.BroadcastSelf {
			continue
		}
		member.box.push(msg)
	}
	return nil
}

func (c *hubChannel) Close() error {
	c.once.Do(func() {
		h := c.hub
		h.mu.Lock()
		if t, err := h.liveTopicLocked(c.member); err == nil {
			t.untrackLocked(c.member)
			delete(t.members, c.member.id)
			if len(t.members) == 0 {
				delete(h.topics, c.member.cfg.Topic)
			}
		}
		c.member.removed = true
		h.mu.Unlock()
		c.member.box.close()
	})
	return nil
}
