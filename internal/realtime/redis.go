package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRedisPrefix         = "relaymeet"
	defaultRedisPresenceTTL    = 10 * time.Minute
	defaultRedisHealthInterval = 15 * time.Second
	redisOperationTimeout      = 5 * time.Second
)

// DialRedis parses a redis:// URL and verifies connectivity.
func DialRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

type RedisOptions struct {
	Prefix         string
	PresenceTTL    time.Duration
	HealthInterval time.Duration
	Logger         *zap.Logger
}

// RedisTransport fans broadcasts out over Redis pub/sub and keeps presence in
// one hash per topic, so several server instances share the same channels.
type RedisTransport struct {
	client         *redis.Client
	prefix         string
	presenceTTL    time.Duration
	healthInterval time.Duration
	logger         *zap.Logger
}

type redisEnvelope struct {
	Sender  string          `json:"sender"`
	Kind    Kind            `json:"kind"`
	Key     string          `json:"key,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type redisChannel struct {
	transport *RedisTransport
	cfg       ChannelConfig
	id        string
	sink      Sink
	pubsub    *redis.PubSub

	mu      sync.Mutex
	tracked bool
	closed  bool
	done    chan struct{}
	once    sync.Once
}

func NewRedisTransport(client *redis.Client, opts RedisOptions) *RedisTransport {
	if opts.Prefix == "" {
		opts.Prefix = defaultRedisPrefix
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = defaultRedisPresenceTTL
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultRedisHealthInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisTransport{
		client:         client,
		prefix:         opts.Prefix,
		presenceTTL:    opts.PresenceTTL,
		healthInterval: opts.HealthInterval,
		logger:         opts.Logger,
	}
}

func (t *RedisTransport) channelName(topic string) string {
	return t.prefix + ":channel:" + topic
}

func (t *RedisTransport) presenceHash(topic string) string {
	return t.prefix + ":presence:" + topic
}

func (t *RedisTransport) Join(ctx context.Context, cfg ChannelConfig, sink Sink) (Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pubsub := t.client.Subscribe(ctx, t.channelName(cfg.Topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Topic, err)
	}
	state, err := t.presenceState(ctx, cfg.Topic)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	ch := &redisChannel{
		transport: t,
		cfg:       cfg,
		id:        uuid.NewString(),
		sink:      sink,
		pubsub:    pubsub,
		done:      make(chan struct{}),
	}
	go ch.run(state)
	return ch, nil
}

func (t *RedisTransport) presenceState(ctx context.Context, topic string) (map[string][]json.RawMessage, error) {
	fields, err := t.client.HGetAll(ctx, t.presenceHash(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence for %s: %w", topic, err)
	}
	grouped := map[string]map[string]json.RawMessage{}
	for field, payload := range fields {
		key, conn := splitPresenceField(field)
		if grouped[key] == nil {
			grouped[key] = map[string]json.RawMessage{}
		}
		grouped[key][conn] = json.RawMessage(payload)
	}
	return cloneState(grouped), nil
}

func (t *RedisTransport) publish(ctx context.Context, topic string, env redisEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.channelName(topic), data).Err()
}

func presenceField(key, conn string) string {
	return key + "|" + conn
}

func splitPresenceField(field string) (string, string) {
	idx := strings.LastIndex(field, "|")
	if idx < 0 {
		return field, ""
	}
	return field[:idx], field[idx+1:]
}

func (c *redisChannel) run(initial map[string][]json.RawMessage) {
	c.sink(statusMessage(StatusSubscribed))
	c.sink(Message{Kind: KindPresenceSync, State: initial})

	messages := c.pubsub.Channel()
	ticker := time.NewTicker(c.transport.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-messages:
			if !ok {
				if !c.isClosed() {
					c.sink(statusMessage(StatusClosed))
				}
				return
			}
			c.handle(msg.Payload)
		case <-ticker.C:
			if status, failed := c.healthCheck(); failed {
				if !c.isClosed() {
					c.sink(statusMessage(status))
				}
				return
			}
		}
	}
}

func (c *redisChannel) healthCheck() (Status, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	err := c.transport.client.Ping(ctx).Err()
	if err == nil {
		return "", false
	}
	c.transport.logger.Warn("realtime redis health check failed", zap.String("topic", c.cfg.Topic), zap.Error(err))
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimedOut, true
	}
	return StatusChannelError, true
}

func (c *redisChannel) handle(raw string) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		c.transport.logger.Debug("realtime redis envelope dropped", zap.String("topic", c.cfg.Topic), zap.Error(err))
		return
	}
	switch env.Kind {
	case KindBroadcast:
		if env.Sender == c.id && !c.cfg.BroadcastSelf {
			return
		}
		c.sink(Message{Kind: KindBroadcast, Event: env.Event, Payload: env.Payload})
	case KindPresenceJoin:
		c.sink(Message{Kind: KindPresenceJoin, Key: env.Key, Entries: []json.RawMessage{env.Payload}})
		c.resync()
	case KindPresenceLeave:
		c.sink(Message{Kind: KindPresenceLeave, Key: env.Key})
		c.resync()
	case KindPresenceSync:
		c.resync()
	}
}

func (c *redisChannel) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	state, err := c.transport.presenceState(ctx, c.cfg.Topic)
	if err != nil {
		c.transport.logger.Warn("realtime redis presence sync failed", zap.String("topic", c.cfg.Topic), zap.Error(err))
		return
	}
	c.sink(Message{Kind: KindPresenceSync, State: state})
}

func (c *redisChannel) presenceKey() string {
	if c.cfg.PresenceKey != "" {
		return c.cfg.PresenceKey
	}
	return c.id
}

func (c *redisChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *redisChannel) Track(ctx context.Context, payload json.RawMessage) error {
	if c.isClosed() {
		return ErrClosed
	}
	t := c.transport
	hash := t.presenceHash(c.cfg.Topic)
	key := c.presenceKey()
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, hash, presenceField(key, c.id), string(payload))
	pipe.Expire(ctx, hash, t.presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	c.mu.Lock()
	c.tracked = true
	c.mu.Unlock()
	return t.publish(ctx, c.cfg.Topic, redisEnvelope{Sender: c.id, Kind: KindPresenceJoin, Key: key, Payload: payload})
}

func (c *redisChannel) Untrack(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.untrack(ctx)
}

func (c *redisChannel) untrack(ctx context.Context) error {
	c.mu.Lock()
	tracked := c.tracked
	c.tracked = false
	c.mu.Unlock()
	if !tracked {
		return nil
	}
	t := c.transport
	hash := t.presenceHash(c.cfg.Topic)
	key := c.presenceKey()
	if err := t.client.HDel(ctx, hash, presenceField(key, c.id)).Err(); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	fields, err := t.client.HKeys(ctx, hash).Result()
	if err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	for _, field := range fields {
		if other, _ := splitPresenceField(field); other == key {
			return t.publish(ctx, c.cfg.Topic, redisEnvelope{Sender: c.id, Kind: KindPresenceSync})
		}
	}
	return t.publish(ctx, c.cfg.Topic, redisEnvelope{Sender: c.id, Kind: KindPresenceLeave, Key: key})
}

func (c *redisChannel) Send(ctx context.Context, event string, payload json.RawMessage) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.transport.publish(ctx, c.cfg.Topic, redisEnvelope{Sender: c.id, Kind: KindBroadcast, Event: event, Payload: payload})
}

func (c *redisChannel) Close() error {
	var err error
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
		defer cancel()
		if untrackErr := c.untrack(ctx); untrackErr != nil {
			c.transport.logger.Debug("realtime redis untrack on close failed", zap.String("topic", c.cfg.Topic), zap.Error(untrackErr))
		}
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		err = c.pubsub.Close()
	})
	return err
}
