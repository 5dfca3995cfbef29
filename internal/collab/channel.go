package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentworkforce/relaymeet/internal/realtime"
	"go.uber.org/zap"
)

const teardownTimeout = 2 * time.Second

// inbound is a transport message tagged with the channel generation it came
// from. Messages from a replaced channel are ignored.
type inbound struct {
	gen uint64
	msg realtime.Message
}

// channelAdapter owns the one realtime channel for a share token. Only one
// setup can be in flight; a replaced or torn-down channel is identified by
// its generation.
type channelAdapter struct {
	transport      realtime.Transport
	cfg            realtime.ChannelConfig
	reconnectDelay time.Duration
	deliver        func(inbound)
	logger         *zap.Logger

	mu           sync.Mutex
	gen          uint64
	ch           realtime.Channel
	joined       bool
	initializing bool
	buffered     []realtime.Message
	reconnect    *time.Timer
	closed       bool
}

func newChannelAdapter(transport realtime.Transport, cfg realtime.ChannelConfig, reconnectDelay time.Duration, deliver func(inbound), logger *zap.Logger) *channelAdapter {
	return &channelAdapter{
		transport:      transport,
		cfg:            cfg,
		reconnectDelay: reconnectDelay,
		deliver:        deliver,
		logger:         logger,
	}
}

// connect joins the channel unless a join is already running. A failed join
// is reported as CHANNEL_ERROR so the owner handles it like any other drop.
func (c *channelAdapter) connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.initializing || c.ch != nil {
		c.mu.Unlock()
		return
	}
	c.initializing = true
	c.gen++
	gen := c.gen
	c.buffered = nil
	c.mu.Unlock()

	ch, err := c.transport.Join(ctx, c.cfg, func(msg realtime.Message) {
		c.receive(gen, msg)
	})

	c.mu.Lock()
	c.initializing = false
	if err != nil {
		c.buffered = nil
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.logger.Warn("realtime join failed", zap.String("share_token", c.cfg.Topic), zap.Error(err))
			c.deliver(inbound{gen: gen, msg: realtime.Message{Kind: realtime.KindStatus, Status: realtime.StatusChannelError}})
		}
		return
	}
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	c.ch = ch
	for _, msg := range c.buffered {
		c.deliver(inbound{gen: gen, msg: msg})
	}
	c.buffered = nil
	c.mu.Unlock()
}

func (c *channelAdapter) receive(gen uint64, msg realtime.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	if c.ch == nil {
		c.buffered = append(c.buffered, msg)
		return
	}
	c.deliver(inbound{gen: gen, msg: msg})
}

func (c *channelAdapter) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.closed
}

func (c *channelAdapter) markJoined(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed || c.ch == nil {
		return false
	}
	c.joined = true
	return true
}

// drop discards the current channel and schedules a reconnect.
func (c *channelAdapter) drop(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	ch := c.ch
	c.ch = nil
	c.joined = false
	c.gen++
	c.scheduleReconnectLocked()
	c.mu.Unlock()
	if ch != nil {
		go func() { _ = ch.Close() }()
	}
}

func (c *channelAdapter) scheduleReconnectLocked() {
	if c.closed || c.reconnect != nil {
		return
	}
	c.reconnect = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		c.reconnect = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.logger.Info("realtime reconnecting", zap.String("share_token", c.cfg.Topic))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.connect(ctx)
	})
}

func (c *channelAdapter) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined && c.ch != nil && !c.closed
}

func (c *channelAdapter) joinedChannel() realtime.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined || c.closed {
		return nil
	}
	return c.ch
}

// send broadcasts best-effort. Nothing is sent or queued unless joined.
func (c *channelAdapter) send(ctx context.Context, event string, payload any) bool {
	ch := c.joinedChannel()
	if ch == nil {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("broadcast encode failed", zap.String("event", event), zap.Error(err))
		return false
	}
	if err := ch.Send(ctx, event, data); err != nil {
		c.logger.Warn("broadcast failed", zap.String("share_token", c.cfg.Topic), zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (c *channelAdapter) track(ctx context.Context, payload json.RawMessage) bool {
	ch := c.joinedChannel()
	if ch == nil {
		return false
	}
	if err := ch.Track(ctx, payload); err != nil {
		c.logger.Warn("presence track failed", zap.String("share_token", c.cfg.Topic), zap.Error(err))
		return false
	}
	return true
}

// teardown untracks and closes the channel and cancels any pending
// reconnect. Safe to call more than once.
func (c *channelAdapter) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	ch := c.ch
	c.ch = nil
	c.joined = false
	c.buffered = nil
	c.mu.Unlock()

	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := ch.Untrack(ctx); err != nil {
		c.logger.Debug("presence untrack on teardown failed", zap.String("share_token", c.cfg.Topic), zap.Error(err))
	}
	_ = ch.Close()
}
