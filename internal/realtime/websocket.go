package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultWebSocketWriteTimeout = 10 * time.Second
	defaultWebSocketReadLimit    = 1 << 20
)

const (
	opTrack   = "track"
	opUntrack = "untrack"
	opSend    = "send"
	opMessage = "message"
	opReply   = "reply"
)

// frame is the websocket wire unit in both directions. Clients send track,
// untrack and send ops; the server answers with reply frames and pushes
// message frames.
type frame struct {
	Op      string          `json:"op"`
	Ref     uint64          `json:"ref,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message *Message        `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type HandlerOptions struct {
	// Authorize runs before the upgrade. A non-nil error rejects the socket
	// with 404 so unknown share links look the same as missing ones.
	Authorize      func(r *http.Request, cfg ChannelConfig) error
	OriginPatterns []string
	ReadLimit      int64
	WriteTimeout   time.Duration
	Logger         *zap.Logger
}

// Handler bridges websocket clients onto any Transport, one channel per
// socket.
type Handler struct {
	transport Transport
	opts      HandlerOptions
}

func NewHandler(transport Transport, opts HandlerOptions) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultWebSocketReadLimit
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWebSocketWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{transport: transport, opts: opts}
}

func channelConfigFromQuery(q url.Values) ChannelConfig {
	cfg := ChannelConfig{
		Topic:        q.Get("topic"),
		PresenceKey:  q.Get("presence_key"),
		BroadcastAck: true,
	}
	if v, err := strconv.ParseBool(q.Get("self")); err == nil {
		cfg.BroadcastSelf = v
	}
	if v, err := strconv.ParseBool(q.Get("ack")); err == nil {
		cfg.BroadcastAck = v
	}
	return cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := channelConfigFromQuery(r.URL.Query())
	if err := cfg.validate(); err != nil {
		writeHandshakeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if h.opts.Authorize != nil {
		if err := h.opts.Authorize(r, cfg); err != nil {
			writeHandshakeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.opts.Logger.Warn("realtime websocket accept failed", zap.String("topic", cfg.Topic), zap.Error(err))
		return
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := newMailbox(func(f frame) {
		writeCtx, writeCancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
		defer writeCancel()
		if err := wsjson.Write(writeCtx, conn, f); err != nil {
			cancel()
		}
	})
	defer out.close()

	channel, err := h.transport.Join(ctx, cfg, func(msg Message) {
		out.push(frame{Op: opMessage, Message: &msg})
	})
	if err != nil {
		h.opts.Logger.Warn("realtime join failed", zap.String("topic", cfg.Topic), zap.Error(err))
		failed := statusMessage(StatusChannelError)
		writeCtx, writeCancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
		_ = wsjson.Write(writeCtx, conn, frame{Op: opMessage, Message: &failed})
		writeCancel()
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return
	}
	defer channel.Close()

	for {
		var in frame
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.opts.Logger.Debug("realtime websocket read ended", zap.String("topic", cfg.Topic), zap.Error(err))
			}
			break
		}
		var opErr error
		switch in.Op {
		case opTrack:
			opErr = channel.Track(ctx, in.Payload)
		case opUntrack:
			opErr = channel.Untrack(ctx)
		case opSend:
			opErr = channel.Send(ctx, in.Event, in.Payload)
		default:
			opErr = fmt.Errorf("unknown op %q", in.Op)
		}
		if in.Ref != 0 {
			reply := frame{Op: opReply, Ref: in.Ref}
			if opErr != nil {
				reply.Error = opErr.Error()
			}
			out.push(reply)
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func writeHandshakeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

type WebSocketOptions struct {
	HTTPClient   *http.Client
	Header       http.Header
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// WebSocketTransport dials a Handler. Each Join opens one socket.
type WebSocketTransport struct {
	url  string
	opts WebSocketOptions
}

type wsChannel struct {
	conn         *websocket.Conn
	cfg          ChannelConfig
	sink         Sink
	writeTimeout time.Duration
	logger       *zap.Logger
	cancelRead   context.CancelFunc

	mu      sync.Mutex
	nextRef uint64
	pending map[uint64]chan error
	closed  bool
	once    sync.Once
}

func NewWebSocketTransport(rawURL string, opts WebSocketOptions) *WebSocketTransport {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWebSocketWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &WebSocketTransport{url: rawURL, opts: opts}
}

func (t *WebSocketTransport) Join(ctx context.Context, cfg ChannelConfig, sink Sink) (Channel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	q.Set("topic", cfg.Topic)
	if cfg.PresenceKey != "" {
		q.Set("presence_key", cfg.PresenceKey)
	}
	q.Set("self", strconv.FormatBool(cfg.BroadcastSelf))
	q.Set("ack", strconv.FormatBool(cfg.BroadcastAck))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: t.opts.HTTPClient,
		HTTPHeader: t.opts.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(defaultWebSocketReadLimit)
	readCtx, cancel := context.WithCancel(context.Background())
	ch := &wsChannel{
		conn:         conn,
		cfg:          cfg,
		sink:         sink,
		writeTimeout: t.opts.WriteTimeout,
		logger:       t.opts.Logger,
		cancelRead:   cancel,
		pending:      map[uint64]chan error{},
	}
	go ch.readLoop(readCtx)
	return ch, nil
}

func (c *wsChannel) readLoop(ctx context.Context) {
	for {
		var in frame
		if err := wsjson.Read(ctx, c.conn, &in); err != nil {
			c.fail(err)
			return
		}
		switch in.Op {
		case opMessage:
			if in.Message != nil {
				c.sink(*in.Message)
			}
		case opReply:
			c.resolve(in.Ref, in.Error)
		}
	}
}

func (c *wsChannel) fail(err error) {
	c.mu.Lock()
	closedByUs := c.closed
	c.closed = true
	pending := c.pending
	c.pending = map[uint64]chan error{}
	c.mu.Unlock()
	for _, reply := range pending {
		reply <- ErrClosed
	}
	if closedByUs {
		return
	}
	status := StatusChannelError
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		status = StatusClosed
	}
	c.logger.Debug("realtime websocket closed", zap.String("topic", c.cfg.Topic), zap.String("status", string(status)), zap.Error(err))
	c.sink(statusMessage(status))
}

func (c *wsChannel) resolve(ref uint64, message string) {
	c.mu.Lock()
	reply, ok := c.pending[ref]
	delete(c.pending, ref)
	c.mu.Unlock()
	if !ok {
		return
	}
	if message != "" {
		reply <- errors.New(message)
		return
	}
	reply <- nil
}

func (c *wsChannel) call(ctx context.Context, out frame, wait bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var reply chan error
	if wait {
		c.nextRef++
		out.Ref = c.nextRef
		reply = make(chan error, 1)
		c.pending[out.Ref] = reply
	}
	c.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	err := wsjson.Write(writeCtx, c.conn, out)
	cancel()
	if err != nil {
		c.forget(out.Ref)
		return err
	}
	if !wait {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		c.forget(out.Ref)
		return ctx.Err()
	}
}

func (c *wsChannel) forget(ref uint64) {
	if ref == 0 {
		return
	}
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

func (c *wsChannel) Track(ctx context.Context, payload json.RawMessage) error {
	return c.call(ctx, frame{Op: opTrack, Payload: payload}, true)
}

func (c *wsChannel) Untrack(ctx context.Context) error {
	return c.call(ctx, frame{Op: opUntrack}, true)
}

func (c *wsChannel) Send(ctx context.Context, event string, payload json.RawMessage) error {
	return c.call(ctx, frame{Op: opSend, Event: event, Payload: payload}, c.cfg.BroadcastAck)
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancelRead()
	})
	return err
}
