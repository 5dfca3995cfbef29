// Package realtime provides per-topic broadcast and presence channels.
//
// A Transport joins a topic and hands back a Channel. Inbound traffic
// (status changes, presence sync/join/leave, broadcasts) is delivered to the
// Sink given at join time, in order, from a single goroutine per channel.
// Delivery is at-most-once and nothing is replayed.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

var (
	ErrClosed       = errors.New("realtime channel closed")
	ErrInvalidTopic = errors.New("realtime topic is required")
)

type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

type Kind string

const (
	KindStatus        Kind = "status"
	KindPresenceSync  Kind = "presence_sync"
	KindPresenceJoin  Kind = "presence_join"
	KindPresenceLeave Kind = "presence_leave"
	KindBroadcast     Kind = "broadcast"
)

// Message is one inbound event. Which fields are set depends on Kind.
type Message struct {
	Kind    Kind                         `json:"kind"`
	Status  Status                       `json:"status,omitempty"`
	Key     string                       `json:"key,omitempty"`
	Entries []json.RawMessage            `json:"entries,omitempty"`
	State   map[string][]json.RawMessage `json:"state,omitempty"`
	Event   string                       `json:"event,omitempty"`
	Payload json.RawMessage              `json:"payload,omitempty"`
}

type ChannelConfig struct {
	Topic         string `json:"topic"`
	PresenceKey   string `json:"presenceKey"`
	BroadcastSelf bool   `json:"broadcastSelf"`
	BroadcastAck  bool   `json:"broadcastAck"`
}

func (c ChannelConfig) validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return ErrInvalidTopic
	}
	return nil
}

type Sink func(Message)

type Transport interface {
	Join(ctx context.Context, cfg ChannelConfig, sink Sink) (Channel, error)
}

type Channel interface {
	Track(ctx context.Context, payload json.RawMessage) error
	Untrack(ctx context.Context) error
	Send(ctx context.Context, event string, payload json.RawMessage) error
	Close() error
}

func statusMessage(status Status) Message {
	return Message{Kind: KindStatus, Status: status}
}

func cloneState(state map[string]map[string]json.RawMessage) map[string][]json.RawMessage {
	out := make(map[string][]json.RawMessage, len(state))
	for key, byConn := range state {
		entries := make([]json.RawMessage, 0, len(byConn))
		for _, payload := range byConn {
			entries = append(entries, payload)
		}
		out[key] = entries
	}
	return out
}

// mailbox is an unbounded FIFO drained by one goroutine, so producers never
// block on a slow consumer.
type mailbox[T any] struct {
	mu      sync.Mutex
	items   []T
	signal  chan struct{}
	done    chan struct{}
	stopped sync.Once
	deliver func(T)
}

func newMailbox[T any](deliver func(T)) *mailbox[T] {
	m := &mailbox[T]{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	go m.run()
	return m
}

func (m *mailbox[T]) push(item T) {
	m.mu.Lock()
	m.items = append(m.items, item)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			m.mu.Lock()
			batch := m.items
			m.items = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, item := range batch {
				select {
				case <-m.done:
					return
				default:
				}
				m.deliver(item)
			}
		}
	}
}

func (m *mailbox[T]) close() {
	m.stopped.Do(func() { close(m.done) })
}
