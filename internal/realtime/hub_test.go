package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *recorder) sink(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *recorder) count(match func(Message) bool) int {
	n := 0
	for _, msg := range r.snapshot() {
		if match(msg) {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, what string, match func(Message) bool) Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range r.snapshot() {
			if match(msg) {
				return msg
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, got %+v", what, r.snapshot())
	return Message{}
}

func isStatus(status Status) func(Message) bool {
	return func(msg Message) bool { return msg.Kind == KindStatus && msg.Status == status }
}

func isBroadcast(event string) func(Message) bool {
	return func(msg Message) bool { return msg.Kind == KindBroadcast && msg.Event == event }
}

func syncWithKeys(n int) func(Message) bool {
	return func(msg Message) bool { return msg.Kind == KindPresenceSync && len(msg.State) == n }
}

func TestHubJoinDeliversSubscribedThenSync(t *testing.T) {
	hub := NewHub(nil)
	rec := &recorder{}
	ch, err := hub.Join(context.Background(), ChannelConfig{Topic: "abcd1234", PresenceKey: "abcd1234-s1"}, rec.sink)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	defer ch.Close()

	rec.waitFor(t, "presence sync", func(msg Message) bool { return msg.Kind == KindPresenceSync })
	got := rec.snapshot()
	if got[0].Kind != KindStatus || got[0].Status != StatusSubscribed {
		t.Fatalf("expected SUBSCRIBED first, got %+v", got[0])
	}
	if hub.Members("abcd1234") != 1 {
		t.Fatalf("expected 1 member, got %d", hub.Members("abcd1234"))
	}
}

func TestHubJoinRequiresTopic(t *testing.T) {
	hub := NewHub(nil)
	if _, err := hub.Join(context.Background(), ChannelConfig{}, func(Message) {}); err != ErrInvalidTopic {
		t.Fatalf("expected ErrInvalidTopic, got %v", err)
	}
}

func TestHubBroadcastSkipsSenderUnlessSelf(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	a, b, c := &recorder{}, &recorder{}, &recorder{}
	chA, _ := hub.Join(ctx, ChannelConfig{Topic: "t1", PresenceKey: "t1-a"}, a.sink)
	chB, _ := hub.Join(ctx, ChannelConfig{Topic: "t1", PresenceKey: "t1-b"}, b.sink)
	chC, _ := hub.Join(ctx, ChannelConfig{Topic: "t1", PresenceKey: "t1-c", BroadcastSelf: true}, c.sink)
	defer chA.Close()
	defer chB.Close()
	defer chC.Close()

	if err := chA.Send(ctx, "annotation", json.RawMessage(`{"id":"a1"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := chC.Send(ctx, "notes_update", json.RawMessage(`{"content":"x"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	b.waitFor(t, "annotation at b", isBroadcast("annotation"))
	c.waitFor(t, "annotation at c", isBroadcast("annotation"))
	c.waitFor(t, "self notes at c", isBroadcast("notes_update"))
	a.waitFor(t, "notes at a", isBroadcast("notes_update"))
	time.Sleep(20 * time.Millisecond)
	if n := a.count(isBroadcast("annotation")); n != 0 {
		t.Fatalf("expected sender to not receive its own broadcast, got %d", n)
	}
}

func TestHubPresenceTrackAndUntrack(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	a, b := &recorder{}, &recorder{}
	chA, _ := hub.Join(ctx, ChannelConfig{Topic: "t2", PresenceKey: "t2-a"}, a.sink)
	chB, _ := hub.Join(ctx, ChannelConfig{Topic: "t2", PresenceKey: "t2-b"}, b.sink)
	defer chB.Close()

	if err := chA.Track(ctx, json.RawMessage(`{"status":"active"}`)); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	join := b.waitFor(t, "presence join", func(msg Message) bool { return msg.Kind == KindPresenceJoin })
	if join.Key != "t2-a" || len(join.Entries) != 1 {
		t.Fatalf("unexpected join message: %+v", join)
	}
	b.waitFor(t, "sync with one key", syncWithKeys(1))

	if err := chA.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	leave := b.waitFor(t, "presence leave", func(msg Message) bool { return msg.Kind == KindPresenceLeave })
	if leave.Key != "t2-a" {
		t.Fatalf("expected leave for t2-a, got %+v", leave)
	}
	if err := chA.Send(ctx, "annotation", nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := chA.Close(); err != nil {
		t.Fatalf("expected second close to be a no-op, got %v", err)
	}
}

func TestHubInterruptReportsStatus(t *testing.T) {
	hub := NewHub(nil)
	rec := &recorder{}
	ch, _ := hub.Join(context.Background(), ChannelConfig{Topic: "t3"}, rec.sink)
	defer ch.Close()

	hub.Interrupt("t3", StatusChannelError)
	rec.waitFor(t, "channel error", isStatus(StatusChannelError))
	if err := ch.Track(context.Background(), json.RawMessage(`{}`)); err != ErrClosed {
		t.Fatalf("expected ErrClosed after interrupt, got %v", err)
	}
	if hub.Topics() != 0 {
		t.Fatalf("expected topic to be dropped, got %d topics", hub.Topics())
	}
}
