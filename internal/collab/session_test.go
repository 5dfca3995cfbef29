package collab

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaymeet/internal/meeting"
	"github.com/agentworkforce/relaymeet/internal/realtime"
)

func TestNewSessionRequiresIdentity(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{}
	base := testOptions(hub, store, testUser("alice"), &noticeRecorder{})

	cases := map[string]func(o *Options){
		"meeting":   func(o *Options) { o.MeetingID = "" },
		"token":     func(o *Options) { o.ShareToken = " " },
		"session":   func(o *Options) { o.User.SessionID = "" },
		"transport": func(o *Options) { o.Transport = nil },
		"stores":    func(o *Options) { o.Notes = nil },
	}
	for name, mutate := range cases {
		opts := base
		mutate(&opts)
		if _, err := NewSession(opts); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSessionHydratesOnSubscribe(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{
		annotations: []meeting.Annotation{{ID: "existing", UserInfo: testUser("bob"), Type: meeting.AnnotationNote, Content: "hello"}},
		notes:       meeting.Notes{Content: "agenda", LastEditedBy: &meeting.UserInfo{Name: "bob"}},
	}
	s := startSession(t, testOptions(hub, store, testUser("alice"), &noticeRecorder{}))
	waitConnected(t, s)
	waitFor(t, "hydration", func() bool {
		st := s.State()
		return len(st.Annotations) == 1 && st.Notes == "agenda"
	})
	st := s.State()
	if st.ConnectionError {
		t.Fatalf("unexpected connection error")
	}
	if st.LastEditedBy == nil || st.LastEditedBy.Name != "bob" {
		t.Fatalf("expected last editor from storage, got %+v", st.LastEditedBy)
	}
}

func TestAddHighlightPersistsThenBroadcasts(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{}
	alice := startSession(t, testOptions(hub, store, testUser("alice"), &noticeRecorder{}))
	bob := startSession(t, testOptions(hub, store, testUser("bob"), &noticeRecorder{}))
	waitConnected(t, alice)
	waitConnected(t, bob)

	if err := alice.AddHighlight(context.Background(), 3, 5, "key point"); err != nil {
		t.Fatalf("add highlight: %v", err)
	}
	st := alice.State()
	if len(st.Annotations) != 1 {
		t.Fatalf("expected one local annotation, got %d", len(st.Annotations))
	}
	got := st.Annotations[0]
	if got.Type != meeting.AnnotationHighlight || got.Position.StartLine != 3 || got.Position.EndLine != 5 {
		t.Fatalf("unexpected annotation: %+v", got)
	}
	if creates, _, _, _ := store.counts(); creates != 1 {
		t.Fatalf("expected one create call, got %d", creates)
	}
	waitFor(t, "peer to receive broadcast", func() bool {
		list := bob.State().Annotations
		return len(list) == 1 && list[0].ID == got.ID
	})
}

func TestAddCommentOfflineIsQueued(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{}
	notices := &noticeRecorder{}
	s := newSession(t, testOptions(hub, store, testUser("alice"), notices))

	if err := s.AddComment(context.Background(), 7, "follow up", ""); err != nil {
		t.Fatalf("offline add should queue, got %v", err)
	}
	if creates, _, _, _ := store.counts(); creates != 0 {
		t.Fatalf("expected no network call while offline, got %d", creates)
	}
	snap := s.queue.Snapshot()
	if len(snap) != 1 || snap[0].Type != OpAnnotationCreate {
		t.Fatalf("expected one queued create, got %+v", snap)
	}
	st := s.State()
	if len(st.Annotations) != 0 || st.PendingOperations != 1 {
		t.Fatalf("state should be unchanged until reconnect: %+v", st)
	}
	all := notices.all()
	if len(all) != 1 || all[0].Level != NoticeInfo || !strings.Contains(all[0].Message, "offline") {
		t.Fatalf("expected an offline notice, got %+v", all)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "queued create to flush", func() bool {
		st := s.State()
		return st.PendingOperations == 0 && len(st.Annotations) == 1
	})
	if got := s.State().Annotations[0].Position.LineNumber; got != 7 {
		t.Fatalf("expected line 7, got %d", got)
	}
}

func TestAddAnnotationRejectsInvalidDraft(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{}
	notices := &noticeRecorder{}
	s := startSession(t, testOptions(hub, store, testUser("alice"), notices))
	waitConnected(t, s)

	err := s.AddHighlight(context.Background(), 5, 3, "backwards")
	if !errors.Is(err, meeting.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if creates, _, _, _ := store.counts(); creates != 0 {
		t.Fatalf("expected no create call, got %d", creates)
	}
	if notices.count(NoticeError) != 1 {
		t.Fatalf("expected an error notice")
	}
}

func TestAddAnnotationTransientFailureQueues(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{createErr: errors.New("503")}
	notices := &noticeRecorder{}
	s := startSession(t, testOptions(hub, store, testUser("alice"), notices))
	waitConnected(t, s)

	if err := s.AddComment(context.Background(), 2, "retry me", ""); err != nil {
		t.Fatalf("transient failure should queue, got %v", err)
	}
	store.set(func(f *fakeStore) { f.createErr = nil })
	waitFor(t, "retry to persist", func() bool {
		st := s.State()
		return st.PendingOperations == 0 && len(st.Annotations) == 1
	})
}

func TestAddAnnotationPermanentFailureIsReturned(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{createErr: &rejectedError{msg: "content too long"}}
	s := startSession(t, testOptions(hub, store, testUser("alice"), &noticeRecorder{}))
	waitConnected(t, s)

	if err := s.AddComment(context.Background(), 2, "x", ""); err == nil {
		t.Fatalf("expected rejection to be returned")
	}
	if s.State().PendingOperations != 0 {
		t.Fatalf("rejected create must not be queued")
	}
}

func seededSession(t *testing.T, owner string) (*Session, *fakeStore, *noticeRecorder) {
	t.Helper()
	hub := realtime.NewHub(nil)
	store := &fakeStore{annotations: []meeting.Annotation{
		{ID: "a1", UserInfo: testUser(owner), Type: meeting.AnnotationComment, Content: "first", Position: meeting.Position{LineNumber: 1}},
		{ID: "a2", UserInfo: testUser(owner), Type: meeting.AnnotationComment, Content: "second", Position: meeting.Position{LineNumber: 2}},
		{ID: "a3", UserInfo: testUser(owner), Type: meeting.AnnotationComment, Content: "third", Position: meeting.Position{LineNumber: 3}},
	}}
	notices := &noticeRecorder{}
	s := startSession(t, testOptions(hub, store, testUser("alice"), notices))
	waitConnected(t, s)
	waitFor(t, "hydration", func() bool { return len(s.State().Annotations) == 3 })
	return s, store, notices
}

func TestDeleteOthersAnnotationMakesNoRequest(t *testing.T) {
	s, store, notices := seededSession(t, "bob")
	before := s.State().Annotations

	err := s.DeleteAnnotation(context.Background(), "a2")
	if !errors.Is(err, meeting.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := s.EditAnnotation(context.Background(), "a2", "hijack"); !errors.Is(err, meeting.ErrNotOwner) {
		t.Fatalf("expected not owner on edit, got %v", err)
	}
	if _, updates, deletes, _ := store.counts(); updates != 0 || deletes != 0 {
		t.Fatalf("expected zero requests, got %d updates %d deletes", updates, deletes)
	}
	if !reflect.DeepEqual(before, s.State().Annotations) {
		t.Fatalf("state changed on rejected delete")
	}
	if notices.count(NoticeError) != 2 {
		t.Fatalf("expected two error notices, got %+v", notices.all())
	}
}

func TestDeleteUnknownAnnotation(t *testing.T) {
	s, store, _ := seededSession(t, "alice")
	if err := s.DeleteAnnotation(context.Background(), "missing"); !errors.Is(err, meeting.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, deletes, _ := store.counts(); deletes != 0 {
		t.Fatalf("expected no request for unknown id")
	}
}

func TestDeleteFailureRestoresState(t *testing.T) {
	s, store, notices := seededSession(t, "alice")
	before := s.State().Annotations
	store.set(func(f *fakeStore) { f.deleteErr = errors.New("500") })

	if err := s.DeleteAnnotation(context.Background(), "a2"); err == nil {
		t.Fatalf("expected delete failure")
	}
	if !reflect.DeepEqual(before, s.State().Annotations) {
		t.Fatalf("expected rollback to original order:\nbefore %+v\nafter  %+v", before, s.State().Annotations)
	}
	if notices.count(NoticeError) != 1 {
		t.Fatalf("expected one error notice")
	}
}

func TestEditFailureRestoresState(t *testing.T) {
	s, store, _ := seededSession(t, "alice")
	before := s.State().Annotations
	store.set(func(f *fakeStore) { f.updateErr = errors.New("timeout") })

	if err := s.EditAnnotation(context.Background(), "a1", "changed"); err == nil {
		t.Fatalf("expected edit failure")
	}
	if !reflect.DeepEqual(before, s.State().Annotations) {
		t.Fatalf("expected rollback of edit")
	}
}

func TestEditAndDeleteBroadcastToPeers(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{}
	alice := startSession(t, testOptions(hub, store, testUser("alice"), &noticeRecorder{}))
	bob := startSession(t, testOptions(hub, store, testUser("bob"), &noticeRecorder{}))
	waitConnected(t, alice)
	waitConnected(t, bob)

	ctx := context.Background()
	if err := alice.AddComment(ctx, 4, "draft", ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	id := alice.State().Annotations[0].ID
	waitFor(t, "bob to see comment", func() bool { return len(bob.State().Annotations) == 1 })

	if err := alice.EditAnnotation(ctx, id, "final"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	waitFor(t, "bob to see edit", func() bool {
		list := bob.State().Annotations
		return len(list) == 1 && list[0].Content == "final"
	})

	if err := alice.DeleteAnnotation(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "bob to see delete", func() bool { return len(bob.State().Annotations) == 0 })
	if len(alice.State().Annotations) != 0 {
		t.Fatalf("expected local delete")
	}
}

func TestDuplicateAnnotationBroadcastIsIgnored(t *testing.T) {
	hub := realtime.NewHub(nil)
	s := startSession(t, testOptions(hub, &fakeStore{}, testUser("alice"), &noticeRecorder{}))
	waitConnected(t, s)

	peer, err := hub.Join(context.Background(), realtime.ChannelConfig{Topic: testShareToken}, func(realtime.Message) {})
	if err != nil {
		t.Fatalf("join peer: %v", err)
	}
	defer peer.Close()

	payload, _ := json.Marshal(meeting.Annotation{
		ID:       "dup-1",
		UserInfo: testUser("bob"),
		Type:     meeting.AnnotationHighlight,
		Content:  "twice",
		Position: meeting.Position{StartLine: 1, EndLine: 2},
	})
	for i := 0; i < 2; i++ {
		if err := peer.Send(context.Background(), EventAnnotation, payload); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	// A trailing valid update marks the point both duplicates were processed.
	update, _ := json.Marshal(annotationUpdatePayload{ID: "dup-1", Content: "done"})
	_ = peer.Send(context.Background(), EventAnnotationUpdate, update)

	waitFor(t, "update to apply", func() bool {
		list := s.State().Annotations
		return len(list) > 0 && list[0].Content == "done"
	})
	if got := len(s.State().Annotations); got != 1 {
		t.Fatalf("expected exactly one annotation, got %d", got)
	}
}

func TestMalformedBroadcastIsDropped(t *testing.T) {
	hub := realtime.NewHub(nil)
	s := startSession(t, testOptions(hub, &fakeStore{}, testUser("alice"), &noticeRecorder{}))
	waitConnected(t, s)

	peer, err := hub.Join(context.Background(), realtime.ChannelConfig{Topic: testShareToken}, func(realtime.Message) {})
	if err != nil {
		t.Fatalf("join peer: %v", err)
	}
	defer peer.Close()

	_ = peer.Send(context.Background(), EventAnnotation, json.RawMessage(`{"id":"x","type":"scribble"}`))
	_ = peer.Send(context.Background(), EventNotesUpdate, json.RawMessage(`{"content":42}`))
	_ = peer.Send(context.Background(), EventNotesUpdate, json.RawMessage(`{"content":"ok"}`))

	waitFor(t, "valid notes update", func() bool { return s.State().Notes == "ok" })
	if len(s.State().Annotations) != 0 {
		t.Fatalf("malformed annotation should not be applied")
	}
}

func TestNotesDebounceSendsFinalContentOnce(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{}
	alice := startSession(t, testOptions(hub, store, testUser("alice"), &noticeRecorder{}))
	bob := startSession(t, testOptions(hub, store, testUser("bob"), &noticeRecorder{}))
	waitConnected(t, alice)
	waitConnected(t, bob)

	var mu sync.Mutex
	var broadcasts []string
	peer, err := hub.Join(context.Background(), realtime.ChannelConfig{Topic: testShareToken}, func(msg realtime.Message) {
		if msg.Kind == realtime.KindBroadcast && msg.Event == EventNotesUpdate {
			mu.Lock()
			broadcasts = append(broadcasts, string(msg.Payload))
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("join peer: %v", err)
	}
	defer peer.Close()

	text := ""
	for i := 0; i < 10; i++ {
		text += "x"
		alice.UpdateNotes(context.Background(), text)
		time.Sleep(3 * time.Millisecond)
	}
	if got := alice.State().Notes; got != text {
		t.Fatalf("local notes should update immediately, got %q", got)
	}
	waitFor(t, "bob to see notes", func() bool { return bob.State().Notes == text })
	waitFor(t, "notes to persist", func() bool { _, _, _, saves := store.counts(); return saves == 1 })
	time.Sleep(150 * time.Millisecond)

	if saved := store.savedContents(); len(saved) != 1 || saved[0] != text {
		t.Fatalf("expected a single save of the final content, got %v", saved)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(broadcasts) != 1 || !strings.Contains(broadcasts[0], `"content":"xxxxxxxxxx"`) {
		t.Fatalf("expected one broadcast with final content, got %v", broadcasts)
	}
	if by := bob.State().LastEditedBy; by == nil || by.Name != "alice" {
		t.Fatalf("expected alice as last editor, got %+v", by)
	}
}

func TestConcurrentNotesEditsConvergeOnLastWriter(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{}
	alice := startSession(t, testOptions(hub, store, testUser("alice"), &noticeRecorder{}))
	bob := startSession(t, testOptions(hub, store, testUser("bob"), &noticeRecorder{}))
	waitConnected(t, alice)
	waitConnected(t, bob)

	ctx := context.Background()
	alice.UpdateNotes(ctx, "alice version")
	time.Sleep(20 * time.Millisecond)
	bob.UpdateNotes(ctx, "bob version")

	waitFor(t, "sessions to converge", func() bool {
		return alice.State().Notes == bob.State().Notes && alice.State().Notes != ""
	})
	time.Sleep(200 * time.Millisecond)
	a, b := alice.State().Notes, bob.State().Notes
	if a != b {
		t.Fatalf("sessions diverged: %q vs %q", a, b)
	}
	if a != "alice version" && a != "bob version" {
		t.Fatalf("expected one writer's content without merging, got %q", a)
	}
	if strings.Contains(a, "alice") && strings.Contains(a, "bob") {
		t.Fatalf("merge artifact in %q", a)
	}
}

func TestPresenceAcrossSessions(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{}
	alice := startSession(t, testOptions(hub, store, testUser("alice"), &noticeRecorder{}))
	bob := startSession(t, testOptions(hub, store, testUser("bob"), &noticeRecorder{}))
	waitConnected(t, alice)
	waitConnected(t, bob)

	bobKey := PresenceKey(testShareToken, testUser("bob").SessionID)
	waitFor(t, "alice to see bob", func() bool {
		_, ok := alice.State().Presence[bobKey]
		return ok
	})

	if err := bob.UpdateStatus(context.Background(), StatusTyping); err != nil {
		t.Fatalf("update status: %v", err)
	}
	waitFor(t, "typing status", func() bool { return alice.State().Presence[bobKey].Status == StatusTyping })
	if err := bob.UpdateStatus(context.Background(), PresenceStatus("away")); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}

	_ = bob.Close()
	waitFor(t, "bob to leave", func() bool {
		_, ok := alice.State().Presence[bobKey]
		return !ok
	})
}

func TestSessionReconnectsAfterChannelLoss(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{}
	s := startSession(t, testOptions(hub, store, testUser("alice"), &noticeRecorder{}))
	waitConnected(t, s)

	hub.Interrupt(testShareToken, realtime.StatusTimedOut)
	waitFor(t, "connection error", func() bool {
		st := s.State()
		return !st.IsConnected && st.ConnectionError
	})

	if err := s.AddComment(context.Background(), 1, "while away", ""); err != nil {
		t.Fatalf("offline add: %v", err)
	}
	waitFor(t, "reconnect and flush", func() bool {
		st := s.State()
		return st.IsConnected && !st.ConnectionError && st.PendingOperations == 0 && len(st.Annotations) == 1
	})
	if hub.Members(testShareToken) != 1 {
		t.Fatalf("expected a single live channel after reconnect, got %d", hub.Members(testShareToken))
	}
}

// gatedListStore holds one ListAnnotations call open so changes can land
// while a hydration fetch is in flight. The held call returns the list as it
// was when the call started.
type gatedListStore struct {
	*fakeStore
	mu         sync.Mutex
	armed      bool
	entered    chan struct{}
	release    chan struct{}
	notesReads int
}

func newGatedListStore(store *fakeStore) *gatedListStore {
	return &gatedListStore{fakeStore: store, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedListStore) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gatedListStore) ListAnnotations(ctx context.Context, meetingID, shareToken string) ([]meeting.Annotation, error) {
	list, err := g.fakeStore.ListAnnotations(ctx, meetingID, shareToken)
	g.mu.Lock()
	hold := g.armed
	g.armed = false
	g.mu.Unlock()
	if hold {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
		}
	}
	return list, err
}

func (g *gatedListStore) GetNotes(ctx context.Context, meetingID, shareToken string) (meeting.Notes, error) {
	g.mu.Lock()
	g.notesReads++
	g.mu.Unlock()
	return g.fakeStore.GetNotes(ctx, meetingID, shareToken)
}

func (g *gatedListStore) reads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.notesReads
}

func TestHydrationKeepsChangesMadeDuringFetch(t *testing.T) {
	hub := realtime.NewHub(nil)
	store := &fakeStore{annotations: []meeting.Annotation{
		{ID: "a1", UserInfo: testUser("alice"), Type: meeting.AnnotationComment, Content: "mine", Position: meeting.Position{LineNumber: 1}},
		{ID: "a2", UserInfo: testUser("alice"), Type: meeting.AnnotationComment, Content: "doomed", Position: meeting.Position{LineNumber: 2}},
		{ID: "a3", UserInfo: testUser("bob"), Type: meeting.AnnotationComment, Content: "theirs", Position: meeting.Position{LineNumber: 3}},
		{ID: "a4", UserInfo: testUser("bob"), Type: meeting.AnnotationComment, Content: "retracted", Position: meeting.Position{LineNumber: 4}},
	}}
	gated := newGatedListStore(store)
	opts := testOptions(hub, store, testUser("alice"), &noticeRecorder{})
	opts.Annotations = gated
	opts.Notes = gated
	s := startSession(t, opts)
	waitConnected(t, s)
	waitFor(t, "first hydration", func() bool { return len(s.State().Annotations) == 4 && gated.reads() == 1 })

	gated.arm()
	hub.Interrupt(testShareToken, realtime.StatusTimedOut)
	select {
	case <-gated.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("reconnect hydration never started")
	}
	waitConnected(t, s)

	ctx := context.Background()
	if err := s.DeleteAnnotation(ctx, "a2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.EditAnnotation(ctx, "a1", "mine, revised"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	peer, err := hub.Join(ctx, realtime.ChannelConfig{Topic: testShareToken}, func(realtime.Message) {})
	if err != nil {
		t.Fatalf("join peer: %v", err)
	}
	defer peer.Close()
	update, _ := json.Marshal(annotationUpdatePayload{ID: "a3", Content: "theirs, revised"})
	del, _ := json.Marshal(annotationDeletePayload{ID: "a4"})
	if err := peer.Send(ctx, EventAnnotationUpdate, update); err != nil {
		t.Fatalf("send update: %v", err)
	}
	if err := peer.Send(ctx, EventAnnotationDelete, del); err != nil {
		t.Fatalf("send delete: %v", err)
	}
	waitFor(t, "peer changes applied", func() bool {
		list := s.State().Annotations
		return len(list) == 2 && list[1].ID == "a3" && list[1].Content == "theirs, revised"
	})

	close(gated.release)
	waitFor(t, "hydration to finish", func() bool { return gated.reads() == 2 })

	got := s.State().Annotations
	if len(got) != 2 || got[0].ID != "a1" || got[0].Content != "mine, revised" || got[1].ID != "a3" || got[1].Content != "theirs, revised" {
		t.Fatalf("stale fetch overwrote newer changes: %+v", got)
	}
}

func TestCloseIsIdempotentAndLeavesChannel(t *testing.T) {
	hub := realtime.NewHub(nil)
	s := startSession(t, testOptions(hub, &fakeStore{}, testUser("alice"), &noticeRecorder{}))
	waitConnected(t, s)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if hub.Members(testShareToken) != 0 {
		t.Fatalf("expected channel removed on close")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed error on restart, got %v", err)
	}
}

func TestStartContextCancellationClosesSession(t *testing.T) {
	hub := realtime.NewHub(nil)
	s := newSession(t, testOptions(hub, &fakeStore{}, testUser("alice"), &noticeRecorder{}))
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitConnected(t, s)
	cancel()
	waitFor(t, "session to close", func() bool { return hub.Members(testShareToken) == 0 })
}
