package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaymeet/internal/meeting"
	"github.com/agentworkforce/relaymeet/internal/realtime"
	"go.uber.org/zap"
)

type Options struct {
	MeetingID   string
	ShareToken  string
	User        meeting.UserInfo
	Transport   realtime.Transport
	Annotations AnnotationStore
	Notes       NotesStore
	Notifier    Notifier
	Logger      *zap.Logger
	Now         func() time.Time

	MaxRetries     int
	RetryDelay     time.Duration
	SettleDelay    time.Duration
	ReconnectDelay time.Duration
	NotesDebounce  time.Duration
	SweepInterval  time.Duration
	IdleAfter      time.Duration
	StaleAfter     time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Notifier == nil {
		o.Notifier = logNotifier{logger: o.Logger}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.NotesDebounce <= 0 {
		o.NotesDebounce = DefaultNotesDebounce
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.IdleAfter <= 0 {
		o.IdleAfter = DefaultIdleAfter
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
}

// Session is one viewer's live view of a shared meeting.
//
// Inbound transport messages are queued on an unbounded inbox and applied by
// a single goroutine, so handlers never run concurrently with each other.
// Local actions run on the caller's goroutine and share the same state lock.
type Session struct {
	opts      Options
	logger    *zap.Logger
	notifier  Notifier
	validator *payloadValidator
	channel   *channelAdapter
	presence  *presenceStore
	queue     *OperationQueue
	notes     *notesEditor

	ctx     context.Context
	cancel  context.CancelFunc
	inbox   *inbox
	changes chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once

	mu              sync.Mutex
	annotations     []meeting.Annotation
	appendedAt      map[string]uint64
	removedAt       map[string]uint64
	editedAt        map[string]editMark
	fetching        int
	hydrated        bool
	hydratedSince   uint64
	annRev          uint64
	notesText       string
	notesRev        uint64
	lastEditedBy    *meeting.UserInfo
	connected       bool
	connectionError bool
	settle          *time.Timer
	started         bool
	closed          bool
}

func NewSession(opts Options) (*Session, error) {
	if strings.TrimSpace(opts.MeetingID) == "" {
		return nil, fmt.Errorf("meeting id is required")
	}
	if strings.TrimSpace(opts.ShareToken) == "" {
		return nil, fmt.Errorf("share token is required")
	}
	if strings.TrimSpace(opts.User.SessionID) == "" || strings.TrimSpace(opts.User.Name) == "" {
		return nil, fmt.Errorf("user name and session id are required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("realtime transport is required")
	}
	if opts.Annotations == nil || opts.Notes == nil {
		return nil, fmt.Errorf("annotation and notes stores are required")
	}
	opts.setDefaults()
	validator, err := sharedValidator()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:       opts,
		logger:     opts.Logger.With(zap.String("share_token", opts.ShareToken), zap.String("session_id", opts.User.SessionID)),
		notifier:   opts.Notifier,
		validator:  validator,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      newInbox(),
		changes:    make(chan struct{}, 1),
		appendedAt: map[string]uint64{},
		removedAt:  map[string]uint64{},
		editedAt:   map[string]editMark{},
	}
	s.channel = newChannelAdapter(opts.Transport, realtime.ChannelConfig{
		Topic:         opts.ShareToken,
		PresenceKey:   PresenceKey(opts.ShareToken, opts.User.SessionID),
		BroadcastSelf: false,
		BroadcastAck:  true,
	}, opts.ReconnectDelay, s.inbox.push, s.logger)
	s.presence = newPresenceStore(opts.User, s.channel, validator, Options{
		StaleAfter: opts.StaleAfter,
		IdleAfter:  opts.IdleAfter,
		Now:        opts.Now,
		Logger:     s.logger,
	})
	s.queue = NewOperationQueue(s.dispatch, QueueOptions{
		MaxRetries: opts.MaxRetries,
		RetryDelay: opts.RetryDelay,
		Connected:  s.isConnected,
		Notifier:   opts.Notifier,
		Logger:     s.logger,
		Now:        opts.Now,
		OnChange:   s.changed,
	})
	s.notes = newNotesEditor(opts.NotesDebounce, s.flushNotes)
	return s, nil
}

// Start joins the channel and begins processing events. The session closes
// itself when ctx is done.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.run()
	go s.sweepLoop()
	go s.channel.connect(s.ctx)
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return nil
}

// Close tears down the channel and stops all timers. Queued operations are
// discarded with the session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.connected = false
		if s.settle != nil {
			s.settle.Stop()
			s.settle = nil
		}
		s.mu.Unlock()

		s.notes.stop()
		s.channel.teardown()
		s.queue.Close()
		s.cancel()
		s.wg.Wait()
		s.logger.Info("collaboration session closed")
	})
	return nil
}

// State returns a copy of the current collaboration state.
func (s *Session) State() State {
	s.mu.Lock()
	st := State{
		Annotations:     append([]meeting.Annotation(nil), s.annotations...),
		Notes:           s.notesText,
		IsConnected:     s.connected,
		ConnectionError: s.connectionError,
	}
	if s.lastEditedBy != nil {
		user := *s.lastEditedBy
		st.LastEditedBy = &user
	}
	s.mu.Unlock()
	st.Presence = s.presence.snapshot()
	st.PendingOperations = s.queue.Len()
	return st
}

// Status is this session's own announced presence status.
func (s *Session) Status() PresenceStatus {
	return s.presence.ownStatus()
}

// Changes signals after any state change. Signals coalesce; read State for
// the current value.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

func (s *Session) changed() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// UpdateNotes replaces the local notes immediately and schedules a debounced
// broadcast and save.
func (s *Session) UpdateNotes(ctx context.Context, content string) {
	s.mu.Lock()
	s.notesText = content
	user := s.opts.User
	s.lastEditedBy = &user
	s.notesRev++
	s.mu.Unlock()
	s.changed()
	s.presence.touch(ctx)
	s.notes.update(content)
}

// flushNotes broadcasts before persisting so peers see edits without
// waiting on storage.
func (s *Session) flushNotes(content string) {
	user := s.opts.User
	s.channel.send(s.ctx, EventNotesUpdate, notesPayload{Content: content, LastEditedBy: &user})
	s.queue.Enqueue(QueuedOperation{
		Type: OpNotesUpdate,
		Notes: &meeting.Notes{
			MeetingID:    s.opts.MeetingID,
			ShareToken:   s.opts.ShareToken,
			Content:      content,
			LastEditedBy: &user,
		},
	})
}

// UpdateStatus re-announces presence with status. It is a no-op while
// disconnected.
func (s *Session) UpdateStatus(ctx context.Context, status PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown presence status %q", meeting.ErrInvalidInput, status)
	}
	s.presence.updateStatus(ctx, status)
	s.changed()
	return nil
}

func (s *Session) dispatch(ctx context.Context, op QueuedOperation) error {
	switch op.Type {
	case OpAnnotationCreate:
		if op.Draft == nil {
			return invalidOperation(op)
		}
		created, err := s.opts.Annotations.CreateAnnotation(ctx, *op.Draft)
		if err != nil {
			return err
		}
		s.channel.send(ctx, EventAnnotation, created)
		s.appendAnnotation(created)
	case OpAnnotationUpdate:
		if op.Update == nil {
			return invalidOperation(op)
		}
		updated, err := s.opts.Annotations.UpdateAnnotation(ctx, *op.Update)
		if err != nil {
			return err
		}
		s.applyRemoteUpdate(updated.ID, updated.Content)
		s.channel.send(ctx, EventAnnotationUpdate, annotationUpdatePayload{ID: updated.ID, Content: updated.Content})
	case OpAnnotationDelete:
		if op.Delete == nil {
			return invalidOperation(op)
		}
		if err := s.opts.Annotations.DeleteAnnotation(ctx, *op.Delete); err != nil {
			return err
		}
		s.applyRemoteDelete(op.Delete.ID)
		s.channel.send(ctx, EventAnnotationDelete, annotationDeletePayload{ID: op.Delete.ID})
	case OpNotesUpdate:
		if op.Notes == nil {
			return invalidOperation(op)
		}
		return s.opts.Notes.SaveNotes(ctx, *op.Notes)
	default:
		return invalidOperation(op)
	}
	return nil
}

type invalidOperationError struct {
	op QueuedOperation
}

func (e *invalidOperationError) Error() string {
	return fmt.Sprintf("queued operation %s has no %s payload", e.op.ID, e.op.Type)
}

func (e *invalidOperationError) Permanent() bool { return true }

func invalidOperation(op QueuedOperation) error {
	return &invalidOperationError{op: op}
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.inbox.signal:
		}
		for _, in := range s.inbox.drain() {
			if s.ctx.Err() != nil {
				return
			}
			s.reduce(in)
		}
	}
}

// reduce applies one inbound transport message.
func (s *Session) reduce(in inbound) {
	if !s.channel.current(in.gen) {
		return
	}
	msg := in.msg
	switch msg.Kind {
	case realtime.KindStatus:
		s.onStatus(in.gen, msg.Status)
	case realtime.KindPresenceSync:
		s.presence.sync(msg.State)
		s.changed()
	case realtime.KindPresenceJoin:
		s.presence.onJoin(msg.Key, msg.Entries)
		s.changed()
	case realtime.KindPresenceLeave:
		s.presence.onLeave(msg.Key)
		s.changed()
	case realtime.KindBroadcast:
		s.onBroadcast(msg.Event, msg.Payload)
	}
}

func (s *Session) onStatus(gen uint64, status realtime.Status) {
	switch status {
	case realtime.StatusSubscribed:
		if !s.channel.markJoined(gen) {
			return
		}
		s.setConnection(true, false)
		s.logger.Info("realtime channel subscribed")
		s.presence.join(s.ctx)
		s.mu.Lock()
		annRev, notesRev := s.annRev, s.notesRev
		s.fetching++
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.hydrate(s.ctx, annRev, notesRev)
		}()
		s.scheduleSettle()
	case realtime.StatusChannelError, realtime.StatusTimedOut, realtime.StatusClosed:
		s.channel.drop(gen)
		s.setConnection(false, status != realtime.StatusClosed)
		s.logger.Warn("realtime channel lost", zap.String("status", string(status)), zap.Duration("reconnect_in", s.opts.ReconnectDelay))
	}
}

func (s *Session) setConnection(connected, connectionError bool) {
	s.mu.Lock()
	s.connected = connected
	s.connectionError = connectionError
	s.mu.Unlock()
	s.changed()
}

// scheduleSettle flushes the queue shortly after subscribing instead of
// hitting a just-reopened connection immediately.
func (s *Session) scheduleSettle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.settle != nil {
		s.settle.Stop()
	}
	s.settle = time.AfterFunc(s.opts.SettleDelay, func() {
		s.queue.Process(s.ctx)
	})
}

func (s *Session) onBroadcast(event string, payload json.RawMessage) {
	switch event {
	case EventAnnotation:
		var a meeting.Annotation
		if err := s.validator.decode(EventAnnotation, payload, &a); err != nil {
			s.dropped(event, err)
			return
		}
		s.appendAnnotation(a)
	case EventAnnotationUpdate:
		var u annotationUpdatePayload
		if err := s.validator.decode(EventAnnotationUpdate, payload, &u); err != nil {
			s.dropped(event, err)
			return
		}
		s.applyRemoteUpdate(u.ID, u.Content)
	case EventAnnotationDelete:
		var d annotationDeletePayload
		if err := s.validator.decode(EventAnnotationDelete, payload, &d); err != nil {
			s.dropped(event, err)
			return
		}
		s.applyRemoteDelete(d.ID)
	case EventNotesUpdate:
		var n notesPayload
		if err := s.validator.decode(EventNotesUpdate, payload, &n); err != nil {
			s.dropped(event, err)
			return
		}
		s.applyRemoteNotes(n)
	default:
		s.logger.Debug("unknown broadcast ignored", zap.String("event", event))
	}
}

func (s *Session) dropped(event string, err error) {
	s.logger.Debug("malformed broadcast dropped", zap.String("event", event), zap.Error(err))
}

// applyRemoteNotes overwrites local notes unconditionally.
func (s *Session) applyRemoteNotes(n notesPayload) {
	s.mu.Lock()
	s.notesText = n.Content
	s.lastEditedBy = n.LastEditedBy
	s.notesRev++
	s.notes.applyRemote(n.Content)
	s.mu.Unlock()
	s.changed()
}

// hydrate reloads annotations and notes from storage after every subscribe.
// Local changes made after the revisions were captured are kept.
func (s *Session) hydrate(ctx context.Context, annRev, notesRev uint64) {
	defer s.endFetch()
	list, err := s.opts.Annotations.ListAnnotations(ctx, s.opts.MeetingID, s.opts.ShareToken)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("annotation hydration failed", zap.Error(err))
		}
	} else {
		s.mergeHydrated(list, annRev)
	}

	notes, err := s.opts.Notes.GetNotes(ctx, s.opts.MeetingID, s.opts.ShareToken)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("notes hydration failed", zap.Error(err))
		}
		return
	}
	s.mu.Lock()
	applied := s.notesRev == notesRev && s.notes.hydrate(notes.Content)
	if applied {
		s.notesText = notes.Content
		s.lastEditedBy = notes.LastEditedBy
	}
	s.mu.Unlock()
	if applied {
		s.changed()
	}
}

func (s *Session) endFetch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetching--
	if s.fetching == 0 {
		clear(s.appendedAt)
		clear(s.removedAt)
		clear(s.editedAt)
	}
}

func (s *Session) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.presence.sweep(s.ctx)
			s.changed()
		}
	}
}

// inbox is the unbounded queue between transport callbacks and the run loop.
type inbox struct {
	mu     sync.Mutex
	items  []inbound
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(in inbound) {
	b.mu.Lock()
	b.items = append(b.items, in)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []inbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}
