package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaymeet/internal/meeting"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OperationType string

const (
	OpAnnotationCreate OperationType = "annotation_create"
	OpAnnotationUpdate OperationType = "annotation_update"
	OpAnnotationDelete OperationType = "annotation_delete"
	OpNotesUpdate      OperationType = "notes_update"
)

func (t OperationType) describe() string {
	switch t {
	case OpAnnotationCreate:
		return "save annotation"
	case OpAnnotationUpdate:
		return "update annotation"
	case OpAnnotationDelete:
		return "delete annotation"
	case OpNotesUpdate:
		return "save notes"
	default:
		return string(t)
	}
}

// QueuedOperation is a write that has not been confirmed yet. Exactly one
// payload pointer is set, matching Type.
type QueuedOperation struct {
	ID        string
	Type      OperationType
	Draft     *meeting.AnnotationDraft
	Update    *meeting.AnnotationUpdate
	Delete    *meeting.AnnotationDelete
	Notes     *meeting.Notes
	Retries   int
	Timestamp time.Time

	notBefore time.Time
}

type Dispatcher func(ctx context.Context, op QueuedOperation) error

type QueueOptions struct {
	MaxRetries int
	RetryDelay time.Duration
	// Connected gates processing. Nil means always connected.
	Connected func() bool
	Notifier  Notifier
	Logger    *zap.Logger
	Now       func() time.Time
	OnChange  func()
}

// OperationQueue is an in-memory outbox with bounded, linearly backed-off
// retry. Only one Process pass runs at a time; a call that arrives during a
// pass is folded into a trailing pass instead of running concurrently.
type OperationQueue struct {
	dispatch   Dispatcher
	maxRetries int
	retryDelay time.Duration
	connected  func() bool
	notifier   Notifier
	logger     *zap.Logger
	now        func() time.Time
	onChange   func()

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	ops        []QueuedOperation
	processing bool
	rerun      bool
	timers     map[*time.Timer]struct{}
	closed     bool
}

func NewOperationQueue(dispatch Dispatcher, opts QueueOptions) *OperationQueue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Connected == nil {
		opts.Connected = func() bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = logNotifier{logger: opts.Logger}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnChange == nil {
		opts.OnChange = func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &OperationQueue{
		dispatch:   dispatch,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		connected:  opts.Connected,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
		now:        opts.Now,
		onChange:   opts.OnChange,
		ctx:        ctx,
		cancel:     cancel,
		timers:     map[*time.Timer]struct{}{},
	}
}

// Enqueue appends op with zero retries and starts processing when connected.
func (q *OperationQueue) Enqueue(op QueuedOperation) QueuedOperation {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.Retries = 0
	op.Timestamp = q.now()
	op.notBefore = time.Time{}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return op
	}
	q.ops = append(q.ops, op)
	q.mu.Unlock()

	q.logger.Debug("operation queued", zap.String("op_id", op.ID), zap.String("op_type", string(op.Type)))
	q.onChange()
	if q.connected() {
		q.Kick()
	}
	return op
}

// Kick runs Process in the background on the queue's own context.
func (q *OperationQueue) Kick() {
	go q.Process(q.ctx)
}

// Process makes one pass over a snapshot of the queue in FIFO order.
func (q *OperationQueue) Process(ctx context.Context) {
	if !q.connected() {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.processing {
		q.rerun = true
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		q.rerun = false
		snapshot := append([]QueuedOperation(nil), q.ops...)
		q.mu.Unlock()

		q.runPass(ctx, snapshot)

		online := q.connected()
		q.mu.Lock()
		if !q.rerun || q.closed || ctx.Err() != nil || !online {
			q.processing = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}

func (q *OperationQueue) runPass(ctx context.Context, snapshot []QueuedOperation) {
	for _, op := range snapshot {
		if ctx.Err() != nil || !q.connected() {
			return
		}
		if q.now().Before(op.notBefore) {
			continue
		}
		err := q.dispatch(ctx, op)
		if err != nil && ctx.Err() != nil {
			return
		}
		q.settle(op, err)
	}
}

func (q *OperationQueue) settle(op QueuedOperation, err error) {
	q.mu.Lock()
	idx := q.indexLocked(op.ID)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	if err == nil {
		q.removeLocked(idx)
		q.mu.Unlock()
		q.logger.Debug("operation persisted", zap.String("op_id", op.ID), zap.String("op_type", string(op.Type)))
		q.onChange()
		return
	}
	if permanent(err) {
		q.removeLocked(idx)
		q.mu.Unlock()
		q.logger.Warn("operation rejected", zap.String("op_id", op.ID), zap.String("op_type", string(op.Type)), zap.Error(err))
		q.notifier.Notify(Notice{Level: NoticeError, OpType: op.Type, Message: fmt.Sprintf("Could not %s (%s): %v", op.Type.describe(), op.Type, err)})
		q.onChange()
		return
	}

	current := &q.ops[idx]
	current.Retries++
	retries := current.Retries
	if retries >= q.maxRetries {
		q.removeLocked(idx)
		q.mu.Unlock()
		q.logger.Warn("operation dropped after retries", zap.String("op_id", op.ID), zap.String("op_type", string(op.Type)), zap.Int("retries", retries), zap.Error(err))
		q.notifier.Notify(Notice{Level: NoticeError, OpType: op.Type, Message: fmt.Sprintf("Failed to %s (%s) after %d attempts", op.Type.describe(), op.Type, retries)})
		q.onChange()
		return
	}
	delay := q.retryDelay * time.Duration(retries)
	current.notBefore = q.now().Add(delay)
	q.scheduleLocked(delay)
	q.mu.Unlock()
	q.logger.Info("operation retry scheduled", zap.String("op_id", op.ID), zap.String("op_type", string(op.Type)), zap.Int("retries", retries), zap.Duration("delay", delay), zap.Error(err))
}

func (q *OperationQueue) scheduleLocked(delay time.Duration) {
	if q.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		q.Process(q.ctx)
	})
	q.timers[timer] = struct{}{}
}

func (q *OperationQueue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *OperationQueue) removeLocked(idx int) {
	q.ops = append(q.ops[:idx], q.ops[idx+1:]...)
}

func (q *OperationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *OperationQueue) Snapshot() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedOperation(nil), q.ops...)
}

// Close stops retry timers. Queued operations stay in memory but are never
// processed again.
func (q *OperationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.cancel()
}
