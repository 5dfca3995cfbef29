// Package collab keeps one viewer's copy of a shared meeting in sync with its
// peers: presence, annotations, and the shared notes document.
//
// A Session owns the realtime channel for a share token. Local actions are
// applied optimistically and persisted through the injected stores; writes
// that cannot be confirmed go to an in-memory OperationQueue with bounded
// retry. Notes are last-writer-wins at debounce granularity, with no merge.
package collab

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/relaymeet/internal/meeting"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
	DefaultSettleDelay    = time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultNotesDebounce  = 500 * time.Millisecond
	DefaultSweepInterval  = 30 * time.Second
	DefaultIdleAfter      = 120 * time.Second
	DefaultStaleAfter     = 5 * time.Minute
)

// Broadcast event names.
const (
	EventAnnotation       = "annotation"
	EventAnnotationUpdate = "annotation_update"
	EventAnnotationDelete = "annotation_delete"
	EventNotesUpdate      = "notes_update"
)

var ErrSessionClosed = errors.New("collaboration session closed")

type AnnotationStore interface {
	CreateAnnotation(ctx context.Context, draft meeting.AnnotationDraft) (meeting.Annotation, error)
	UpdateAnnotation(ctx context.Context, update meeting.AnnotationUpdate) (meeting.Annotation, error)
	DeleteAnnotation(ctx context.Context, del meeting.AnnotationDelete) error
	ListAnnotations(ctx context.Context, meetingID, shareToken string) ([]meeting.Annotation, error)
}

type NotesStore interface {
	GetNotes(ctx context.Context, meetingID, shareToken string) (meeting.Notes, error)
	SaveNotes(ctx context.Context, notes meeting.Notes) error
}

// permanent reports whether err is a rejection that retrying cannot fix.
func permanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice is a user-facing message, the equivalent of a toast.
type Notice struct {
	Level   NoticeLevel
	Message string
	OpType  OperationType
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type logNotifier struct {
	logger *zap.Logger
}

func (n logNotifier) Notify(notice Notice) {
	fields := []zap.Field{zap.String("message", notice.Message)}
	if notice.OpType != "" {
		fields = append(fields, zap.String("op_type", string(notice.OpType)))
	}
	if notice.Level == NoticeError {
		n.logger.Error("collaboration notice", fields...)
		return
	}
	n.logger.Info("collaboration notice", fields...)
}

// State is a point-in-time copy of everything a UI renders.
type State struct {
	Presence          map[string]Presence
	Annotations       []meeting.Annotation
	Notes             string
	LastEditedBy      *meeting.UserInfo
	IsConnected       bool
	ConnectionError   bool
	PendingOperations int
}
