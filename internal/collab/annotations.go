package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaymeet/internal/meeting"
	"go.uber.org/zap"
)

type annotationUpdatePayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type annotationDeletePayload struct {
	ID string `json:"id"`
}

// command is a local annotation mutation paired with its inverse. The pair
// is built before dispatch, so a failed write is undone by running
// compensate rather than by diffing state.
type command struct {
	name       string
	id         string
	content    string
	forward    func([]meeting.Annotation) []meeting.Annotation
	compensate func([]meeting.Annotation) []meeting.Annotation
}

func removeCommand(target meeting.Annotation, index int) command {
	return command{
		name: "delete",
		id:   target.ID,
		forward: func(in []meeting.Annotation) []meeting.Annotation {
			out := make([]meeting.Annotation, 0, len(in))
			for _, a := range in {
				if a.ID != target.ID {
					out = append(out, a)
				}
			}
			return out
		},
		compensate: func(in []meeting.Annotation) []meeting.Annotation {
			if indexOf(in, target.ID) >= 0 {
				return in
			}
			at := index
			if at > len(in) {
				at = len(in)
			}
			out := make([]meeting.Annotation, 0, len(in)+1)
			out = append(out, in[:at]...)
			out = append(out, target)
			return append(out, in[at:]...)
		},
	}
}

func editCommand(id, before, after string) command {
	set := func(content string) func([]meeting.Annotation) []meeting.Annotation {
		return func(in []meeting.Annotation) []meeting.Annotation {
			out := append([]meeting.Annotation(nil), in...)
			if i := indexOf(out, id); i >= 0 {
				out[i].Content = content
			}
			return out
		}
	}
	return command{name: "edit", id: id, content: after, forward: set(after), compensate: set(before)}
}

func indexOf(list []meeting.Annotation, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// editMark records a content change a hydration fetch may not have seen.
type editMark struct {
	rev     uint64
	content string
}

func (s *Session) execute(cmd command) {
	s.mu.Lock()
	s.annotations = cmd.forward(s.annotations)
	switch cmd.name {
	case "delete":
		s.markRemovedLocked(cmd.id)
	case "edit":
		s.markEditedLocked(cmd.id, cmd.content)
	}
	s.mu.Unlock()
	s.changed()
}

// revert also drops the command's mark: the store still holds the old
// record, so hydration may bring it back as is.
func (s *Session) revert(cmd command) {
	s.mu.Lock()
	s.annotations = cmd.compensate(s.annotations)
	switch cmd.name {
	case "delete":
		delete(s.removedAt, cmd.id)
	case "edit":
		delete(s.editedAt, cmd.id)
	}
	s.mu.Unlock()
	s.changed()
}

// Marks only matter to a hydration fetch that is still in flight; with none
// running the revision still advances but nothing is recorded.
func (s *Session) markRemovedLocked(id string) {
	s.annRev++
	delete(s.appendedAt, id)
	delete(s.editedAt, id)
	if s.fetching > 0 {
		s.removedAt[id] = s.annRev
	}
}

func (s *Session) markEditedLocked(id, content string) {
	s.annRev++
	if s.fetching > 0 {
		s.editedAt[id] = editMark{rev: s.annRev, content: content}
	}
}

// AddHighlight annotates lines startLine..endLine (1-based, inclusive).
func (s *Session) AddHighlight(ctx context.Context, startLine, endLine int, text string) error {
	return s.addAnnotation(ctx, s.draft(meeting.AnnotationHighlight, text, meeting.Position{StartLine: startLine, EndLine: endLine}, ""))
}

// AddComment comments on one line. A non-empty parentID makes it a reply.
func (s *Session) AddComment(ctx context.Context, lineNumber int, text, parentID string) error {
	return s.addAnnotation(ctx, s.draft(meeting.AnnotationComment, text, meeting.Position{LineNumber: lineNumber, ParentID: parentID}, parentID))
}

func (s *Session) draft(kind meeting.AnnotationType, text string, pos meeting.Position, parentID string) meeting.AnnotationDraft {
	return meeting.AnnotationDraft{
		MeetingID:  s.opts.MeetingID,
		ShareToken: s.opts.ShareToken,
		UserInfo:   s.opts.User,
		Type:       kind,
		Content:    text,
		Position:   pos,
		ParentID:   parentID,
	}
}

// addAnnotation persists first and appends only the server record, since the
// id is assigned server-side. Offline or transiently failing creates are
// queued instead.
func (s *Session) addAnnotation(ctx context.Context, draft meeting.AnnotationDraft) error {
	if err := draft.ValidateShape(); err != nil {
		s.notifier.Notify(Notice{Level: NoticeError, Message: "Annotation is invalid: " + err.Error()})
		return err
	}
	s.presence.touch(ctx)

	if !s.isConnected() {
		s.queue.Enqueue(QueuedOperation{Type: OpAnnotationCreate, Draft: &draft})
		s.notifier.Notify(Notice{Level: NoticeInfo, OpType: OpAnnotationCreate, Message: "Annotation saved offline and will sync when reconnected"})
		return nil
	}

	created, err := s.opts.Annotations.CreateAnnotation(ctx, draft)
	if err != nil {
		if permanent(err) {
			s.notifier.Notify(Notice{Level: NoticeError, OpType: OpAnnotationCreate, Message: "Annotation was rejected: " + err.Error()})
			return fmt.Errorf("create annotation: %w", err)
		}
		s.logger.Warn("annotation create failed, queued for retry", zap.Error(err))
		s.queue.Enqueue(QueuedOperation{Type: OpAnnotationCreate, Draft: &draft})
		s.notifier.Notify(Notice{Level: NoticeInfo, OpType: OpAnnotationCreate, Message: "Could not save annotation, will retry"})
		return nil
	}
	s.channel.send(ctx, EventAnnotation, created)
	s.appendAnnotation(created)
	return nil
}

// DeleteAnnotation removes one of this session's annotations. The removal is
// visible immediately and undone if the store rejects it.
func (s *Session) DeleteAnnotation(ctx context.Context, id string) error {
	target, index, err := s.ownedAnnotation(id, "delete")
	if err != nil {
		return err
	}
	s.presence.touch(ctx)

	cmd := removeCommand(target, index)
	s.execute(cmd)
	err = s.opts.Annotations.DeleteAnnotation(ctx, meeting.AnnotationDelete{
		ID:         id,
		ShareToken: s.opts.ShareToken,
		SessionID:  s.opts.User.SessionID,
	})
	if err != nil {
		s.revert(cmd)
		s.logger.Warn("annotation delete failed, rolled back", zap.String("annotation_id", id), zap.Error(err))
		s.notifier.Notify(Notice{Level: NoticeError, OpType: OpAnnotationDelete, Message: "Failed to delete annotation"})
		return fmt.Errorf("delete annotation %s: %w", id, err)
	}
	s.channel.send(ctx, EventAnnotationDelete, annotationDeletePayload{ID: id})
	return nil
}

// EditAnnotation replaces the content of one of this session's annotations.
func (s *Session) EditAnnotation(ctx context.Context, id, content string) error {
	if strings.TrimSpace(content) == "" {
		s.notifier.Notify(Notice{Level: NoticeError, Message: "Annotation content cannot be empty"})
		return fmt.Errorf("%w: content is required", meeting.ErrInvalidInput)
	}
	target, _, err := s.ownedAnnotation(id, "edit")
	if err != nil {
		return err
	}
	s.presence.touch(ctx)

	cmd := editCommand(id, target.Content, content)
	s.execute(cmd)
	_, err = s.opts.Annotations.UpdateAnnotation(ctx, meeting.AnnotationUpdate{
		ID:         id,
		ShareToken: s.opts.ShareToken,
		SessionID:  s.opts.User.SessionID,
		Content:    content,
	})
	if err != nil {
		s.revert(cmd)
		s.logger.Warn("annotation update failed, rolled back", zap.String("annotation_id", id), zap.Error(err))
		s.notifier.Notify(Notice{Level: NoticeError, OpType: OpAnnotationUpdate, Message: "Failed to update annotation"})
		return fmt.Errorf("update annotation %s: %w", id, err)
	}
	s.channel.send(ctx, EventAnnotationUpdate, annotationUpdatePayload{ID: id, Content: content})
	return nil
}

func (s *Session) ownedAnnotation(id, verb string) (meeting.Annotation, int, error) {
	s.mu.Lock()
	index := indexOf(s.annotations, id)
	var target meeting.Annotation
	if index >= 0 {
		target = s.annotations[index]
	}
	s.mu.Unlock()

	if index < 0 {
		s.notifier.Notify(Notice{Level: NoticeError, Message: "Annotation not found"})
		return meeting.Annotation{}, -1, fmt.Errorf("%w: annotation %s", meeting.ErrNotFound, id)
	}
	if !target.OwnedBy(s.opts.User.SessionID) {
		s.notifier.Notify(Notice{Level: NoticeError, Message: fmt.Sprintf("You can only %s your own annotations", verb)})
		return meeting.Annotation{}, -1, fmt.Errorf("%s annotation %s: %w", verb, id, meeting.ErrNotOwner)
	}
	return target, index, nil
}

// appendAnnotation adds a record unless one with the same id is present.
func (s *Session) appendAnnotation(a meeting.Annotation) bool {
	s.mu.Lock()
	if indexOf(s.annotations, a.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.annotations = append(s.annotations, a)
	s.annRev++
	if s.fetching > 0 {
		s.appendedAt[a.ID] = s.annRev
	}
	s.mu.Unlock()
	s.changed()
	return true
}

func (s *Session) applyRemoteUpdate(id, content string) {
	s.mu.Lock()
	i := indexOf(s.annotations, id)
	if i >= 0 {
		next := append([]meeting.Annotation(nil), s.annotations...)
		next[i].Content = content
		s.annotations = next
	}
	s.markEditedLocked(id, content)
	s.mu.Unlock()
	if i >= 0 {
		s.changed()
	}
}

func (s *Session) applyRemoteDelete(id string) {
	s.mu.Lock()
	i := indexOf(s.annotations, id)
	if i >= 0 {
		next := make([]meeting.Annotation, 0, len(s.annotations)-1)
		next = append(next, s.annotations[:i]...)
		s.annotations = append(next, s.annotations[i+1:]...)
	}
	s.markRemovedLocked(id)
	s.mu.Unlock()
	if i >= 0 {
		s.changed()
	}
}

// mergeHydrated replaces the list with the server's. Changes made after
// the fetch started (revision above sinceRev) win over the fetched copy:
// appended records are kept, removed ones stay removed and edited ones keep
// their newer content.
func (s *Session) mergeHydrated(list []meeting.Annotation, sinceRev uint64) {
	s.mu.Lock()
	if s.hydrated && sinceRev < s.hydratedSince {
		// A later fetch already merged and pruned the marks this one needs.
		s.mu.Unlock()
		return
	}
	s.hydrated, s.hydratedSince = true, sinceRev
	merged := make([]meeting.Annotation, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, a := range list {
		seen[a.ID] = struct{}{}
		if rev, ok := s.removedAt[a.ID]; ok && rev > sinceRev {
			continue
		}
		if mark, ok := s.editedAt[a.ID]; ok && mark.rev > sinceRev {
			a.Content = mark.content
		}
		merged = append(merged, a)
	}
	appended := map[string]uint64{}
	for _, a := range s.annotations {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		if rev := s.appendedAt[a.ID]; rev > sinceRev {
			merged = append(merged, a)
			appended[a.ID] = rev
		}
	}
	s.annotations = merged
	s.appendedAt = appended
	for id, rev := range s.removedAt {
		if rev <= sinceRev {
			delete(s.removedAt, id)
		}
	}
	for id, mark := range s.editedAt {
		if mark.rev <= sinceRev {
			delete(s.editedAt, id)
		}
	}
	s.mu.Unlock()
	s.changed()
}
