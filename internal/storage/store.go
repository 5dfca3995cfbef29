// Package storage is the server-side record of shares, annotations, and
// notes. All state lives in memory and is written through to a StateBackend
// after every mutation.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaymeet/internal/meeting"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type StoreOptions struct {
	StateBackend StateBackend
	Logger       *zap.Logger
	Now          func() time.Time
}

type Stats struct {
	Shares      int
	Annotations int
	Notes       int
}

type Store struct {
	backend StateBackend
	logger  *zap.Logger
	now     func() time.Time

	mu          sync.RWMutex
	shares      map[string]meeting.Share
	annotations map[string][]meeting.Annotation
	notes       map[string]meeting.Notes
	revision    uint64

	closeOnce sync.Once
}

// NewStore loads any saved snapshot from opts.StateBackend. A nil backend
// keeps everything in memory.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		backend:     opts.StateBackend,
		logger:      opts.Logger,
		now:         opts.Now,
		shares:      map[string]meeting.Share{},
		annotations: map[string][]meeting.Annotation{},
		notes:       map[string]meeting.Notes{},
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load store snapshot: %w", err)
	}
	return s, nil
}

func (s *Store) load() error {
	if s.backend == nil {
		return nil
	}
	snapshot, err := s.backend.Load()
	if err != nil || snapshot == nil {
		return err
	}
	if snapshot.Shares != nil {
		s.shares = snapshot.Shares
	}
	if snapshot.Annotations != nil {
		s.annotations = snapshot.Annotations
	}
	if snapshot.Notes != nil {
		s.notes = snapshot.Notes
	}
	s.revision = snapshot.Revision
	s.logger.Info("store snapshot loaded", zap.Int("shares", len(s.shares)), zap.Uint64("revision", s.revision))
	return nil
}

func (s *Store) saveLocked() error {
	s.revision++
	if s.backend == nil {
		return nil
	}
	return s.backend.Save(&persistedState{
		Shares:      s.shares,
		Annotations: s.annotations,
		Notes:       s.notes,
		Revision:    s.revision,
	})
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if closer, ok := s.backend.(stateBackendCloser); ok {
			err = closer.Close()
		}
	})
	return err
}

// CreateShare issues a new share token for meetingID. A zero ttl never
// expires.
func (s *Store) CreateShare(ctx context.Context, meetingID string, ttl time.Duration) (meeting.Share, error) {
	meetingID = strings.TrimSpace(meetingID)
	if meetingID == "" {
		return meeting.Share{}, fmt.Errorf("%w: meeting_id is required", meeting.ErrInvalidInput)
	}
	if ttl < 0 {
		return meeting.Share{}, fmt.Errorf("%w: ttl must not be negative", meeting.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var token string
	for {
		var err error
		token, err = meeting.NewShareToken()
		if err != nil {
			return meeting.Share{}, err
		}
		if _, taken := s.shares[token]; !taken {
			break
		}
	}
	now := s.now().UTC()
	share := meeting.Share{Token: token, MeetingID: meetingID, CreatedAt: now}
	if ttl > 0 {
		expires := now.Add(ttl)
		share.ExpiresAt = &expires
	}
	s.shares[token] = share
	if err := s.saveLocked(); err != nil {
		delete(s.shares, token)
		return meeting.Share{}, err
	}
	return share, nil
}

func (s *Store) GetShare(ctx context.Context, token string) (meeting.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	share, ok := s.shares[token]
	if !ok {
		return meeting.Share{}, fmt.Errorf("%w: share %s", meeting.ErrNotFound, token)
	}
	if share.Expired(s.now()) {
		return meeting.Share{}, fmt.Errorf("share %s: %w", token, meeting.ErrExpired)
	}
	return share, nil
}

// shareLocked resolves a live share. When meetingID is set it must match
// the share's meeting.
func (s *Store) shareLocked(token, meetingID string) (meeting.Share, error) {
	share, ok := s.shares[token]
	if !ok {
		return meeting.Share{}, fmt.Errorf("%w: share %s", meeting.ErrNotFound, token)
	}
	if share.Expired(s.now()) {
		return meeting.Share{}, fmt.Errorf("share %s: %w", token, meeting.ErrExpired)
	}
	if meetingID != "" && share.MeetingID != meetingID {
		return meeting.Share{}, fmt.Errorf("%w: share %s is not for meeting %s", meeting.ErrNotFound, token, meetingID)
	}
	return share, nil
}

func (s *Store) CreateAnnotation(ctx context.Context, draft meeting.AnnotationDraft) (meeting.Annotation, error) {
	if err := draft.Validate(); err != nil {
		return meeting.Annotation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.shareLocked(draft.ShareToken, draft.MeetingID); err != nil {
		return meeting.Annotation{}, err
	}
	pos := draft.Position
	if pos.ParentID == "" {
		pos.ParentID = draft.ParentID
	}
	if pos.ParentID != "" && indexOf(s.annotations[draft.ShareToken], pos.ParentID) < 0 {
		return meeting.Annotation{}, fmt.Errorf("%w: parent annotation %s", meeting.ErrNotFound, pos.ParentID)
	}
	annotation := meeting.Annotation{
		ID:         uuid.NewString(),
		MeetingID:  draft.MeetingID,
		ShareToken: draft.ShareToken,
		UserInfo:   draft.UserInfo,
		Type:       draft.Type,
		Content:    draft.Content,
		Position:   pos,
		CreatedAt:  s.now().UTC(),
	}
	prev := s.annotations[draft.ShareToken]
	s.annotations[draft.ShareToken] = append(append([]meeting.Annotation(nil), prev...), annotation)
	if err := s.saveLocked(); err != nil {
		s.annotations[draft.ShareToken] = prev
		return meeting.Annotation{}, err
	}
	return annotation, nil
}

// UpdateAnnotation replaces the content of an annotation owned by
// update.SessionID. The type and position never change.
func (s *Store) UpdateAnnotation(ctx context.Context, update meeting.AnnotationUpdate) (meeting.Annotation, error) {
	if strings.TrimSpace(update.ID) == "" || strings.TrimSpace(update.SessionID) == "" {
		return meeting.Annotation{}, fmt.Errorf("%w: id and sessionId are required", meeting.ErrInvalidInput)
	}
	if err := meeting.ValidateContent(update.Content); err != nil {
		return meeting.Annotation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, idx, err := s.ownedLocked(update.ShareToken, update.ID, update.SessionID)
	if err != nil {
		return meeting.Annotation{}, err
	}
	next := append([]meeting.Annotation(nil), list...)
	next[idx].Content = update.Content
	s.annotations[update.ShareToken] = next
	if err := s.saveLocked(); err != nil {
		s.annotations[update.ShareToken] = list
		return meeting.Annotation{}, err
	}
	return next[idx], nil
}

func (s *Store) DeleteAnnotation(ctx context.Context, del meeting.AnnotationDelete) error {
	if strings.TrimSpace(del.ID) == "" || strings.TrimSpace(del.SessionID) == "" {
		return fmt.Errorf("%w: id and sessionId are required", meeting.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, idx, err := s.ownedLocked(del.ShareToken, del.ID, del.SessionID)
	if err != nil {
		return err
	}
	next := make([]meeting.Annotation, 0, len(list)-1)
	next = append(next, list[:idx]...)
	next = append(next, list[idx+1:]...)
	s.annotations[del.ShareToken] = next
	if err := s.saveLocked(); err != nil {
		s.annotations[del.ShareToken] = list
		return err
	}
	return nil
}

func (s *Store) ownedLocked(token, id, sessionID string) ([]meeting.Annotation, int, error) {
	if _, err := s.shareLocked(token, ""); err != nil {
		return nil, -1, err
	}
	list := s.annotations[token]
	idx := indexOf(list, id)
	if idx < 0 {
		return nil, -1, fmt.Errorf("%w: annotation %s", meeting.ErrNotFound, id)
	}
	if !list[idx].OwnedBy(sessionID) {
		return nil, -1, fmt.Errorf("annotation %s: %w", id, meeting.ErrNotOwner)
	}
	return list, idx, nil
}

// ListAnnotations returns the share's annotations oldest first.
func (s *Store) ListAnnotations(ctx context.Context, meetingID, shareToken string) ([]meeting.Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.shareLocked(shareToken, meetingID); err != nil {
		return nil, err
	}
	out := append([]meeting.Annotation{}, s.annotations[shareToken]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetNotes returns empty notes for a share nobody has written to yet.
func (s *Store) GetNotes(ctx context.Context, meetingID, shareToken string) (meeting.Notes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	share, err := s.shareLocked(shareToken, meetingID)
	if err != nil {
		return meeting.Notes{}, err
	}
	notes, ok := s.notes[shareToken]
	if !ok {
		return meeting.Notes{MeetingID: share.MeetingID, ShareToken: shareToken}, nil
	}
	return notes, nil
}

// SaveNotes overwrites the share's notes. Concurrent writers are
// last-writer-wins.
func (s *Store) SaveNotes(ctx context.Context, notes meeting.Notes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, err := s.shareLocked(notes.ShareToken, notes.MeetingID)
	if err != nil {
		return err
	}
	prev, had := s.notes[notes.ShareToken]
	notes.MeetingID = share.MeetingID
	notes.UpdatedAt = s.now().UTC()
	s.notes[notes.ShareToken] = notes
	if err := s.saveLocked(); err != nil {
		if had {
			s.notes[notes.ShareToken] = prev
		} else {
			delete(s.notes, notes.ShareToken)
		}
		return err
	}
	return nil
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Shares: len(s.shares), Notes: len(s.notes)}
	for _, list := range s.annotations {
		stats.Annotations += len(list)
	}
	return stats
}

func indexOf(list []meeting.Annotation, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
