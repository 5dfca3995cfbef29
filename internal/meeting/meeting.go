package meeting

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxContentLength = 5000
	ShareTokenLength = 8
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotOwner     = errors.New("annotation belongs to another session")
	ErrExpired      = errors.New("share link expired")
)

type AnnotationType string

const (
	AnnotationHighlight AnnotationType = "highlight"
	AnnotationComment   AnnotationType = "comment"
	AnnotationNote      AnnotationType = "note"
)

func (t AnnotationType) Valid() bool {
	switch t {
	case AnnotationHighlight, AnnotationComment, AnnotationNote:
		return true
	default:
		return false
	}
}

// UserInfo identifies one browser session. SessionID is the ownership key.
type UserInfo struct {
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Color     string `json:"color"`
	SessionID string `json:"sessionId"`
}

// Position anchors an annotation to transcript lines. Lines are 1-based.
// Highlights use StartLine/EndLine, comments use LineNumber and optionally
// ParentID for threaded replies.
type Position struct {
	StartLine  int    `json:"start_line,omitempty"`
	EndLine    int    `json:"end_line,omitempty"`
	LineNumber int    `json:"line_number,omitempty"`
	ParentID   string `json:"parent_id,omitempty"`
}

func (p Position) Validate(kind AnnotationType) error {
	switch kind {
	case AnnotationHighlight:
		if p.StartLine < 1 || p.EndLine < p.StartLine {
			return fmt.Errorf("%w: highlight needs 1 <= start_line <= end_line", ErrInvalidInput)
		}
		if p.LineNumber != 0 || p.ParentID != "" {
			return fmt.Errorf("%w: highlight position cannot carry line_number or parent_id", ErrInvalidInput)
		}
	case AnnotationComment, AnnotationNote:
		if p.LineNumber < 1 {
			return fmt.Errorf("%w: %s needs line_number >= 1", ErrInvalidInput, kind)
		}
		if p.StartLine != 0 || p.EndLine != 0 {
			return fmt.Errorf("%w: %s position cannot carry a line range", ErrInvalidInput, kind)
		}
	default:
		return fmt.Errorf("%w: unknown annotation type %q", ErrInvalidInput, kind)
	}
	return nil
}

type Annotation struct {
	ID         string         `json:"id"`
	MeetingID  string         `json:"meeting_id"`
	ShareToken string         `json:"share_token"`
	UserInfo   UserInfo       `json:"user_info"`
	Type       AnnotationType `json:"type"`
	Content    string         `json:"content"`
	Position   Position       `json:"position"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (a Annotation) OwnedBy(sessionID string) bool {
	return sessionID != "" && a.UserInfo.SessionID == sessionID
}

// AnnotationDraft is the create request. The server fills in ID and CreatedAt.
type AnnotationDraft struct {
	MeetingID  string         `json:"meeting_id"`
	ShareToken string         `json:"share_token"`
	UserInfo   UserInfo       `json:"user_info"`
	Type       AnnotationType `json:"type"`
	Content    string         `json:"content"`
	Position   Position       `json:"position"`
	ParentID   string         `json:"parent_id,omitempty"`
}

// Validate runs ValidateShape and the content size cap.
func (d AnnotationDraft) Validate() error {
	if err := d.ValidateShape(); err != nil {
		return err
	}
	return ValidateContent(d.Content)
}

// ValidateShape checks everything except the content size cap, which only
// the server enforces.
func (d AnnotationDraft) ValidateShape() error {
	if strings.TrimSpace(d.MeetingID) == "" || strings.TrimSpace(d.ShareToken) == "" {
		return fmt.Errorf("%w: meeting_id and share_token are required", ErrInvalidInput)
	}
	if strings.TrimSpace(d.UserInfo.SessionID) == "" || strings.TrimSpace(d.UserInfo.Name) == "" {
		return fmt.Errorf("%w: user_info.name and user_info.sessionId are required", ErrInvalidInput)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown annotation type %q", ErrInvalidInput, d.Type)
	}
	if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	pos := d.Position
	if pos.ParentID == "" {
		pos.ParentID = d.ParentID
	}
	return pos.Validate(d.Type)
}

type AnnotationUpdate struct {
	ID         string `json:"id"`
	ShareToken string `json:"share_token"`
	SessionID  string `json:"sessionId"`
	Content    string `json:"content"`
}

type AnnotationDelete struct {
	ID         string `json:"id"`
	ShareToken string `json:"share_token"`
	SessionID  string `json:"sessionId"`
}

type Notes struct {
	MeetingID    string    `json:"meeting_id,omitempty"`
	ShareToken   string    `json:"share_token,omitempty"`
	Content      string    `json:"content"`
	LastEditedBy *UserInfo `json:"last_edited_by"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Share struct {
	Token     string     `json:"token"`
	MeetingID string     `json:"meeting_id"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// ValidateContent enforces the per-annotation size cap in characters.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidInput, MaxContentLength)
	}
	return nil
}

const shareTokenAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func NewShareToken() (string, error) {
	buf := make([]byte, ShareTokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, ShareTokenLength)
	for i, b := range buf {
		out[i] = shareTokenAlphabet[int(b)%len(shareTokenAlphabet)]
	}
	return string(out), nil
}

func ValidShareToken(token string) bool {
	if len(token) != ShareTokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
