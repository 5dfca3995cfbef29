package meeting

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validDraft() AnnotationDraft {
	return AnnotationDraft{
		MeetingID:  "m1",
		ShareToken: "abcd1234",
		UserInfo:   UserInfo{Name: "Ada", Color: "#f00", SessionID: "s1"},
		Type:       AnnotationHighlight,
		Content:    "key point",
		Position:   Position{StartLine: 3, EndLine: 5},
	}
}

func TestAnnotationDraftValidate(t *testing.T) {
	if err := validDraft().Validate(); err != nil {
		t.Fatalf("expected valid draft, got %v", err)
	}

	cases := map[string]func(d *AnnotationDraft){
		"missing meeting":  func(d *AnnotationDraft) { d.MeetingID = "" },
		"missing session":  func(d *AnnotationDraft) { d.UserInfo.SessionID = "" },
		"unknown type":     func(d *AnnotationDraft) { d.Type = "sticker" },
		"empty content":    func(d *AnnotationDraft) { d.Content = "  " },
		"inverted range":   func(d *AnnotationDraft) { d.Position = Position{StartLine: 5, EndLine: 3} },
		"zero line":        func(d *AnnotationDraft) { d.Position = Position{StartLine: 0, EndLine: 3} },
		"highlight parent": func(d *AnnotationDraft) { d.ParentID = "a1" },
		"comment without line": func(d *AnnotationDraft) {
			d.Type = AnnotationComment
			d.Position = Position{}
		},
		"oversized content": func(d *AnnotationDraft) { d.Content = strings.Repeat("x", MaxContentLength+1) },
	}
	for name, mutate := range cases {
		d := validDraft()
		mutate(&d)
		if err := d.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestValidateShapeSkipsSizeCap(t *testing.T) {
	d := validDraft()
	d.Content = strings.Repeat("x", MaxContentLength+1)
	if err := d.ValidateShape(); err != nil {
		t.Fatalf("expected shape validation to ignore content size, got %v", err)
	}
}

func TestValidateContentCountsCharacters(t *testing.T) {
	if err := ValidateContent(strings.Repeat("é", MaxContentLength)); err != nil {
		t.Fatalf("expected %d multibyte characters to be accepted, got %v", MaxContentLength, err)
	}
}

func TestCommentReplyPosition(t *testing.T) {
	d := validDraft()
	d.Type = AnnotationComment
	d.Position = Position{LineNumber: 7}
	d.ParentID = "parent-1"
	if err := d.Validate(); err != nil {
		t.Fatalf("expected threaded reply to validate, got %v", err)
	}
}

func TestShareTokenAndExpiry(t *testing.T) {
	token, err := NewShareToken()
	if err != nil {
		t.Fatalf("new share token: %v", err)
	}
	if !ValidShareToken(token) {
		t.Fatalf("expected generated token %q to be valid", token)
	}
	if ValidShareToken("short") || ValidShareToken("abc-1234") {
		t.Fatalf("expected malformed tokens to be rejected")
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(time.Hour)
	share := Share{Token: token, MeetingID: "m1", ExpiresAt: &expiry}
	if share.Expired(now) {
		t.Fatalf("expected share to be live before expiry")
	}
	if !share.Expired(expiry) {
		t.Fatalf("expected share to be expired at expiry")
	}
	if (Share{}).Expired(now) {
		t.Fatalf("expected share without expiry to never expire")
	}
}

func TestAnnotationOwnedBy(t *testing.T) {
	a := Annotation{UserInfo: UserInfo{SessionID: "s1"}}
	if !a.OwnedBy("s1") || a.OwnedBy("s2") || a.OwnedBy("") {
		t.Fatalf("unexpected ownership result for %+v", a)
	}
}
