package meetingapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaymeet/internal/meeting"
)

func fastClient(server *httptest.Server) *Client {
	return NewClient(server.URL, Options{
		HTTPClient: server.Client(),
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/annotations" || r.URL.Query().Get("share_token") != "Ab3dE6gH" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"annotations":[{"id":"a1","type":"note","content":"hi","position":{"line_number":1}}]}`))
	}))
	defer server.Close()

	list, err := fastClient(server).ListAnnotations(context.Background(), "m1", "Ab3dE6gH")
	if err != nil {
		t.Fatalf("expected retry to recover from 503, got %v", err)
	}
	if len(list) != 1 || list[0].ID != "a1" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestClientKeepsCorrelationIDAcrossRetries(t *testing.T) {
	var ids []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, r.Header.Get("X-Correlation-Id"))
		if len(ids) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	err := fastClient(server).DeleteAnnotation(context.Background(), meeting.AnnotationDelete{ID: "a1", ShareToken: "Ab3dE6gH", SessionID: "s1"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(ids) != 2 || ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("expected the same correlation id on both attempts, got %v", ids)
	}
}

func TestClientReturnsPermanentHTTPError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"share link not found"}`))
	}))
	defer server.Close()

	_, err := fastClient(server).CreateAnnotation(context.Background(), meeting.AnnotationDraft{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %T %v", err, err)
	}
	if httpErr.Code != "not_found" || !httpErr.Permanent() {
		t.Fatalf("unexpected error: %+v", httpErr)
	}
	if !errors.Is(err, meeting.ErrNotFound) {
		t.Fatalf("expected 404 to match ErrNotFound")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", got)
	}
}

func TestHTTPErrorPermanence(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusForbidden:           true,
		http.StatusRequestTimeout:      false,
		http.StatusTooManyRequests:     false,
		http.StatusInternalServerError: false,
		http.StatusBadGateway:          false,
	}
	for status, want := range cases {
		if got := (&HTTPError{StatusCode: status}).Permanent(); got != want {
			t.Fatalf("status %d: expected permanent=%v", status, want)
		}
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := fastClient(server).SaveNotes(context.Background(), meeting.Notes{Content: "x"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway || httpErr.Permanent() {
		t.Fatalf("expected transient 502, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 1 call plus 2 retries, got %d", got)
	}
}

func TestClientSaveAndGetNotes(t *testing.T) {
	var saved meeting.Notes
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if err := json.NewDecoder(r.Body).Decode(&saved); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"success":true}`))
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(saved)
		}
	}))
	defer server.Close()

	client := fastClient(server)
	ctx := context.Background()
	editor := &meeting.UserInfo{Name: "alice", SessionID: "s1"}
	if err := client.SaveNotes(ctx, meeting.Notes{MeetingID: "m1", ShareToken: "Ab3dE6gH", Content: "agenda", LastEditedBy: editor}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := client.GetNotes(ctx, "m1", "Ab3dE6gH")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "agenda" || got.LastEditedBy == nil || got.LastEditedBy.Name != "alice" {
		t.Fatalf("unexpected notes: %+v", got)
	}
}

func TestRealtimeURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/":  "ws://localhost:8080/v1/realtime",
		"https://meet.example.io": "wss://meet.example.io/v1/realtime",
	}
	for base, want := range cases {
		if got := NewClient(base, Options{}).RealtimeURL(); got != want {
			t.Fatalf("%s: expected %s, got %s", base, want, got)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
}

func TestCreateShareSendsBearerAndTTL(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"Ab3dE6gH","meeting_id":"m1"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, Options{HTTPClient: server.Client(), Token: "admin-token"})
	share, err := client.CreateShare(context.Background(), "m1", 90*time.Second)
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if share.Token != "Ab3dE6gH" {
		t.Fatalf("unexpected share: %+v", share)
	}
	if gotAuth != "Bearer admin-token" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if gotBody["meeting_id"] != "m1" || gotBody["ttl_seconds"] != float64(90) {
		t.Fatalf("unexpected request body: %v", gotBody)
	}
}
