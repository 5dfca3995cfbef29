// Package meetingapi is the HTTP client for the annotation and notes
// endpoints served by relaymeet.
package meetingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaymeet/internal/meeting"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *HTTPError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode <= 499
}

// Is maps status codes onto the shared meeting errors. The server reports
// missing, expired, and foreign records alike as 404.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case meeting.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case meeting.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusRequestEntityTooLarge
	}
	return false
}

type Options struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	// Token is sent as a bearer credential. Only share creation needs it,
	// and only when the server has an admin secret configured.
	Token      string
	// MaxRetries bounds in-request retries on network errors, 429 and 5xx.
	// Zero means the default of 2; negative disables them.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, opts Options) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = 2
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
}

func (c *Client) CreateAnnotation(ctx context.Context, draft meeting.AnnotationDraft) (meeting.Annotation, error) {
	var out meeting.Annotation
	err := c.doJSON(ctx, http.MethodPost, "/v1/annotations", draft, &out)
	return out, err
}

func (c *Client) UpdateAnnotation(ctx context.Context, update meeting.AnnotationUpdate) (meeting.Annotation, error) {
	var out meeting.Annotation
	err := c.doJSON(ctx, http.MethodPatch, "/v1/annotations", update, &out)
	return out, err
}

func (c *Client) DeleteAnnotation(ctx context.Context, del meeting.AnnotationDelete) error {
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/annotations", del, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("delete annotation %s: server did not confirm", del.ID)
	}
	return nil
}

func (c *Client) ListAnnotations(ctx context.Context, meetingID, shareToken string) ([]meeting.Annotation, error) {
	var out struct {
		Annotations []meeting.Annotation `json:"annotations"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/annotations?"+scopeQuery(meetingID, shareToken), nil, &out)
	return out.Annotations, err
}

func (c *Client) GetNotes(ctx context.Context, meetingID, shareToken string) (meeting.Notes, error) {
	var out meeting.Notes
	err := c.doJSON(ctx, http.MethodGet, "/v1/notes?"+scopeQuery(meetingID, shareToken), nil, &out)
	return out, err
}

func (c *Client) SaveNotes(ctx context.Context, notes meeting.Notes) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/notes", notes, nil)
}

// CreateShare asks the server for a new share link. A zero ttl never expires.
func (c *Client) CreateShare(ctx context.Context, meetingID string, ttl time.Duration) (meeting.Share, error) {
	body := map[string]any{"meeting_id": meetingID}
	if ttl > 0 {
		body["ttl_seconds"] = int(ttl / time.Second)
	}
	var out meeting.Share
	err := c.doJSON(ctx, http.MethodPost, "/v1/shares", body, &out)
	return out, err
}

// RealtimeURL is the websocket endpoint matching the client's base URL.
func (c *Client) RealtimeURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/realtime"
}

func scopeQuery(meetingID, shareToken string) string {
	q := url.Values{}
	q.Set("meeting_id", meetingID)
	q.Set("share_token", shareToken)
	return q.Encode()
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := "meet_" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.logger.Debug("request failed, retrying", zap.String("method", method), zap.String("path", requestPath), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
