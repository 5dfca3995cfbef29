// Package httpapi serves share links, annotations, notes, and the realtime
// websocket over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaymeet/internal/meeting"
	"github.com/agentworkforce/relaymeet/internal/realtime"
	"github.com/agentworkforce/relaymeet/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type ServerConfig struct {
	// AdminSecret, when set, requires an HS256 bearer token with the
	// shares:write scope to create share links.
	AdminSecret string
	// RateLimiter throttles writes per share token. Nil disables it.
	RateLimiter  *RateLimiter
	MaxBodyBytes int64
	// DefaultShareTTL applies when a share request omits ttl_seconds.
	DefaultShareTTL time.Duration
	// Realtime backs /v1/realtime. Nil uses an in-process hub.
	Realtime       realtime.Transport
	AllowedOrigins []string
	Registry       *prometheus.Registry
	Logger         *zap.Logger
}

type Server struct {
	store    *storage.Store
	cfg      ServerConfig
	logger   *zap.Logger
	metrics  *metrics
	registry *prometheus.Registry
	realtime http.Handler
}

func NewServer(store *storage.Store, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.DefaultShareTTL < 0 {
		cfg.DefaultShareTTL = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Realtime == nil {
		cfg.Realtime = realtime.NewHub(cfg.Logger)
	}
	s := &Server{
		store:    store,
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: cfg.Registry,
		metrics:  newMetrics(cfg.Registry, store),
	}
	s.realtime = realtime.NewHandler(cfg.Realtime, realtime.HandlerOptions{
		Authorize:      s.authorizeRealtime,
		OriginPatterns: cfg.AllowedOrigins,
		Logger:         cfg.Logger,
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	switch r.URL.Path {
	case "/v1/realtime":
		// The websocket upgrade needs the raw writer for hijacking.
		s.metrics.sockets.Inc()
		defer s.metrics.sockets.Dec()
		s.realtime.ServeHTTP(w, r)
		return
	case "/metrics":
		if r.Method == http.MethodGet {
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
			return
		}
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.route(rec, r)
	s.metrics.observe(route, rec.status, started)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) string {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	switch r.URL.Path {
	case "/health":
		if r.Method != http.MethodGet {
			break
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return "health"
	case "/v1/shares":
		if r.Method != http.MethodPost {
			break
		}
		s.handleCreateShare(w, r, correlationID)
		return "create_share"
	case "/v1/annotations":
		switch r.Method {
		case http.MethodGet:
			s.handleListAnnotations(w, r, correlationID)
			return "list_annotations"
		case http.MethodPost:
			s.handleCreateAnnotation(w, r, correlationID)
			return "create_annotation"
		case http.MethodPatch:
			s.handleUpdateAnnotation(w, r, correlationID)
			return "update_annotation"
		case http.MethodDelete:
			s.handleDeleteAnnotation(w, r, correlationID)
			return "delete_annotation"
		}
		w.Header().Set("Allow", "GET, POST, PATCH, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		return "method_not_allowed"
	case "/v1/notes":
		switch r.Method {
		case http.MethodGet:
			s.handleGetNotes(w, r, correlationID)
			return "get_notes"
		case http.MethodPost:
			s.handleSaveNotes(w, r, correlationID)
			return "save_notes"
		}
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		return "method_not_allowed"
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	return "not_found"
}

func (s *Server) authorizeRealtime(r *http.Request, cfg realtime.ChannelConfig) error {
	if !meeting.ValidShareToken(cfg.Topic) {
		return errors.New("share not found")
	}
	if _, err := s.store.GetShare(r.Context(), cfg.Topic); err != nil {
		return errors.New("share not found")
	}
	return nil
}

type createShareRequest struct {
	MeetingID  string `json:"meeting_id"`
	TTLSeconds *int64 `json:"ttl_seconds"`
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req createShareRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	subject := "anonymous"
	if s.cfg.AdminSecret != "" {
		claims, authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminSecret, strings.TrimSpace(req.MeetingID), ScopeSharesWrite, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		subject = claims.Subject
	}
	ttl := s.cfg.DefaultShareTTL
	if req.TTLSeconds != nil {
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	}
	share, err := s.store.CreateShare(r.Context(), req.MeetingID, ttl)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Info("share created",
		zap.String("meeting_id", share.MeetingID),
		zap.String("share_token", share.Token),
		zap.String("subject", subject),
		zap.String("correlation_id", correlationID),
	)
	writeJSON(w, http.StatusCreated, share)
}

func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request, correlationID string) {
	meetingID, shareToken, ok := scopeParams(w, r, correlationID)
	if !ok {
		return
	}
	list, err := s.store.ListAnnotations(r.Context(), meetingID, shareToken)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"annotations": list})
}

func (s *Server) handleCreateAnnotation(w http.ResponseWriter, r *http.Request, correlationID string) {
	var draft meeting.AnnotationDraft
	if !s.decodeJSONBody(w, r, correlationID, &draft) {
		return
	}
	if !s.allowWrite(w, draft.ShareToken, correlationID) {
		return
	}
	annotation, err := s.store.CreateAnnotation(r.Context(), draft)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, annotation)
}

func (s *Server) handleUpdateAnnotation(w http.ResponseWriter, r *http.Request, correlationID string) {
	var update meeting.AnnotationUpdate
	if !s.decodeJSONBody(w, r, correlationID, &update) {
		return
	}
	if !s.allowWrite(w, update.ShareToken, correlationID) {
		return
	}
	annotation, err := s.store.UpdateAnnotation(r.Context(), update)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, annotation)
}

func (s *Server) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request, correlationID string) {
	var del meeting.AnnotationDelete
	if !s.decodeJSONBody(w, r, correlationID, &del) {
		return
	}
	if !s.allowWrite(w, del.ShareToken, correlationID) {
		return
	}
	if err := s.store.DeleteAnnotation(r.Context(), del); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetNotes(w http.ResponseWriter, r *http.Request, correlationID string) {
	meetingID, shareToken, ok := scopeParams(w, r, correlationID)
	if !ok {
		return
	}
	notes, err := s.store.GetNotes(r.Context(), meetingID, shareToken)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) handleSaveNotes(w http.ResponseWriter, r *http.Request, correlationID string) {
	var notes meeting.Notes
	if !s.decodeJSONBody(w, r, correlationID, &notes) {
		return
	}
	if !s.allowWrite(w, notes.ShareToken, correlationID) {
		return
	}
	if err := s.store.SaveNotes(r.Context(), notes); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func scopeParams(w http.ResponseWriter, r *http.Request, correlationID string) (string, string, bool) {
	q := r.URL.Query()
	meetingID := strings.TrimSpace(q.Get("meeting_id"))
	shareToken := strings.TrimSpace(q.Get("share_token"))
	if meetingID == "" || shareToken == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "meeting_id and share_token are required", correlationID)
		return "", "", false
	}
	return meetingID, shareToken, true
}

func (s *Server) allowWrite(w http.ResponseWriter, shareToken, correlationID string) bool {
	if s.cfg.RateLimiter == nil {
		return true
	}
	ok, wait := s.cfg.RateLimiter.Allow("share|" + shareToken)
	if ok {
		return true
	}
	s.metrics.rateLimited.Inc()
	retryAfter := int(math.Ceil(wait.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

// writeStoreError maps store failures onto the wire contract. Expired
// shares and foreign annotations are reported as 404 like missing ones.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, meeting.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, meeting.ErrExpired):
		writeError(w, http.StatusNotFound, "not_found", "share link expired", correlationID)
	case errors.Is(err, meeting.ErrNotFound), errors.Is(err, meeting.ErrNotOwner):
		writeError(w, http.StatusNotFound, "not_found", "not found", correlationID)
	default:
		s.logger.Error("store operation failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "req_" + uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
