package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentworkforce/relaymeet/internal/meeting"
	"go.uber.org/zap"
)

type PresenceStatus string

const (
	StatusActive PresenceStatus = "active"
	StatusIdle   PresenceStatus = "idle"
	StatusTyping PresenceStatus = "typing"
)

func (s PresenceStatus) Valid() bool {
	return s == StatusActive || s == StatusIdle || s == StatusTyping
}

type CursorPosition struct {
	LineNumber int `json:"lineNumber"`
	Character  int `json:"character"`
}

// Presence is one viewer as announced on the channel.
//
// JoinedAt is the time of the latest announcement, not of the first join: it
// is refreshed by heartbeats and status changes, and staleness is judged on
// it. Since is when the session first joined and is what a UI should show as
// the join time. Peers that predate Since leave it zero.
type Presence struct {
	UserInfo       meeting.UserInfo `json:"user_info"`
	Status         PresenceStatus   `json:"status"`
	CursorPosition *CursorPosition  `json:"cursor_position,omitempty"`
	JoinedAt       time.Time        `json:"joined_at"`
	Since          time.Time        `json:"since"`
}

// PresenceKey is the channel presence key for one session on one share.
func PresenceKey(shareToken, sessionID string) string {
	return shareToken + "-" + sessionID
}

type presenceTracker interface {
	track(ctx context.Context, payload json.RawMessage) bool
	isJoined() bool
}

// presenceStore mirrors peer presence and publishes this session's own entry.
// It never returns errors; transport failures are left to the reconnect path.
type presenceStore struct {
	tracker    presenceTracker
	validator  *payloadValidator
	staleAfter time.Duration
	idleAfter  time.Duration
	now        func() time.Time
	logger     *zap.Logger

	mu           sync.Mutex
	self         Presence
	announcedAt  time.Time
	lastActivity time.Time
	peers        map[string]Presence
}

func newPresenceStore(user meeting.UserInfo, tracker presenceTracker, validator *payloadValidator, opts Options) *presenceStore {
	now := opts.Now()
	return &presenceStore{
		tracker:      tracker,
		validator:    validator,
		staleAfter:   opts.StaleAfter,
		idleAfter:    opts.IdleAfter,
		now:          opts.Now,
		logger:       opts.Logger,
		self:         Presence{UserInfo: user, Status: StatusActive},
		lastActivity: now,
		peers:        map[string]Presence{},
	}
}

// join announces this session as active. Rejoining after a reconnect keeps
// the original Since.
func (p *presenceStore) join(ctx context.Context) {
	p.mu.Lock()
	now := p.now()
	p.self.Status = StatusActive
	p.self.JoinedAt = now
	if p.self.Since.IsZero() {
		p.self.Since = now
	}
	p.lastActivity = now
	self := p.self
	p.mu.Unlock()
	p.announce(ctx, self)
}

func (p *presenceStore) announce(ctx context.Context, self Presence) {
	payload, err := json.Marshal(self)
	if err != nil {
		p.logger.Warn("presence encode failed", zap.Error(err))
		return
	}
	if p.tracker.track(ctx, payload) {
		p.mu.Lock()
		p.announcedAt = self.JoinedAt
		p.mu.Unlock()
	}
}

// sync replaces the mirror with a full presence state, skipping stale and
// malformed entries.
func (p *presenceStore) sync(state map[string][]json.RawMessage) {
	now := p.now()
	next := make(map[string]Presence, len(state))
	for key, entries := range state {
		if pres, ok := p.latestValid(key, entries, now); ok {
			next[key] = pres
		}
	}
	p.mu.Lock()
	p.peers = next
	p.mu.Unlock()
}

func (p *presenceStore) onJoin(key string, entries []json.RawMessage) {
	pres, ok := p.latestValid(key, entries, p.now())
	if !ok {
		return
	}
	p.mu.Lock()
	p.peers[key] = pres
	p.mu.Unlock()
}

func (p *presenceStore) onLeave(key string) {
	p.mu.Lock()
	delete(p.peers, key)
	p.mu.Unlock()
}

func (p *presenceStore) latestValid(key string, entries []json.RawMessage, now time.Time) (Presence, bool) {
	var best Presence
	found := false
	for _, raw := range entries {
		var pres Presence
		if err := p.validator.decode("presence", raw, &pres); err != nil {
			p.logger.Debug("presence entry dropped", zap.String("key", key), zap.Error(err))
			continue
		}
		if pres.JoinedAt.IsZero() || now.Sub(pres.JoinedAt) > p.staleAfter {
			continue
		}
		if !found || pres.JoinedAt.After(best.JoinedAt) {
			best = pres
			found = true
		}
	}
	return best, found
}

// updateStatus re-announces this session with status. It does nothing while
// the channel is not joined.
func (p *presenceStore) updateStatus(ctx context.Context, status PresenceStatus) {
	if !status.Valid() || !p.tracker.isJoined() {
		return
	}
	p.mu.Lock()
	now := p.now()
	p.self.Status = status
	p.self.JoinedAt = now
	if status != StatusIdle {
		p.lastActivity = now
	}
	self := p.self
	p.mu.Unlock()
	p.announce(ctx, self)
}

// touch records local activity and wakes an idle session.
func (p *presenceStore) touch(ctx context.Context) {
	p.mu.Lock()
	p.lastActivity = p.now()
	wasIdle := p.self.Status == StatusIdle
	p.mu.Unlock()
	if wasIdle {
		p.updateStatus(ctx, StatusActive)
	}
}

// sweep evicts stale peers, downgrades this session to idle after
// inactivity, and re-announces it before peers would consider it stale.
func (p *presenceStore) sweep(ctx context.Context) {
	p.mu.Lock()
	now := p.now()
	for key, pres := range p.peers {
		if now.Sub(pres.JoinedAt) > p.staleAfter {
			delete(p.peers, key)
		}
	}
	goIdle := p.self.Status != StatusIdle && now.Sub(p.lastActivity) >= p.idleAfter
	heartbeat := !p.announcedAt.IsZero() && now.Sub(p.announcedAt) >= p.staleAfter/2
	p.mu.Unlock()

	switch {
	case goIdle:
		p.updateStatus(ctx, StatusIdle)
	case heartbeat:
		p.reannounce(ctx)
	}
}

// reannounce refreshes JoinedAt without counting as activity.
func (p *presenceStore) reannounce(ctx context.Context) {
	if !p.tracker.isJoined() {
		return
	}
	p.mu.Lock()
	p.self.JoinedAt = p.now()
	self := p.self
	p.mu.Unlock()
	p.announce(ctx, self)
}

func (p *presenceStore) ownStatus() PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self.Status
}

func (p *presenceStore) snapshot() map[string]Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Presence, len(p.peers))
	for key, pres := range p.peers {
		out[key] = pres
	}
	return out
}
