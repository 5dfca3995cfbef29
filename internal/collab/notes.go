package collab

import (
	"sync"
	"time"

	"github.com/agentworkforce/relaymeet/internal/meeting"
)

type notesPayload struct {
	Content      string            `json:"content"`
	LastEditedBy *meeting.UserInfo `json:"last_edited_by"`
}

// notesEditor debounces local keystrokes into one flush per quiet period.
// A flush only happens when the content differs from what was last
// broadcast or received. Conflicts are last-writer-wins: a remote update
// replaces the local text outright, including any edit still waiting on the
// debounce timer.
type notesEditor struct {
	debounce time.Duration
	flush    func(content string)

	mu            sync.Mutex
	timer         *time.Timer
	seq           uint64
	current       string
	lastBroadcast string
	pending       bool
	stopped       bool
}

func newNotesEditor(debounce time.Duration, flush func(content string)) *notesEditor {
	return &notesEditor{debounce: debounce, flush: flush}
}

func (e *notesEditor) update(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.current = content
	e.pending = true
	e.seq++
	seq := e.seq
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, func() { e.fire(seq) })
}

func (e *notesEditor) fire(seq uint64) {
	e.mu.Lock()
	if e.stopped || seq != e.seq {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.pending = false
	content := e.current
	if content == e.lastBroadcast {
		e.mu.Unlock()
		return
	}
	e.lastBroadcast = content
	e.mu.Unlock()
	e.flush(content)
}

func (e *notesEditor) applyRemote(content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = content
	e.lastBroadcast = content
}

// hydrate adopts stored content unless a local edit is still pending.
func (e *notesEditor) hydrate(content string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending {
		return false
	}
	e.current = content
	e.lastBroadcast = content
	return true
}

func (e *notesEditor) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
