package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentworkforce/relaymeet/internal/collab"
	"github.com/agentworkforce/relaymeet/internal/storage"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type notesEditor interface {
	State() collab.State
	UpdateNotes(ctx context.Context, content string)
}

// notesMirror keeps a local file and the shared notes in step. Local saves
// become note edits; remote edits overwrite the file.
type notesMirror struct {
	path    string
	session notesEditor
	logger  *zap.Logger

	mu          sync.Mutex
	lastWritten string
	seeded      bool
}

func newNotesMirror(path string, session notesEditor, logger *zap.Logger) *notesMirror {
	return &notesMirror{path: filepath.Clean(path), session: session, logger: logger}
}

// pull copies the session's notes into the file when they differ from what
// the mirror last saw.
func (m *notesMirror) pull(state collab.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seeded && state.Notes == m.lastWritten {
		return nil
	}
	if err := storage.WriteFileAtomic(m.path, []byte(state.Notes), 0o644); err != nil {
		return err
	}
	m.lastWritten = state.Notes
	m.seeded = true
	return nil
}

// push reads the file and forwards any local change to the session.
func (m *notesMirror) push(ctx context.Context) error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	content := string(data)
	m.mu.Lock()
	if m.seeded && content == m.lastWritten {
		m.mu.Unlock()
		return nil
	}
	m.lastWritten = content
	m.seeded = true
	m.mu.Unlock()

	m.logger.Debug("local notes changed", zap.Int("bytes", len(content)))
	m.session.UpdateNotes(ctx, content)
	return nil
}

// watch follows the file's directory so editors that save by rename are
// still seen. It returns when ctx ends.
func (m *notesMirror) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != m.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.push(ctx); err != nil {
				m.logger.Warn("read notes file failed", zap.String("path", m.path), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("notes watcher error", zap.Error(err))
		}
	}
}
