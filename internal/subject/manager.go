package subject

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,30}$`)

// NormalizeHandle lowercases a handle and strips a leading @. It rejects
// handles that could not be a filename-safe identifier.
func NormalizeHandle(handle string) (string, error) {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if !handlePattern.MatchString(h) {
		return "", fmt.Errorf("invalid handle %q", handle)
	}
	return h, nil
}

// Manager lazily creates and owns one Actor per tracked handle. Each actor
// gets its own database file under the data directory.
type Manager struct {
	dataDir string
	source  Source
	indexer Indexer

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewManager creates a manager storing subject databases under dataDir.
func NewManager(dataDir string, source Source, indexer Indexer) *Manager {
	return &Manager{
		dataDir: dataDir,
		source:  source,
		indexer: indexer,
		actors:  make(map[string]*Actor),
	}
}

// Actor returns the actor for a handle, creating it on first use.
func (m *Manager) Actor(handle string) (*Actor, error) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.actors[h]; ok {
		return a, nil
	}

	store, err := OpenStore(filepath.Join(m.dataDir, h+".db"))
	if err != nil {
		return nil, fmt.Errorf("subject %s: %w", h, err)
	}
	a, err := newActor(h, store, m.source, m.indexer)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("subject %s: %w", h, err)
	}
	m.actors[h] = a
	return a, nil
}

// Restore opens an actor for every subject database already on disk, so
// persisted poll schedules re-arm at startup instead of waiting for the
// first request to touch the subject.
func (m *Manager) Restore() error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("restore subjects: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		if _, err := m.Actor(strings.TrimSuffix(name, ".db")); err != nil {
			log.Printf("subject: restore %s: %v", name, err)
		}
	}
	return nil
}

// Close stops every actor and closes its store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for h, a := range m.actors {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close subject %s: %w", h, err)
		}
		delete(m.actors, h)
	}
	return firstErr
}
