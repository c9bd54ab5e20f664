// Package state persists the engine's local preferences: the last host
// and session id used, and recently run workflow definitions. The file
// is plain JSON; external edits are picked up through a filesystem
// watcher.
package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
	"github.com/odvcencio/shellgate/pkg/logging"
	"github.com/odvcencio/shellgate/pkg/workflow"
)

// Preferences is everything the engine remembers between runs.
type Preferences struct {
	LastHost        string                `json:"lastHost,omitempty"`
	LastSessionID   string                `json:"lastSessionId,omitempty"`
	RecentWorkflows []workflow.Definition `json:"recentWorkflows,omitempty"`
}

const recentWorkflowsCap = 10

// Store reads and writes preferences at a fixed path.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *logging.Logger
}

// NewStore creates a store at path, creating the parent directory if
// needed.
func NewStore(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, sgerrors.Wrap(err, sgerrors.ErrCodeStateSave, "create state directory")
	}
	return &Store{path: path, logger: logger}, nil
}

// Load reads the preferences. A missing file yields zero preferences; a
// corrupt file is an error so the caller can decide whether to reset.
func (s *Store) Load() (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Preferences, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Preferences{}, nil
	}
	if err != nil {
		return Preferences{}, sgerrors.Wrap(err, sgerrors.ErrCodeStateLoad, "read preferences")
	}

	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return Preferences{}, sgerrors.Wrap(err, sgerrors.ErrCodeStateLoad, "decode preferences").
			WithUserMessage("Saved preferences are corrupt and were ignored.")
	}
	return prefs, nil
}

// Save writes the preferences atomically: temp file then rename, so a
// crash mid-write never leaves a truncated file behind.
func (s *Store) Save(prefs Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(prefs)
}

func (s *Store) saveLocked(prefs Preferences) error {
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return sgerrors.Wrap(err, sgerrors.ErrCodeStateSave, "encode preferences")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return sgerrors.Wrap(err, sgerrors.ErrCodeStateSave, "write preferences")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return sgerrors.Wrap(err, sgerrors.ErrCodeStateSave, "commit preferences")
	}
	return nil
}

// Update applies fn to the stored preferences under the store lock.
func (s *Store) Update(fn func(*Preferences)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, err := s.loadLocked()
	if err != nil {
		return err
	}
	fn(&prefs)
	return s.saveLocked(prefs)
}

// RememberSession records the host and session id of the last connect.
func (s *Store) RememberSession(host, sessionID string) error {
	return s.Update(func(p *Preferences) {
		p.LastHost = host
		p.LastSessionID = sessionID
	})
}

// RememberWorkflow moves def to the front of the recent list, dropping
// any previous entry with the same name and trimming to the cap.
func (s *Store) RememberWorkflow(def workflow.Definition) error {
	return s.Update(func(p *Preferences) {
		recent := []workflow.Definition{def}
		for _, d := range p.RecentWorkflows {
			if d.Name == def.Name {
				continue
			}
			recent = append(recent, d)
			if len(recent) == recentWorkflowsCap {
				break
			}
		}
		p.RecentWorkflows = recent
	})
}

// Watch emits fresh preferences whenever the file changes on disk. The
// channel closes when ctx is cancelled. Reload failures are logged and
// skipped rather than tearing the watcher down.
func (s *Store) Watch(ctx context.Context) (<-chan Preferences, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, sgerrors.Wrap(err, sgerrors.ErrCodeStateLoad, "create watcher")
	}
	// Watch the directory: editors and the atomic rename replace the
	// file rather than writing it in place.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, sgerrors.Wrap(err, sgerrors.ErrCodeStateLoad, "watch state directory")
	}

	out := make(chan Preferences, 1)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				prefs, err := s.Load()
				if err != nil {
					s.logger.Warn(logging.CategoryState, "reload_failed", "preference reload failed", map[string]any{
						"error": err.Error(),
					})
					continue
				}
				select {
				case out <- prefs:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn(logging.CategoryState, "watch_error", "state watcher error", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}()
	return out, nil
}
