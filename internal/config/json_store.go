package config

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const settingsFileName = "orchestrator.json"

// JSONStore is an atomic JSON file store for Settings, hot-reloaded via
// fsnotify the same way auth.Service watches users.json.
type JSONStore struct {
	mu      sync.RWMutex
	path    string
	current Settings
	watcher *fsnotify.Watcher
	onChange func(Settings)
}

// NewJSONStore creates a store rooted at configDir and performs the initial
// load. onChange, if non-nil, is invoked (from a background goroutine)
// whenever the file changes on disk.
func NewJSONStore(configDir string, onChange func(Settings)) (*JSONStore, error) {
	s := &JSONStore{
		path:     filepath.Join(configDir, settingsFileName),
		onChange: onChange,
	}

	settings, err := s.Load()
	if err != nil {
		return nil, err
	}
	s.current = settings

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config: could not create fsnotify watcher", "err", err)
		return s, nil
	}
	s.watcher = watcher
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		slog.Warn("config: could not watch config dir", "err", err)
	}
	go s.watchLoop()

	return s, nil
}

// Path returns the file path backing this store.
func (s *JSONStore) Path() string { return s.path }

// Load reads Settings from disk, returning DefaultSettings on ENOENT or a
// corrupt file rather than failing startup.
func (s *JSONStore) Load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return Settings{}, err
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("config: corrupt settings file, using defaults", "path", s.path, "err", err)
		return DefaultSettings(), nil
	}
	return settings, nil
}

// Save writes Settings atomically (temp file then rename).
func (s *JSONStore) Save(settings Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
	return nil
}

// Current returns the most recently loaded or saved Settings.
func (s *JSONStore) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Close stops the file watcher, if one was started.
func (s *JSONStore) Close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

func (s *JSONStore) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name == s.path && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				settings, err := s.Load()
				if err != nil {
					slog.Warn("config: failed to reload settings", "err", err)
					continue
				}
				s.mu.Lock()
				s.current = settings
				s.mu.Unlock()
				if s.onChange != nil {
					s.onChange(settings)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config: watcher error", "err", err)
		}
	}
}

var _ Store = (*JSONStore)(nil)
