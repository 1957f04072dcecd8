// Package prompt holds the system prompt fragments and assembles them into
// per-request system prompts.
package prompt

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FragmentStore loads prompt fragments from a directory tree. Fragment
// names are relative paths without the extension, so "sites/finance.yahoo.com.md"
// becomes "sites/finance.yahoo.com". With watching enabled, edits land
// without a restart.
type FragmentStore struct {
	dir string

	mu        sync.RWMutex
	fragments map[string]string

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

func NewFragmentStore(dir string) (*FragmentStore, error) {
	s := &FragmentStore{
		dir:       dir,
		fragments: make(map[string]string),
		done:      make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts reloading on filesystem changes. Safe to skip in tests.
func (s *FragmentStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}
	// Watch one level of subdirectories (sites/, skills/).
	entries, err := os.ReadDir(s.dir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(s.dir, entry.Name()))
			}
		}
	}

	go func() {
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := s.reload(); err != nil {
						slog.Warn("Prompt reload failed", "error", err)
					} else {
						slog.Info("Reloaded prompt fragments", "trigger", event.Name)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Prompt watcher error", "error", err)
			}
		}
	}()

	return nil
}

func (s *FragmentStore) Close() error {
	s.once.Do(func() { close(s.done) })
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FragmentStore) reload() error {
	loaded := make(map[string]string)

	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		// No fragment dir means built-in defaults only.
		slog.Warn("Prompt directory missing, using built-in defaults", "dir", s.dir)
		s.mu.Lock()
		s.fragments = loaded
		s.mu.Unlock()
		return nil
	}

	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".md" && ext != ".txt" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(strings.TrimSuffix(rel, ext))
		loaded[name] = strings.TrimSpace(string(data))
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.fragments = loaded
	s.mu.Unlock()
	return nil
}

// Get returns the named fragment, or fallback if it is absent or empty.
func (s *FragmentStore) Get(name, fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if content, ok := s.fragments[name]; ok && content != "" {
		return content
	}
	return fallback
}

// Names lists loaded fragment names.
func (s *FragmentStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.fragments))
	for name := range s.fragments {
		names = append(names, name)
	}
	return names
}
