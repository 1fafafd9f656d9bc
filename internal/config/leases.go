package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type leaseFile struct {
	Leases []string `yaml:"leases"`
}

// ReadLeaseFile parses a lease file. Both a bare YAML list and a
// document with a top-level leases key are accepted.
func ReadLeaseFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc leaseFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: lease file %s: %v", ErrInvalidConfig, path, err)
	}
	return doc.Leases, nil
}

// LeaseWatcher merges configured lease ids with those in a lease file
// and reloads the file when it changes on disk.
type LeaseWatcher struct {
	path   string
	static []string
	logger *slog.Logger

	mu       sync.RWMutex
	fromFile []string
	done     chan struct{}
}

func NewLeaseWatcher(path string, static []string, logger *slog.Logger) (*LeaseWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &LeaseWatcher{
		path:   strings.TrimSpace(path),
		static: append([]string(nil), static...),
		logger: logger,
	}
	if w.path == "" {
		return w, nil
	}
	if err := w.Reload(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return w, nil
}

// LeaseIDs implements commitsync.LeaseSource.
func (w *LeaseWatcher) LeaseIDs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	seen := map[string]struct{}{}
	out := make([]string, 0, len(w.static)+len(w.fromFile))
	for _, group := range [][]string{w.static, w.fromFile} {
		for _, id := range group {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Reload rereads the lease file. A missing file clears the file leases.
func (w *LeaseWatcher) Reload() error {
	if w.path == "" {
		return nil
	}
	ids, err := ReadLeaseFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		w.mu.Lock()
		w.fromFile = nil
		w.mu.Unlock()
		return err
	}
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.fromFile = ids
	w.mu.Unlock()
	return nil
}

// Start watches the lease file's directory until ctx ends. Editors often
// replace files instead of writing them, so the directory is watched and
// events are filtered by name. Start returns once the watch is in place.
func (w *LeaseWatcher) Start(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lease watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("lease watcher: watch %s: %w", dir, err)
	}
	w.done = make(chan struct{})
	go w.loop(ctx, watcher)
	return nil
}

func (w *LeaseWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(w.done)
	defer watcher.Close()
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				w.logger.Warn("lease file reload failed", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("lease file reloaded", "path", w.path, "leases", len(w.LeaseIDs()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("lease watcher error", "path", w.path, "error", err)
		}
	}
}

// Wait blocks until a started watcher has stopped.
func (w *LeaseWatcher) Wait() {
	if w.done != nil {
		<-w.done
	}
}
