package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"taskpilot/internal/logging"
	"taskpilot/internal/planner"
)

// PromptWatcher watches the prompts file and pushes reloaded templates to
// a callback. Edits are debounced so rapid editor saves trigger one reload.
type PromptWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	onReload    func(planner.Prompts)
	pending     map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	logger      *zap.Logger
}

// NewPromptWatcher creates a watcher for the given prompts file.
func NewPromptWatcher(path string, onReload func(planner.Prompts)) (*PromptWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &PromptWatcher{
		watcher:     watcher,
		path:        filepath.Clean(path),
		onReload:    onReload,
		pending:     make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logging.Get(logging.CategoryBoot),
	}, nil
}

// Start begins watching. Non-blocking; the watcher runs in a goroutine.
// The containing directory is watched rather than the file itself, so
// editors that replace the file on save keep triggering reloads.
func (w *PromptWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.logger.Warn("prompt watcher: cannot create directory", zap.String("dir", dir), zap.Error(err))
	}
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("prompt watcher: initial watch failed", zap.Error(err))
	} else {
		w.logger.Info("watching prompts", zap.String("path", w.path))
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *PromptWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.logger.Error("prompt watcher: close failed", zap.Error(err))
	}
}

func (w *PromptWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("prompt watcher error", zap.Error(err))
		case <-debounceTicker.C:
			w.flushPending()
		}
	}
}

func (w *PromptWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.pending[w.path] = time.Now()
	w.mu.Unlock()
}

func (w *PromptWatcher) flushPending() {
	w.mu.Lock()
	stamp, ok := w.pending[w.path]
	if !ok || time.Since(stamp) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	delete(w.pending, w.path)
	w.mu.Unlock()

	prompts, err := LoadPrompts(w.path)
	if err != nil {
		w.logger.Warn("prompt reload failed, keeping previous prompts",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("prompts reloaded", zap.String("path", w.path))
	w.onReload(prompts)
}

// LoadPrompts reads stage prompt overrides from a YAML file. A missing
// file yields empty prompts, which means built-in defaults apply.
func LoadPrompts(path string) (planner.Prompts, error) {
	var p planner.Prompts
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, nil
}
