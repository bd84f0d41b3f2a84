package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kimhsiao/hrdesk/internal/logging"
)

// DefaultReloadDelay coalesces the burst of events an editor save produces.
const DefaultReloadDelay = 200 * time.Millisecond

// Watcher reloads a config file when it changes and hands valid results to
// a callback. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	delay    time.Duration
	onChange func(*Config)
	load     func(string) (*Config, error)

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	mu      sync.Mutex
	timer   *time.Timer
}

// NewWatcher watches path. The parent directory is watched so atomic
// replace-on-save is seen.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		delay:    DefaultReloadDelay,
		onChange: onChange,
		load:     Load,
		watcher:  fw,
	}, nil
}

// Run processes events until ctx is done, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Config watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil && w.timer.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.timer = time.AfterFunc(w.delay, func() {
		defer w.wg.Done()
		w.reload()
	})
}

func (w *Watcher) reload() {
	cfg, err := w.load(w.path)
	if err != nil {
		logging.Warn("Config reload rejected, keeping current settings", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
		return
	}
	logging.Info("Config file reloaded", map[string]interface{}{"path": w.path})
	w.onChange(cfg)
}

func (w *Watcher) close() {
	w.mu.Lock()
	if w.timer != nil && w.timer.Stop() {
		w.wg.Done()
	}
	w.timer = nil
	w.mu.Unlock()

	w.wg.Wait()
	w.watcher.Close()
}
