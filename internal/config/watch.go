package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file on change and hands the result to a
// callback. Editors often write config files with a remove-and-rename
// dance, so the watcher observes the parent directory and filters by
// name, re-reading on write, create, and rename events.
type Watcher struct {
	path    string
	fw      *fsnotify.Watcher
	onApply func(*Config)
	done    chan struct{}
}

// Watch starts watching path and invokes onApply with each
// successfully reloaded Config. Reload errors are ignored; the
// previous configuration stays in effect.
func Watch(path string, onApply func(*Config)) (*Watcher, error) {
	if onApply == nil {
		return nil, fmt.Errorf("watch %s: apply callback required", path)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		fw:      fw,
		onApply: onApply,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) loop() {
	// Debounce bursts of events from a single save.
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(50 * time.Millisecond)
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		case <-pending:
			pending = nil
			cfg, err := LoadFromPath(w.path)
			if err != nil {
				continue
			}
			w.onApply(cfg)
		}
	}
}
