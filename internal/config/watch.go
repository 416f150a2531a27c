package config

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the manager whenever its config file changes on disk, so
// an operator toggling the enable flag takes effect without a restart.
// Returns a stop func. Events are debounced: editors typically emit a
// write burst per save.
func Watch(m *Manager, path string, stderr io.Writer) (func(), error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which drops
	// a watch placed on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	done := make(chan struct{})
	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-done:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					if err := m.Reload(); err != nil {
						fmt.Fprintf(stderr, "[PageShield] config reload failed, keeping previous: %v\n", err)
					}
				})
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(stderr, "[PageShield] config watcher: %v\n", err)
			}
		}
	}()

	return func() {
		close(done)
		fw.Close()
	}, nil
}
