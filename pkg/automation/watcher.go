package automation

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads a Catalog when its directory changes.
type Watcher struct {
	catalog            *Catalog
	watcher            *fsnotify.Watcher
	stabilityThreshold time.Duration
	done               chan struct{}

	debounceMu sync.Mutex
	debounce   *time.Timer
	stopOnce   sync.Once
}

// NewWatcher creates a watcher for catalog. Bursts of events within
// stabilityThreshold trigger a single reload.
func NewWatcher(catalog *Catalog, stabilityThreshold time.Duration) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if stabilityThreshold <= 0 {
		stabilityThreshold = 250 * time.Millisecond
	}
	return &Watcher{
		catalog:            catalog,
		watcher:            watcher,
		stabilityThreshold: stabilityThreshold,
		done:               make(chan struct{}),
	}, nil
}

// Start begins watching, creating the directory if needed.
func (w *Watcher) Start() error {
	dir := w.catalog.Dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create automations directory: %w", err)
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch automations: %w", err)
	}

	go w.eventLoop()

	log.Info().Str("path", dir).Msg("Automation watcher started")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Automation watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Automation watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(w.stabilityThreshold, func() {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.catalog.Load(); err != nil {
			log.Error().Err(err).Msg("Failed to reload automations")
		}
	})
}
