package discovery

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// UpdateCallback is called with the fresh session list after changes settle.
type UpdateCallback func([]Session)

// Watcher re-scans the projects directory when transcripts change, with
// debouncing so a burst of writes triggers one scan.
type Watcher struct {
	scanner   *Scanner
	debounce  time.Duration
	callback  UpdateCallback
	logger    zerolog.Logger
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// NewWatcher creates a watcher over the scanner's projects directory.
func NewWatcher(scanner *Scanner, debounce time.Duration, callback UpdateCallback, logger zerolog.Logger) *Watcher {
	return &Watcher{
		scanner:  scanner,
		debounce: debounce,
		callback: callback,
		logger:   logger.With().Str("component", "discovery").Logger(),
		cancel:   make(chan struct{}),
	}
}

// Start begins watching and delivers an initial scan.
func (w *Watcher) Start() error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsWatcher = fsW

	if err := addDirsRecursive(fsW, w.scanner.projectsDir); err != nil {
		fsW.Close()
		return err
	}

	go w.watchLoop()

	// Initial scan so callers have a list before the first change.
	go w.rescan()

	return nil
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	close(w.cancel)
	if w.fsWatcher != nil {
		w.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			// New project directories must be watched too.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addDirsRecursive(w.fsWatcher, event.Name)
				}
			}

			if !strings.HasSuffix(event.Name, ".jsonl") && event.Op&fsnotify.Create == 0 {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.rescan)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Filesystem watch error")
		}
	}
}

func (w *Watcher) rescan() {
	sessions, err := w.scanner.Scan()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Session rescan failed")
		return
	}
	if w.callback != nil {
		w.callback(sessions)
	}
}

// addDirsRecursive adds dir and all subdirectories to the watcher. Watching
// files directly misses newly created transcripts.
func addDirsRecursive(fsW *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fsW.Add(path); err != nil {
				return err
			}
		}
		return nil
	})
}
