package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last write before
// reloading, so an editor's save sequence yields one reload.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a settings file when it changes on disk and emits the new
// settings. Invalid files are reported on Errors and the previous settings
// stay in effect.
type Watcher struct {
	path     string
	debounce time.Duration

	watcher  *fsnotify.Watcher
	settings chan *Settings
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewWatcher creates a watcher for the settings file at path. It must be
// started with Start before it emits anything.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		watcher:  w,
		settings: make(chan *Settings, 1),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The directory is watched rather than the file
// because editors often replace the file on save.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and closes the channels. It blocks until the event
// loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.settings)
	close(w.errors)
	return nil
}

// Settings returns the channel receiving reloaded settings.
func (w *Watcher) Settings() <-chan *Settings {
	return w.settings
}

// Errors returns the channel receiving reload and watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			pending = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if !pending {
				continue
			}
			pending = false
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	name, err := filepath.Abs(event.Name)
	if err != nil || name != w.path {
		return false
	}
	// Remove and Rename are followed by a Create when the file is replaced
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write)
}

func (w *Watcher) reload() {
	s, err := Load(w.path)
	if err != nil {
		w.report(err)
		return
	}
	// keep only the newest settings if the consumer is behind
	select {
	case <-w.settings:
	default:
	}
	select {
	case w.settings <- s:
	case <-w.done:
	}
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	case <-w.done:
	default:
	}
}
