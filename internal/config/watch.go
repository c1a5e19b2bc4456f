package config

import (
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-parses the config file on change and publishes re-validated
// snapshots; callers poll Snapshot() or receive on Changed().
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	changed  chan *Config
	current  *Config
	gen      int
}

// WatchFile starts watching path for changes, seeding the watcher with the
// already-loaded cfg. Returns nil, nil if the watcher can't be created —
// callers fall back to the static, already-loaded config.
func WatchFile(path string, cfg *Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("config: failed to create watcher: %v (hot-reload disabled)", err)
		return nil, nil
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		log.Printf("config: failed to watch %s: %v (hot-reload disabled)", path, err)
		return nil, nil
	}
	w := &Watcher{
		path:    path,
		watcher: fw,
		changed: make(chan *Config, 1),
		current: cfg,
	}
	go w.run()
	return w, nil
}

// Changed delivers a new validated snapshot each time the file changes and
// reparses cleanly. Parse failures are logged and the prior snapshot stands.
func (w *Watcher) Changed() <-chan *Config { return w.changed }

// Snapshot returns the most recently published config.
func (w *Watcher) Snapshot() *Config { return w.current }

// Generation counts successful reloads; serve logs it on each reload.
func (w *Watcher) Generation() int { return w.gen }

func (w *Watcher) run() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			_ = event
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(200 * time.Millisecond)

		case <-debounce.C:
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("config: reload %s failed, keeping previous snapshot: %v", w.path, err)
				continue
			}
			w.current = cfg
			w.gen++
			select {
			case w.changed <- cfg:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
