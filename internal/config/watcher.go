package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
)

// Watcher reloads the configuration file when it changes on disk and notifies
// the registered callback with the fresh config. Editors often emit several
// events per save, so reloads are debounced.
type Watcher struct {
	path     string
	onReload func(*Config)
	watcher  *fsnotify.Watcher
	debounce time.Duration
	stop     chan struct{}
}

// NewWatcher creates a watcher for path. onReload is invoked from the watch
// goroutine after each successful reload.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		onReload: onReload,
		watcher:  fsw,
		debounce: 500 * time.Millisecond,
		stop:     make(chan struct{}),
	}
	// Watch the directory so rename-based saves are observed.
	if err = fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		log.WithError(err).Warn("config reload failed, keeping previous config")
		return
	}
	log.Infof("config reloaded from %s", w.path)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}
