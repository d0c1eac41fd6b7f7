package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultReloadDelay = 500 * time.Millisecond

// Watcher reloads the configuration when its file changes on disk.
//
// It watches the file's directory rather than the file itself: editors and
// configuration management tools typically replace the file, which would
// silently drop a watch on the inode. Events are debounced so a burst of
// writes triggers one reload. A reload that fails validation keeps the
// current configuration.
type Watcher struct {
	path     string
	current  atomic.Pointer[Config]
	watcher  *fsnotify.Watcher
	onReload func(*Config)
	logger   *logrus.Logger
	delay    time.Duration

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher starts watching path. initial becomes the current
// configuration; onReload, if non-nil, is invoked with each successfully
// loaded replacement.
func NewWatcher(path string, initial *Config, onReload func(*Config), logger *logrus.Logger) (*Watcher, error) {
	return newWatcherWithDelay(path, initial, onReload, logger, defaultReloadDelay)
}

func newWatcherWithDelay(path string, initial *Config, onReload func(*Config), logger *logrus.Logger, delay time.Duration) (*Watcher, error) {
	if logger == nil {
		logger = logrus.New()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fsw,
		onReload: onReload,
		logger:   logger,
		delay:    delay,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.current.Store(initial)

	go w.loop()

	w.logger.WithField("path", w.path).Info("Watching configuration file")
	return w, nil
}

// Config returns the current configuration. The returned value must be
// treated as read-only; a reload replaces the pointer, never the contents.
func (w *Watcher) Config() *Config {
	return w.current.Load()
}

// Close stops the watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.stop) })
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(w.delay, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.delay)
			}

		case <-reload:
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Configuration watch error")

		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) reload() {
	config, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).
			Warn("Configuration reload failed, keeping current configuration")
		return
	}

	w.current.Store(config)
	w.logger.WithField("path", w.path).Info("Configuration reloaded")

	if w.onReload != nil {
		w.onReload(config)
	}
}
