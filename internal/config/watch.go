package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/pkg/types"
)

// Watcher reloads configuration when any config file changes. Reloads that
// fail validation are dropped; the previous config stays active.
type Watcher struct {
	watcher   *fsnotify.Watcher
	directory string
	onReload  func(*types.Config)
	done      chan struct{}
}

// Watch starts watching the config paths for a directory. onReload is called
// with each successfully reloaded config.
func Watch(directory string, onReload func(*types.Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, path := range Paths(directory) {
		// Watching a missing file fails; missing config locations are
		// expected.
		if err := fw.Add(path); err == nil {
			logging.Debug().Str("path", path).Msg("watching config file")
		}
	}

	w := &Watcher{
		watcher:   fw,
		directory: directory,
		onReload:  onReload,
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.directory)
			if err != nil {
				logging.Warn().Err(err).Msg("config reload rejected")
				continue
			}
			logging.Info().Str("path", ev.Name).Msg("config reloaded")
			w.onReload(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
