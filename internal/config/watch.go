package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher reloads a config file on change and hands the new value to a
// callback. Only mutable runtime fields (Profile.Label, Presence.*) are
// meant to be acted on by callers; Identity and Daemon.SocketDir take
// effect only at process start, same as the teacher's engine.go treats
// its script directory as fixed once watched (spec §0 ambient stack).
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once
}

// WatchFile starts watching path for writes/creates and invokes onChange
// with the freshly loaded and validated Config after each one. Decode or
// validation failures are logged and skipped; the last good config stays
// in effect until a valid reload arrives.
func WatchFile(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{path: path, watcher: fw, closed: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func(Config)) {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Warnw("config reload failed, keeping previous config", "path", w.path, "err", err)
				continue
			}
			log.Infow("config reloaded", "path", w.path)
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("config watcher error", "err", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.closed) })
	return w.watcher.Close()
}
