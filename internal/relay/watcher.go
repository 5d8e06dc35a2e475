package relay

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// StateFileWatcher invalidates the store's resident snapshot whenever the
// backing file changes on disk, so out-of-band edits (the only way records
// are ever removed) take effect without a restart. Saves go through
// tmp+rename, so the watch is on the parent directory, filtered by name.
type StateFileWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	store   *Store
	logger  *logrus.Logger
	done    chan struct{}
}

func WatchStateFile(path string, store *Store, logger *logrus.Logger) (*StateFileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	w := &StateFileWatcher{
		watcher: watcher,
		path:    abs,
		store:   store,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *StateFileWatcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			w.logger.WithFields(logrus.Fields{
				"file": w.path,
				"op":   event.Op.String(),
			}).Debug("state file changed on disk, dropping resident snapshot")
			w.store.Invalidate()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("state file watcher error")
		}
	}
}

func (w *StateFileWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
