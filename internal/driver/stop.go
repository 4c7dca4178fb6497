package driver

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// StopFile is the name of the file whose presence in the work directory
// stops a run between stages.
const StopFile = "STOP"

// stopWatcher notices a STOP file as soon as it appears so the operator gets
// immediate feedback; the run itself only stops at the next stage boundary.
type stopWatcher struct {
	path      string
	fw        *fsnotify.Watcher
	requested atomic.Bool
	notify    func()
	done      chan struct{}
}

func watchStop(dir string, logger *zap.Logger, notify func()) (*stopWatcher, error) {
	if dir == "" {
		return nil, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w := &stopWatcher{
		path:   filepath.Join(dir, StopFile),
		fw:     fw,
		notify: notify,
		done:   make(chan struct{}),
	}
	if _, err := os.Stat(w.path); err == nil {
		w.requested.Store(true)
	}
	go w.loop(logger)
	return w, nil
}

func (w *stopWatcher) loop(logger *zap.Logger) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != StopFile || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				continue
			}
			if !w.requested.Swap(true) {
				logger.Info("stop requested", zap.String("file", ev.Name))
				if w.notify != nil {
					w.notify()
				}
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.Warn("stop watcher", zap.Error(err))
		}
	}
}

// Requested reports whether a STOP file exists. Events can lag the file
// system, so the file is checked directly as well.
func (w *stopWatcher) Requested() bool {
	if w == nil {
		return false
	}
	if w.requested.Load() {
		return true
	}
	if _, err := os.Stat(w.path); err == nil {
		w.requested.Store(true)
		return true
	}
	return false
}

// Clear removes the STOP file so the next run starts normally.
func (w *stopWatcher) Clear() error {
	if w == nil {
		return nil
	}
	w.requested.Store(false)
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (w *stopWatcher) Close() {
	if w == nil {
		return
	}
	w.fw.Close()
	<-w.done
}
