package nvm

import (
	"github.com/fsnotify/fsnotify"
)

// fileWatcher observes the mount directory in non-volatile mode and warns
// when the backing file is removed, renamed or chmodded out from under the
// mapping. Purely observational: the mapping itself stays valid until the
// process exits, but durability across runs is gone once the name is.
type fileWatcher struct {
	w *fsnotify.Watcher
}

func watchBackingFile(dir, file string) (*fileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()

		return nil, err
	}
	fw := &fileWatcher{w: w}
	go fw.loop(file)

	return fw, nil
}

func (fw *fileWatcher) loop(file string) {
	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if ev.Name != file {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				log.WithField("event", ev.Op.String()).
					Warn("backing file unlinked while mapped; contents survive only until exit")
			case ev.Op&fsnotify.Chmod != 0:
				log.Warn("backing file permissions changed while mapped")
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("backing file watch error")
		}
	}
}

func (fw *fileWatcher) Close() error { return fw.w.Close() }
