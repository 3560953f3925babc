package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Instructions holds the system instructions text and hot-reloads it when
// the file changes, so prompt edits take effect without a restart.
type Instructions struct {
	path string
	mu   sync.RWMutex
	text string

	watcher *fsnotify.Watcher
}

// LoadInstructions reads the instructions file and starts watching it.
// An empty path disables instructions; a read error at startup is fatal
// to the caller, later reload errors only log.
func LoadInstructions(path string) (*Instructions, error) {
	if path == "" {
		return nil, nil
	}

	ins := &Instructions{path: path}
	if err := ins.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("instructions: watcher unavailable, hot reload disabled", "error", err)
		return ins, nil
	}
	// Watch the directory: editors replace files, which drops the watch
	// on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		slog.Warn("instructions: watch failed, hot reload disabled", "path", path, "error", err)
		w.Close()
		return ins, nil
	}
	ins.watcher = w
	go ins.watchLoop()
	return ins, nil
}

// Current returns the instructions text.
func (i *Instructions) Current() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.text
}

// Close stops the file watcher.
func (i *Instructions) Close() {
	if i.watcher != nil {
		i.watcher.Close()
	}
}

func (i *Instructions) reload() error {
	data, err := os.ReadFile(i.path)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.text = string(data)
	i.mu.Unlock()
	return nil
}

func (i *Instructions) watchLoop() {
	for {
		select {
		case ev, ok := <-i.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(i.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := i.reload(); err != nil {
				slog.Warn("instructions: reload failed", "path", i.path, "error", err)
				continue
			}
			slog.Info("instructions: reloaded", "path", i.path)
		case err, ok := <-i.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("instructions: watcher error", "error", err)
		}
	}
}
