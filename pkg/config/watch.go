package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/haulbase/haulbase/pkg/observability"
)

// Watcher reloads a config file when it changes on disk. Reloads that fail
// to parse or validate are logged and dropped; the last good config stays in
// effect.
type Watcher struct {
	path     string
	logger   *observability.Logger
	onChange func(*Config)
	watcher  *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// Watch starts watching path and calls onChange with each successfully
// reloaded config. The watch stops when ctx is done or Close is called.
func Watch(ctx context.Context, path string, logger *observability.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors and config mounts replace the file rather
	// than writing it in place
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:     abs,
		logger:   logger.WithField("config_file", abs),
		onChange: onChange,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer observability.RecoverPanic(w.logger, "config watcher")

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Ignoring invalid config change")
		return
	}
	w.logger.Info("Config reloaded")
	w.onChange(cfg)
}

// Close stops the watch and waits for the watch goroutine to exit
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
	})
	<-w.done
	return err
}
