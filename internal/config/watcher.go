package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watched file kinds.
const (
	FileConfig = "config"
	FilePolicy = "policy"
)

type ReloadEvent struct {
	Path string
	Kind string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and policy.yaml. It watches the home
// directory rather than the files, so editors that replace files by rename
// and files created after start are both seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

// settleDelay coalesces the burst of events one save produces.
const settleDelay = 100 * time.Millisecond

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches until ctx is done, then closes Events. Each file kind yields
// one event per burst of changes, carrying the last path and op seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	kinds := map[string]string{
		filepath.Base(ConfigPath(w.homeDir)): FileConfig,
		filepath.Base(PolicyPath(w.homeDir)): FilePolicy,
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)

		pending := make(map[string]ReloadEvent)
		settle := time.NewTimer(settleDelay)
		settle.Stop()
		defer settle.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				kind, watched := kinds[filepath.Base(ev.Name)]
				if !watched {
					continue
				}
				pending[kind] = ReloadEvent{Path: ev.Name, Kind: kind, Op: ev.Op}
				settle.Reset(settleDelay)
			case <-settle.C:
				for kind, ev := range pending {
					delete(pending, kind)
					select {
					case w.events <- ev:
					default:
						w.logger.Warn("config reload event dropped", "kind", kind)
						continue
					}
					w.logger.Info("config file changed", "path", ev.Path, "kind", kind, "op", ev.Op.String())
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
