package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// reloadFiles are the home-dir files whose content feeds Load.
var reloadFiles = []string{configFileName, ".env"}

// ReloadEvent names a file whose content changed.
type ReloadEvent struct {
	Path string
}

// Watcher reports content changes of config.yaml and .env. Bursts of
// writes are coalesced, and saves that leave the bytes unchanged are
// dropped.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
	digests map[string][sha256.Size]byte
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
		digests: make(map[string][sha256.Size]byte),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches the home directory rather than the files themselves so that
// editors replacing config.yaml via rename keep producing events.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	for _, name := range reloadFiles {
		w.digests[name] = digestOf(filepath.Join(w.homeDir, name))
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	dirty := make(map[string]bool)
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !isReloadFile(name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			dirty[name] = true
			timer.Reset(reloadDebounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		case <-timer.C:
			for name := range dirty {
				w.emitIfChanged(name)
			}
			clear(dirty)
		}
	}
}

func (w *Watcher) emitIfChanged(name string) {
	path := filepath.Join(w.homeDir, name)
	sum := digestOf(path)
	if sum == w.digests[name] {
		return
	}
	w.digests[name] = sum
	w.logger.Info("config file changed", "path", path)
	select {
	case w.events <- ReloadEvent{Path: path}:
	default:
		w.logger.Warn("config reload event dropped", "path", path)
	}
}

func isReloadFile(name string) bool {
	for _, f := range reloadFiles {
		if f == name {
			return true
		}
	}
	return false
}

// digestOf hashes the file content. A missing file hashes as empty.
func digestOf(path string) [sha256.Size]byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return sha256.Sum256(nil)
	}
	return sha256.Sum256(data)
}
