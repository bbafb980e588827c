package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 150 * time.Millisecond

// Watcher reports which skills changed under the registry roots. A change
// is a write, create, remove or rename of a descriptor, or of any file in a
// skill's scripts/ or references/ dir. Each event carries the sorted names
// of the skill dirs touched during one debounce window.
type Watcher struct {
	roots  []string
	logger *slog.Logger
	events chan []string
}

func NewWatcher(roots []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	var kept []string
	for _, r := range roots {
		if strings.TrimSpace(r) != "" {
			kept = append(kept, r)
		}
	}
	return &Watcher{roots: kept, logger: logger, events: make(chan []string, 16)}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan []string {
	return w.events
}

// Start installs the watches and runs the event loop until ctx is done.
// Missing roots are skipped.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	var roots []string
	for _, r := range w.roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			w.logger.Warn("skills watcher: bad root", "dir", r, "error", err)
			continue
		}
		if err := fsw.Add(abs); err != nil {
			if !os.IsNotExist(err) {
				w.logger.Warn("skills watcher: add failed", "dir", abs, "error", err)
			}
			continue
		}
		roots = append(roots, abs)
		w.watchSkillDirs(fsw, abs)
	}
	go w.loop(ctx, fsw, roots)
	return nil
}

// watchSkillDirs adds every visible skill dir under root plus its scripts/
// and references/ subdirs.
func (w *Watcher) watchSkillDirs(fsw *fsnotify.Watcher, root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if ent.IsDir() && !strings.HasPrefix(ent.Name(), ".") {
			w.watchSkill(fsw, filepath.Join(root, ent.Name()))
		}
	}
}

func (w *Watcher) watchSkill(fsw *fsnotify.Watcher, dir string) {
	_ = fsw.Add(dir)
	for _, sub := range []string{scriptsDir, referencesDir} {
		p := filepath.Join(dir, sub)
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			_ = fsw.Add(p)
		}
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, roots []string) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	changed := make(map[string]bool)
	timer := time.NewTimer(watchDebounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			name, ok := w.classify(fsw, roots, ev)
			if !ok {
				continue
			}
			changed[name] = true
			timer.Reset(watchDebounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skills watcher error", "error", err)

		case <-timer.C:
			if len(changed) == 0 {
				continue
			}
			names := make([]string, 0, len(changed))
			for n := range changed {
				names = append(names, n)
			}
			sort.Strings(names)
			clear(changed)
			select {
			case w.events <- names:
			default:
				w.logger.Warn("skills watcher: event dropped", "skills", names)
			}
		}
	}
}

// classify maps an fsnotify event to the skill dir it belongs to. New skill
// dirs and new scripts/ or references/ dirs are watched as they appear.
func (w *Watcher) classify(fsw *fsnotify.Watcher, roots []string, ev fsnotify.Event) (string, bool) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return "", false
	}
	root, rel := splitRoot(roots, ev.Name)
	if root == "" || rel == "" {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	// Hidden entries are staging and trash dirs of admin mutations, which
	// reload the registry themselves.
	for _, p := range parts {
		if strings.HasPrefix(p, ".") {
			return "", false
		}
	}
	skill := parts[0]

	isDir := false
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			isDir = true
		}
	}

	switch len(parts) {
	case 1:
		// A skill dir under the root appeared, vanished or was renamed.
		if isDir {
			w.watchSkill(fsw, ev.Name)
		}
		return skill, isDir || ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0
	case 2:
		if isDir && (parts[1] == scriptsDir || parts[1] == referencesDir) {
			_ = fsw.Add(ev.Name)
			return skill, true
		}
		return skill, isDescriptorFile(parts[1])
	default:
		return skill, parts[1] == scriptsDir || parts[1] == referencesDir
	}
}

func splitRoot(roots []string, path string) (string, string) {
	for _, r := range roots {
		rel, err := filepath.Rel(r, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		return r, rel
	}
	return "", ""
}

func isDescriptorFile(base string) bool {
	if base == descriptorFile {
		return true
	}
	for _, alt := range legacyDescriptorFiles {
		if base == alt {
			return true
		}
	}
	return false
}

// Reloader is satisfied by *Registry.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloadOn starts the watcher and reloads reg after every batch of changes
// until ctx is done.
func (w *Watcher) ReloadOn(ctx context.Context, reg Reloader) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	go func() {
		for names := range w.Events() {
			if err := reg.Reload(ctx); err != nil {
				w.logger.Error("skills reload failed", "skills", names, "error", err)
				continue
			}
			w.logger.Info("skills reloaded after change", "skills", names)
		}
	}()
	return nil
}
