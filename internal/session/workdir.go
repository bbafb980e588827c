package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/skillgate/internal/mcp"
)

const (
	workdirPrefix  = "session-"
	mcpConfigName  = "mcp.json"
	outputsDirName = "outputs"
)

// createWorkdir makes <root>/session-<id> with mcp.json and outputs/.
// On error nothing is left behind.
func createWorkdir(root, id string, descs []mcp.ServerDescriptor) (dir, cfgPath string, err error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", "", fmt.Errorf("create session root: %w", err)
	}
	dir = filepath.Join(root, workdirPrefix+id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create session workdir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	data, err := mcp.ConfigFile(descs)
	if err != nil {
		return "", "", err
	}
	cfgPath = filepath.Join(dir, mcpConfigName)
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return "", "", fmt.Errorf("write mcp config: %w", err)
	}
	if err := os.Mkdir(filepath.Join(dir, outputsDirName), 0o700); err != nil {
		return "", "", fmt.Errorf("create outputs dir: %w", err)
	}
	return dir, cfgPath, nil
}

// SweepOrphans removes session workdirs under root last modified before
// now-ttl. They are leftovers of processes that died mid-call.
func SweepOrphans(root string, ttl time.Duration, now time.Time, logger *slog.Logger) (int, error) {
	return sweep(root, ttl, now, nil, logger)
}

// sweep skips any directory for which live reports true.
func sweep(root string, ttl time.Duration, now time.Time, live func(path string) bool, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read session root: %w", err)
	}
	cutoff := now.Add(-ttl)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workdirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(root, e.Name())
		if live != nil && live(path) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		logger.Info("removed orphaned session workdir", "path", path, "modified", info.ModTime())
	}
	return removed, errors.Join(errs...)
}
