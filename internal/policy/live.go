package policy

import (
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/basket/skillgate/internal/skills"
)

// Live holds the routing mode and naming options that config reloads may
// change while requests are in flight.
type Live struct {
	mu   sync.RWMutex
	mode Mode
	opts Options
}

func NewLive(mode Mode, opts Options) *Live {
	if mode == "" {
		mode = ModeScriptFirst
	}
	return &Live{mode: mode, opts: opts}
}

func (l *Live) Mode() Mode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mode
}

func (l *Live) Options() Options {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opts
}

// Reload replaces mode and options. It reports whether anything changed.
func (l *Live) Reload(mode Mode, opts Options) bool {
	if mode == "" {
		mode = ModeScriptFirst
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := l.mode != mode || l.opts != opts
	l.mode, l.opts = mode, opts
	return changed
}

// Version identifies the current routing configuration in logs and audit rows.
func (l *Live) Version() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(l.mode) + "|"))
	_, _ = h.Write([]byte(l.opts.coreServer() + "|"))
	_, _ = h.Write([]byte(l.opts.Dispatcher() + "|"))
	return "routing-" + strconv.FormatUint(h.Sum64(), 16)
}

// Compute runs the package-level Compute with the current mode and options.
func (l *Live) Compute(permitted []skills.Skill, fallbackMaps map[string]map[string]string) Result {
	mode, opts := l.snapshot()
	return Compute(permitted, fallbackMaps, mode, opts)
}

func (l *Live) snapshot() (Mode, Options) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mode, l.opts
}
