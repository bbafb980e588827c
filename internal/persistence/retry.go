package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	busyRetries   = 5
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// retryOnBusy runs f until it succeeds, fails with a non-busy error, or
// maxRetries retries are spent. Delays double from busyBaseDelay up to
// busyMaxDelay with up to a quarter of jitter either way.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyDelay(attempt)):
		}
	}
}

func busyDelay(attempt int) time.Duration {
	d := min(busyBaseDelay<<uint(attempt), busyMaxDelay)
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)))
}

// isSQLiteBusy reports BUSY and LOCKED errors, typed or wrapped as text.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	for _, needle := range []string{"database is locked", "database table is locked", "(5)", "(6)"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
