package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestAdd_RejectsBadSpecAndDuplicates(t *testing.T) {
	s := NewScheduler(Config{Logger: quietLogger()})
	noop := func(context.Context) error { return nil }

	if err := s.Add("bad", "not a cron", noop); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.Add("sweep", "@every 10m", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("sweep", "@hourly", noop); err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if st := s.Status(); len(st) != 1 || st[0].Spec != "@every 10m" {
		t.Fatalf("status = %+v", st)
	}
}

func TestTick_RunsOnlyDueJobs(t *testing.T) {
	s := NewScheduler(Config{Logger: quietLogger()})
	var fast, slow int
	if err := s.Add("fast", "@every 1m", func(context.Context) error { fast++; return nil }); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("slow", "@every 1h", func(context.Context) error { slow++; return nil }); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	s.tick(ctx, time.Now())
	if fast != 0 || slow != 0 {
		t.Fatalf("nothing should be due yet: fast=%d slow=%d", fast, slow)
	}

	s.tick(ctx, time.Now().Add(2*time.Minute))
	if fast != 1 || slow != 0 {
		t.Fatalf("after 2m: fast=%d slow=%d", fast, slow)
	}

	s.tick(ctx, time.Now().Add(2*time.Hour))
	if fast != 2 || slow != 1 {
		t.Fatalf("after 2h: fast=%d slow=%d", fast, slow)
	}
}

func TestTick_RecordsFailuresAndPanics(t *testing.T) {
	s := NewScheduler(Config{Logger: quietLogger()})
	_ = s.Add("fails", "@every 1m", func(context.Context) error { return errors.New("disk full") })
	_ = s.Add("panics", "@every 1m", func(context.Context) error { panic("boom") })

	s.tick(context.Background(), time.Now().Add(5*time.Minute))

	st := s.Status()
	if len(st) != 2 {
		t.Fatalf("status = %+v", st)
	}
	if st[0].Runs != 1 || st[0].LastErr != "disk full" {
		t.Fatalf("fails = %+v", st[0])
	}
	if st[1].Runs != 1 || !strings.Contains(st[1].LastErr, "panic: boom") {
		t.Fatalf("panics = %+v", st[1])
	}
}

func TestRunNow(t *testing.T) {
	s := NewScheduler(Config{Logger: quietLogger()})
	var ran bool
	_ = s.Add("retention", "@daily", func(context.Context) error { ran = true; return nil })

	if err := s.RunNow(context.Background(), "retention"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if !ran {
		t.Fatal("job did not run")
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(Config{Logger: quietLogger(), Interval: 20 * time.Millisecond})
	var runs atomic.Int32
	if err := s.Add("sweep", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	waitFor(t, 5*time.Second, func() bool { return runs.Load() >= 1 })
	s.Stop()

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != after {
		t.Fatal("job ran after Stop")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 10, 2, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 10, 2, 12, 5, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 10, 3, 3, 0, 0, 0, time.UTC)},
		{"@every 10m", base.Add(10 * time.Minute)},
	}
	for _, tc := range cases {
		got, err := NextRunTime(tc.expr, base)
		if err != nil {
			t.Fatalf("%s: %v", tc.expr, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.expr, got, tc.want)
		}
	}
	if _, err := NextRunTime("bogus", base); err == nil {
		t.Fatal("expected parse error")
	}
}
