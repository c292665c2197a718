package cron_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/modbridge/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestScheduler_RunsEveryJob(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	var runs atomic.Int32
	if err := s.Add("heartbeat", "@every 1s", func(context.Context) { runs.Add(1) }); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 })
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	var runs atomic.Int32
	if err := s.Add("boom", "@every 1s", func(context.Context) {
		runs.Add(1)
		panic("boom")
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 4*time.Second, func() bool { return runs.Load() >= 2 })
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	started := make(chan struct{})
	var cancelled atomic.Bool
	if err := s.Add("slow", "@every 1s", func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	s.Stop()
	if !cancelled.Load() {
		t.Fatal("expected job context to be cancelled before Stop returned")
	}
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	if err := s.Add("bad", "every tuesday-ish", func(context.Context) {}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestScheduler_ReplaceKeepsSingleEntry(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	if err := s.Add("hb", "@every 1h", func(context.Context) {}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("hb", "@every 2h", func(context.Context) {}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	next, ok := s.Next("hb")
	if !ok {
		t.Fatal("expected hb entry")
	}
	if d := time.Until(next); d < 90*time.Minute {
		t.Fatalf("expected replaced 2h schedule, next run in %s", d)
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 * * * *", base)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
	if _, err := cron.NextRunTime("not a cron", base); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
