package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingPurger struct {
	calls atomic.Int32
	n     int
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context) (int, error) {
	p.calls.Add(1)
	return p.n, p.err
}

type countingEvicter struct {
	calls atomic.Int32
	last  atomic.Int64
}

func (e *countingEvicter) EvictIdle(now time.Time) int {
	e.calls.Add(1)
	e.last.Store(now.UnixNano())
	return 0
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	if _, err := NewSweeper("every five minutes", nil, nil, zap.NewNop()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRunOnceSweepsBoth(t *testing.T) {
	p := &countingPurger{n: 3}
	e := &countingEvicter{}
	s, err := NewSweeper("@every 5m", p, e, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	s.RunOnce(context.Background())

	if p.calls.Load() != 1 || e.calls.Load() != 1 {
		t.Fatalf("expected one purge and one eviction, got %d and %d", p.calls.Load(), e.calls.Load())
	}
	if e.last.Load() != fixed.UnixNano() {
		t.Fatal("expected eviction to use the sweeper clock")
	}
}

func TestRunOnceSurvivesPurgeError(t *testing.T) {
	p := &countingPurger{err: errors.New("db down")}
	e := &countingEvicter{}
	s, err := NewSweeper("*/5 * * * *", p, e, nil)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.RunOnce(context.Background())
	if e.calls.Load() != 1 {
		t.Fatal("expected eviction to run despite purge failure")
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	p := &countingPurger{}
	s, err := NewSweeper("@every 1s", p, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for p.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if p.calls.Load() == 0 {
		t.Fatal("expected at least one scheduled sweep")
	}
}
