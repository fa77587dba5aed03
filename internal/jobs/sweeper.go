// Package jobs runs the portal's periodic housekeeping.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepTimeout = 30 * time.Second

type purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type evicter interface {
	EvictIdle(now time.Time) int
}

// Sweeper deletes expired backend sessions and evicts idle clients on a
// cron schedule.
type Sweeper struct {
	schedule string
	sessions purger
	clients  evicter
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper validates schedule, which accepts standard five-field cron
// expressions and descriptors such as "@every 5m".
func NewSweeper(schedule string, sessions purger, clients evicter, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		schedule: schedule,
		sessions: sessions,
		clients:  clients,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start schedules the sweep. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// RunOnce performs one sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if s.clients != nil {
		if n := s.clients.EvictIdle(s.now()); n > 0 {
			s.logger.Debug("idle clients evicted", zap.Int("count", n))
		}
	}
	if s.sessions == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	n, err := s.sessions.PurgeExpired(ctx)
	if err != nil {
		s.logger.Warn("purging expired sessions failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("purged expired sessions", zap.Int("count", n))
	}
}
