package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// MinPollInterval is the shortest accepted poll interval.
const MinPollInterval = 5 * time.Second

// pollRunner is the part of the Orchestrator the scheduler drives.
type pollRunner interface {
	PollOnce(ctx context.Context) (PollResult, error)
	SetNextPoll(ctx context.Context, at time.Time)
}

// startupSchedule fires once after the startup delay, then every interval.
type startupSchedule struct {
	startup  time.Duration
	interval time.Duration
	fired    atomic.Bool
}

// Next implements cron.Schedule
func (s *startupSchedule) Next(t time.Time) time.Time {
	if s.fired.CompareAndSwap(false, true) {
		return t.Add(s.startup)
	}
	return t.Add(s.interval)
}

// Scheduler runs poll cycles on a fixed rate. A tick that arrives while the
// previous cycle still runs is skipped.
type Scheduler struct {
	cron         *cron.Cron
	runner       pollRunner
	logger       *logrus.Logger
	startupDelay time.Duration
	interval     time.Duration

	mu      sync.Mutex
	entry   cron.EntryID
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler; interval is raised to MinPollInterval.
func NewScheduler(runner pollRunner, startupDelay, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if interval < MinPollInterval {
		interval = MinPollInterval
	}
	if startupDelay < 0 {
		startupDelay = 0
	}
	cronLogger := cron.PrintfLogger(logger)
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		runner:       runner,
		logger:       logger,
		startupDelay: startupDelay,
		interval:     interval,
	}
}

// Interval returns the effective poll interval.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start schedules the first poll after the startup delay.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.entry = s.cron.Schedule(&startupSchedule{startup: s.startupDelay, interval: s.interval}, cron.FuncJob(s.tick))
	s.cron.Start()
	s.started = true

	s.runner.SetNextPoll(ctx, time.Now().Add(s.startupDelay))
	s.logger.WithFields(logrus.Fields{
		"startup":  s.startupDelay,
		"interval": s.interval,
	}).Info("Poll scheduler started")
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	start := time.Now()
	_, err := s.runner.PollOnce(ctx)
	switch {
	case err == nil:
		s.logger.WithField("duration", time.Since(start).Round(time.Millisecond)).Debug("Scheduled poll completed")
	case errors.Is(err, ErrBusy):
		s.logger.Info("Scheduled poll skipped, a poll is already running")
	case ctx.Err() != nil:
		return
	default:
		s.logger.WithError(err).Warn("Scheduled poll failed")
	}

	if ctx.Err() == nil {
		s.runner.SetNextPoll(ctx, s.cron.Entry(s.entry).Next)
	}
}

// Stop cancels a running poll and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}
