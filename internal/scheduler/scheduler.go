package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// TickTimeout bounds a single tick; zero leaves it unbounded.
	TickTimeout time.Duration
}

// Scheduler drives aligned execution of keeper ticks. Buckets that pass
// while a tick is still running are skipped, never queued.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
		return err
	}

	failures := 0
	next := s.nextTick(s.now())
	for {
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")
		if err := s.sleep(ctx, next.Sub(s.now())); err != nil {
			return err
		}

		bucket := s.bucketStart(next)
		s.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")

		started := s.now()
		if err := s.runTick(ctx, tick, bucket); err != nil {
			failures++
			s.logger.Error().Err(err).Time("bucket", bucket).Int("consecutive_failures", failures).Msg("tick execution failed")
		} else {
			failures = 0
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next = next.Add(s.opts.Interval)
		if now := s.now(); !next.After(now) {
			skipped := int(now.Sub(next)/s.opts.Interval) + 1
			s.logger.Warn().Time("bucket", bucket).Dur("took", now.Sub(started)).Int("skipped", skipped).Msg("tick overran its interval")
			next = s.nextTick(now)
		}
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) runTick(ctx context.Context, tick TickFunc, bucket time.Time) error {
	if s.opts.TickTimeout <= 0 {
		return tick(ctx, bucket)
	}
	tickCtx, cancel := context.WithTimeout(ctx, s.opts.TickTimeout)
	defer cancel()
	return tick(tickCtx, bucket)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
