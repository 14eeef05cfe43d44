package ingestor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// CycleRunner runs one reconciliation cycle. *Reconciler implements it.
type CycleRunner interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

type PoolConfig struct {
	// Workers caps the number of concurrent cycles.
	Workers int
	// Cycles stops the pool after that many cycles. Zero runs until the
	// context is cancelled.
	Cycles int
	// ErrorBackoff is the pause after a cycle that failed before receiving
	// anything, so an unreachable queue is not hammered.
	ErrorBackoff time.Duration
}

var DefaultPoolConfig = PoolConfig{
	Workers:      10,
	ErrorBackoff: 250 * time.Millisecond,
}

func (c PoolConfig) validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.Cycles < 0 {
		errs = append(errs, errors.New("cycles must be non-negative"))
	}
	if c.ErrorBackoff < 0 {
		errs = append(errs, errors.New("error backoff must be non-negative"))
	}
	return errors.Join(errs...)
}

// Pool runs independent cycles on a fixed-size worker pool.
type Pool struct {
	cfg    PoolConfig
	runner CycleRunner
	logger zerolog.Logger
}

func NewPool(runner CycleRunner, cfg PoolConfig, logger zerolog.Logger) (*Pool, error) {
	if runner == nil {
		return nil, errors.New("cycle runner is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pool{
		cfg:    cfg,
		runner: runner,
		logger: logger.With().Str("component", "Pool").Int("workers", cfg.Workers).Logger(),
	}, nil
}

// Run dispatches cycles until ctx is cancelled or the configured number of
// cycles has been started, then waits for in-flight cycles to finish. Cycle
// errors and panics are logged and never stop the pool.
func (p *Pool) Run(ctx context.Context) error {
	pool, err := ants.NewPool(p.cfg.Workers)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	p.logger.Info().Int("cycles", p.cfg.Cycles).Msg("start reading messages")

	var wg sync.WaitGroup
	started := 0
	for ctx.Err() == nil && (p.cfg.Cycles == 0 || started < p.cfg.Cycles) {
		wg.Add(1)
		// Submit blocks while every worker is busy.
		if err := pool.Submit(func() {
			defer wg.Done()
			p.runCycle(ctx)
		}); err != nil {
			wg.Done()
			wg.Wait()
			return fmt.Errorf("submit cycle: %w", err)
		}
		started++
	}

	wg.Wait()
	p.logger.Info().Int("cycles_started", started).Msg("stopped reading messages")
	return nil
}

func (p *Pool) runCycle(ctx context.Context) {
	defer func() {
		if v := recover(); v != nil {
			p.logger.Error().Interface("panic", v).Msg("cycle panicked")
		}
	}()

	if ctx.Err() != nil {
		return
	}

	report, err := p.runner.RunCycle(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			p.logger.Debug().Err(err).Msg("cycle interrupted by shutdown")
			return
		}
		p.logger.Error().Err(err).Int("received", report.Received).Msg("cycle failed")
		if report.Received == 0 {
			p.backoff(ctx)
		}
		return
	}

	if report.Received > 0 {
		p.logger.Debug().
			Int("received", report.Received).
			Int("dead_lettered", report.DeadLettered).
			Int("decode_failures", report.DecodeFailures).
			Int("indexed", report.Indexed).
			Int("duplicates", report.Duplicates).
			Int("write_failures", report.WriteFailures).
			Int("acknowledged", report.Acknowledged).
			Int("ack_failures", report.AckFailures).
			Msg("cycle done")
	}
}

func (p *Pool) backoff(ctx context.Context) {
	if p.cfg.ErrorBackoff <= 0 {
		return
	}
	t := time.NewTimer(p.cfg.ErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
