package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"creditgen-go/internal/metrics"
	"creditgen-go/internal/pipeline"
	"creditgen-go/internal/store"

	"go.uber.org/zap"
)

// TimedOutMessage is recorded on jobs the watchdog gives up on.
const TimedOutMessage = "Timed out waiting for the provider"

const sweepBatchSize = 100

type SweeperConfig struct {
	DbService store.PipelineStore
	Lifecycle *pipeline.Lifecycle
	Timeout   time.Duration
	Interval  time.Duration
	Refund    bool
	Now       func() time.Time
}

// Sweeper fails queued jobs whose webhook never arrived.
type Sweeper struct {
	dbService store.PipelineStore
	lifecycle *pipeline.Lifecycle
	timeout   time.Duration
	interval  time.Duration
	refund    bool
	now       func() time.Time

	started  atomic.Bool
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Sweeper{
		dbService: cfg.DbService,
		lifecycle: cfg.Lifecycle,
		timeout:   cfg.Timeout,
		interval:  cfg.Interval,
		refund:    cfg.Refund,
		now:       cfg.Now,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Enabled reports whether a timeout is configured.
func (s *Sweeper) Enabled() bool {
	return s.timeout > 0
}

func (s *Sweeper) Start(ctx context.Context) {
	if !s.Enabled() {
		zap.L().Info("Stale job watchdog disabled")
		return
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.sweepLoop(ctx)
	zap.L().Info("Stale job watchdog started",
		zap.Duration("timeout", s.timeout),
		zap.Duration("interval", s.interval),
		zap.Bool("refund", s.refund))
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.started.Load() {
			<-s.doneChan
		}
	})
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				zap.L().Error("Stale job sweep failed", zap.Error(err))
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce fails every queued job older than the timeout and returns how
// many it transitioned.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}

	cutoff := s.now().UTC().Add(-s.timeout)
	swept := 0
	for {
		jobs, err := s.dbService.ListStaleQueued(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return swept, fmt.Errorf("failed to list stale jobs: %w", err)
		}

		progressed := 0
		for _, job := range jobs {
			res, err := s.lifecycle.Resolve(ctx, job.Id, pipeline.Result{Message: TimedOutMessage, Refund: s.refund})
			if err != nil {
				zap.L().Error("Failed to time out stale job",
					zap.String("job_id", job.Id),
					zap.String("user_id", job.OwnerUserId),
					zap.String("provider_job_id", job.ProviderJobId),
					zap.Error(err))
				continue
			}
			progressed++
			if res.Applied {
				swept++
				metrics.Reconciliations.WithLabelValues("timed_out").Inc()
				zap.L().Warn("Timed out stale job",
					zap.String("job_id", job.Id),
					zap.String("user_id", job.OwnerUserId),
					zap.String("provider_job_id", job.ProviderJobId),
					zap.Time("created_at", job.CreatedAt),
					zap.Int64("refunded", res.Job.CreditsRefunded))
			}
		}

		if len(jobs) < sweepBatchSize || progressed == 0 {
			return swept, nil
		}
	}
}
