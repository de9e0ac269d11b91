package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	"github.com/smallbiznis/pawbill/internal/clock"
	"github.com/smallbiznis/pawbill/internal/config"
	obsmetrics "github.com/smallbiznis/pawbill/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobBilling = "billing"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Policy  *config.BillingPolicyHolder
	Billing billingdomain.Service
	Config  Config                     `optional:"true"`
	Metrics *obsmetrics.BillingMetrics `optional:"true"`
}

// Scheduler fires the daily billing pass in-process. External cron callers
// hit the HTTP trigger instead; both paths share the per-subscription lock.
type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	policy  *config.BillingPolicyHolder
	billing billingdomain.Service
	metrics *obsmetrics.BillingMetrics

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Billing == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Billing()
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		policy:  p.Policy,
		billing: p.Billing,
		metrics: m,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)
	s.logJobStart(ctx, run)
	log := s.logger(ctx).With(zap.String("job", name))
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce performs one scheduled billing pass bounded by the policy timeout.
func (s *Scheduler) RunOnce(parent context.Context) error {
	timeout := s.policy.Get().RunTimeout
	return s.runJob(parent, jobBilling, timeout, func(ctx context.Context, run *jobRun) error {
		summary, err := s.billing.Run(ctx, billingdomain.RunRequest{
			Now:   s.clock.Now(),
			Actor: "scheduler",
		})
		run.AddProcessed(summary.Processed)
		run.AddErrors(summary.Failed)
		if err != nil {
			return err
		}
		// A deadline hit mid-run surfaces as per-subscription errors.
		return ctx.Err()
	})
}

// Start registers the billing entry and starts the cron loop. Overlapping
// ticks are skipped while a pass is still running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log}), cron.SkipIfStillRunning(cronLogger{log: s.log})),
	)
	id, err := c.AddFunc(s.cfg.Schedule, s.tick)
	if err != nil {
		return fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, s.cfg.Schedule, err)
	}
	s.cron = c
	s.entryID = id
	c.Start()

	s.log.Info("billing schedule started",
		zap.String("schedule", s.cfg.Schedule),
		zap.String("timezone", s.cfg.Location.String()),
		zap.Time("next_run", c.Entry(id).Next),
	)
	return nil
}

// Stop halts the cron loop and returns a context that is done once any
// in-flight pass finishes.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	ctx := s.cron.Stop()
	s.cron = nil
	return ctx
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	c, id := s.cron, s.entryID
	s.mu.Unlock()
	if c != nil {
		if scheduled := c.Entry(id).Prev; !scheduled.IsZero() {
			s.metrics.ObserveRunLoopLag(s.clock.Now().Sub(scheduled))
		}
	}

	if err := s.RunOnce(context.Background()); err != nil {
		s.log.Warn("scheduled billing run failed", zap.Error(err))
	}
}

// cronLogger routes cron's own diagnostics through zap.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
