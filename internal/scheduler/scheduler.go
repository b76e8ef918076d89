// Package scheduler runs the engine's periodic background jobs on cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tonsurance/escrow-engine/internal/metrics"
	"go.uber.org/zap"
)

var ErrUnknownJob = errors.New("unknown job")

// JobFunc performs one pass of a job and reports how many items it changed.
type JobFunc func(ctx context.Context) (int, error)

type job struct {
	name     string
	interval time.Duration
	run      JobFunc
}

// Runner schedules jobs at fixed intervals. A job never overlaps with
// itself: a tick arriving while the previous pass still runs is skipped.
type Runner struct {
	cron    *cron.Cron
	jobs    []job
	metrics *metrics.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func NewRunner(m *metrics.Metrics, log *zap.Logger) *Runner {
	cl := cronLogger{log: log.Named("cron")}
	return &Runner{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		metrics: m,
		log:     log,
	}
}

// Add registers a job. It must be called before Start.
func (r *Runner) Add(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	r.jobs = append(r.jobs, job{name: name, interval: interval, run: fn})
	return nil
}

// Start schedules every registered job and returns immediately. Jobs stop
// when ctx is cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("scheduler already running")
	}

	jobCtx, cancel := context.WithCancel(ctx)
	for _, j := range r.jobs {
		spec := "@every " + j.interval.String()
		if _, err := r.cron.AddFunc(spec, func() { r.runOnce(jobCtx, j) }); err != nil {
			cancel()
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
		r.log.Info("job scheduled", zap.String("job", j.name), zap.Duration("interval", j.interval))
	}
	r.cancel = cancel
	r.cron.Start()
	r.running = true
	return nil
}

func (r *Runner) runOnce(ctx context.Context, j job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	n, err := j.run(ctx)
	took := time.Since(start)
	r.metrics.JobRun(j.name, took, err)
	if err != nil {
		r.log.Error("job failed", zap.String("job", j.name), zap.Duration("took", took), zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("job completed", zap.String("job", j.name), zap.Int("changed", n), zap.Duration("took", took))
	}
}

// RunNow runs the named job synchronously, outside the schedule.
func (r *Runner) RunNow(ctx context.Context, name string) (int, error) {
	for _, j := range r.jobs {
		if j.name == name {
			return j.run(ctx)
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownJob, name)
}

// Stop cancels running jobs and waits for them to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cancel()
	<-r.cron.Stop().Done()
	r.running = false
	r.log.Info("scheduler stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
