// Package runner executes queued jobs under a time ceiling and reports
// their outcome to the check run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/schaermu/icondiffd/internal/checks"
	"github.com/schaermu/icondiffd/internal/job"
	"github.com/schaermu/icondiffd/internal/maintenance"
	"github.com/schaermu/icondiffd/internal/queue"
	"github.com/schaermu/icondiffd/internal/report"
	"github.com/schaermu/icondiffd/internal/telemetry"
)

// DefaultTimeout is the ceiling of one job.
const DefaultTimeout = time.Hour

// Source hands out queued entries.
type Source interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
}

// Processor renders a pull request job.
type Processor interface {
	Process(ctx context.Context, j *job.Job) (report.Report, error)
}

// Sweeper runs repository maintenance.
type Sweeper interface {
	Sweep(ctx context.Context) (maintenance.Result, error)
}

// Options tunes a Runner.
type Options struct {
	Workers            int
	Timeout            time.Duration // per pull request job
	MaintenanceTimeout time.Duration // per cleanup job
	WorkDir            string        // restored around every job when set
	RetryDelay         time.Duration // wait after a failed dequeue
}

// Runner consumes the queue.
type Runner struct {
	source    Source
	checks    checks.Client
	processor Processor
	sweeper   Sweeper
	opts      Options
	logger    *slog.Logger

	// work directory is process wide
	dirMu sync.Mutex
}

// New creates a runner.
func New(source Source, checkClient checks.Client, processor Processor, sweeper Sweeper, opts Options, logger *slog.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaintenanceTimeout <= 0 {
		opts.MaintenanceTimeout = opts.Timeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Runner{
		source:    source,
		checks:    checkClient,
		processor: processor,
		sweeper:   sweeper,
		opts:      opts,
		logger:    logger,
	}
}

// Run consumes entries with the configured number of workers until ctx
// ends or the queue closes.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("job runner started", "workers", r.opts.Workers, "timeout", r.opts.Timeout)

	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}
	wg.Wait()

	r.logger.Info("job runner stopped")
	return nil
}

func (r *Runner) work(ctx context.Context) {
	for {
		d, err := r.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			r.logger.Error("failed to dequeue job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.RetryDelay):
			}
			continue
		}
		r.Handle(ctx, d)
	}
}

// Handle processes one delivery and commits it. The delivery is left
// uncommitted when ctx ends before the job reached a terminal state, so
// it is redelivered after a restart.
func (r *Runner) Handle(ctx context.Context, d *queue.Delivery) {
	logger := r.logger.With("job_id", d.ID, "attempt", d.Attempts)
	logger.Info("job received from queue", "kind", d.Kind)

	env, err := job.Decode(d.Payload)
	switch {
	case err != nil:
		logger.Error("failed to parse job from queue", "error", err)
	case env.Kind == job.KindGithub:
		r.runGithub(ctx, env)
	case env.Kind == job.KindCleanup:
		r.runCleanup(ctx, logger)
	}

	if ctx.Err() != nil {
		logger.Info("shutting down, job left for redelivery")
		return
	}
	if err := d.Commit(ctx); err != nil {
		logger.Error("failed to commit job to queue", "error", err)
	}
}

func (r *Runner) runGithub(ctx context.Context, env job.Envelope) {
	j := env.Job
	run := j.CheckRun
	logger := r.logger.With(
		"job_id", env.ID,
		"repo", j.Repo.FullName(),
		"pr", j.PullRequest,
		"check_run", run.ID,
	)

	ctx, span := telemetry.StartSpan(ctx, "job.run",
		attribute.String("repo", j.Repo.FullName()),
		attribute.Int("pr", j.PullRequest),
		attribute.Int64("check_run", run.ID),
	)
	defer span.End()

	logger.Info("starting")
	if err := r.checks.MarkStarted(ctx, run); err != nil {
		logger.Warn("failed to mark check run started", "error", err)
	}

	out := isolateIn(r, ctx, r.opts.Timeout, func(ctx context.Context) (report.Report, error) {
		return r.processor.Process(ctx, j)
	})
	logger.Info("finished", "outcome", out.Kind)
	span.SetAttributes(attribute.String("outcome", out.Kind.String()))

	var postErr error
	switch out.Kind {
	case OK:
		postErr = r.checks.MarkSucceeded(ctx, run, out.Value.Output())
	case TimedOut:
		logger.Error("job timed out")
		span.SetStatus(codes.Error, "timed out")
		postErr = r.checks.MarkFailed(ctx, run, fmt.Sprintf("Job timed out after %s!", humanDuration(r.opts.Timeout)))
	case Crashed:
		var ce *CrashError
		errors.As(out.Err, &ce)
		logger.Error("job crashed", "diagnostic", ce.Diagnostic, "stack", string(ce.Stack))
		span.SetStatus(codes.Error, ce.Diagnostic)
		postErr = r.checks.MarkFailed(ctx, run, ce.Diagnostic)
	case Failed:
		logger.Error("rendering error", "error", out.Err)
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		postErr = r.checks.MarkFailed(ctx, run, out.Err.Error())
	case Canceled:
		return
	}
	if postErr != nil {
		logger.Error("failed to report job outcome", "error", postErr)
	}
}

func (r *Runner) runCleanup(ctx context.Context, logger *slog.Logger) {
	out := isolateIn(r, ctx, r.opts.MaintenanceTimeout, func(ctx context.Context) (maintenance.Result, error) {
		return r.sweeper.Sweep(ctx)
	})
	switch out.Kind {
	case OK:
		logger.Info("maintenance finished", "compacted", out.Value.Compacted, "failed", out.Value.Failed)
	case TimedOut:
		logger.Error("maintenance timed out", "timeout", r.opts.MaintenanceTimeout)
	case Crashed, Failed:
		logger.Error("maintenance errored", "error", out.Err)
	}
}

// isolateIn runs fn through Isolate with the work directory restored
// before and after.
func isolateIn[T any](r *Runner, ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) Outcome[T] {
	r.restoreWorkDir()
	defer r.restoreWorkDir()
	return Isolate(ctx, timeout, fn)
}

func (r *Runner) restoreWorkDir() {
	if r.opts.WorkDir == "" {
		return
	}
	r.dirMu.Lock()
	defer r.dirMu.Unlock()
	if err := os.Chdir(r.opts.WorkDir); err != nil {
		r.logger.Error("failed to restore working directory", "dir", r.opts.WorkDir, "error", err)
	}
}

// humanDuration formats whole hours and minutes, e.g. "1 hours".
func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", d/time.Minute)
	default:
		return d.String()
	}
}
