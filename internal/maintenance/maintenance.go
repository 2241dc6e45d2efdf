// Package maintenance keeps the repository mirrors small.
package maintenance

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/schaermu/icondiffd/internal/job"
	"github.com/schaermu/icondiffd/internal/telemetry"
)

// Compactor compacts one repository in place.
type Compactor interface {
	Compact(ctx context.Context, dir string) error
}

// Result summarizes one sweep.
type Result struct {
	Compacted int
	Failed    int
	Skipped   bool // the repository root does not exist
}

// Sweeper compacts every mirror in the <root>/<owner>/<name> tree.
type Sweeper struct {
	root      string
	compactor Compactor
	logger    *slog.Logger
}

// NewSweeper creates a sweeper for the mirrors below root.
func NewSweeper(root string, compactor Compactor, logger *slog.Logger) *Sweeper {
	return &Sweeper{root: root, compactor: compactor, logger: logger}
}

// Sweep compacts each repository directory two levels below the root. A
// failing repository is logged and skipped. Sweep stops early only when ctx
// ends.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "maintenance.sweep", attribute.String("root", s.root))
	defer span.End()

	var res Result
	if _, err := os.Stat(s.root); errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("repository root does not exist, skipping maintenance", "root", s.root)
		res.Skipped = true
		return res, nil
	}

	s.logger.Info("maintenance starting", "root", s.root)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			s.logger.Error("failed to walk repository tree", "path", path, "error", err)
			if d != nil && d.IsDir() && path != s.root {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		switch depth(s.root, path) {
		case 0, 1:
			return nil
		case 2:
			if err := s.compactor.Compact(ctx, path); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("compaction failed", "dir", path, "error", err)
				res.Failed++
			} else {
				res.Compacted++
			}
			return fs.SkipDir
		default:
			return fs.SkipDir
		}
	})

	span.SetAttributes(attribute.Int("compacted", res.Compacted), attribute.Int("failed", res.Failed))
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	s.logger.Info("maintenance finished", "compacted", res.Compacted, "failed", res.Failed)
	return res, nil
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

// Scheduler periodically queues a cleanup job.
type Scheduler struct {
	queue    job.Enqueuer
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. A non-positive interval disables it.
func NewScheduler(q job.Enqueuer, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{queue: q, interval: interval, logger: logger}
}

// Run queues a cleanup job every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("maintenance scheduler disabled")
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			env := job.NewCleanup()
			if err := job.Submit(ctx, s.queue, env); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("failed to queue maintenance job", "error", err)
				continue
			}
			s.logger.Debug("maintenance job queued", "job_id", env.ID)
		}
	}
}
