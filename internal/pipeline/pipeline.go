// Package pipeline turns a pull request job into a report.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/icondiffd/internal/cache"
	"github.com/schaermu/icondiffd/internal/diff"
	"github.com/schaermu/icondiffd/internal/git"
	"github.com/schaermu/icondiffd/internal/job"
	"github.com/schaermu/icondiffd/internal/report"
)

// Source reads file versions of a job.
type Source interface {
	// Prepare makes the job's commits readable.
	Prepare(ctx context.Context, j *job.Job) error
	ReadFile(ctx context.Context, j *job.Job, side job.Side) ([]byte, error)
}

// GitSource reads from a bare mirror of the job's repository.
type GitSource struct {
	git      git.Client
	reposDir string
}

// NewGitSource creates a source keeping mirrors below reposDir.
func NewGitSource(client git.Client, reposDir string) *GitSource {
	return &GitSource{git: client, reposDir: reposDir}
}

func (s *GitSource) mirror(j *job.Job) (string, error) {
	return git.MirrorDir(s.reposDir, j.Repo.Owner, j.Repo.Name)
}

// Prepare syncs the mirror until base and head commits are present.
func (s *GitSource) Prepare(ctx context.Context, j *job.Job) error {
	dir, err := s.mirror(j)
	if err != nil {
		return err
	}
	url := j.Repo.CloneURL
	if url == "" {
		url = "https://github.com/" + j.Repo.FullName() + ".git"
	}
	var commits []string
	for _, sha := range []string{j.BaseSHA, j.HeadSHA} {
		if sha != "" {
			commits = append(commits, sha)
		}
	}
	if err := s.git.Sync(ctx, url, dir, commits...); err != nil {
		return fmt.Errorf("failed to sync %s: %w", j.Repo.FullName(), err)
	}
	return nil
}

func (s *GitSource) ReadFile(ctx context.Context, j *job.Job, side job.Side) ([]byte, error) {
	dir, err := s.mirror(j)
	if err != nil {
		return nil, err
	}
	return s.git.ReadFile(ctx, dir, side.Commit, side.Path)
}

// Processor diffs every file of a job.
type Processor struct {
	source Source
	engine *diff.Engine
	limit  int
	logger *slog.Logger
}

// NewProcessor creates a processor evaluating at most limit files at once.
func NewProcessor(source Source, engine *diff.Engine, limit int, logger *slog.Logger) *Processor {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	return &Processor{source: source, engine: engine, limit: limit, logger: logger}
}

// Process renders the job. A file that cannot be loaded becomes an ERROR
// entry of the report; the returned error is reserved for failures of the
// job as a whole.
func (p *Processor) Process(ctx context.Context, j *job.Job) (report.Report, error) {
	if err := p.source.Prepare(ctx, j); err != nil {
		return report.Report{}, err
	}

	scope := cache.Scope{Installation: j.Installation, PullRequest: j.PullRequest}
	results := make([]diff.FileResult, len(j.Files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for i, f := range j.Files {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("file diff panicked", "file", f.Filename, "panic", r)
					results[i] = diff.FileResult{Class: diff.Error, Note: fmt.Sprintf("internal error: %v", r)}
					err = nil
				}
			}()
			res, err := p.file(gctx, j, scope, f)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report.Report{}, err
	}

	b := report.NewBuilder()
	for i, f := range j.Files {
		b.Insert(f.Filename, results[i])
	}
	return b.Build(), nil
}

func (p *Processor) file(ctx context.Context, j *job.Job, scope cache.Scope, f job.FileChange) (diff.FileResult, error) {
	beforeSide, afterSide := j.Sides(f)

	before, err := p.load(ctx, j, beforeSide)
	if err != nil {
		if ctx.Err() != nil {
			return diff.FileResult{}, ctx.Err()
		}
		p.logger.Warn("failed to load file", "file", f.Filename, "side", diff.SideBefore, "error", err)
		return diff.ErrorResult(diff.SideBefore, err), nil
	}
	after, err := p.load(ctx, j, afterSide)
	if err != nil {
		if ctx.Err() != nil {
			return diff.FileResult{}, ctx.Err()
		}
		p.logger.Warn("failed to load file", "file", f.Filename, "side", diff.SideAfter, "error", err)
		return diff.ErrorResult(diff.SideAfter, err), nil
	}
	return p.engine.Diff(ctx, scope, before, after)
}

func (p *Processor) load(ctx context.Context, j *job.Job, side *job.Side) (*diff.Snapshot, error) {
	if side == nil {
		return nil, nil
	}
	data, err := p.source.ReadFile(ctx, j, *side)
	if err != nil {
		return nil, err
	}
	return diff.NewSnapshot(side.Commit, side.Path, data)
}
