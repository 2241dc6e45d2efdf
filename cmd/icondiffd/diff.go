package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/schaermu/icondiffd/internal/cache"
	"github.com/schaermu/icondiffd/internal/diff"
	"github.com/schaermu/icondiffd/internal/report"
)

// localCommit labels snapshots read from the filesystem.
const localCommit = "local"

func runDiff(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	out := diffOut
	if out == "" {
		dir, err := os.MkdirTemp("", "icondiffd-")
		if err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		out = dir
	}
	return localDiff(ctx, cmd.OutOrStdout(), diffBefore, diffAfter, out, diffBaseURL, logger)
}

// localDiff renders the difference between two files on disk and writes
// the markdown report to w. An empty path is a missing side.
func localDiff(ctx context.Context, w io.Writer, beforePath, afterPath, out, baseURL string, logger *slog.Logger) error {
	if beforePath == "" && afterPath == "" {
		return errors.New("at least one of --before or --after is required")
	}

	out, err := filepath.Abs(out)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(out, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if baseURL == "" {
		baseURL = out
	}

	name := afterPath
	if name == "" {
		name = beforePath
	}

	var res diff.FileResult
	before, err := loadSnapshot(beforePath)
	if err != nil {
		res = diff.ErrorResult(diff.SideBefore, err)
	}
	after, errAfter := loadSnapshot(afterPath)
	if err == nil && errAfter != nil {
		err = errAfter
		res = diff.ErrorResult(diff.SideAfter, errAfter)
	}

	if err == nil {
		engine := diff.NewEngine(cache.New(out, baseURL, nil, logger), 0, logger)
		res, err = engine.Diff(ctx, cache.Scope{}, before, after)
		if err != nil {
			return err
		}
	}

	b := report.NewBuilder()
	b.Insert(filepath.Base(name), res)
	rep := b.Build()

	logger.Info("diff complete", "summary", rep.Summary(), "images", out)
	_, err = fmt.Fprintln(w, rep.Markdown())
	return err
}

func loadSnapshot(path string) (*diff.Snapshot, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return diff.NewSnapshot(localCommit, path, data)
}
