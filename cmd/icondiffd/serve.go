package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/icondiffd/internal/activation"
	"github.com/schaermu/icondiffd/internal/cache"
	"github.com/schaermu/icondiffd/internal/config"
	"github.com/schaermu/icondiffd/internal/diff"
	"github.com/schaermu/icondiffd/internal/git"
	"github.com/schaermu/icondiffd/internal/github"
	"github.com/schaermu/icondiffd/internal/maintenance"
	"github.com/schaermu/icondiffd/internal/pipeline"
	"github.com/schaermu/icondiffd/internal/queue"
	"github.com/schaermu/icondiffd/internal/runner"
	"github.com/schaermu/icondiffd/internal/storage"
	"github.com/schaermu/icondiffd/internal/telemetry"
	"github.com/schaermu/icondiffd/internal/webhook"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	shutdownTracing, err := telemetry.Init(ctx, "icondiffd", version, telemetry.Options{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.ImagesDir, cfg.Paths.ReposDir, cfg.Paths.WorkDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	q, err := queue.Open(cfg.QueuePath())
	if err != nil {
		return err
	}
	defer func() {
		_ = q.Close()
	}()
	if n := q.Recovered(); n > 0 {
		logger.Info("redelivering unfinished jobs", "count", n)
	}

	gh, err := github.NewClient(githubOptions(cfg), logger)
	if err != nil {
		return err
	}
	logger.Info("github client ready", "auth", githubAuth(cfg))
	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)

	var mirror cache.Mirror
	if cfg.StorageEnabled() {
		m, err := newStorage(ctx, cfg, logger)
		if err != nil {
			return err
		}
		mirror = m
	}

	imageCache := cache.New(cfg.Paths.ImagesDir, cfg.ImagesURL(), mirror, logger)
	engine := diff.NewEngine(imageCache, cfg.Jobs.RenderConcurrency, logger)
	processor := pipeline.NewProcessor(pipeline.NewGitSource(gitClient, cfg.Paths.ReposDir), engine, cfg.Jobs.RenderConcurrency, logger)
	sweeper := maintenance.NewSweeper(cfg.Paths.ReposDir, gitClient, logger)
	scheduler := maintenance.NewScheduler(q, cfg.MaintenanceInterval(), logger)

	jobs := runner.New(q, gh, processor, sweeper, runner.Options{
		Workers:            cfg.Jobs.Workers,
		Timeout:            cfg.Jobs.Timeout,
		MaintenanceTimeout: cfg.Maintenance.Timeout,
		WorkDir:            cfg.Paths.WorkDir,
	}, logger)

	server, err := webhook.NewServer(cfg, gh, gh, q, logger)
	if err != nil {
		return err
	}

	listener, activated, err := activation.Listener(cfg.Serve.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if activated {
		logger.Info("using systemd socket activation")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, listener)
	})
	g.Go(func() error {
		return jobs.Run(gctx)
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	return g.Wait()
}

func newStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Minio, error) {
	accessKey, err := readSecret(cfg.Storage.AccessKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage access key: %w", err)
	}
	secretKey, err := readSecret(cfg.Storage.SecretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage secret key: %w", err)
	}
	return storage.NewMinio(ctx, storage.Options{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		Prefix:    cfg.Storage.Prefix,
		UseSSL:    cfg.Storage.UseSSL,
	}, logger)
}

func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func githubOptions(cfg *config.Config) github.Options {
	return github.Options{
		BaseURL:        cfg.GitHub.APIURL,
		AppID:          cfg.GitHub.AppID,
		PrivateKeyFile: cfg.GitHub.PrivateKeyFile,
		TokenFile:      cfg.GitHub.TokenFile,
		CheckName:      cfg.GitHub.CheckName,
	}
}

func githubAuth(cfg *config.Config) string {
	if cfg.GitHub.AppID != 0 {
		return "app"
	}
	return "token"
}
