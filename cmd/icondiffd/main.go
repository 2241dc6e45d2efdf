package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/icondiffd/internal/config"
	"github.com/schaermu/icondiffd/internal/job"
	"github.com/schaermu/icondiffd/internal/queue"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Diff command flags
	diffBefore  string
	diffAfter   string
	diffOut     string
	diffBaseURL string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "icondiffd",
	Short: "Render sprite sheet changes of GitHub pull requests",
	Long: `icondiffd watches GitHub pull requests for changed DMI sprite sheets, renders
every added, removed or modified icon state and reports the result as a check run.

Webhook events are queued durably and processed by an in-process job runner,
so a restart never loses an acknowledged pull request.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server and job runner",
	Long: `Serve starts the HTTP server that receives GitHub pull_request events, the
job runner that renders queued pull requests, and the scheduler that queues
periodic repository maintenance.

The listener is taken from systemd socket activation when available and
falls back to serve.listen_addr.`,
	RunE: runServe,
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compare two sprite sheets locally",
	Long: `Diff renders the changed states between two DMI files and prints the markdown
report. Either side may be omitted to show an added or deleted file. Rendered
images are written below --out.`,
	RunE: runDiff,
}

var enqueueGCCmd = &cobra.Command{
	Use:   "enqueue-gc",
	Short: "Queue a repository maintenance job",
	Long: `Enqueue-gc appends a cleanup job to the durable queue. A running serve process
picks it up and compacts every repository mirror.`,
	RunE: runEnqueueGC,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("icondiffd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/icondiffd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Diff command flags
	diffCmd.Flags().StringVar(&diffBefore, "before", "", "previous version of the file")
	diffCmd.Flags().StringVar(&diffAfter, "after", "", "new version of the file")
	diffCmd.Flags().StringVar(&diffOut, "out", "", "directory for rendered images (default is a temporary directory)")
	diffCmd.Flags().StringVar(&diffBaseURL, "base-url", "", "URL prefix for images in the report (default is the file path)")

	// Add commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(enqueueGCCmd)
	rootCmd.AddCommand(versionCmd)
}

func runEnqueueGC(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	q, err := queue.Open(cfg.QueuePath(), queue.WithoutRecovery())
	if err != nil {
		return err
	}
	defer func() {
		_ = q.Close()
	}()

	env := job.NewCleanup()
	if err := job.Submit(ctx, q, env); err != nil {
		return err
	}
	logger.Info("maintenance job queued", "job_id", env.ID)
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	// Logs go to stderr so the diff command can print markdown on stdout.
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "icondiffd", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"state_dir", cfg.Paths.StateDir,
		"images_dir", cfg.Paths.ImagesDir,
		"repos_dir", cfg.Paths.ReposDir,
		"auth", cfg.AuthMethod(),
		"storage", cfg.StorageEnabled())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
