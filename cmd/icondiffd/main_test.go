package main

import (
	"bytes"
	"context"
	"image/color"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/icondiffd/internal/config"
	"github.com/schaermu/icondiffd/internal/job"
	"github.com/schaermu/icondiffd/internal/queue"
	"github.com/schaermu/icondiffd/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	tmpDir := t.TempDir()
	stateDir := filepath.Join(tmpDir, "state")

	configContent := []byte(`github:
  token_file: "` + filepath.Join(tmpDir, "token") + `"
  webhook_secret_file: "` + filepath.Join(tmpDir, "secret") + `"
paths:
  state_dir: "` + stateDir + `"
serve:
  file_hosting_url: "https://bot.example.com"
maintenance:
  interval: 0s
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return cfgPath, stateDir
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgPath, stateDir := writeConfig(t)
	cfgFile = cfgPath

	cfg, err := loadConfig(discardLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Paths.StateDir != stateDir {
		t.Errorf("expected state dir %s, got %s", stateDir, cfg.Paths.StateDir)
	}
	if cfg.MaintenanceInterval() != 0 {
		t.Errorf("expected disabled maintenance, got %s", cfg.MaintenanceInterval())
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	_, err := loadConfig(discardLogger())
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())

	_, err := loadConfig(discardLogger())
	// Expect error because the default config file doesn't exist
	if err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestEnqueueGC(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgPath, stateDir := writeConfig(t)
	cfgFile = cfgPath

	if err := runEnqueueGC(enqueueGCCmd, nil); err != nil {
		t.Fatalf("runEnqueueGC: %v", err)
	}

	q, err := queue.Open(filepath.Join(stateDir, "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = q.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected a queued job: %v", err)
	}
	env, err := job.Decode(d.Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != job.KindCleanup || d.Kind != string(job.KindCleanup) {
		t.Errorf("expected cleanup job, got %s", env.Kind)
	}
}

func TestEnqueueGC_KeepsRunningJobClaimed(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgPath, stateDir := writeConfig(t)
	cfgFile = cfgPath

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	serving, err := queue.Open(filepath.Join(stateDir, "jobs.db"), queue.WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = serving.Close()
	}()
	if _, err := serving.Enqueue(ctx, "github", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	running, err := serving.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := runEnqueueGC(enqueueGCCmd, nil); err != nil {
		t.Fatalf("runEnqueueGC: %v", err)
	}

	next, err := serving.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected the cleanup job: %v", err)
	}
	if next.ID == running.ID {
		t.Fatalf("running job %s was handed out again", running.ID)
	}
	if next.Kind != string(job.KindCleanup) {
		t.Errorf("expected cleanup job, got %s", next.Kind)
	}
	if err := running.Commit(ctx); err != nil {
		t.Errorf("running job lost its claim: %v", err)
	}
}

func TestLocalDiff(t *testing.T) {
	dir := t.TempDir()
	before := filepath.Join(dir, "before.dmi")
	after := filepath.Join(dir, "mob.dmi")
	writeIcon(t, before, testutil.State{Name: "walk", Colors: []color.NRGBA{testutil.Red}})
	writeIcon(t, after,
		testutil.State{Name: "walk", Colors: []color.NRGBA{testutil.Blue}},
		testutil.State{Name: "run", Colors: []color.NRGBA{testutil.Green}},
	)
	out := filepath.Join(dir, "out")

	var buf bytes.Buffer
	if err := localDiff(context.Background(), &buf, before, after, out, "https://cdn.example/x", discardLogger()); err != nil {
		t.Fatalf("localDiff: %v", err)
	}

	md := buf.String()
	for _, want := range []string{"<b>mob.dmi</b> MODIFIED", "https://cdn.example/x/", "walk", "run"} {
		if !strings.Contains(md, want) {
			t.Errorf("expected report to contain %q:\n%s", want, md)
		}
	}
	if n := countImages(t, out); n == 0 {
		t.Error("expected rendered images below the output directory")
	}
}

func TestLocalDiff_AddedFile(t *testing.T) {
	dir := t.TempDir()
	after := filepath.Join(dir, "new.dmi")
	writeIcon(t, after, testutil.State{Name: "fresh"})

	var buf bytes.Buffer
	if err := localDiff(context.Background(), &buf, "", after, filepath.Join(dir, "out"), "", discardLogger()); err != nil {
		t.Fatalf("localDiff: %v", err)
	}
	if !strings.Contains(buf.String(), "<b>new.dmi</b> ADDED") {
		t.Errorf("unexpected report:\n%s", buf.String())
	}
}

func TestLocalDiff_BrokenFile(t *testing.T) {
	dir := t.TempDir()
	before := filepath.Join(dir, "broken.dmi")
	if err := os.WriteFile(before, []byte("not a png"), 0o644); err != nil {
		t.Fatal(err)
	}
	after := filepath.Join(dir, "broken2.dmi")
	writeIcon(t, after, testutil.State{Name: "ok"})

	var buf bytes.Buffer
	if err := localDiff(context.Background(), &buf, before, after, filepath.Join(dir, "out"), "", discardLogger()); err != nil {
		t.Fatalf("localDiff: %v", err)
	}
	if !strings.Contains(buf.String(), "Before icon render failed:") {
		t.Errorf("expected an error entry:\n%s", buf.String())
	}
}

func TestLocalDiff_RequiresAFile(t *testing.T) {
	if err := localDiff(context.Background(), io.Discard, "", "", t.TempDir(), "", discardLogger()); err == nil {
		t.Fatal("expected error without input files")
	}
}

func TestGithubOptions(t *testing.T) {
	cfg := &config.Config{GitHub: config.GitHubConfig{
		APIURL:         "https://ghe.example.com/api/v3",
		AppID:          42,
		PrivateKeyFile: "/etc/icondiffd/app.pem",
		CheckName:      "IconDiffBot2",
	}}

	opts := githubOptions(cfg)
	if opts.BaseURL != cfg.GitHub.APIURL || opts.AppID != 42 || opts.PrivateKeyFile != "/etc/icondiffd/app.pem" || opts.CheckName != "IconDiffBot2" {
		t.Errorf("unexpected options %+v", opts)
	}
	if got := githubAuth(cfg); got != "app" {
		t.Errorf("githubAuth() = %q, want app", got)
	}

	cfg.GitHub = config.GitHubConfig{TokenFile: "/token"}
	if got := githubAuth(cfg); got != "token" {
		t.Errorf("githubAuth() = %q, want token", got)
	}
}

func TestVersionCmd(t *testing.T) {
	t.Helper()
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func writeIcon(t *testing.T, path string, states ...testutil.State) {
	t.Helper()
	if err := os.WriteFile(path, testutil.IconBytes(t, states...), 0o644); err != nil {
		t.Fatal(err)
	}
}

func countImages(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (strings.HasSuffix(path, ".png") || strings.HasSuffix(path, ".gif")) {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}
