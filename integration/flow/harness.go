//go:build integration

package flow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/icondiffd/internal/cache"
	"github.com/schaermu/icondiffd/internal/config"
	"github.com/schaermu/icondiffd/internal/diff"
	"github.com/schaermu/icondiffd/internal/git"
	"github.com/schaermu/icondiffd/internal/github"
	"github.com/schaermu/icondiffd/internal/job"
	"github.com/schaermu/icondiffd/internal/maintenance"
	"github.com/schaermu/icondiffd/internal/pipeline"
	"github.com/schaermu/icondiffd/internal/queue"
	"github.com/schaermu/icondiffd/internal/runner"
	"github.com/schaermu/icondiffd/internal/webhook"
)

const (
	webhookSecret  = "flow-secret"
	defaultTimeout = 30 * time.Second
)

// CheckUpdate is one request the fake API received for a check run.
type CheckUpdate struct {
	Status     string
	Conclusion string
	Title      string
	Summary    string
	Text       string
}

// FakeGitHub serves the subset of the GitHub API the daemon uses.
type FakeGitHub struct {
	mu      sync.Mutex
	nextID  int64
	runs    map[int64][]CheckUpdate
	files   []job.FileChange
	created int
}

func newFakeGitHub() *FakeGitHub {
	return &FakeGitHub{runs: make(map[int64][]CheckUpdate)}
}

// SetFiles sets the changed files returned for every pull request.
func (f *FakeGitHub) SetFiles(files []job.FileChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = files
}

// Updates returns the recorded requests of run id.
func (f *FakeGitHub) Updates(id int64) []CheckUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CheckUpdate(nil), f.runs[id]...)
}

// Created returns how many check runs were opened.
func (f *FakeGitHub) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *FakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		Output     struct {
			Title   string `json:"title"`
			Summary string `json:"summary"`
			Text    string `json:"text"`
		} `json:"output"`
	}
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &body)
		}
	}
	update := CheckUpdate{
		Status:     body.Status,
		Conclusion: body.Conclusion,
		Title:      body.Output.Title,
		Summary:    body.Output.Summary,
		Text:       body.Output.Text,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "check-runs":
		f.nextID++
		f.created++
		f.runs[f.nextID] = []CheckUpdate{{Status: "created"}}
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"id": %d}`, f.nextID)
	case r.Method == http.MethodPatch && len(parts) == 5 && parts[3] == "check-runs":
		id, _ := strconv.ParseInt(parts[4], 10, 64)
		f.runs[id] = append(f.runs[id], update)
		_, _ = fmt.Fprintf(w, `{"id": %d}`, id)
	case r.Method == http.MethodGet && len(parts) == 6 && parts[5] == "files":
		if r.URL.Query().Get("page") != "1" {
			_, _ = w.Write([]byte("[]"))
			return
		}
		_ = json.NewEncoder(w).Encode(f.files)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	}
}

// Harness runs the webhook server and job runner in process against a
// fake GitHub API. State survives Stop, so a later Start behaves like a
// restarted daemon.
type Harness struct {
	t      *testing.T
	cfg    *config.Config
	API    *FakeGitHub
	api    *httptest.Server
	server *httptest.Server
	queue  *queue.Queue
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHarness creates a harness with fresh state below t.TempDir().
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	root := t.TempDir()
	secretFile := filepath.Join(root, "webhook_secret")
	tokenFile := filepath.Join(root, "token")
	for path, content := range map[string]string{secretFile: webhookSecret, tokenFile: "api-token"} {
		if err := os.WriteFile(path, []byte(content+"\n"), 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	h := &Harness{t: t, API: newFakeGitHub()}
	h.api = httptest.NewServer(h.API)
	t.Cleanup(h.api.Close)

	stateDir := filepath.Join(root, "state")
	cfgPath := filepath.Join(root, "config.yaml")
	cfgYAML := fmt.Sprintf(`github:
  api_url: %q
  token_file: %q
  webhook_secret_file: %q
paths:
  state_dir: %q
serve:
  file_hosting_url: "https://icons.example.com/"
jobs:
  timeout: 30s
  workers: 2
maintenance:
  interval: 0s
`, h.api.URL, tokenFile, secretFile, stateDir)
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	h.cfg = cfg
	t.Cleanup(h.Stop)
	return h
}

// Config returns the loaded configuration.
func (h *Harness) Config() *config.Config {
	return h.cfg
}

// Start opens the queue and starts the webhook server. The job runner is
// only started when withRunner is set.
func (h *Harness) Start(withRunner bool) {
	h.t.Helper()
	cfg := h.cfg
	logger := slog.New(slog.NewTextHandler(&testWriter{t: h.t}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.ImagesDir, cfg.Paths.ReposDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			h.t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	q, err := queue.Open(cfg.QueuePath(), queue.WithPollInterval(20*time.Millisecond))
	if err != nil {
		h.t.Fatalf("open queue: %v", err)
	}
	h.queue = q

	gh, err := github.NewClient(github.Options{
		BaseURL:   cfg.GitHub.APIURL,
		TokenFile: cfg.GitHub.TokenFile,
		CheckName: cfg.GitHub.CheckName,
	}, logger)
	if err != nil {
		h.t.Fatalf("github client: %v", err)
	}
	gitClient := git.NewShellClient("", "")
	engine := diff.NewEngine(cache.New(cfg.Paths.ImagesDir, cfg.ImagesURL(), nil, logger), 2, logger)
	processor := pipeline.NewProcessor(pipeline.NewGitSource(gitClient, cfg.Paths.ReposDir), engine, 2, logger)

	srv, err := webhook.NewServer(cfg, gh, gh, q, logger)
	if err != nil {
		h.t.Fatalf("new webhook server: %v", err)
	}
	h.server = httptest.NewServer(srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	if !withRunner {
		close(h.done)
		return
	}
	jobs := runner.New(q, gh, processor, maintenance.NewSweeper(cfg.Paths.ReposDir, gitClient, logger), runner.Options{
		Workers: cfg.Jobs.Workers,
		Timeout: cfg.Jobs.Timeout,
		WorkDir: cfg.Paths.WorkDir,
	}, logger)
	go func() {
		defer close(h.done)
		_ = jobs.Run(ctx)
	}()
}

// Stop shuts the daemon down. It is safe to call more than once.
func (h *Harness) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.server.Close()
	_ = h.queue.Close()
	h.cancel = nil
}

// Queue returns the open queue.
func (h *Harness) Queue() *queue.Queue {
	return h.queue
}

// PullRequest describes a webhook delivery.
type PullRequest struct {
	Number  int
	Title   string
	BaseSHA string
	HeadSHA string
	Remote  string
}

// Deliver posts a signed pull_request event and returns the response.
func (h *Harness) Deliver(action string, pr PullRequest) (int, string) {
	h.t.Helper()
	event := map[string]any{
		"action": action,
		"number": pr.Number,
		"pull_request": map[string]any{
			"number": pr.Number,
			"title":  pr.Title,
			"head":   map[string]any{"sha": pr.HeadSHA},
			"base": map[string]any{
				"sha": pr.BaseSHA,
				"repo": map[string]any{
					"name":      "station",
					"full_name": "space/station",
					"clone_url": pr.Remote,
					"owner":     map[string]any{"login": "space"},
				},
			},
		},
		"installation": map[string]any{"id": 5},
	}
	body, err := json.Marshal(event)
	if err != nil {
		h.t.Fatal(err)
	}

	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/payload", bytes.NewReader(body))
	if err != nil {
		h.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("deliver webhook: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(data))
}

// WaitCompleted waits until check run id reaches a conclusion and returns
// the completing update.
func (h *Harness) WaitCompleted(id int64) CheckUpdate {
	h.t.Helper()
	deadline := time.Now().Add(defaultTimeout)
	for time.Now().Before(deadline) {
		for _, u := range h.API.Updates(id) {
			if u.Status == "completed" {
				return u
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	h.t.Fatalf("check run %d did not complete, updates: %+v", id, h.API.Updates(id))
	return CheckUpdate{}
}

// testWriter adapts t.Log to io.Writer
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
