// Package webhook receives GitHub pull request events and queues render
// jobs for them.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/schaermu/icondiffd/internal/checks"
	"github.com/schaermu/icondiffd/internal/config"
	"github.com/schaermu/icondiffd/internal/job"
)

// maxPayloadSize is the largest webhook payload GitHub delivers.
const maxPayloadSize = 25 << 20

var noIconsOutput = checks.Output{
	Title:   "No icon changes",
	Summary: "There are no changed icon files to render.",
}

func ignoredOutput(marker string) checks.Output {
	return checks.Output{
		Title:   "PR Ignored",
		Summary: fmt.Sprintf("This PR has `%s` in the title. Aborting.", marker),
	}
}

// PullRequestEvent represents the relevant fields from a GitHub
// pull_request webhook
type PullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int     `json:"number"`
		Title  *string `json:"title"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			SHA  string     `json:"sha"`
			Repo repository `json:"repo"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository   repository `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

type repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// FileLister lists the changed files of a pull request.
type FileLister interface {
	ListPullFiles(ctx context.Context, repo string, number int, installation int64) ([]job.FileChange, error)
}

// Server implements the webhook HTTP server
type Server struct {
	cfg    *config.Config
	checks checks.Client
	files  FileLister
	queue  job.Enqueuer
	logger *slog.Logger
	secret []byte
	marker string // case folded ignore marker
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, checkClient checks.Client, files FileLister, q job.Enqueuer, logger *slog.Logger) (*Server, error) {
	// Load webhook secret from file
	secret, err := os.ReadFile(cfg.GitHub.WebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.GitHub.WebhookSecretFile)
	}

	return &Server{
		cfg:    cfg,
		checks: checkClient,
		files:  files,
		queue:  q,
		logger: logger,
		secret: secret,
		marker: cases.Fold().String(cfg.Serve.IgnoreMarker),
	}, nil
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/payload", s.handleWebhook)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprintln(w, "ok")
	})
	images := http.StripPrefix("/images/", http.FileServer(noListing{http.Dir(s.cfg.Paths.ImagesDir)}))
	mux.Handle("/images/", images)
	mux.HandleFunc("/", s.handleWebhook)
	return mux
}

// Start serves on l until ctx is canceled.
func (s *Server) Start(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", l.Addr().String())
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// Only accept POST requests
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Check content type
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	// Read body
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	// Verify signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType, "delivery", r.Header.Get("X-GitHub-Delivery"))

	switch eventType {
	case "":
		http.Error(w, "Missing X-GitHub-Event header", http.StatusBadRequest)
		return
	case "ping":
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	case "pull_request":
	default:
		_, _ = fmt.Fprintf(w, "Not a pull request event\n")
		return
	}

	var event PullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isActionAllowed(event.Action) {
		s.logger.Info("ignoring pull request action", "action", event.Action)
		_, _ = fmt.Fprintf(w, "Action not handled\n")
		return
	}

	msg, err := s.handlePullRequest(r.Context(), &event)
	if err != nil {
		s.logger.Error("error handling event", "error", err)
		http.Error(w, "An error occurred while handling the event", http.StatusInternalServerError)
		return
	}
	_, _ = fmt.Fprintln(w, msg)
}

// handlePullRequest opens the check run and either skips it or queues a
// job. The job is durable once this returns without error.
func (s *Server) handlePullRequest(ctx context.Context, event *PullRequestEvent) (string, error) {
	pr := event.PullRequest
	repo := pr.Base.Repo
	if repo.FullName == "" {
		repo = event.Repository
	}
	number := pr.Number
	if number == 0 {
		number = event.Number
	}
	if repo.FullName == "" || pr.Head.SHA == "" || number == 0 {
		return "", fmt.Errorf("pull request event is missing repository, head or number")
	}
	if pr.Title == nil {
		return "", fmt.Errorf("PR title is missing")
	}

	logger := s.logger.With("repo", repo.FullName, "pr", number)

	run, err := s.checks.Create(ctx, repo.FullName, pr.Head.SHA, event.Installation.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create check run: %w", err)
	}
	logger = logger.With("check_run", run.ID)

	if s.isIgnored(*pr.Title) {
		logger.Info("pull request opted out", "title", *pr.Title)
		if err := s.checks.MarkSkipped(ctx, run, ignoredOutput(s.cfg.Serve.IgnoreMarker)); err != nil {
			return "", fmt.Errorf("failed to skip check run: %w", err)
		}
		return "PR ignored", nil
	}

	all, err := s.files.ListPullFiles(ctx, repo.FullName, number, event.Installation.ID)
	if err != nil {
		s.fail(ctx, logger, run, "Failed to list pull request files.")
		return "", fmt.Errorf("failed to list pull request files: %w", err)
	}
	files := s.iconFiles(all)
	if len(files) == 0 {
		logger.Info("no icon changes")
		if err := s.checks.MarkSkipped(ctx, run, noIconsOutput); err != nil {
			return "", fmt.Errorf("failed to skip check run: %w", err)
		}
		return "No icon changes", nil
	}

	if err := s.checks.MarkQueued(ctx, run); err != nil {
		logger.Warn("failed to mark check run queued", "error", err)
	}

	owner, name := repo.Owner.Login, repo.Name
	if owner == "" || name == "" {
		owner, name, _ = strings.Cut(repo.FullName, "/")
	}
	env := job.NewGithub(job.Job{
		Repo:         job.Repo{Owner: owner, Name: name, CloneURL: repo.CloneURL},
		BaseSHA:      pr.Base.SHA,
		HeadSHA:      pr.Head.SHA,
		PullRequest:  number,
		Installation: event.Installation.ID,
		Files:        files,
		CheckRun:     run,
	})
	if err := job.Submit(ctx, s.queue, env); err != nil {
		s.fail(ctx, logger, run, "Failed to queue the render job.")
		return "", err
	}

	logger.Info("job queued", "job_id", env.ID, "files", len(files))
	return "Job queued", nil
}

func (s *Server) fail(ctx context.Context, logger *slog.Logger, run checks.Run, msg string) {
	if err := s.checks.MarkFailed(ctx, run, msg); err != nil {
		logger.Warn("failed to mark check run failed", "error", err)
	}
}

// iconFiles keeps changed files with a configured extension.
func (s *Server) iconFiles(files []job.FileChange) []job.FileChange {
	var out []job.FileChange
	for _, f := range files {
		if f.Status == job.StatusUnchanged {
			continue
		}
		ext := path.Ext(f.Filename)
		for _, want := range s.cfg.Serve.Extensions {
			if strings.EqualFold(ext, want) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// isIgnored reports whether title carries the opt-out marker, ignoring case.
func (s *Server) isIgnored(title string) bool {
	return s.marker != "" && strings.Contains(cases.Fold().String(title), s.marker)
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	// Compute expected signature
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isActionAllowed checks if the pull request action is in the allowed list
func (s *Server) isActionAllowed(action string) bool {
	for _, allowed := range s.cfg.Serve.AllowedActions {
		if action == allowed {
			return true
		}
	}
	return false
}

// noListing hides directory indexes of the image tree.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
