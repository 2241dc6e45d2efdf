// Package github talks to the GitHub REST API: check runs and pull request
// files.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gh "github.com/google/go-github/v66/github"

	"github.com/schaermu/icondiffd/internal/checks"
	"github.com/schaermu/icondiffd/internal/job"
)

const (
	// DefaultBaseURL is the public GitHub API.
	DefaultBaseURL = "https://api.github.com"

	filesPerPage = 100
	// GitHub lists at most 3000 files of a pull request.
	maxFilePages = 30

	requestTimeout = 30 * time.Second
)

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Options selects the API endpoint and how the client authenticates.
// With AppID and PrivateKeyFile set the client acts as a GitHub App and
// mints one installation token per installation; otherwise every request
// carries the token in TokenFile.
type Options struct {
	BaseURL        string
	AppID          int64
	PrivateKeyFile string
	TokenFile      string
	CheckName      string
}

// Client is a GitHub API client. It implements checks.Client.
type Client struct {
	baseURL   *url.URL
	checkName string
	logger    *slog.Logger

	// app mode
	apps          *ghinstallation.AppsTransport
	mu            sync.Mutex
	installations map[int64]*gh.Client

	// token mode
	static *gh.Client
}

// NewClient creates a client. In token mode the token file is read on
// every request so rotated tokens are picked up without a restart.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid github api url %q: %w", base, err)
	}

	c := &Client{
		baseURL:       u,
		checkName:     opts.CheckName,
		logger:        logger,
		installations: make(map[int64]*gh.Client),
	}
	if opts.AppID != 0 {
		apps, err := ghinstallation.NewAppsTransportKeyFromFile(http.DefaultTransport, opts.AppID, opts.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load github app key: %w", err)
		}
		apps.BaseURL = strings.TrimRight(base, "/")
		c.apps = apps
		return c, nil
	}
	c.static = c.newAPI(&tokenTransport{file: opts.TokenFile, base: http.DefaultTransport})
	return c, nil
}

func (c *Client) newAPI(tr http.RoundTripper) *gh.Client {
	api := gh.NewClient(&http.Client{Transport: tr, Timeout: requestTimeout})
	api.BaseURL = c.baseURL
	return api
}

// api returns the client acting for installation.
func (c *Client) api(installation int64) (*gh.Client, error) {
	if c.apps == nil {
		return c.static, nil
	}
	if installation == 0 {
		return nil, errors.New("github app requests need an installation id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if api, ok := c.installations[installation]; ok {
		return api, nil
	}
	api := c.newAPI(ghinstallation.NewFromAppsTransport(c.apps, installation))
	c.installations[installation] = api
	return api, nil
}

// tokenTransport authenticates with the token stored in file.
type tokenTransport struct {
	file string
	base http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.file == "" {
		return t.base.RoundTrip(req)
	}
	data, err := os.ReadFile(t.file)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(data)))
	return t.base.RoundTrip(req)
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository name %q", repo)
	}
	return owner, name, nil
}

func apiError(method, path string, err error) error {
	var resp *gh.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		return &APIError{Method: method, Path: path, StatusCode: resp.Response.StatusCode, Message: resp.Message}
	}
	return fmt.Errorf("github %s %s: %w", method, path, err)
}

// Create opens a new check run on headSHA.
func (c *Client) Create(ctx context.Context, repo, headSHA string, installation int64) (checks.Run, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return checks.Run{}, err
	}
	api, err := c.api(installation)
	if err != nil {
		return checks.Run{}, err
	}
	created, _, err := api.Checks.CreateCheckRun(ctx, owner, name, gh.CreateCheckRunOptions{
		Name:    c.checkName,
		HeadSHA: headSHA,
	})
	if err != nil {
		return checks.Run{}, apiError(http.MethodPost, "/repos/"+repo+"/check-runs", err)
	}
	return checks.Run{ID: created.GetID(), Repo: repo, HeadSHA: headSHA, Installation: installation}, nil
}

func (c *Client) update(ctx context.Context, run checks.Run, opts gh.UpdateCheckRunOptions) error {
	owner, name, err := splitRepo(run.Repo)
	if err != nil {
		return err
	}
	api, err := c.api(run.Installation)
	if err != nil {
		return err
	}
	opts.Name = c.checkName
	if _, _, err := api.Checks.UpdateCheckRun(ctx, owner, name, run.ID, opts); err != nil {
		return apiError(http.MethodPatch, fmt.Sprintf("/repos/%s/check-runs/%d", run.Repo, run.ID), err)
	}
	return nil
}

func (c *Client) complete(ctx context.Context, run checks.Run, conclusion string, out checks.Output) error {
	return c.update(ctx, run, gh.UpdateCheckRunOptions{
		Status:      gh.String("completed"),
		Conclusion:  gh.String(conclusion),
		CompletedAt: &gh.Timestamp{Time: time.Now().UTC()},
		Output: &gh.CheckRunOutput{
			Title:   gh.String(out.Title),
			Summary: gh.String(out.Summary),
			Text:    gh.String(out.Text),
		},
	})
}

func (c *Client) MarkQueued(ctx context.Context, run checks.Run) error {
	return c.update(ctx, run, gh.UpdateCheckRunOptions{Status: gh.String("queued")})
}

func (c *Client) MarkStarted(ctx context.Context, run checks.Run) error {
	return c.update(ctx, run, gh.UpdateCheckRunOptions{Status: gh.String("in_progress")})
}

func (c *Client) MarkSkipped(ctx context.Context, run checks.Run, out checks.Output) error {
	return c.complete(ctx, run, "skipped", out)
}

func (c *Client) MarkFailed(ctx context.Context, run checks.Run, message string) error {
	return c.complete(ctx, run, "failure", checks.FailureOutput(message))
}

func (c *Client) MarkSucceeded(ctx context.Context, run checks.Run, out checks.Output) error {
	return c.complete(ctx, run, "success", out)
}

// ListPullFiles returns every changed file of a pull request.
func (c *Client) ListPullFiles(ctx context.Context, repo string, number int, installation int64) ([]job.FileChange, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	api, err := c.api(installation)
	if err != nil {
		return nil, err
	}

	var files []job.FileChange
	opts := &gh.ListOptions{PerPage: filesPerPage, Page: 1}
	for pages := 0; pages < maxFilePages; pages++ {
		batch, resp, err := api.PullRequests.ListFiles(ctx, owner, name, number, opts)
		if err != nil {
			return nil, apiError(http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d/files", repo, number), err)
		}
		for _, f := range batch {
			files = append(files, job.FileChange{
				Filename:         f.GetFilename(),
				Status:           f.GetStatus(),
				PreviousFilename: f.GetPreviousFilename(),
			})
		}
		if resp.NextPage == 0 {
			return files, nil
		}
		opts.Page = resp.NextPage
	}
	c.logger.Warn("pull request file list truncated", "repo", repo, "pr", number, "files", len(files))
	return files, nil
}
