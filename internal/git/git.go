package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Client provides access to bare repository mirrors.
type Client interface {
	// Sync clones the mirror if needed and fetches until every commit is
	// present.
	Sync(ctx context.Context, url, dir string, commits ...string) error
	// ReadFile returns the contents of path at commit.
	ReadFile(ctx context.Context, dir, commit, path string) ([]byte, error)
	// Compact runs git gc inside dir.
	Compact(ctx context.Context, dir string) error
}

// fetchRefspecs mirrors branches and pull request heads, so commits of
// pull requests from forks are reachable in the base repository mirror.
var fetchRefspecs = []string{
	"+refs/heads/*:refs/heads/*",
	"+refs/pull/*/head:refs/pull/*/head",
}

// MirrorDir returns the mirror location of owner/name below root.
func MirrorDir(root, owner, name string) (string, error) {
	for _, part := range []string{owner, name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("invalid repository name %q", owner+"/"+name)
		}
	}
	return filepath.Join(root, owner, name), nil
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		locks:          make(map[string]*sync.Mutex),
	}
}

// lock serializes writers of one mirror inside this process.
func (c *ShellClient) lock(dir string) func() {
	c.mu.Lock()
	l, ok := c.locks[dir]
	if !ok {
		l = &sync.Mutex{}
		c.locks[dir] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Sync clones url into dir as a bare repository on first use and fetches
// when any of commits is missing.
func (c *ShellClient) Sync(ctx context.Context, url, dir string, commits ...string) error {
	unlock := c.lock(dir)
	defer unlock()

	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		cmd := exec.CommandContext(ctx, "git", "clone", "--bare", "--quiet", url, dir)
		if err := c.configureAuth(cmd, url); err != nil {
			return err
		}
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git clone failed: %w", err)
		}
	}

	missing := c.missing(ctx, dir, commits)
	if len(missing) == 0 {
		return nil
	}

	args := append([]string{"git", "-C", dir, "fetch", "--quiet", url}, fetchRefspecs...)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}

	// Commits outside any advertised ref can still be fetched by hash from
	// servers that allow it.
	missing = c.missing(ctx, dir, missing)
	if len(missing) == 0 {
		return nil
	}
	args = append([]string{"git", "-C", dir, "fetch", "--quiet", url}, missing...)
	cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("commits %s not found in %s: %w", strings.Join(missing, ", "), url, err)
	}
	return nil
}

func (c *ShellClient) missing(ctx context.Context, dir string, commits []string) []string {
	var out []string
	for _, sha := range commits {
		cmd := exec.CommandContext(ctx, "git", "-C", dir, "cat-file", "-e", sha+"^{commit}")
		if err := cmd.Run(); err != nil {
			out = append(out, sha)
		}
	}
	return out
}

// ErrNotFound is returned by ReadFile when path does not exist at commit.
var ErrNotFound = errors.New("file not found")

// ReadFile returns the blob at commit:path.
func (c *ShellClient) ReadFile(ctx context.Context, dir, commit, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "cat-file", "blob", commit+":"+path)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "does not exist") || strings.Contains(msg, "Not a valid object name") || strings.Contains(msg, "not a valid") {
			return nil, fmt.Errorf("%s at %s: %w", path, commit, ErrNotFound)
		}
		return nil, fmt.Errorf("git cat-file failed for %s at %s: %w: %s", path, commit, err, msg)
	}
	return out, nil
}

// Compact runs git gc with dir as the working directory.
func (c *ShellClient) Compact(ctx context.Context, dir string) error {
	unlock := c.lock(dir)
	defer unlock()

	cmd := exec.CommandContext(ctx, "git", "gc", "--quiet")
	cmd.Dir = dir
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git gc failed in %s: %w", dir, err)
	}
	return nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels in the environment and a credential helper
		// echoes it, so it never appears in the process arguments.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "ICONDIFFD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$ICONDIFFD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
