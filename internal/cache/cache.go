// Package cache stores rendered states under content fingerprints so that
// repeated or concurrent renders of the same state reuse one file.
package cache

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/schaermu/icondiffd/internal/dmi"
	"github.com/schaermu/icondiffd/internal/render"
)

// Scope partitions the cache per installation and pull request.
type Scope struct {
	Installation int64
	PullRequest  int
}

// Prefix is the relative directory of the scope, shared by the on-disk
// layout and the advertised URL.
func (s Scope) Prefix() string {
	return path.Join(strconv.FormatInt(s.Installation, 10), strconv.Itoa(s.PullRequest))
}

// FileIdentity names the exact file contents a state was read from.
type FileIdentity struct {
	Commit      string
	Path        string
	ContentHash string
}

// Entry is a stored artifact.
type Entry struct {
	Path    string // absolute file path
	RelPath string // path below the images root, slash separated
	URL     string
	Kind    render.Kind
	Reused  bool // true when the file already existed
}

// Mirror receives a copy of every newly written artifact.
type Mirror interface {
	Put(ctx context.Context, relPath, localPath, contentType string) error
}

// RenderFunc writes the encoded artifact to w.
type RenderFunc func(w io.Writer) error

// Cache maps fingerprints to files below root.
type Cache struct {
	root    string
	baseURL string
	mirror  Mirror
	logger  *slog.Logger
	group   singleflight.Group
}

// New creates a cache writing below root and advertising files below
// baseURL. mirror may be nil.
func New(root, baseURL string, mirror Mirror, logger *slog.Logger) *Cache {
	return &Cache{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		mirror:  mirror,
		logger:  logger,
	}
}

// Root returns the directory artifacts are written below.
func (c *Cache) Root() string {
	return c.root
}

// Fingerprint derives the artifact name of one state of one file version.
func Fingerprint(id FileIdentity, key dmi.StateKey) string {
	h := sha256.New()
	for _, field := range []string{id.Commit, id.Path, id.ContentHash, strconv.Itoa(key.Dup), key.Name} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

// RelPath returns the slash separated location of an artifact below the
// images root.
func RelPath(scope Scope, fingerprint string, kind render.Kind) string {
	return path.Join(scope.Prefix(), fingerprint+"."+kind.Ext())
}

// URL returns the advertised address of a relative artifact path.
func (c *Cache) URL(rel string) string {
	return c.baseURL + "/" + rel
}

// GetOrRender returns the artifact for fingerprint, calling fn only when no
// file exists yet. The returned file is complete and synced to disk.
func (c *Cache) GetOrRender(ctx context.Context, scope Scope, fingerprint string, kind render.Kind, fn RenderFunc) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	rel := RelPath(scope, fingerprint, kind)
	entry := Entry{
		Path:    filepath.Join(c.root, filepath.FromSlash(rel)),
		RelPath: rel,
		URL:     c.URL(rel),
		Kind:    kind,
	}

	if exists(entry.Path) {
		entry.Reused = true
		return entry, nil
	}

	v, err, shared := c.group.Do(entry.Path, func() (any, error) {
		if exists(entry.Path) {
			return true, nil
		}
		if err := c.write(entry.Path, fn); err != nil {
			return false, err
		}
		c.mirrorEntry(ctx, entry)
		return false, nil
	})
	if err != nil {
		return Entry{}, err
	}
	entry.Reused = v.(bool) || shared
	return entry, nil
}

func (c *Cache) write(dst string, fn RenderFunc) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".render-*")
	if err != nil {
		return &IOError{Op: "create", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // no-op after a successful rename

	bw := bufio.NewWriter(tmp)
	if err := fn(bw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "sync", Path: tmpPath, Err: err}
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return &IOError{Op: "chmod", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return &IOError{Op: "rename", Path: dst, Err: err}
	}
	return nil
}

func (c *Cache) mirrorEntry(ctx context.Context, e Entry) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Put(ctx, e.RelPath, e.Path, e.Kind.ContentType()); err != nil {
		c.logger.Warn("failed to mirror artifact", "path", e.RelPath, "error", err)
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// IOError is a filesystem failure while storing an artifact.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// IsIOError reports whether err is or wraps an *IOError.
func IsIOError(err error) bool {
	var ioe *IOError
	return errors.As(err, &ioe)
}
