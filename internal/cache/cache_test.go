package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/icondiffd/internal/dmi"
	"github.com/schaermu/icondiffd/internal/render"
)

func newTestCache(t *testing.T, mirror Mirror) *Cache {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(t.TempDir(), "https://example.com/images/", mirror, logger)
}

type recordingMirror struct {
	mu   sync.Mutex
	puts []string
	err  error
}

func (m *recordingMirror) Put(_ context.Context, rel, local, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, rel+" "+contentType)
	return m.err
}

func TestFingerprint(t *testing.T) {
	id := FileIdentity{Commit: "abc", Path: "icons/mob.dmi", ContentHash: "h1"}
	key := dmi.StateKey{Dup: 0, Name: "idle"}

	fp := Fingerprint(id, key)
	assert.Len(t, fp, 40)
	assert.Equal(t, fp, Fingerprint(id, key), "fingerprint is deterministic")

	assert.NotEqual(t, fp, Fingerprint(id, dmi.StateKey{Dup: 1, Name: "idle"}))
	assert.NotEqual(t, fp, Fingerprint(FileIdentity{Commit: "abc", Path: "icons/mob.dmi", ContentHash: "h2"}, key))
	assert.NotEqual(t,
		Fingerprint(FileIdentity{Commit: "ab", Path: "c"}, key),
		Fingerprint(FileIdentity{Commit: "a", Path: "bc"}, key),
		"fields are length delimited")
}

func TestGetOrRender_Idempotent(t *testing.T) {
	c := newTestCache(t, nil)
	scope := Scope{Installation: 7, PullRequest: 42}
	var calls atomic.Int32
	fn := func(w io.Writer) error {
		calls.Add(1)
		_, err := w.Write([]byte("png-bytes"))
		return err
	}

	first, err := c.GetOrRender(context.Background(), scope, "fp1", render.KindPNG, fn)
	require.NoError(t, err)
	assert.False(t, first.Reused)

	second, err := c.GetOrRender(context.Background(), scope, "fp1", render.KindPNG, fn)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, int32(1), calls.Load(), "render function must not run twice")

	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, "7/42/fp1.png", first.RelPath)
	assert.Equal(t, "https://example.com/images/7/42/fp1.png", first.URL)
	assert.Equal(t, filepath.Join(c.Root(), "7", "42", "fp1.png"), first.Path)

	a, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	b, err := os.ReadFile(second.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), a)
	assert.Equal(t, a, b)
}

func TestGetOrRender_ConcurrentCallersRenderOnce(t *testing.T) {
	c := newTestCache(t, nil)
	scope := Scope{Installation: 1, PullRequest: 2}
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(w io.Writer) error {
		calls.Add(1)
		<-release
		_, err := w.Write([]byte("gif"))
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrRender(context.Background(), scope, "same", render.KindGIF, fn)
		}(i)
	}
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrRender_ScopesDoNotCollide(t *testing.T) {
	c := newTestCache(t, nil)
	write := func(s string) RenderFunc {
		return func(w io.Writer) error {
			_, err := io.WriteString(w, s)
			return err
		}
	}

	a, err := c.GetOrRender(context.Background(), Scope{1, 1}, "fp", render.KindPNG, write("one"))
	require.NoError(t, err)
	b, err := c.GetOrRender(context.Background(), Scope{1, 2}, "fp", render.KindPNG, write("two"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Path, b.Path)
	assert.False(t, b.Reused)
}

func TestGetOrRender_RenderFailureLeavesNoFile(t *testing.T) {
	c := newTestCache(t, nil)
	boom := errors.New("boom")
	scope := Scope{Installation: 1, PullRequest: 1}

	_, err := c.GetOrRender(context.Background(), scope, "fp", render.KindPNG, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, IsIOError(err))

	entries, err := os.ReadDir(filepath.Join(c.Root(), "1", "1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "neither the artifact nor the temp file may remain")

	var calls int
	_, err = c.GetOrRender(context.Background(), scope, "fp", render.KindPNG, func(w io.Writer) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a failed render is retried")
}

func TestGetOrRender_UnwritableRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, nil, 0o644))
	c := New(root, "http://x", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := c.GetOrRender(context.Background(), Scope{1, 1}, "fp", render.KindPNG, func(io.Writer) error { return nil })
	require.Error(t, err)
	assert.True(t, IsIOError(err))
}

func TestGetOrRender_MirrorsNewArtifactsOnly(t *testing.T) {
	m := &recordingMirror{err: errors.New("mirror down")}
	c := newTestCache(t, m)
	fn := func(w io.Writer) error { return nil }

	_, err := c.GetOrRender(context.Background(), Scope{3, 4}, "fp", render.KindGIF, fn)
	require.NoError(t, err, "mirror failures are not render failures")
	_, err = c.GetOrRender(context.Background(), Scope{3, 4}, "fp", render.KindGIF, fn)
	require.NoError(t, err)

	assert.Equal(t, []string{"3/4/fp.gif image/gif"}, m.puts)
}

func TestGetOrRender_CanceledContext(t *testing.T) {
	c := newTestCache(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetOrRender(ctx, Scope{1, 1}, "fp", render.KindPNG, func(io.Writer) error {
		t.Fatal("render must not run")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
