package storage

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu           sync.Mutex
	bucketExists bool
	requests     []string
	contentTypes map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodHead && len(segments) == 1:
		if !f.bucketExists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && len(segments) == 1:
		f.bucketExists = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		f.contentTypes[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newFake(t *testing.T, exists bool) (*fakeS3, Options) {
	t.Helper()
	fake := &fakeS3{bucketExists: exists, contentTypes: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, Options{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "icons",
		Region:    "us-east-1",
		Prefix:    "/previews/",
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewMinio_RequiresEndpoint(t *testing.T) {
	_, err := NewMinio(context.Background(), Options{}, discard())
	require.Error(t, err)
}

func TestNewMinio_CreatesMissingBucket(t *testing.T) {
	fake, opts := newFake(t, false)

	_, err := NewMinio(context.Background(), opts, discard())
	require.NoError(t, err)

	assert.Contains(t, fake.requests, "HEAD /icons/")
	assert.Contains(t, fake.requests, "PUT /icons/")
	assert.True(t, fake.bucketExists)
}

func TestNewMinio_ExistingBucket(t *testing.T) {
	fake, opts := newFake(t, true)

	_, err := NewMinio(context.Background(), opts, discard())
	require.NoError(t, err)
	assert.NotContains(t, fake.requests, "PUT /icons/")
}

func TestPut(t *testing.T) {
	fake, opts := newFake(t, true)
	m, err := NewMinio(context.Background(), opts, discard())
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(local, []byte("png"), 0o644))

	require.NoError(t, m.Put(context.Background(), "3/4/fp.png", local, "image/png"))
	assert.Equal(t, "image/png", fake.contentTypes["/icons/previews/3/4/fp.png"])
}

func TestObjectName(t *testing.T) {
	m := &Minio{}
	assert.Equal(t, "1/2/x.gif", m.ObjectName("1/2/x.gif"))

	m.prefix = "previews"
	assert.Equal(t, "previews/1/2/x.gif", m.ObjectName("1/2/x.gif"))
}
