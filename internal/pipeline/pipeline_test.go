package pipeline

import (
	"context"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/icondiffd/internal/cache"
	"github.com/schaermu/icondiffd/internal/diff"
	"github.com/schaermu/icondiffd/internal/git"
	"github.com/schaermu/icondiffd/internal/job"
	"github.com/schaermu/icondiffd/internal/report"
	"github.com/schaermu/icondiffd/internal/testutil"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProcessor(t *testing.T, src Source) (*Processor, string) {
	t.Helper()
	root := t.TempDir()
	c := cache.New(root, "https://bot.example/images", nil, discard())
	return NewProcessor(src, diff.NewEngine(c, 2, discard()), 2, discard()), root
}

func state(name string, c color.NRGBA) testutil.State {
	return testutil.State{Name: name, Colors: []color.NRGBA{c}}
}

type fileSummary struct {
	Name  string
	Class diff.Classification
	Rows  []string
}

func summarize(r report.Report) []fileSummary {
	out := make([]fileSummary, len(r.Files))
	for i, f := range r.Files {
		out[i] = fileSummary{Name: f.Name, Class: f.Class}
		for _, row := range f.Rows {
			out[i].Rows = append(out[i].Rows, row.Key.String()+" "+row.Class.String())
		}
	}
	return out
}

func TestProcess_GitRepository(t *testing.T) {
	remote := t.TempDir()
	testutil.InitRepo(t, remote)
	base := testutil.Commit(t, remote, map[string][]byte{
		"icons/broken.dmi": []byte("definitely not a png"),
		"icons/mob.dmi":    testutil.IconBytes(t, state("idle", testutil.Red), state("walk", testutil.Red)),
		"icons/old.dmi":    testutil.IconBytes(t, state("gone", testutil.Red)),
	}, "base")
	head := testutil.Commit(t, remote, map[string][]byte{
		"icons/broken.dmi": testutil.IconBytes(t, state("fixed", testutil.Red)),
		"icons/mob.dmi":    testutil.IconBytes(t, state("idle", testutil.Red), state("walk", testutil.Green), state("run", testutil.Blue)),
		"icons/old.dmi":    nil,
		"icons/new.dmi":    testutil.IconBytes(t, state("fresh", testutil.White)),
	}, "head")

	reposDir := t.TempDir()
	p, imagesDir := newProcessor(t, NewGitSource(git.NewShellClient("", ""), reposDir))
	j := &job.Job{
		Repo:         job.Repo{Owner: "o", Name: "r", CloneURL: remote},
		BaseSHA:      base,
		HeadSHA:      head,
		PullRequest:  9,
		Installation: 4,
		Files: []job.FileChange{
			{Filename: "icons/broken.dmi", Status: job.StatusModified},
			{Filename: "icons/mob.dmi", Status: job.StatusModified},
			{Filename: "icons/old.dmi", Status: job.StatusRemoved},
			{Filename: "icons/new.dmi", Status: job.StatusAdded},
		},
	}

	rep, err := p.Process(context.Background(), j)
	require.NoError(t, err)

	assert.Equal(t, []fileSummary{
		{Name: "icons/broken.dmi", Class: diff.Error},
		{Name: "icons/mob.dmi", Class: diff.Modified, Rows: []string{"run (0) ADDED", "walk (0) MODIFIED"}},
		{Name: "icons/old.dmi", Class: diff.Deleted, Rows: []string{"gone (0) DELETED"}},
		{Name: "icons/new.dmi", Class: diff.Added, Rows: []string{"fresh (0) ADDED"}},
	}, summarize(rep))
	assert.Contains(t, rep.Files[0].Note, "Before icon render failed:")

	_, err = os.Stat(filepath.Join(reposDir, "o", "r", "HEAD"))
	require.NoError(t, err, "mirror lives at <repos>/<owner>/<name>")

	added := rep.Files[3].Rows[0].After
	require.NotNil(t, added)
	assert.FileExists(t, filepath.Join(imagesDir, filepath.FromSlash(added.RelPath)))
}

type memSource struct {
	files      map[job.Side][]byte
	prepareErr error
}

func (m *memSource) Prepare(context.Context, *job.Job) error {
	return m.prepareErr
}

func (m *memSource) ReadFile(_ context.Context, _ *job.Job, side job.Side) ([]byte, error) {
	data, ok := m.files[side]
	if !ok {
		return nil, git.ErrNotFound
	}
	return data, nil
}

func TestProcess_AfterSideFailure(t *testing.T) {
	src := &memSource{files: map[job.Side][]byte{
		{Commit: "b", Path: "a.dmi"}: testutil.IconBytes(t, state("s", testutil.Red)),
		{Commit: "h", Path: "a.dmi"}: []byte("garbage"),
	}}
	p, _ := newProcessor(t, src)
	j := &job.Job{BaseSHA: "b", HeadSHA: "h", Files: []job.FileChange{{Filename: "a.dmi", Status: job.StatusModified}}}

	rep, err := p.Process(context.Background(), j)
	require.NoError(t, err)
	require.Len(t, rep.Files, 1)
	assert.Equal(t, diff.Error, rep.Files[0].Class)
	assert.Contains(t, rep.Files[0].Note, "After icon render failed:")
}

func TestProcess_RenamedFileReadsPreviousName(t *testing.T) {
	icon := testutil.IconBytes(t, state("s", testutil.Red))
	src := &memSource{files: map[job.Side][]byte{
		{Commit: "b", Path: "old.dmi"}: icon,
		{Commit: "h", Path: "new.dmi"}: icon,
	}}
	p, _ := newProcessor(t, src)
	j := &job.Job{BaseSHA: "b", HeadSHA: "h", Files: []job.FileChange{
		{Filename: "new.dmi", Status: job.StatusRenamed, PreviousFilename: "old.dmi"},
		{Filename: "same.dmi", Status: job.StatusUnchanged},
	}}

	rep, err := p.Process(context.Background(), j)
	require.NoError(t, err)
	require.Len(t, rep.Files, 2)
	assert.Equal(t, diff.Unchanged, rep.Files[0].Class)
	assert.Empty(t, rep.Files[0].Rows)
	assert.Equal(t, diff.Unchanged, rep.Files[1].Class)
}

func TestProcess_PrepareFailureFailsJob(t *testing.T) {
	boom := errors.New("clone failed")
	p, _ := newProcessor(t, &memSource{prepareErr: boom})
	_, err := p.Process(context.Background(), &job.Job{Files: []job.FileChange{{Filename: "a.dmi", Status: job.StatusAdded}}})
	require.ErrorIs(t, err, boom)
}

func TestProcess_Canceled(t *testing.T) {
	src := &memSource{files: map[job.Side][]byte{
		{Commit: "h", Path: "a.dmi"}: testutil.IconBytes(t, state("s", testutil.Red)),
	}}
	p, _ := newProcessor(t, src)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Process(ctx, &job.Job{HeadSHA: "h", Files: []job.FileChange{{Filename: "a.dmi", Status: job.StatusAdded}}})
	require.ErrorIs(t, err, context.Canceled)
}
