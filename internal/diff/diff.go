// Package diff classifies the states of two versions of an icon file and
// materializes render artifacts for the states that changed.
package diff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/icondiffd/internal/cache"
	"github.com/schaermu/icondiffd/internal/dmi"
	"github.com/schaermu/icondiffd/internal/render"
	"github.com/schaermu/icondiffd/internal/telemetry"
)

// Classification is the outcome for a file or a state.
type Classification int

const (
	Unchanged Classification = iota
	Added
	Deleted
	Modified
	Error
)

func (c Classification) String() string {
	switch c {
	case Added:
		return "ADDED"
	case Deleted:
		return "DELETED"
	case Modified:
		return "MODIFIED"
	case Error:
		return "ERROR"
	default:
		return "UNCHANGED"
	}
}

// Snapshot is one decoded version of an icon file.
type Snapshot struct {
	Commit string
	Path   string
	Hash   string // hex sha256 of the raw bytes
	Icon   *dmi.Icon
}

// NewSnapshot decodes data read from path at commit.
func NewSnapshot(commit, path string, data []byte) (*Snapshot, error) {
	icon, err := dmi.Decode(data)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return &Snapshot{
		Commit: commit,
		Path:   path,
		Hash:   hex.EncodeToString(sum[:]),
		Icon:   icon,
	}, nil
}

// Identity returns the cache identity of the snapshot.
func (s *Snapshot) Identity() cache.FileIdentity {
	return cache.FileIdentity{Commit: s.Commit, Path: s.Path, ContentHash: s.Hash}
}

// Row is one reportable outcome.
type Row struct {
	Key          dmi.StateKey
	Class        Classification
	Before       *cache.Entry
	After        *cache.Entry
	BeforeRecord string
	AfterRecord  string
	Note         string
}

// FileResult is the outcome for one changed file.
type FileResult struct {
	Class Classification
	Rows  []Row
	Note  string
}

// Side names which version of a file failed to load.
type Side string

const (
	SideBefore Side = "Before"
	SideAfter  Side = "After"
)

// ErrorResult is the result of a file whose before or after version could
// not be loaded.
func ErrorResult(side Side, err error) FileResult {
	return FileResult{
		Class: Error,
		Note:  fmt.Sprintf("%s icon render failed:\n%v", side, err),
	}
}

// Engine computes file diffs.
type Engine struct {
	cache  *cache.Cache
	limit  int
	logger *slog.Logger
}

// NewEngine creates an engine rendering through c with at most limit
// concurrent state evaluations per file. limit <= 0 uses the CPU count.
func NewEngine(c *cache.Cache, limit int, logger *slog.Logger) *Engine {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	return &Engine{cache: c, limit: limit, logger: logger}
}

type taskKind int

const (
	taskDeleted taskKind = iota
	taskAdded
	taskCompare
)

type task struct {
	kind taskKind
	key  dmi.StateKey
}

// Diff classifies every state of before and after. Either side may be nil.
// The only error returned is the context error when ctx ends first; state
// failures become ERROR rows.
func (e *Engine) Diff(ctx context.Context, scope cache.Scope, before, after *Snapshot) (FileResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "diff.file", attribute.String("path", snapshotPath(before, after)))
	defer span.End()

	var result FileResult
	var tasks []task
	switch {
	case before == nil && after == nil:
		return FileResult{Class: Unchanged}, nil
	case after == nil:
		result.Class = Deleted
		for _, k := range before.Icon.Metadata.Keys() {
			tasks = append(tasks, task{kind: taskDeleted, key: k})
		}
	case before == nil:
		result.Class = Added
		for _, k := range after.Icon.Metadata.Keys() {
			tasks = append(tasks, task{kind: taskAdded, key: k})
		}
	default:
		result.Class = Modified
		tasks = pairTasks(before.Icon.Metadata.Keys(), after.Icon.Metadata.Keys())
	}

	rows := make([]*Row, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for i, t := range tasks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row, err := e.evaluate(gctx, scope, before, after, t)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return FileResult{}, err
	}

	for _, r := range rows {
		if r != nil {
			result.Rows = append(result.Rows, *r)
		}
	}
	if result.Class == Modified && len(result.Rows) == 0 {
		result.Class = Unchanged
	}
	span.SetAttributes(
		attribute.String("classification", result.Class.String()),
		attribute.Int("rows", len(result.Rows)),
	)
	return result, nil
}

// pairTasks matches keys by identity: keys only in before are deletions,
// keys only in after are additions and shared keys need a comparison.
func pairTasks(before, after []dmi.StateKey) []task {
	inAfter := make(map[dmi.StateKey]bool, len(after))
	for _, k := range after {
		inAfter[k] = true
	}
	inBefore := make(map[dmi.StateKey]bool, len(before))
	tasks := make([]task, 0, len(before)+len(after))
	for _, k := range before {
		inBefore[k] = true
		if inAfter[k] {
			tasks = append(tasks, task{kind: taskCompare, key: k})
		} else {
			tasks = append(tasks, task{kind: taskDeleted, key: k})
		}
	}
	for _, k := range after {
		if !inBefore[k] {
			tasks = append(tasks, task{kind: taskAdded, key: k})
		}
	}
	return tasks
}

// evaluate produces the row of one task, or nil when the state is dropped.
// Only context errors are returned; everything else becomes an ERROR row.
func (e *Engine) evaluate(ctx context.Context, scope cache.Scope, before, after *Snapshot, t task) (row *Row, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while diffing state", "path", snapshotPath(before, after), "state", t.key.String(), "panic", r)
			row = &Row{Key: t.key, Class: Error, Note: fmt.Sprintf("panic: %v", r)}
			err = nil
		}
	}()

	switch t.kind {
	case taskDeleted:
		entry, rec, err := e.materialize(ctx, scope, before, t.key)
		if err != nil {
			return e.failed(ctx, before, t.key, err)
		}
		return &Row{Key: t.key, Class: Deleted, Before: entry, BeforeRecord: rec}, nil

	case taskAdded:
		entry, rec, err := e.materialize(ctx, scope, after, t.key)
		if err != nil {
			return e.failed(ctx, after, t.key, err)
		}
		return &Row{Key: t.key, Class: Added, After: entry, AfterRecord: rec}, nil

	default:
		return e.compare(ctx, scope, before, after, t.key)
	}
}

func (e *Engine) compare(ctx context.Context, scope cache.Scope, before, after *Snapshot, key dmi.StateKey) (*Row, error) {
	bs, _, _ := before.Icon.Metadata.Lookup(key)
	as, _, _ := after.Icon.Metadata.Lookup(key)
	bRec, aRec := bs.Record(), as.Record()

	changed, err := differs(ctx, before.Icon, after.Icon, key, bRec == aRec)
	if err != nil {
		return e.failed(ctx, after, key, err)
	}
	if !changed {
		return nil, nil
	}

	bEntry, _, err := e.materialize(ctx, scope, before, key)
	if err != nil {
		return e.failed(ctx, before, key, err)
	}
	aEntry, _, err := e.materialize(ctx, scope, after, key)
	if err != nil {
		return e.failed(ctx, after, key, err)
	}
	return &Row{
		Key:          key,
		Class:        Modified,
		Before:       bEntry,
		After:        aEntry,
		BeforeRecord: bRec,
		AfterRecord:  aRec,
	}, nil
}

// differs reports whether the state looks different on both sides. With
// equal records the raw sheet cells are compared; otherwise the composed
// frames are.
func differs(ctx context.Context, before, after *dmi.Icon, key dmi.StateKey, sameRecord bool) (bool, error) {
	if sameRecord {
		same, err := render.SameCells(ctx, before, after, key)
		return !same, err
	}
	bf, err := render.New(before).Frames(ctx, key)
	if err != nil {
		return false, err
	}
	af, err := render.New(after).Frames(ctx, key)
	if err != nil {
		return false, err
	}
	return !render.SamePixels(bf, af), nil
}

func (e *Engine) materialize(ctx context.Context, scope cache.Scope, snap *Snapshot, key dmi.StateKey) (*cache.Entry, string, error) {
	s, _, ok := snap.Icon.Metadata.Lookup(key)
	if !ok {
		return nil, "", &render.Error{Key: key, Err: fmt.Errorf("state missing from %s", snap.Path)}
	}
	r := render.New(snap.Icon)
	kind, err := r.Kind(key)
	if err != nil {
		return nil, "", err
	}
	fp := cache.Fingerprint(snap.Identity(), key)
	entry, err := e.cache.GetOrRender(ctx, scope, fp, kind, func(w io.Writer) error {
		_, err := r.RenderTo(ctx, w, key)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return &entry, s.Record(), nil
}

// failed turns a state failure into an ERROR row unless ctx has ended.
func (e *Engine) failed(ctx context.Context, snap *Snapshot, key dmi.StateKey, err error) (*Row, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	e.logger.Warn("failed to render state", "path", snap.Path, "commit", snap.Commit, "state", key.String(), "error", err)
	return &Row{Key: key, Class: Error, Note: err.Error()}, nil
}

func snapshotPath(before, after *Snapshot) string {
	if after != nil {
		return after.Path
	}
	if before != nil {
		return before.Path
	}
	return ""
}
