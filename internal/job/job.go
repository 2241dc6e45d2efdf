// Package job defines the work items carried by the durable queue.
package job

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/schaermu/icondiffd/internal/checks"
)

// Kind tells the runner how to handle an envelope.
type Kind string

const (
	KindGithub  Kind = "github"
	KindCleanup Kind = "cleanup"
)

// Repo identifies the repository a pull request targets.
type Repo struct {
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	CloneURL string `json:"clone_url,omitempty"`
}

// FullName returns owner/name.
func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// File statuses reported for pull request files.
const (
	StatusAdded     = "added"
	StatusRemoved   = "removed"
	StatusModified  = "modified"
	StatusRenamed   = "renamed"
	StatusCopied    = "copied"
	StatusChanged   = "changed"
	StatusUnchanged = "unchanged"
)

// FileChange is one changed file of a pull request.
type FileChange struct {
	Filename         string `json:"filename"`
	Status           string `json:"status"`
	PreviousFilename string `json:"previous_filename,omitempty"`
}

// Job is one pull request to render.
type Job struct {
	Repo         Repo         `json:"repo"`
	BaseSHA      string       `json:"base_sha"`
	HeadSHA      string       `json:"head_sha"`
	PullRequest  int          `json:"pull_request"`
	Installation int64        `json:"installation"`
	Files        []FileChange `json:"files"`
	CheckRun     checks.Run   `json:"check_run"`
}

// Side locates one version of a file.
type Side struct {
	Commit string
	Path   string
}

// Sides maps a file status to the versions to compare. A nil side does
// not exist: added files have no before, removed files no after.
func (j *Job) Sides(f FileChange) (before, after *Side) {
	head := &Side{Commit: j.HeadSHA, Path: f.Filename}
	switch f.Status {
	case StatusAdded:
		return nil, head
	case StatusRemoved:
		return &Side{Commit: j.BaseSHA, Path: f.Filename}, nil
	case StatusRenamed, StatusCopied:
		prev := f.PreviousFilename
		if prev == "" {
			prev = f.Filename
		}
		return &Side{Commit: j.BaseSHA, Path: prev}, head
	case StatusModified, StatusChanged:
		return &Side{Commit: j.BaseSHA, Path: f.Filename}, head
	default:
		return nil, nil
	}
}

// Envelope is the queued form of a job.
type Envelope struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Job       *Job      `json:"job,omitempty"`
}

// NewGithub wraps a pull request job.
func NewGithub(j Job) Envelope {
	return Envelope{ID: uuid.NewString(), Kind: KindGithub, CreatedAt: time.Now().UTC(), Job: &j}
}

// NewCleanup creates a maintenance envelope.
func NewCleanup() Envelope {
	return Envelope{ID: uuid.NewString(), Kind: KindCleanup, CreatedAt: time.Now().UTC()}
}

// Encode serializes an envelope for the queue.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Enqueuer is the durable queue as seen by producers.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload []byte) (string, error)
}

// Submit encodes e and appends it to q. The envelope is durable once Submit
// returns without error.
func Submit(ctx context.Context, q Enqueuer, e Envelope) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if _, err := q.Enqueue(ctx, string(e.Kind), data); err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", e.Kind, err)
	}
	return nil
}

//go:embed envelope.schema.json
var envelopeSchema string

var schemaLoader = gojsonschema.NewStringLoader(envelopeSchema)

// ValidationError lists the schema violations of a payload.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid envelope: " + strings.Join(e.Problems, "; ")
}

// Decode validates data against the envelope schema and parses it.
func Decode(data []byte) (Envelope, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to validate envelope: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return Envelope{}, &ValidationError{Problems: problems}
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e, nil
}
