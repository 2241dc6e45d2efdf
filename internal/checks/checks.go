// Package checks models the check run a job reports its lifecycle to.
package checks

import (
	"context"
	"fmt"
)

// Status is the lifecycle state of a check run.
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusStarted   Status = "in_progress"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failure"
	StatusSucceeded Status = "success"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSkipped, StatusFailed, StatusSucceeded:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusCreated: {StatusQueued, StatusSkipped, StatusFailed},
	StatusQueued:  {StatusQueued, StatusStarted, StatusFailed, StatusSucceeded},
	StatusStarted: {StatusStarted, StatusFailed, StatusSucceeded},
}

// CanTransition reports whether a run in from may move to to. Re-posting
// queued or started is allowed so redelivered jobs can report again, and a
// queued run may finish directly since marking it started is best effort.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a transition the lifecycle forbids.
type TransitionError struct {
	Run  int64
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("check run %d: cannot move from %s to %s", e.Run, e.From, e.To)
}

// Run is a handle to one remote check run.
type Run struct {
	ID           int64  `json:"id"`
	Repo         string `json:"repo"` // owner/name
	HeadSHA      string `json:"head_sha"`
	Installation int64  `json:"installation"`
}

// Output is the user visible report attached to a run.
type Output struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Text    string `json:"text,omitempty"`
}

// Client drives check runs on the hosting platform.
type Client interface {
	Create(ctx context.Context, repo, headSHA string, installation int64) (Run, error)
	MarkQueued(ctx context.Context, run Run) error
	MarkStarted(ctx context.Context, run Run) error
	MarkSkipped(ctx context.Context, run Run, out Output) error
	MarkFailed(ctx context.Context, run Run, message string) error
	MarkSucceeded(ctx context.Context, run Run, out Output) error
}

// FailureOutput is the output posted with a failed run.
func FailureOutput(message string) Output {
	return Output{
		Title:   "Error",
		Summary: message,
	}
}
