package checks

import (
	"context"
	"fmt"
	"sync"
)

// Event is one transition recorded by Memory.
type Event struct {
	Run    int64
	Status Status
	Output Output
}

// Memory is an in-process Client. It enforces the lifecycle and keeps
// every transition, which makes it useful for local runs and tests.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	runs   map[int64]Status
	events []Event
	fail   map[Status]error
}

// NewMemory creates an empty recorder.
func NewMemory() *Memory {
	return &Memory{runs: make(map[int64]Status), fail: make(map[Status]error)}
}

// FailOn makes every transition to status return err. A nil err clears it.
func (m *Memory) FailOn(status Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, status)
		return
	}
	m.fail[status] = err
}

func (m *Memory) Create(_ context.Context, repo, headSHA string, installation int64) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[StatusCreated]; err != nil {
		return Run{}, err
	}
	m.nextID++
	run := Run{ID: m.nextID, Repo: repo, HeadSHA: headSHA, Installation: installation}
	m.runs[run.ID] = StatusCreated
	m.events = append(m.events, Event{Run: run.ID, Status: StatusCreated})
	return run, nil
}

func (m *Memory) MarkQueued(_ context.Context, run Run) error {
	return m.move(run, StatusQueued, Output{})
}

func (m *Memory) MarkStarted(_ context.Context, run Run) error {
	return m.move(run, StatusStarted, Output{})
}

func (m *Memory) MarkSkipped(_ context.Context, run Run, out Output) error {
	return m.move(run, StatusSkipped, out)
}

func (m *Memory) MarkFailed(_ context.Context, run Run, message string) error {
	return m.move(run, StatusFailed, FailureOutput(message))
}

func (m *Memory) MarkSucceeded(_ context.Context, run Run, out Output) error {
	return m.move(run, StatusSucceeded, out)
}

// Track registers a run created elsewhere, for example by a previous
// process, in the given status.
func (m *Memory) Track(run Run, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = status
	if run.ID > m.nextID {
		m.nextID = run.ID
	}
}

func (m *Memory) move(run Run, to Status, out Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[to]; err != nil {
		return err
	}
	from, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("check run %d: unknown", run.ID)
	}
	if !CanTransition(from, to) {
		return &TransitionError{Run: run.ID, From: from, To: to}
	}
	m.runs[run.ID] = to
	m.events = append(m.events, Event{Run: run.ID, Status: to, Output: out})
	return nil
}

// Status returns the current status of a run.
func (m *Memory) Status(id int64) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.runs[id]
	return s, ok
}

// Events returns the recorded transitions of a run in order.
func (m *Memory) Events(id int64) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Run == id {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent transition of a run.
func (m *Memory) Last(id int64) (Event, bool) {
	events := m.Events(id)
	if len(events) == 0 {
		return Event{}, false
	}
	return events[len(events)-1], true
}
