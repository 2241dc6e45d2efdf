package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// ErrTimeout is reported when a unit of work exceeds its ceiling.
var ErrTimeout = errors.New("timed out")

// IsTimeout reports whether err is or wraps ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// unknownPanic is reported for a crash whose value carries no message.
const unknownPanic = "*crickets*"

// CrashError is an abnormal termination of isolated work.
type CrashError struct {
	Diagnostic string
	Stack      []byte
}

func (e *CrashError) Error() string {
	return e.Diagnostic
}

// IsCrash reports whether err is or wraps a *CrashError.
func IsCrash(err error) bool {
	var ce *CrashError
	return errors.As(err, &ce)
}

// Kind tells how isolated work ended.
type Kind int

const (
	OK Kind = iota
	Failed
	Crashed
	TimedOut
	Canceled
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Failed:
		return "failed"
	case Crashed:
		return "crashed"
	case TimedOut:
		return "timed out"
	default:
		return "canceled"
	}
}

// Outcome is the result of Isolate. Err is set unless Kind is OK.
type Outcome[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// Isolate runs fn on its own goroutine under timeout. A panic in fn is
// recovered into a Crashed outcome. When the timeout expires or ctx ends
// first, fn's context is canceled and Isolate returns without waiting for
// it. A non-positive timeout means no ceiling.
func Isolate[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) Outcome[T] {
	parent := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan Outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Outcome[T]{Kind: Crashed, Err: &CrashError{Diagnostic: diagnostic(r), Stack: debug.Stack()}}
			}
		}()
		v, err := fn(ctx)
		if err != nil {
			done <- Outcome[T]{Kind: Failed, Value: v, Err: err}
			return
		}
		done <- Outcome[T]{Kind: OK, Value: v}
	}()

	select {
	case out := <-done:
		// Work that gave up because of the ceiling is still a timeout.
		if out.Kind == Failed && ctx.Err() != nil {
			return stopped[T](parent, timeout)
		}
		return out
	case <-ctx.Done():
		return stopped[T](parent, timeout)
	}
}

func stopped[T any](parent context.Context, timeout time.Duration) Outcome[T] {
	if err := parent.Err(); err != nil {
		return Outcome[T]{Kind: Canceled, Err: err}
	}
	return Outcome[T]{Kind: TimedOut, Err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
}

func diagnostic(r any) string {
	switch v := r.(type) {
	case string:
		if v != "" {
			return v
		}
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	}
	return unknownPanic
}
