package strand

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrScopeClosed is returned by spawn operations targeting a scope that has
// already been cancelled or disposed. It is always synchronous and local:
// it never enters the failure propagation algorithm.
var ErrScopeClosed = errors.New("strand: scope is closed")

// ErrKeyExists is returned by [Context.Put] when the key is already present
// in the local mapping.
var ErrKeyExists = errors.New("strand: context key already exists")

// CancelError is the failure injected at a suspension point when a coroutine
// is cancelled. It is deliberately a distinct type from ordinary application
// failures so that "catch all task errors" code does not accidentally swallow
// cancellations: [IsTaskError] never matches a CancelError, and a cancelled
// coroutine finishing its unwind does not enter failure propagation.
//
// Cause carries the reason passed to Cancel, or nil for an unreasoned cancel.
type CancelError struct {
	Cause error
}

func (e *CancelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("strand: cancelled: %v", e.Cause)
	}
	return "strand: cancelled"
}

func (e *CancelError) Unwrap() error { return e.Cause }

// IsCancel reports whether err (or any error in its chain) is a [*CancelError].
func IsCancel(err error) bool {
	if err == nil {
		return false
	}
	var ce *CancelError
	return errors.As(err, &ce)
}

// StallInfo describes one coroutine that can never be resumed again,
// as reported by [*DeadlockError].
type StallInfo struct {
	Co          CoroutineInfo
	SuspendedAt Location
}

// DeadlockError is produced by the scheduler when no coroutine is ready, the
// reactor has no pending wait, and yet suspended coroutines remain. It names
// every stalled coroutine and its last suspend location, then graceful
// shutdown runs.
type DeadlockError struct {
	Stalled []StallInfo
}

func (e *DeadlockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "strand: deadlock: %d coroutine(s) suspended with no pending resumption:", len(e.Stalled))
	for _, st := range e.Stalled {
		fmt.Fprintf(&b, "\n\t%q spawned at %s, suspended at %s", st.Co.Name, st.Co.SpawnedAt, st.SuspendedAt)
	}
	return b.String()
}

// ZombieWarning is an advisory diagnostic, not a failure. It is emitted
// through the [WithOnWarning] hook when a scope is disposed while still
// owning a live coroutine that was never awaited. The coroutine keeps
// running under the zombie grace period and is force-cancelled if the
// period elapses.
type ZombieWarning struct {
	Co CoroutineInfo

	// At is the reactor clock reading at the moment the zombie was detected.
	At time.Time
}

func (w ZombieWarning) String() string {
	return fmt.Sprintf("strand: zombie coroutine %q (spawned at %s) outlived its scope", w.Co.Name, w.Co.SpawnedAt)
}
