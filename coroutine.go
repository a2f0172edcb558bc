package strand

import (
	"fmt"
	"runtime"
	"time"
)

// State is the lifecycle state of a [Coroutine].
//
// Created → Running ⇄ Suspended → {Completed | Failed | Cancelled}
type State int

const (
	StateCreated State = iota
	StateRunning
	StateSuspended
	StateCompleted
	StateFailed
	StateCancelled
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool { return s >= StateCompleted }

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Location is a file/line position retained for diagnostics: the spawn site
// of every coroutine and its most recent suspension point.
type Location struct {
	File string
	Line int
}

func (l Location) String() string {
	if l.File == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

func callerLocation(skip int) Location {
	if _, file, line, ok := runtime.Caller(skip); ok {
		return Location{File: file, Line: line}
	}
	return Location{}
}

// CoroutineInfo is the identifying metadata of a coroutine, passed to hooks
// and embedded in [TaskError] and [ZombieWarning] for attribution.
type CoroutineInfo struct {
	ID        uint64
	Name      string
	SpawnedAt Location
}

// TaskFunc is the signature of a coroutine body. It runs cooperatively: it
// keeps the scheduler until it suspends (Suspend, Sleep, Await, WaitIO,
// Yield) or returns. The returned value becomes the coroutine's completion
// value; a non-nil error is an application failure routed through the
// propagation algorithm.
type TaskFunc func(co *Coroutine) (any, error)

// Outcome is a coroutine's immutable terminal result.
type Outcome struct {
	Value any
	Err   error
	State State
}

// outcome is the tagged result injected into a suspended coroutine when it
// resumes: a normal value or a failure (cancellation).
type outcome struct {
	val any
	err error
}

// Coroutine is a suspendable unit of sequential execution hosted on a parked
// goroutine. Exactly one coroutine body runs at a time; control transfers to
// the scheduler only at suspension points. A coroutine is owned by exactly
// one [Scope] for its whole lifetime.
type Coroutine struct {
	id    uint64
	name  string
	sched *Scheduler
	owner *Scope
	body  TaskFunc

	state    State
	explicit bool // spawned directly "with" a named scope
	zombie   bool
	awaited  bool
	started  bool
	finished bool
	queued   bool // sitting in the ready queue

	spawnedAt   Location
	suspendedAt Location

	gate      chan outcome
	pending   outcome
	resumedBy *Awaitable
	waitingOn []*Awaitable
	wait      WaitHandle // reactor wait currently parked on; 0 = none

	// Deferred cancellation for a coroutine that is currently running.
	// Delivered at its next suspension point.
	cancelPending *CancelError

	out       Outcome
	result    *Awaitable
	callbacks []func(Outcome)

	local      *Context
	implicit   *Scope
	graceTimer WaitHandle
}

// ID returns the coroutine's unique id.
func (co *Coroutine) ID() uint64 { return co.id }

// Name returns the name given at spawn time.
func (co *Coroutine) Name() string { return co.name }

// State returns the coroutine's current lifecycle state.
func (co *Coroutine) State() State { return co.state }

// Scope returns the owning scope. A coroutine never migrates between scopes.
func (co *Coroutine) Scope() *Scope { return co.owner }

// Info returns the coroutine's identifying metadata.
func (co *Coroutine) Info() CoroutineInfo {
	return CoroutineInfo{ID: co.id, Name: co.name, SpawnedAt: co.spawnedAt}
}

// Outcome returns the terminal result. Meaningful only once State().Terminal().
func (co *Coroutine) Outcome() Outcome { return co.out }

// Context returns the coroutine's local context, created lazily as a child
// of the owning scope's context.
func (co *Coroutine) Context() *Context {
	if co.local == nil {
		co.local = co.owner.Context().NewChild()
	}
	return co.local
}

// Result returns the awaitable that settles with the coroutine's outcome.
// Awaiting it makes the caller a responsibility point for the coroutine's
// failures.
func (co *Coroutine) Result() *Awaitable {
	if co.result == nil {
		co.result = &Awaitable{sched: co.sched, co: co}
		if co.finished {
			co.result.settle(co.out.Value, co.out.Err)
		}
	}
	return co.result
}

// OnCompletion registers a callback invoked once the coroutine reaches a
// terminal state and its outcome is recorded. Callbacks run in registration
// order with independent failure isolation: a panicking callback is reported
// to the owning scope but does not stop the remaining callbacks.
//
// Registering on an already-terminal coroutine runs the callback immediately.
func (co *Coroutine) OnCompletion(fn func(Outcome)) {
	if co.finished {
		co.sched.runCallback(co, fn)
		return
	}
	co.callbacks = append(co.callbacks, fn)
}

// Spawn starts a child coroutine without naming a scope. Per the ownership
// model it never lands in the spawner's own scope: it is attached to an
// implicit child scope of the owner, created on first use. This keeps a
// scope's direct children exactly the set spawned explicitly "with" it.
func (co *Coroutine) Spawn(name string, fn TaskFunc) (*Coroutine, error) {
	if co.implicit == nil || co.implicit.state != ScopeOpen {
		child, err := co.owner.newChild(co.name + ".tasks")
		if err != nil {
			return nil, err
		}
		co.implicit = child
	}
	return co.implicit.spawn(name, fn, false, callerLocation(2))
}

// Go is [Coroutine.Spawn] for bodies that produce no value.
func (co *Coroutine) Go(name string, fn func(co *Coroutine) error) (*Coroutine, error) {
	if co.implicit == nil || co.implicit.state != ScopeOpen {
		child, err := co.owner.newChild(co.name + ".tasks")
		if err != nil {
			return nil, err
		}
		co.implicit = child
	}
	return co.implicit.spawn(name, func(c *Coroutine) (any, error) { return nil, fn(c) }, false, callerLocation(2))
}

// Cancel requests cancellation. It is idempotent and cooperative:
//
//   - Created: the coroutine transitions straight to Cancelled and its body
//     never runs.
//   - Suspended: the coroutine is marked Cancelled and resumed with a
//     [*CancelError] injected at the suspension point so the body can unwind.
//   - Running: delivery is deferred to the next suspension point; a body
//     that never suspends cannot be interrupted.
//   - Terminal: no-op.
func (co *Coroutine) Cancel(cause error) {
	s := co.sched
	switch co.state {
	case StateCreated:
		co.state = StateCancelled
		co.out = Outcome{Err: &CancelError{Cause: cause}, State: StateCancelled}
		s.finish(co, nil, nil)
	case StateRunning:
		if co.cancelPending == nil {
			co.cancelPending = &CancelError{Cause: cause}
		}
	case StateSuspended:
		ce := &CancelError{Cause: cause}
		co.state = StateCancelled
		co.out = Outcome{Err: ce, State: StateCancelled}
		s.dropWait(co)
		co.clearWaiting()
		s.enqueueResume(co, outcome{err: ce})
	default:
		// already terminal
	}
}

// Suspend transfers control to the scheduler and parks the coroutine until
// something resumes it: an I/O or timer wait, an awaitable settling, or an
// injected cancellation. It returns the tagged resume result.
//
// Suspend is valid only on the currently-running coroutine. Code between two
// suspension points is atomic with respect to every other coroutine; a
// critical section that must not observe cancellation simply avoids
// suspending.
func (co *Coroutine) Suspend() (any, error) {
	co.checkRunning("Suspend")
	co.suspendedAt = callerLocation(2)
	if err := co.deliverPendingCancel(); err != nil {
		return nil, err
	}
	return co.park()
}

// Yield reschedules the coroutine at the back of the ready queue, letting
// other ready coroutines run. Returns a [*CancelError] if the coroutine was
// cancelled while yielded.
func (co *Coroutine) Yield() error {
	co.checkRunning("Yield")
	co.suspendedAt = callerLocation(2)
	if err := co.deliverPendingCancel(); err != nil {
		return err
	}
	co.sched.enqueueResume(co, outcome{})
	_, err := co.park()
	return err
}

// Sleep suspends the coroutine for d on the reactor's clock. Returns nil
// after the timer fires, or the injected [*CancelError] if cancelled first.
func (co *Coroutine) Sleep(d time.Duration) error {
	co.checkRunning("Sleep")
	co.suspendedAt = callerLocation(2)
	if err := co.deliverPendingCancel(); err != nil {
		return err
	}
	s := co.sched
	h := s.reactor.RegisterTimer(d, func() { s.waitFired(co) })
	co.wait = h
	s.waits[h] = co
	_, err := co.park()
	return err
}

// WaitIO suspends the coroutine until fd satisfies interest, delegating the
// actual wait to the reactor.
func (co *Coroutine) WaitIO(fd uintptr, interest Interest) error {
	co.checkRunning("WaitIO")
	co.suspendedAt = callerLocation(2)
	if err := co.deliverPendingCancel(); err != nil {
		return err
	}
	s := co.sched
	h := s.reactor.RegisterIO(fd, interest, func() { s.waitFired(co) })
	co.wait = h
	s.waits[h] = co
	_, err := co.park()
	return err
}

// Await suspends the coroutine until a settles and returns a's outcome.
// The caller becomes a responsibility point: an unhandled failure of the
// awaited coroutine or scope is delivered here instead of propagating.
func (co *Coroutine) Await(a *Awaitable) (any, error) {
	co.checkRunning("Await")
	co.suspendedAt = callerLocation(2)
	if err := co.deliverPendingCancel(); err != nil {
		return nil, err
	}
	if a.done {
		if a.co != nil {
			a.co.awaited = true
		}
		return a.val, a.err
	}
	a.addWaiter(co)
	return co.park()
}

// AwaitUntil awaits primary but gives up as soon as limit settles first.
// It returns primary's outcome with timedOut=false, or limit's outcome with
// timedOut=true. Abandonment never cancels primary: its target keeps
// running, and callers that want it stopped must cancel explicitly.
func (co *Coroutine) AwaitUntil(primary, limit *Awaitable) (val any, err error, timedOut bool) {
	co.checkRunning("AwaitUntil")
	co.suspendedAt = callerLocation(2)
	if cerr := co.deliverPendingCancel(); cerr != nil {
		return nil, cerr, false
	}
	if primary.done {
		if primary.co != nil {
			primary.co.awaited = true
		}
		return primary.val, primary.err, false
	}
	if limit.done {
		return limit.val, limit.err, true
	}
	primary.addWaiter(co)
	limit.addWaiter(co)
	v, aerr := co.park()
	return v, aerr, co.resumedBy == limit
}

func (co *Coroutine) checkRunning(op string) {
	if co.sched.running != co {
		panic("strand: " + op + " called outside the running coroutine")
	}
}

// deliverPendingCancel surfaces a cancellation that arrived while the body
// was running. The coroutine is marked Cancelled here so its terminal state
// is observable before the body finishes unwinding.
func (co *Coroutine) deliverPendingCancel() error {
	if co.state == StateCancelled {
		return co.out.Err
	}
	if co.cancelPending == nil {
		return nil
	}
	ce := co.cancelPending
	co.cancelPending = nil
	co.state = StateCancelled
	co.out = Outcome{Err: ce, State: StateCancelled}
	return ce
}

// park hands control back to the scheduler loop and blocks until resumed.
func (co *Coroutine) park() (any, error) {
	co.sched.events <- schedEvent{kind: evPark, co: co}
	res := <-co.gate
	return res.val, res.err
}

func (co *Coroutine) clearWaiting() {
	for _, a := range co.waitingOn {
		a.removeWaiter(co)
	}
	co.waitingOn = nil
}

// run is the goroutine wrapper around the body. Panics become *PanicError
// and follow the ordinary failure path.
func (co *Coroutine) run() {
	var val any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = newPanicError(r)
			}
		}()
		val, err = co.body(co)
	}()
	co.sched.events <- schedEvent{kind: evDone, co: co, val: val, err: err}
}
