package strand

import (
	"fmt"
	"time"
)

// ScopeState is the disposal state of a [Scope].
type ScopeState int

const (
	ScopeOpen ScopeState = iota
	ScopeCancelling
	ScopeClosed
)

func (s ScopeState) String() string {
	switch s {
	case ScopeOpen:
		return "open"
	case ScopeCancelling:
		return "cancelling"
	case ScopeClosed:
		return "closed"
	default:
		return fmt.Sprintf("scopestate(%d)", int(s))
	}
}

// Scope is an ownership node bounding the lifetime and failure domain of a
// set of coroutines and child scopes. A coroutine is a direct child of a
// scope iff it was spawned explicitly "with" that scope; spawns from inside
// a coroutine that name no scope land in an implicit child scope instead,
// so a scope's direct children are exactly the set its creator enumerates.
//
// Cancellation and disposal always process the subtree bottom-up: deepest
// child scopes drain before the scope's own coroutines, maximising the
// chance that resources are released in dependency order. Sibling order at
// the same level is unspecified.
type Scope struct {
	id     uint64
	name   string
	sched  *Scheduler
	parent *Scope // relation only: a scope never keeps its parent alive

	children []*Scope
	tasks    []*Coroutine // insertion order, kept for diagnostics
	ctx      *Context
	state    ScopeState

	handler      func(error) error
	childHandler func(error) error

	direct *Awaitable
	all    *Awaitable

	completionCBs []func()
	completed     bool
	everSpawned   bool

	// absorbing scopes (TaskGroup-backed) record member failures instead of
	// routing them through propagation.
	absorbing      bool
	captureResults bool
	results        []any
	errs           []error

	liveDirect  int
	zombieCount int

	// grace overrides the scheduler's zombie grace period for this scope's
	// zombies; watchdog is the forced-cancel timer armed by
	// DisposeAfterTimeout.
	grace    time.Duration
	watchdog WaitHandle
}

// ID returns the scope's unique id.
func (sc *Scope) ID() uint64 { return sc.id }

// Name returns the scope's name.
func (sc *Scope) Name() string { return sc.name }

// State returns the scope's disposal state.
func (sc *Scope) State() ScopeState { return sc.state }

// Parent returns the parent scope, or nil for the root.
func (sc *Scope) Parent() *Scope { return sc.parent }

// Scheduler returns the scheduler this scope belongs to.
func (sc *Scope) Scheduler() *Scheduler { return sc.sched }

// Context returns the scope's context. A child scope's context is a child
// of its parent's, so lookups inherit upward.
func (sc *Scope) Context() *Context { return sc.ctx }

// NewChild creates an explicit child scope. Fails with [ErrScopeClosed]
// once this scope is no longer open.
func (sc *Scope) NewChild(name string) (*Scope, error) {
	return sc.newChild(name)
}

func (sc *Scope) newChild(name string) (*Scope, error) {
	if sc.state != ScopeOpen {
		return nil, ErrScopeClosed
	}
	s := sc.sched
	s.nextScopeID++
	child := &Scope{
		id:     s.nextScopeID,
		name:   name,
		sched:  s,
		parent: sc,
		ctx:    sc.ctx.NewChild(),
		state:  ScopeOpen,
	}
	sc.children = append(sc.children, child)
	return child, nil
}

// Spawn creates a coroutine owned directly by this scope. Fails with
// [ErrScopeClosed] once the scope is cancelled or disposed.
func (sc *Scope) Spawn(name string, fn TaskFunc) (*Coroutine, error) {
	return sc.spawn(name, fn, true, callerLocation(2))
}

// Go is [Scope.Spawn] for bodies that produce no value.
func (sc *Scope) Go(name string, fn func(co *Coroutine) error) (*Coroutine, error) {
	return sc.spawn(name, func(co *Coroutine) (any, error) { return nil, fn(co) }, true, callerLocation(2))
}

func (sc *Scope) spawn(name string, fn TaskFunc, explicit bool, loc Location) (*Coroutine, error) {
	if sc.state != ScopeOpen {
		return nil, ErrScopeClosed
	}
	s := sc.sched
	s.nextCoID++
	co := &Coroutine{
		id:        s.nextCoID,
		name:      name,
		sched:     s,
		owner:     sc,
		body:      fn,
		explicit:  explicit,
		spawnedAt: loc,
		gate:      make(chan outcome, 1),
	}
	sc.tasks = append(sc.tasks, co)
	sc.liveDirect++
	sc.everSpawned = true
	s.stats.Spawned++
	s.stats.Active++
	s.emit(EventSpawned, co, nil)
	s.enqueue(co)
	return co, nil
}

// DirectTasks returns an awaitable that settles once every coroutine owned
// directly by this scope has reached a terminal state. It never waits on
// coroutines owned by child scopes. If a direct child fails unhandled while
// someone awaits this, the awaitable settles early with that failure.
func (sc *Scope) DirectTasks() *Awaitable {
	if sc.direct != nil && !sc.direct.done {
		return sc.direct
	}
	sc.direct = &Awaitable{sched: sc.sched}
	if sc.liveDirect == 0 {
		sc.direct.settle(nil, nil)
	}
	return sc.direct
}

// AllTasks returns an awaitable that settles once every coroutine in this
// scope and the entire subtree of child scopes has reached a terminal state.
func (sc *Scope) AllTasks() *Awaitable {
	if sc.all != nil && !sc.all.done {
		return sc.all
	}
	sc.all = &Awaitable{sched: sc.sched}
	if sc.drained() {
		sc.all.settle(nil, nil)
	}
	return sc.all
}

// SetExceptionHandler installs the handler consulted when an unhandled
// failure reaches this scope. Returning nil suppresses the failure;
// returning an error (the same or a new one) continues propagation with it.
func (sc *Scope) SetExceptionHandler(h func(error) error) {
	sc.handler = h
}

// SetChildExceptionHandler installs the handler consulted when an unhandled
// failure escapes one of this scope's child scopes. Same contract as
// [Scope.SetExceptionHandler].
func (sc *Scope) SetChildExceptionHandler(h func(error) error) {
	sc.childHandler = h
}

// OnCompletion registers a callback invoked once every coroutine and child
// scope under this scope has reached a terminal state.
func (sc *Scope) OnCompletion(fn func()) {
	if sc.completed {
		fn()
		return
	}
	sc.completionCBs = append(sc.completionCBs, fn)
}

// Cancel marks the scope Cancelling, drains the subtree bottom-up (child
// scopes fully first, then this scope's own coroutines), and marks it
// Closed. Idempotent. Once closed, spawning into the scope fails.
func (sc *Scope) Cancel(cause error) {
	if sc.state != ScopeOpen {
		return
	}
	sc.state = ScopeCancelling
	for _, child := range sc.children {
		child.Cancel(cause)
	}
	for _, co := range sc.tasks {
		if !co.state.Terminal() {
			co.Cancel(cause)
		}
	}
	sc.state = ScopeClosed
	sc.checkDrain()
}

// Dispose cancels the scope like [Scope.Cancel], but first flags every
// still-live coroutine that was not explicitly spawned "with" its scope and
// never awaited as a zombie, emitting a [ZombieWarning] before cancelling it.
func (sc *Scope) Dispose() {
	sc.dispose(false)
}

// DisposeSafely performs the same zombie detection as [Scope.Dispose] but
// does not force-cancel zombies: they keep running under the zombie grace
// policy while everything else is cancelled.
func (sc *Scope) DisposeSafely() {
	sc.dispose(true)
}

// DisposeAfterTimeout behaves as [Scope.DisposeSafely] but schedules a
// forced cancel of the surviving zombies after d if the scope has not
// naturally drained by then. d also overrides the zombie grace period for
// this scope.
func (sc *Scope) DisposeAfterTimeout(d time.Duration) {
	if d <= 0 {
		panic("strand: DisposeAfterTimeout requires d > 0")
	}
	sc.grace = d
	sc.dispose(true)
	if sc.subtreeZombies() == 0 {
		return
	}
	s := sc.sched
	h := s.reactor.RegisterTimer(d, func() {
		s.watchdogExpired(sc)
	})
	sc.watchdog = h
	s.auxWaits[h] = struct{}{}
}

func (sc *Scope) dispose(safe bool) {
	if sc.state != ScopeOpen {
		return
	}
	sc.state = ScopeCancelling
	for _, child := range sc.children {
		child.grace = max(child.grace, sc.grace)
		child.dispose(safe)
	}
	for _, co := range sc.tasks {
		if co.state.Terminal() {
			continue
		}
		if !co.explicit && !co.awaited {
			sc.sched.flagZombie(co)
			if safe {
				continue
			}
		}
		co.Cancel(nil)
	}
	sc.state = ScopeClosed
	sc.checkDrain()
}

func (sc *Scope) subtreeZombies() int {
	n := sc.zombieCount
	for _, child := range sc.children {
		n += child.subtreeZombies()
	}
	return n
}

func (s *Scheduler) watchdogExpired(sc *Scope) {
	if sc.watchdog != 0 {
		delete(s.auxWaits, sc.watchdog)
		sc.watchdog = 0
	}
	s.forceCancelTree(sc, fmt.Errorf("strand: scope %q dispose timeout elapsed", sc.name))
}

// taskDone is the scope-side bookkeeping for one finished coroutine.
func (sc *Scope) taskDone(co *Coroutine) {
	if co.zombie {
		sc.zombieCount--
		// A dispose watchdog may sit on any ancestor of the zombie's owner.
		for p := sc; p != nil; p = p.parent {
			if p.watchdog != 0 && p.subtreeZombies() == 0 {
				sc.sched.reactor.CancelWait(p.watchdog)
				delete(sc.sched.auxWaits, p.watchdog)
				p.watchdog = 0
			}
		}
	} else {
		sc.liveDirect--
		if sc.captureResults {
			switch co.state {
			case StateCompleted:
				sc.results = append(sc.results, co.out.Value)
			case StateFailed:
				sc.errs = append(sc.errs, co.out.Err)
			}
		}
	}
	sc.sched.stats.Active--
	sc.checkDrain()
}

// drained reports whether every coroutine in this scope and its whole
// subtree is terminal. Zombies do not count: a scope whose only survivors
// are zombies is drained.
func (sc *Scope) drained() bool {
	if sc.liveDirect > 0 {
		return false
	}
	for _, child := range sc.children {
		if !child.drained() {
			return false
		}
	}
	return true
}

func (sc *Scope) checkDrain() {
	if sc.liveDirect == 0 && sc.direct != nil {
		sc.direct.settle(nil, nil)
	}
	if !sc.drained() {
		return
	}
	if sc.all != nil {
		sc.all.settle(nil, nil)
	}
	if !sc.completed && (sc.everSpawned || sc.state != ScopeOpen) {
		sc.completed = true
		cbs := sc.completionCBs
		sc.completionCBs = nil
		for _, fn := range cbs {
			fn()
		}
	}
	if sc.parent != nil {
		sc.parent.checkDrain()
	}
}
