package strand

import (
	"fmt"
	"os"
	"time"
)

type eventKind int

const (
	evPark eventKind = iota
	evDone
)

type schedEvent struct {
	kind eventKind
	co   *Coroutine
	val  any
	err  error
}

// Scheduler is the single-threaded cooperative run loop. It holds the ready
// queue, drives suspension and resumption, and delegates blocking waits to
// the [Reactor]. Exactly one coroutine body executes at a time; everything
// the scheduler owns (scope tree, contexts, queues) is mutated only between
// suspension points, so none of it is locked.
//
// All methods must be called either before [Scheduler.Run], or from within a
// coroutine body or hook while Run is driving the loop.
type Scheduler struct {
	cfg     config
	reactor Reactor

	root    *Scope
	ready   []*Coroutine
	running *Coroutine
	events  chan schedEvent

	// waits are reactor registrations that resume a specific coroutine.
	// Waits held by zombies do not count toward "work remaining".
	waits map[WaitHandle]*Coroutine

	// awaitWaits back timer/signal awaitables created via Timer/NotifySignal.
	awaitWaits map[WaitHandle]*Awaitable

	// auxWaits are runtime-internal timers: zombie grace periods and
	// dispose watchdogs.
	auxWaits map[WaitHandle]struct{}

	zombies map[*Coroutine]struct{}

	nextCoID    uint64
	nextScopeID uint64

	// phase is the graceful-shutdown phase: 0 normal, 1 draining after a
	// root-level failure, 2 hard teardown.
	phase     int
	rootCause error

	stats Stats
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Spawned   int
	Active    int
	Completed int
	Failed    int
	Cancelled int
	Zombies   int
}

// New creates a scheduler with a fresh root scope. Without [WithReactor] it
// uses a wall-clock [TimerReactor].
func New(opts ...Option) *Scheduler {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.reactor == nil {
		cfg.reactor = NewTimerReactor()
	}

	s := &Scheduler{
		cfg:        cfg,
		reactor:    cfg.reactor,
		events:     make(chan schedEvent),
		waits:      make(map[WaitHandle]*Coroutine),
		awaitWaits: make(map[WaitHandle]*Awaitable),
		auxWaits:   make(map[WaitHandle]struct{}),
		zombies:    make(map[*Coroutine]struct{}),
	}
	s.nextScopeID++
	s.root = &Scope{
		id:    s.nextScopeID,
		name:  "root",
		sched: s,
		ctx:   NewContext(),
		state: ScopeOpen,
	}
	return s
}

// Run constructs a scheduler, spawns fn as the main coroutine in the root
// scope, and drives the loop to completion. It is the primary entry point:
//
//	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
//	    co.Go("worker", work)
//	    return nil, nil
//	})
func Run(name string, fn TaskFunc, opts ...Option) error {
	s := New(opts...)
	if _, err := s.root.spawn(name, fn, true, callerLocation(2)); err != nil {
		return err
	}
	return s.Loop()
}

// Root returns the root scope, the well-known top of the scope tree. It is
// an ordinary scope, not a special mechanism: every spawn names a scope, and
// the root is merely the default ancestor.
func (s *Scheduler) Root() *Scope { return s.root }

// Reactor returns the reactor the scheduler delegates blocking waits to.
func (s *Scheduler) Reactor() Reactor { return s.reactor }

// Stats returns current scheduler counters. Call from the scheduler
// goroutine only.
func (s *Scheduler) Stats() Stats { return s.stats }

// Loop runs coroutines until the application is finished: ready queue empty,
// no suspended coroutine with a pending resumption, and no reactor wait.
// Surviving zombies are then granted their grace period before the loop
// exits. It returns the unhandled failure that reached the root scope, the
// [*DeadlockError] if one was detected, or nil.
func (s *Scheduler) Loop() error {
	for {
		if len(s.ready) > 0 {
			co := s.ready[0]
			s.ready = s.ready[1:]
			s.step(co)
			continue
		}

		if s.countedWaits() > 0 && s.reactor.Poll(true) > 0 {
			continue
		}

		// Quiescent with respect to non-zombie work.
		if s.scheduleZombieGrace() {
			continue
		}

		stalled := s.stalledCoroutines()
		if len(stalled) == 0 {
			break
		}

		info := make([]StallInfo, len(stalled))
		for i, co := range stalled {
			info[i] = StallInfo{Co: co.Info(), SuspendedAt: co.suspendedAt}
		}
		dl := &DeadlockError{Stalled: info}
		if s.rootCause == nil {
			s.rootCause = dl
		}
		s.Shutdown(dl)
		for _, co := range stalled {
			if !co.state.Terminal() {
				co.Cancel(dl)
			}
		}
	}
	return s.rootCause
}

// Shutdown triggers graceful shutdown. Phase 1 cancels every coroutine under
// the root scope and lets the remaining activity run to completion. A second
// call (or a second unhandled root failure during phase 1) begins phase 2:
// every reactor wait is torn down and every remaining coroutine is
// force-cancelled.
func (s *Scheduler) Shutdown(cause error) {
	switch s.phase {
	case 0:
		s.phase = 1
		s.root.Cancel(cause)
	case 1:
		s.phase = 2
		s.teardown(cause)
	default:
	}
}

// Timer returns an awaitable that settles after d on the reactor's clock.
func (s *Scheduler) Timer(d time.Duration) *Awaitable {
	a := &Awaitable{sched: s}
	var h WaitHandle
	h = s.reactor.RegisterTimer(d, func() {
		delete(s.awaitWaits, h)
		a.wait = 0
		a.settle(nil, nil)
	})
	a.wait = h
	s.awaitWaits[h] = a
	return a
}

// NotifySignal returns an awaitable that settles with the signal value when
// sig is delivered. The reactor must implement [SignalReactor].
func (s *Scheduler) NotifySignal(sig os.Signal) *Awaitable {
	a := &Awaitable{sched: s}
	sr, ok := s.reactor.(SignalReactor)
	if !ok {
		a.settle(nil, fmt.Errorf("strand: reactor %T does not deliver signals", s.reactor))
		return a
	}
	var h WaitHandle
	h = sr.RegisterSignal(sig, func() {
		delete(s.awaitWaits, h)
		a.wait = 0
		a.settle(sig, nil)
	})
	a.wait = h
	s.awaitWaits[h] = a
	return a
}

func (s *Scheduler) enqueue(co *Coroutine) {
	co.queued = true
	s.ready = append(s.ready, co)
}

func (s *Scheduler) enqueueResume(co *Coroutine, res outcome) {
	co.pending = res
	if co.queued {
		// Already admitted; only the injected result changes.
		return
	}
	co.queued = true
	s.ready = append(s.ready, co)
}

// step runs one coroutine until it suspends or terminates.
func (s *Scheduler) step(co *Coroutine) {
	co.queued = false
	if !co.started {
		if co.state != StateCreated {
			// Cancelled before it ever ran; already finished.
			return
		}
		co.started = true
		co.state = StateRunning
		s.running = co
		s.emit(EventStarted, co, nil)
		go co.run()
	} else {
		if co.state == StateSuspended {
			co.state = StateRunning
		}
		// A coroutine marked Cancelled keeps its terminal state while the
		// body unwinds.
		s.running = co
		res := co.pending
		co.pending = outcome{}
		co.gate <- res
	}

	ev := <-s.events
	s.running = nil
	switch ev.kind {
	case evPark:
		if ev.co.state == StateRunning {
			ev.co.state = StateSuspended
		}
	case evDone:
		s.finish(ev.co, ev.val, ev.err)
	}
}

// finish records the coroutine's outcome, runs its completion callbacks,
// reports to the owning scope, and routes failures into propagation. It is
// the single terminal path for every coroutine and runs at most once.
func (s *Scheduler) finish(co *Coroutine, val any, err error) {
	if co.finished {
		return
	}
	co.finished = true

	switch {
	case co.state == StateCancelled:
		// Outcome was fixed when the cancellation was injected; whatever
		// the unwinding body returned is discarded, and the CancelError is
		// auto-suppressed rather than propagated.
	case err != nil && IsCancel(err):
		co.state = StateCancelled
		co.out = Outcome{Err: err, State: StateCancelled}
	case err != nil:
		te, ok := err.(*TaskError)
		if !ok {
			te = &TaskError{Co: co.Info(), Err: err}
		}
		co.state = StateFailed
		co.out = Outcome{Err: te, State: StateFailed}
	default:
		co.state = StateCompleted
		co.out = Outcome{Value: val, State: StateCompleted}
	}

	switch co.state {
	case StateCompleted:
		s.stats.Completed++
		s.emit(EventCompleted, co, nil)
	case StateFailed:
		s.stats.Failed++
		s.emit(EventFailed, co, co.out.Err)
	case StateCancelled:
		s.stats.Cancelled++
		s.emit(EventCancelled, co, co.out.Err)
	}

	s.dropWait(co)
	co.clearWaiting()
	if co.graceTimer != 0 {
		s.reactor.CancelWait(co.graceTimer)
		delete(s.auxWaits, co.graceTimer)
		co.graceTimer = 0
	}
	if co.zombie {
		delete(s.zombies, co)
	}

	for _, fn := range co.callbacks {
		s.runCallback(co, fn)
	}
	co.callbacks = nil

	delivered := false
	if co.result != nil {
		delivered = co.result.hasWaiters()
		co.result.settle(co.out.Value, co.out.Err)
	}

	// Propagation runs before taskDone: a pending DirectTasks/AllTasks
	// waiter is a responsibility point and has to receive the failure
	// before the drain bookkeeping can settle the awaitable empty.
	//
	// Zombie failures stay contained: their scope is already gone and the
	// warning named them at disposal time.
	if co.state == StateFailed && !co.owner.absorbing && !co.zombie {
		s.propagate(co, co.out.Err, delivered)
	}

	co.owner.taskDone(co)
}

// runCallback invokes one completion callback with failure isolation: a
// panic is reported to the owning scope's handler chain and the remaining
// callbacks still run.
func (s *Scheduler) runCallback(co *Coroutine, fn func(Outcome)) {
	defer func() {
		if r := recover(); r != nil {
			err := &TaskError{Co: co.Info(), Err: newPanicError(r)}
			s.propagateScope(co.owner, err)
		}
	}()
	fn(co.out)
}

// propagate routes an unhandled failure from a coroutine, starting with its
// responsibility points: every caller blocked awaiting this coroutine, or a
// scope drain whose subtree contains it, receives the same error value and
// propagation stops. Otherwise the failure enters the owning scope's handler
// chain.
func (s *Scheduler) propagate(co *Coroutine, err error, delivered bool) {
	owner := co.owner
	if !co.zombie && owner.direct != nil && owner.direct.hasWaiters() {
		owner.direct.settle(nil, err)
		delivered = true
	}
	for sc := owner; sc != nil; sc = sc.parent {
		if sc.all != nil && sc.all.hasWaiters() {
			sc.all.settle(nil, err)
			delivered = true
		}
	}
	if delivered {
		return
	}
	s.propagateScope(owner, err)
}

// propagateScope walks the failure up the scope tree: run the scope's
// exception handler (a nil return suppresses the failure; a non-nil return
// replaces it), deliver to the scope's own pending drains if any, cancel the
// scope in its entirety, consult the parent's child-scope handler, and
// repeat from the parent. A failure that leaves the root is an unhandled
// application failure and triggers graceful shutdown.
func (s *Scheduler) propagateScope(sc *Scope, err error) {
	cur := sc
	for {
		if cur.handler != nil {
			if next := runHandler(cur.handler, err); next == nil {
				return
			} else {
				err = next
			}
		}

		// Drain waiters at this level are served before the cancellation:
		// cancelling can synchronously finish a still-Created child, and
		// its bookkeeping would settle the drains empty.
		deliveredHere := false
		if cur.direct != nil && cur.direct.hasWaiters() {
			cur.direct.settle(nil, err)
			deliveredHere = true
		}
		if cur.all != nil && cur.all.hasWaiters() {
			cur.all.settle(nil, err)
			deliveredHere = true
		}

		cur.Cancel(err)

		if deliveredHere {
			return
		}

		p := cur.parent
		if p == nil {
			s.unhandledAtRoot(err)
			return
		}
		if p.childHandler != nil {
			if next := runHandler(p.childHandler, err); next == nil {
				return
			} else {
				err = next
			}
		}
		cur = p
	}
}

func runHandler(h func(error) error, err error) (out error) {
	defer func() {
		if r := recover(); r != nil {
			out = newPanicError(r)
		}
	}()
	return h(err)
}

func (s *Scheduler) unhandledAtRoot(err error) {
	if s.rootCause == nil {
		s.rootCause = err
	}
	s.Shutdown(err)
}

// teardown is shutdown phase 2: every reactor wait and timer is torn down
// and every remaining coroutine is force-cancelled.
func (s *Scheduler) teardown(cause error) {
	for h, co := range s.waits {
		s.reactor.CancelWait(h)
		co.wait = 0
		delete(s.waits, h)
	}
	for h := range s.auxWaits {
		s.reactor.CancelWait(h)
		delete(s.auxWaits, h)
	}
	for h, a := range s.awaitWaits {
		s.reactor.CancelWait(h)
		delete(s.awaitWaits, h)
		a.wait = 0
		a.settle(nil, &CancelError{Cause: cause})
	}
	s.forceCancelTree(s.root, cause)
}

func (s *Scheduler) forceCancelTree(sc *Scope, cause error) {
	for _, child := range sc.children {
		s.forceCancelTree(child, cause)
	}
	for _, co := range sc.tasks {
		if !co.state.Terminal() {
			co.Cancel(cause)
		}
	}
}

// waitFired is the reactor callback for coroutine-attributed waits.
func (s *Scheduler) waitFired(co *Coroutine) {
	if co.wait != 0 {
		delete(s.waits, co.wait)
		co.wait = 0
	}
	if co.state != StateSuspended {
		return
	}
	s.enqueueResume(co, outcome{})
}

func (s *Scheduler) dropWait(co *Coroutine) {
	if co.wait == 0 {
		return
	}
	s.reactor.CancelWait(co.wait)
	delete(s.waits, co.wait)
	co.wait = 0
}

// countedWaits is the scheduler's "work remaining" view of the reactor:
// every registered wait except those whose only purpose is resuming a
// zombie coroutine.
func (s *Scheduler) countedWaits() int {
	n := len(s.awaitWaits) + len(s.auxWaits)
	for _, co := range s.waits {
		if !co.zombie {
			n++
		}
	}
	return n
}

// flagZombie marks a coroutine that outlived its scope's disposal without
// ever being awaited. Zombies stop counting as work and a warning naming the
// spawn location is emitted immediately.
func (s *Scheduler) flagZombie(co *Coroutine) {
	if co.zombie || co.state.Terminal() {
		return
	}
	co.zombie = true
	s.zombies[co] = struct{}{}
	s.stats.Zombies++
	co.owner.liveDirect--
	co.owner.zombieCount++
	s.warn(ZombieWarning{Co: co.Info(), At: s.reactor.Now()})
}

// scheduleZombieGrace arms a grace timer for every surviving zombie that
// does not have one yet. Expiry force-cancels the zombie. Scopes disposed
// via DisposeAfterTimeout already carry a watchdog covering their zombies.
// Reports whether any zombie is still pending.
func (s *Scheduler) scheduleZombieGrace() bool {
	pending := false
	for co := range s.zombies {
		if co.state.Terminal() {
			continue
		}
		pending = true
		if co.graceTimer != 0 || watchdogAbove(co.owner) {
			continue
		}
		d := s.cfg.zombieGrace
		if co.owner.grace > 0 {
			d = co.owner.grace
		}
		target := co
		h := s.reactor.RegisterTimer(d, func() {
			s.zombieGraceExpired(target)
		})
		co.graceTimer = h
		s.auxWaits[h] = struct{}{}
	}
	return pending
}

func watchdogAbove(sc *Scope) bool {
	for p := sc; p != nil; p = p.parent {
		if p.watchdog != 0 {
			return true
		}
	}
	return false
}

func (s *Scheduler) zombieGraceExpired(co *Coroutine) {
	if co.graceTimer != 0 {
		delete(s.auxWaits, co.graceTimer)
		co.graceTimer = 0
	}
	if co.state.Terminal() {
		return
	}
	co.Cancel(fmt.Errorf("strand: zombie grace period elapsed for %q", co.name))
}

// stalledCoroutines returns every live suspended coroutine at a moment when
// nothing can resume it: the deadlock set.
func (s *Scheduler) stalledCoroutines() []*Coroutine {
	var out []*Coroutine
	s.collectStalled(s.root, &out)
	return out
}

func (s *Scheduler) collectStalled(sc *Scope, out *[]*Coroutine) {
	for _, co := range sc.tasks {
		if co.state == StateSuspended {
			*out = append(*out, co)
		}
	}
	for _, child := range sc.children {
		s.collectStalled(child, out)
	}
}

func (s *Scheduler) emit(kind EventKind, co *Coroutine, err error) {
	if s.cfg.onEvent == nil {
		return
	}
	s.cfg.onEvent(Event{
		Kind: kind,
		Co:   co.Info(),
		Err:  err,
		Time: s.reactor.Now(),
	})
}

func (s *Scheduler) warn(w ZombieWarning) {
	if s.cfg.onWarning != nil {
		s.cfg.onWarning(w)
		return
	}
	defaultWarn(w)
}
