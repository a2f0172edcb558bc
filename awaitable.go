package strand

// Awaitable is the single completion primitive of the runtime: coroutine
// results, scope drains, reactor timers and signals are all exposed as
// awaitables. A pending awaitable holds the coroutines awaiting it; settling
// resumes every waiter with the same tagged outcome.
//
// An awaitable settles exactly once; later settle attempts are ignored.
type Awaitable struct {
	sched *Scheduler

	done bool
	val  any
	err  error

	waiters []*Coroutine

	// co is set when the awaitable is a coroutine's result, so awaiting it
	// marks the coroutine as explicitly awaited (it can never be a zombie).
	co *Coroutine

	// wait is the backing reactor registration for timer/signal awaitables.
	wait WaitHandle
}

// Done reports whether the awaitable has settled.
func (a *Awaitable) Done() bool { return a.done }

// Value returns the settled value; zero until Done.
func (a *Awaitable) Value() any { return a.val }

// Err returns the settled error; nil until Done.
func (a *Awaitable) Err() error { return a.err }

func (a *Awaitable) hasWaiters() bool {
	return !a.done && len(a.waiters) > 0
}

func (a *Awaitable) addWaiter(co *Coroutine) {
	if a.co != nil {
		a.co.awaited = true
	}
	a.waiters = append(a.waiters, co)
	co.waitingOn = append(co.waitingOn, a)
}

func (a *Awaitable) removeWaiter(co *Coroutine) {
	for i, w := range a.waiters {
		if w == co {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return
		}
	}
}

// settle records the outcome and resumes every waiter with it. Each waiter
// is detached from everything else it was waiting on first, so a coroutine
// blocked in AwaitUntil abandons the losing awaitable cleanly.
func (a *Awaitable) settle(val any, err error) {
	if a.done {
		return
	}
	a.done = true
	a.val, a.err = val, err

	if a.wait != 0 {
		a.sched.reactor.CancelWait(a.wait)
		delete(a.sched.awaitWaits, a.wait)
		a.wait = 0
	}

	ws := a.waiters
	a.waiters = nil
	for _, co := range ws {
		co.clearWaiting()
		co.resumedBy = a
		a.sched.enqueueResume(co, outcome{val: val, err: err})
	}
}
