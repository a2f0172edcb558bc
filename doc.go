// Package strand is a structured-concurrency coroutine runtime: a
// single-threaded cooperative scheduler combined with a hierarchical scope
// ownership model, cancellation propagation, context inheritance, and
// exception routing.
//
// Unlike goroutines, strand coroutines never run in parallel: exactly one
// body executes at a time, and control changes hands only at explicit
// suspension points ([Coroutine.Suspend], [Coroutine.Sleep],
// [Coroutine.Await], [Coroutine.WaitIO], [Coroutine.Yield]). Code between
// two suspension points is atomic with respect to every other coroutine, so
// shared state needs no locking.
//
// # Scopes
//
// Every coroutine is owned by exactly one [Scope] for its whole lifetime.
// Scopes form a tree rooted at [Scheduler.Root]; each carries a [Context],
// optional exception handlers, and a disposal state. A coroutine is a
// direct child of a scope only when spawned explicitly with [Scope.Spawn];
// nested spawns via [Coroutine.Spawn] land in an implicit child scope, so a
// scope's direct children are exactly the set its creator enumerates.
//
//	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
//	    jobs, _ := co.Scope().NewChild("jobs")
//	    jobs.Go("fetch", fetch)
//	    jobs.Go("store", store)
//	    _, err := co.Await(jobs.AllTasks())
//	    return nil, err
//	})
//
// Cancellation is cooperative and flows down the tree bottom-up: cancelling
// a scope drains its deepest child scopes first. A running body cannot be
// preempted; cancellation is injected at its next suspension point as a
// [*CancelError], a type deliberately distinct from application failures.
//
// # Failure propagation
//
// An error returned (or panic raised) by a body first looks for
// responsibility points: callers awaiting that coroutine's [Coroutine.Result]
// or a scope drain containing it all receive the same error value. Without
// one, the failure climbs the scope tree through the handlers installed with
// [Scope.SetExceptionHandler] and [Scope.SetChildExceptionHandler],
// cancelling each unhandled scope on the way. A failure that leaves the
// root triggers graceful shutdown.
//
// # Task groups
//
// [TaskGroup] aggregates a scope's direct children: collect outcomes with
// [TaskGroup.Results] and [TaskGroup.Errs], or race members with
// [TaskGroup.Race] and [TaskGroup.FirstResult]. Helpers [ForEach],
// [MapSlice] and [SpawnResult] cover the common fan-out shapes, [Semaphore]
// bounds concurrency, and [Pool] provides a reusable worker pool.
//
// # Zombies, deadlock, shutdown
//
// A coroutine that outlives its scope's disposal without ever being awaited
// is a zombie: it stops counting as work, a [ZombieWarning] names its spawn
// location, and after a grace period (set globally via [WithZombieGrace], per
// scope via [Scope.DisposeAfterTimeout]) it is force-cancelled. When nothing can
// ever run again yet suspended coroutines remain, the scheduler reports a
// [*DeadlockError] naming each stalled coroutine and its last suspend
// location. Graceful shutdown is two-phase: cancel and drain, then tear
// down every reactor wait.
//
// # Reactor
//
// Blocking waits are delegated to a [Reactor]. [TimerReactor] (the default)
// supports wall-clock timers and OS signals; [VirtualReactor] is a
// deterministic simulated-clock double that makes timed tests instant and
// reproducible. Real I/O readiness is supplied by the embedding event loop.
package strand
