package strand

import "errors"

// TaskGroup is an aggregation view over a scope's direct children: collect
// results and errors, or race the members for a first outcome. A TaskGroup
// owns the scope it wraps; disposing the group disposes the scope.
//
// Member failures are absorbed by the group instead of entering the failure
// propagation algorithm: they surface through [TaskGroup.Errs] (when result
// capture was requested) or through the awaitable returned by
// [TaskGroup.Race].
type TaskGroup struct {
	scope *Scope
}

// NewTaskGroup creates a TaskGroup backed by a fresh child scope of parent.
// With captureResults set, member outcomes accumulate for [TaskGroup.Results]
// and [TaskGroup.Errs]; without it those accessors stay empty.
func NewTaskGroup(parent *Scope, name string, captureResults bool) (*TaskGroup, error) {
	sc, err := parent.newChild(name)
	if err != nil {
		return nil, err
	}
	sc.absorbing = true
	sc.captureResults = captureResults
	return &TaskGroup{scope: sc}, nil
}

// Scope returns the underlying scope.
func (g *TaskGroup) Scope() *Scope { return g.scope }

// Spawn attaches a coroutine as a direct member of the group.
func (g *TaskGroup) Spawn(name string, fn TaskFunc) (*Coroutine, error) {
	return g.scope.spawn(name, fn, true, callerLocation(2))
}

// Go is [TaskGroup.Spawn] for bodies that produce no value.
func (g *TaskGroup) Go(name string, fn func(co *Coroutine) error) (*Coroutine, error) {
	return g.scope.spawn(name, func(co *Coroutine) (any, error) { return nil, fn(co) }, true, callerLocation(2))
}

// Join returns the awaitable that settles once every member has reached a
// terminal state.
func (g *TaskGroup) Join() *Awaitable {
	return g.scope.DirectTasks()
}

// Results returns the successful member values in completion order.
// Meaningful only when the group was created with result capture.
func (g *TaskGroup) Results() []any {
	return g.scope.results
}

// Errs returns the member failures in completion order. Meaningful only
// when the group was created with result capture.
func (g *TaskGroup) Errs() []error {
	return g.scope.errs
}

// Race returns an awaitable that settles as soon as one member completes
// successfully, or, with ignoreErrors false, as soon as any member fails.
// The remaining members are left running; callers that want them stopped
// dispose or cancel the group separately.
//
// If every member fails with ignoreErrors set, the awaitable settles with
// the joined member errors. Race observes the members present at call time.
func (g *TaskGroup) Race(ignoreErrors bool) *Awaitable {
	a := &Awaitable{sched: g.scope.sched}

	members := make([]*Coroutine, len(g.scope.tasks))
	copy(members, g.scope.tasks)
	if len(members) == 0 {
		a.settle(nil, nil)
		return a
	}

	remaining := len(members)
	var failures []error

	observe := func(out Outcome) {
		remaining--
		if a.done {
			return
		}
		switch out.State {
		case StateCompleted:
			a.settle(out.Value, nil)
		default:
			if !ignoreErrors {
				a.settle(nil, out.Err)
				return
			}
			failures = append(failures, out.Err)
			if remaining == 0 {
				a.settle(nil, errors.Join(failures...))
			}
		}
	}

	for _, co := range members {
		co.OnCompletion(observe)
	}
	return a
}

// FirstResult is [TaskGroup.Race] with errors ignored: it settles with the
// first successful member value.
func (g *TaskGroup) FirstResult() *Awaitable {
	return g.Race(true)
}

// Cancel cancels the underlying scope.
func (g *TaskGroup) Cancel(cause error) {
	g.scope.Cancel(cause)
}

// Dispose disposes the underlying scope.
func (g *TaskGroup) Dispose() {
	g.scope.Dispose()
}
