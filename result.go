package strand

// Result holds the outcome of a coroutine that produces a typed value.
// Create one via [SpawnResult].
type Result[T any] struct {
	co *Coroutine
}

// SpawnResult spawns a coroutine returning a typed value into sc and wraps
// it in a [Result]. The coroutine inherits sc's lifecycle like any other
// direct child.
//
//	r, _ := strand.SpawnResult(scope, "compute", func(co *strand.Coroutine) (int, error) {
//	    return expensiveCalc(co)
//	})
//	val, err := r.Wait(co)
func SpawnResult[T any](sc *Scope, name string, fn func(co *Coroutine) (T, error)) (*Result[T], error) {
	co, err := sc.spawn(name, func(c *Coroutine) (any, error) {
		v, err := fn(c)
		if err != nil {
			return nil, err
		}
		return v, nil
	}, true, callerLocation(2))
	if err != nil {
		return nil, err
	}
	return &Result[T]{co: co}, nil
}

// Coroutine returns the underlying coroutine.
func (r *Result[T]) Coroutine() *Coroutine { return r.co }

// Wait suspends co until the task completes and returns its typed value.
// Waiting makes co a responsibility point for the task's failures.
func (r *Result[T]) Wait(co *Coroutine) (T, error) {
	var zero T
	v, err := co.Await(r.co.Result())
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}

// Done reports whether the task has reached a terminal state.
func (r *Result[T]) Done() bool {
	return r.co.state.Terminal()
}
