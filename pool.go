package strand

import "errors"

// ErrPoolClosed is returned by [Pool.Submit] when the pool has been closed.
var ErrPoolClosed = errors.New("strand: pool is closed")

// Pool is a reusable cooperative worker pool. Tasks are submitted via
// Submit and processed by a fixed set of worker coroutines living in a
// child scope of the scope the pool was created in. Idle workers suspend;
// submissions wake them.
//
// A pool must be closed with [Pool.Close] before the application drains,
// otherwise its idle workers show up in deadlock diagnostics.
type Pool struct {
	scope   *Scope
	queue   []func(co *Coroutine) error
	idle    []*Coroutine
	backlog []*Coroutine // submitters suspended on a full queue
	closed  bool
	errs    []error

	queueCap int
	workers  int

	submitted int
	completed int
	errored   int
	inFlight  int
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	Submitted  int // total tasks accepted
	Completed  int // tasks finished (success + error)
	Errored    int // tasks that returned a non-nil error
	InFlight   int // tasks currently executing
	QueueDepth int // tasks waiting in the queue
	Workers    int // worker count (fixed at creation)
}

// NewPool creates a pool with n worker coroutines in a child scope of sc.
// queueCap bounds the submission queue; 0 means n * 2.
// Panics if n <= 0 or queueCap < 0.
func NewPool(sc *Scope, name string, n, queueCap int) (*Pool, error) {
	if n <= 0 {
		panic("strand: NewPool requires n > 0")
	}
	if queueCap < 0 {
		panic("strand: NewPool requires non-negative queueCap")
	}
	if queueCap == 0 {
		queueCap = n * 2
	}

	child, err := sc.newChild(name)
	if err != nil {
		return nil, err
	}
	child.absorbing = true

	p := &Pool{scope: child, queueCap: queueCap, workers: n}
	for i := 0; i < n; i++ {
		if _, err := child.Go("worker", p.worker); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) worker(co *Coroutine) error {
	for {
		if len(p.queue) == 0 {
			if p.closed {
				return nil
			}
			p.idle = append(p.idle, co)
			if _, err := co.Suspend(); err != nil {
				return err
			}
			continue
		}

		fn := p.queue[0]
		p.queue = p.queue[1:]
		p.wakeSubmitter()

		p.inFlight++
		err := runPoolTask(co, fn)
		p.inFlight--
		p.completed++
		if err != nil {
			p.errored++
			p.errs = append(p.errs, err)
		}
	}
}

func runPoolTask(co *Coroutine, fn func(co *Coroutine) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return fn(co)
}

// Submit queues a task, suspending co while the queue is full. Returns
// [ErrPoolClosed] once the pool has been closed, or the cancellation error
// if co is cancelled while waiting for space.
func (p *Pool) Submit(co *Coroutine, fn func(co *Coroutine) error) error {
	for !p.closed && len(p.queue) >= p.queueCap {
		p.backlog = append(p.backlog, co)
		co.suspendedAt = callerLocation(2)
		if _, err := co.park(); err != nil {
			p.dropSubmitter(co)
			return err
		}
	}
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, fn)
	p.submitted++
	p.wakeWorker()
	return nil
}

// TrySubmit queues a task without suspending. Returns false if the queue is
// full or the pool is closed.
func (p *Pool) TrySubmit(fn func(co *Coroutine) error) bool {
	if p.closed || len(p.queue) >= p.queueCap {
		return false
	}
	p.queue = append(p.queue, fn)
	p.submitted++
	p.wakeWorker()
	return true
}

// Close stops accepting tasks, lets the workers drain the queue, and
// suspends co until they exit. Returns the joined errors from all failed
// tasks. Safe to call more than once.
func (p *Pool) Close(co *Coroutine) error {
	p.closed = true
	for _, w := range p.idle {
		if w.state == StateSuspended {
			w.sched.enqueueResume(w, outcome{})
		}
	}
	p.idle = nil
	for _, sub := range p.backlog {
		if sub.state == StateSuspended {
			sub.sched.enqueueResume(sub, outcome{})
		}
	}
	p.backlog = nil

	if _, err := co.Await(p.scope.DirectTasks()); err != nil {
		return err
	}
	return errors.Join(p.errs...)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted:  p.submitted,
		Completed:  p.completed,
		Errored:    p.errored,
		InFlight:   p.inFlight,
		QueueDepth: len(p.queue),
		Workers:    p.workers,
	}
}

func (p *Pool) wakeWorker() {
	for len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		if w.state != StateSuspended {
			continue
		}
		w.sched.enqueueResume(w, outcome{})
		return
	}
}

func (p *Pool) dropSubmitter(co *Coroutine) {
	for i, sub := range p.backlog {
		if sub == co {
			p.backlog = append(p.backlog[:i], p.backlog[i+1:]...)
			return
		}
	}
}

func (p *Pool) wakeSubmitter() {
	for len(p.backlog) > 0 {
		sub := p.backlog[0]
		p.backlog = p.backlog[1:]
		if sub.state != StateSuspended {
			continue
		}
		sub.sched.enqueueResume(sub, outcome{})
		return
	}
}
