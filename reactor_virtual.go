package strand

import (
	"os"
	"sort"
	"time"
)

// VirtualReactor is a deterministic test double for [Reactor] driven by a
// simulated clock. Time never advances on its own: a blocking Poll jumps the
// clock straight to the next timer deadline, so scenarios expressed in
// milliseconds run instantly and always observe the same interleavings.
//
// I/O waits never become ready by themselves; tests mark a descriptor ready
// with [VirtualReactor.SetReady]. Signals are delivered with
// [VirtualReactor.TriggerSignal].
type VirtualReactor struct {
	now        time.Time
	nextHandle WaitHandle
	timers     []*virtTimer
	ios        map[WaitHandle]*virtIO
	signals    map[WaitHandle]*virtSignal
	fireQueue  []func()
}

type virtTimer struct {
	h        WaitHandle
	deadline time.Time
	fire     func()
}

type virtIO struct {
	fd       uintptr
	interest Interest
	ready    func()
}

type virtSignal struct {
	sig  os.Signal
	fire func()
}

// NewVirtualReactor creates a virtual reactor with its clock at the Unix
// epoch.
func NewVirtualReactor() *VirtualReactor {
	return &VirtualReactor{
		now:     time.Unix(0, 0),
		ios:     make(map[WaitHandle]*virtIO),
		signals: make(map[WaitHandle]*virtSignal),
	}
}

func (r *VirtualReactor) Now() time.Time { return r.now }

func (r *VirtualReactor) RegisterTimer(d time.Duration, fire func()) WaitHandle {
	r.nextHandle++
	t := &virtTimer{h: r.nextHandle, deadline: r.now.Add(d), fire: fire}
	r.timers = append(r.timers, t)
	sort.SliceStable(r.timers, func(i, j int) bool { return r.timers[i].deadline.Before(r.timers[j].deadline) })
	return t.h
}

func (r *VirtualReactor) RegisterIO(fd uintptr, interest Interest, ready func()) WaitHandle {
	r.nextHandle++
	r.ios[r.nextHandle] = &virtIO{fd: fd, interest: interest, ready: ready}
	return r.nextHandle
}

func (r *VirtualReactor) RegisterSignal(sig os.Signal, fire func()) WaitHandle {
	r.nextHandle++
	r.signals[r.nextHandle] = &virtSignal{sig: sig, fire: fire}
	return r.nextHandle
}

func (r *VirtualReactor) CancelWait(h WaitHandle) {
	for i, t := range r.timers {
		if t.h == h {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
	delete(r.ios, h)
	delete(r.signals, h)
}

func (r *VirtualReactor) Pending() int {
	return len(r.timers) + len(r.ios) + len(r.signals) + len(r.fireQueue)
}

// SetReady marks every pending I/O wait on fd whose interest overlaps
// interest as ready. The callbacks run on the next Poll, not inline, so a
// test can flip readiness from inside a coroutine body without re-entering
// the scheduler.
func (r *VirtualReactor) SetReady(fd uintptr, interest Interest) {
	for h, io := range r.ios {
		if io.fd == fd && io.interest&interest != 0 {
			delete(r.ios, h)
			r.fireQueue = append(r.fireQueue, io.ready)
		}
	}
}

// TriggerSignal queues delivery of sig to every pending signal wait.
func (r *VirtualReactor) TriggerSignal(sig os.Signal) {
	for h, vs := range r.signals {
		if vs.sig == sig {
			delete(r.signals, h)
			r.fireQueue = append(r.fireQueue, vs.fire)
		}
	}
}

func (r *VirtualReactor) Poll(block bool) int {
	if len(r.fireQueue) > 0 {
		fired := len(r.fireQueue)
		q := r.fireQueue
		r.fireQueue = nil
		for _, fn := range q {
			fn()
		}
		return fired
	}

	if len(r.timers) == 0 {
		return 0
	}

	if block {
		// Jump the clock to the next deadline.
		r.now = r.timers[0].deadline
	}

	fired := 0
	for len(r.timers) > 0 && !r.timers[0].deadline.After(r.now) {
		t := r.timers[0]
		r.timers = r.timers[1:]
		t.fire()
		fired++
	}
	return fired
}
