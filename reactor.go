package strand

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"
)

// Interest selects the readiness conditions for an I/O wait.
type Interest int

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// WaitHandle identifies a registered reactor wait. Handles are only
// meaningful to the reactor that issued them. The zero value is never a
// valid handle.
type WaitHandle uint64

// Reactor is the boundary contract with the event loop that performs the
// actual blocking waits on behalf of the scheduler. The core consumes only
// these primitives: register a wait that will invoke a callback when due,
// cancel a wait, and poll for due callbacks.
//
// All methods are called from the scheduler's goroutine only. Callbacks
// registered with a reactor run on the caller's goroutine inside Poll, so a
// reactor never touches scheduler state concurrently.
type Reactor interface {
	// Now returns the reactor's clock reading. Wall-clock reactors return
	// time.Now; test reactors return a simulated instant.
	Now() time.Time

	// RegisterTimer schedules fire to run after d has elapsed on the
	// reactor's clock.
	RegisterTimer(d time.Duration, fire func()) WaitHandle

	// RegisterIO schedules ready to run when fd satisfies interest.
	RegisterIO(fd uintptr, interest Interest, ready func()) WaitHandle

	// CancelWait tears down a pending wait. Cancelling an already-fired or
	// unknown handle is a no-op.
	CancelWait(h WaitHandle)

	// Pending reports the number of registered waits that have not yet
	// fired or been cancelled.
	Pending() int

	// Poll runs every due callback and returns how many fired. With block
	// set, Poll waits until at least one wait becomes due; it still returns
	// immediately when nothing is pending.
	Poll(block bool) int
}

// SignalReactor is implemented by reactors that can surface OS signals as
// waits. [Scheduler.NotifySignal] requires it.
type SignalReactor interface {
	RegisterSignal(sig os.Signal, fire func()) WaitHandle
}

// TimerReactor is a minimal wall-clock reactor supporting timers and OS
// signals. It is the default reactor for schedulers constructed without
// [WithReactor].
//
// TimerReactor does not implement I/O readiness; embedders that need real
// non-blocking I/O plug in their own event loop. RegisterIO panics.
type TimerReactor struct {
	nextHandle WaitHandle
	timers     []*wallTimer
	signals    map[WaitHandle]*wallSignal
	sigCh      chan os.Signal
}

type wallTimer struct {
	h        WaitHandle
	deadline time.Time
	fire     func()
}

type wallSignal struct {
	sig  os.Signal
	fire func()
}

// NewTimerReactor creates a wall-clock reactor.
func NewTimerReactor() *TimerReactor {
	return &TimerReactor{
		signals: make(map[WaitHandle]*wallSignal),
		sigCh:   make(chan os.Signal, 8),
	}
}

func (r *TimerReactor) Now() time.Time { return time.Now() }

func (r *TimerReactor) RegisterTimer(d time.Duration, fire func()) WaitHandle {
	r.nextHandle++
	t := &wallTimer{h: r.nextHandle, deadline: time.Now().Add(d), fire: fire}
	r.timers = append(r.timers, t)
	sort.Slice(r.timers, func(i, j int) bool { return r.timers[i].deadline.Before(r.timers[j].deadline) })
	return t.h
}

func (r *TimerReactor) RegisterIO(fd uintptr, interest Interest, ready func()) WaitHandle {
	panic(fmt.Sprintf("strand: TimerReactor cannot wait on fd %d: I/O readiness requires an embedding event loop", fd))
}

func (r *TimerReactor) RegisterSignal(sig os.Signal, fire func()) WaitHandle {
	r.nextHandle++
	r.signals[r.nextHandle] = &wallSignal{sig: sig, fire: fire}
	signal.Notify(r.sigCh, sig)
	return r.nextHandle
}

func (r *TimerReactor) CancelWait(h WaitHandle) {
	for i, t := range r.timers {
		if t.h == h {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
	if _, ok := r.signals[h]; ok {
		delete(r.signals, h)
		r.retuneSignals()
	}
}

func (r *TimerReactor) Pending() int {
	return len(r.timers) + len(r.signals)
}

func (r *TimerReactor) Poll(block bool) int {
	if r.Pending() == 0 {
		return 0
	}

	fired := r.fireDue()
	if fired > 0 || !block {
		return fired
	}

	// Nothing due yet: sleep until the earliest deadline or a signal.
	var wake <-chan time.Time
	if len(r.timers) > 0 {
		d := time.Until(r.timers[0].deadline)
		if d < 0 {
			d = 0
		}
		wake = time.After(d)
	}

	select {
	case sig := <-r.sigCh:
		return r.fireSignal(sig)
	case <-wake:
		return r.fireDue()
	}
}

func (r *TimerReactor) fireDue() int {
	now := time.Now()
	fired := 0
	for len(r.timers) > 0 && !r.timers[0].deadline.After(now) {
		t := r.timers[0]
		r.timers = r.timers[1:]
		t.fire()
		fired++
	}

	// Drain any signal that arrived while running.
	select {
	case sig := <-r.sigCh:
		fired += r.fireSignal(sig)
	default:
	}
	return fired
}

func (r *TimerReactor) fireSignal(sig os.Signal) int {
	fired := 0
	for h, ws := range r.signals {
		if ws.sig == sig {
			delete(r.signals, h)
			ws.fire()
			fired++
		}
	}
	if fired > 0 {
		r.retuneSignals()
	}
	return fired
}

// retuneSignals narrows the process-level registration on sigCh to exactly
// the signals still watched, so a cancelled or fired wait stops feeding the
// channel.
func (r *TimerReactor) retuneSignals() {
	signal.Stop(r.sigCh)
	if len(r.signals) == 0 {
		return
	}
	seen := make(map[os.Signal]bool)
	var sigs []os.Signal
	for _, ws := range r.signals {
		if seen[ws.sig] {
			continue
		}
		seen[ws.sig] = true
		sigs = append(sigs, ws.sig)
	}
	signal.Notify(r.sigCh, sigs...)
}
