package strand

// Semaphore bounds concurrency between coroutines. It is cooperative:
// Acquire suspends the calling coroutine until a slot frees, and unblocks
// with the injected [*CancelError] if the coroutine is cancelled while
// queued.
type Semaphore struct {
	free  int
	cap   int
	waitq []*Coroutine

	// handed records waiters a released slot was transferred to. The entry
	// outlives the resume: a cancellation injected between the handoff and
	// the waiter's next run replaces the resume result, and the slot has to
	// be reclaimed from here.
	handed map[*Coroutine]struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
// Panics if n <= 0.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		panic("strand: NewSemaphore requires n > 0")
	}
	return &Semaphore{free: n, cap: n, handed: make(map[*Coroutine]struct{})}
}

// Acquire takes a slot, suspending co until one is available. Returns nil
// on success or the cancellation error if co was cancelled while waiting.
func (s *Semaphore) Acquire(co *Coroutine) error {
	co.checkRunning("Acquire")
	if err := co.deliverPendingCancel(); err != nil {
		return err
	}
	if s.free > 0 {
		s.free--
		return nil
	}
	s.waitq = append(s.waitq, co)
	co.suspendedAt = callerLocation(2)
	_, err := co.park()
	if _, ok := s.handed[co]; ok {
		delete(s.handed, co)
		if err != nil {
			// Cancelled after the handoff; the slot moves on.
			s.Release()
			return err
		}
		return nil
	}
	if err != nil {
		s.removeWaiter(co)
		return err
	}
	return nil
}

// TryAcquire takes a slot without suspending. Returns false if none is free.
func (s *Semaphore) TryAcquire() bool {
	if s.free == 0 {
		return false
	}
	s.free--
	return true
}

// Release frees a slot, resuming the longest-waiting live coroutine if any.
// Panics if more slots are released than acquired.
func (s *Semaphore) Release() {
	for len(s.waitq) > 0 {
		co := s.waitq[0]
		s.waitq = s.waitq[1:]
		if co.state != StateSuspended {
			continue
		}
		// Slot ownership transfers to the waiter.
		s.handed[co] = struct{}{}
		co.sched.enqueueResume(co, outcome{})
		return
	}
	if s.free == s.cap {
		panic("strand: Semaphore.Release called without matching Acquire")
	}
	s.free++
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	return s.free
}

func (s *Semaphore) removeWaiter(co *Coroutine) {
	for i, w := range s.waitq {
		if w == co {
			s.waitq = append(s.waitq[:i], s.waitq[i+1:]...)
			return
		}
	}
}
