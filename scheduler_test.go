package strand_test

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strandlib/strand"
)

var epoch = time.Unix(0, 0)

func TestRunEmptyBody(t *testing.T) {
	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
}

func TestRunReturnsMainFailure(t *testing.T) {
	sentinel := errors.New("main failed")
	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
		return nil, sentinel
	})
	require.ErrorIs(t, err, sentinel)

	info, ok := strand.TaskOf(err)
	require.True(t, ok)
	require.Equal(t, "main", info.Name)
}

func TestDeadlockDetection(t *testing.T) {
	var stuckErr error
	err := strand.Run("stuck", func(co *strand.Coroutine) (any, error) {
		// Nothing will ever resume this.
		_, stuckErr = co.Suspend()
		return nil, stuckErr
	}, strand.WithReactor(strand.NewVirtualReactor()))

	var dl *strand.DeadlockError
	require.ErrorAs(t, err, &dl)
	require.Len(t, dl.Stalled, 1)
	require.Equal(t, "stuck", dl.Stalled[0].Co.Name)
	require.NotEmpty(t, dl.Stalled[0].SuspendedAt.File)
	require.Contains(t, dl.Error(), "deadlock")

	require.True(t, strand.IsCancel(stuckErr), "stalled body unwinds via cancellation, got %v", stuckErr)
}

func TestDeadlockNamesAllStalled(t *testing.T) {
	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
		// Two coroutines each waiting for a wake-up that never comes.
		co.Go("first", func(c *strand.Coroutine) error {
			_, err := c.Suspend()
			return err
		})
		co.Go("second", func(c *strand.Coroutine) error {
			_, err := c.Suspend()
			return err
		})
		return nil, nil
	}, strand.WithReactor(strand.NewVirtualReactor()))

	var dl *strand.DeadlockError
	require.ErrorAs(t, err, &dl)
	require.Len(t, dl.Stalled, 2)
	names := []string{dl.Stalled[0].Co.Name, dl.Stalled[1].Co.Name}
	require.ElementsMatch(t, []string{"first", "second"}, names)
}

// The full zombie lifecycle on the virtual clock: warned the moment the scope
// is disposed, then force-cancelled once the grace period elapses.
func TestZombieGraceForceCancel(t *testing.T) {
	vr := strand.NewVirtualReactor()
	var warnings []strand.ZombieWarning
	var zErr error
	var cancelAt time.Time

	s := strand.New(
		strand.WithReactor(vr),
		strand.WithOnWarning(func(w strand.ZombieWarning) { warnings = append(warnings, w) }),
	)
	_, err := s.Root().Spawn("main", func(co *strand.Coroutine) (any, error) {
		svc, _ := co.Scope().NewChild("svc")
		svc.Go("runner", func(c *strand.Coroutine) error {
			c.Go("lingerer", func(lc *strand.Coroutine) error {
				zErr = lc.Sleep(5000 * time.Millisecond)
				cancelAt = vr.Now()
				return zErr
			})
			return nil
		})
		// Let the runner spawn and the lingerer start sleeping.
		co.Yield()
		co.Yield()
		svc.DisposeSafely()
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Loop())

	require.Len(t, warnings, 1)
	require.Equal(t, "lingerer", warnings[0].Co.Name)
	require.True(t, warnings[0].At.Equal(epoch), "warning is emitted at disposal time, got %v", warnings[0].At)
	require.Contains(t, warnings[0].String(), "outlived its scope")

	require.True(t, strand.IsCancel(zErr))
	require.True(t, cancelAt.Equal(epoch.Add(2000*time.Millisecond)),
		"zombie force-cancelled when the default grace elapses, got %v", cancelAt)
	require.Equal(t, 1, s.Stats().Zombies)
}

func TestZombieGraceConfigurable(t *testing.T) {
	vr := strand.NewVirtualReactor()
	var cancelAt time.Time

	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
		svc, _ := co.Scope().NewChild("svc")
		svc.Go("runner", func(c *strand.Coroutine) error {
			c.Go("lingerer", func(lc *strand.Coroutine) error {
				err := lc.Sleep(time.Hour)
				cancelAt = vr.Now()
				return err
			})
			return nil
		})
		co.Yield()
		co.Yield()
		svc.DisposeSafely()
		return nil, nil
	},
		strand.WithReactor(vr),
		strand.WithZombieGrace(500*time.Millisecond),
		strand.WithOnWarning(func(strand.ZombieWarning) {}),
	)
	require.NoError(t, err)
	require.True(t, cancelAt.Equal(epoch.Add(500*time.Millisecond)), "got %v", cancelAt)
}

func TestZombieFinishesWithinGrace(t *testing.T) {
	vr := strand.NewVirtualReactor()
	var zombieDone bool
	var doneAt time.Time

	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
		svc, _ := co.Scope().NewChild("svc")
		svc.Go("runner", func(c *strand.Coroutine) error {
			c.Go("lingerer", func(lc *strand.Coroutine) error {
				if err := lc.Sleep(100 * time.Millisecond); err != nil {
					return err
				}
				zombieDone = true
				doneAt = vr.Now()
				return nil
			})
			return nil
		})
		co.Yield()
		co.Yield()
		svc.DisposeSafely()
		return nil, nil
	}, strand.WithReactor(vr), strand.WithOnWarning(func(strand.ZombieWarning) {}))

	require.NoError(t, err)
	require.True(t, zombieDone, "a zombie finishing within its grace period completes normally")
	require.True(t, doneAt.Equal(epoch.Add(100*time.Millisecond)), "got %v", doneAt)
}

func TestDisposeCancelsZombiesImmediately(t *testing.T) {
	vr := strand.NewVirtualReactor()
	var warned bool
	var zErr error
	var cancelAt time.Time

	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
		svc, _ := co.Scope().NewChild("svc")
		svc.Go("runner", func(c *strand.Coroutine) error {
			c.Go("lingerer", func(lc *strand.Coroutine) error {
				zErr = lc.Sleep(time.Hour)
				cancelAt = vr.Now()
				return zErr
			})
			return nil
		})
		co.Yield()
		co.Yield()
		svc.Dispose()
		return nil, nil
	}, strand.WithReactor(vr), strand.WithOnWarning(func(strand.ZombieWarning) { warned = true }))

	require.NoError(t, err)
	require.True(t, warned)
	require.True(t, strand.IsCancel(zErr))
	require.True(t, cancelAt.Equal(epoch), "Dispose cancels zombies without a grace period, got %v", cancelAt)
}

func TestDisposeAfterTimeout(t *testing.T) {
	vr := strand.NewVirtualReactor()
	var zErr error
	var cancelAt time.Time

	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
		svc, _ := co.Scope().NewChild("svc")
		svc.Go("runner", func(c *strand.Coroutine) error {
			c.Go("lingerer", func(lc *strand.Coroutine) error {
				zErr = lc.Sleep(time.Hour)
				cancelAt = vr.Now()
				return zErr
			})
			return nil
		})
		co.Yield()
		co.Yield()
		svc.DisposeAfterTimeout(300 * time.Millisecond)
		return nil, nil
	}, strand.WithReactor(vr), strand.WithOnWarning(func(strand.ZombieWarning) {}))

	require.NoError(t, err)
	require.True(t, strand.IsCancel(zErr))
	require.True(t, cancelAt.Equal(epoch.Add(300*time.Millisecond)), "got %v", cancelAt)
}

func TestDisposeAfterTimeoutRequiresPositive(t *testing.T) {
	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
		svc, _ := co.Scope().NewChild("svc")
		p := capturePanic(func() { svc.DisposeAfterTimeout(0) })
		if p == nil {
			t.Error("expected panic for non-positive timeout")
		}
		return nil, nil
	}, strand.WithReactor(strand.NewVirtualReactor()))
	require.NoError(t, err)
}

func TestAwaitUntilTimeout(t *testing.T) {
	vr := strand.NewVirtualReactor()
	var timedOut bool
	var targetState strand.State
	var at time.Time

	s := strand.New(strand.WithReactor(vr))
	_, err := s.Root().Spawn("main", func(co *strand.Coroutine) (any, error) {
		target, _ := co.Scope().Spawn("slow", func(c *strand.Coroutine) (any, error) {
			if err := c.Sleep(100 * time.Millisecond); err != nil {
				return nil, err
			}
			return "late", nil
		})

		_, werr, to := co.AwaitUntil(target.Result(), s.Timer(5*time.Millisecond))
		timedOut = to
		at = vr.Now()
		targetState = target.State()
		if werr != nil {
			t.Errorf("timer limit settles clean, got %v", werr)
		}

		target.Cancel(nil)
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Loop())

	require.True(t, timedOut)
	require.True(t, at.Equal(epoch.Add(5*time.Millisecond)), "got %v", at)
	require.Equal(t, strand.StateSuspended, targetState, "abandoning a wait must not cancel its target")
}

func TestAwaitUntilPrimaryWins(t *testing.T) {
	vr := strand.NewVirtualReactor()
	s := strand.New(strand.WithReactor(vr))
	var got any
	var timedOut bool

	_, err := s.Root().Spawn("main", func(co *strand.Coroutine) (any, error) {
		target, _ := co.Scope().Spawn("quick", func(c *strand.Coroutine) (any, error) {
			if err := c.Sleep(5 * time.Millisecond); err != nil {
				return nil, err
			}
			return 42, nil
		})
		v, werr, to := co.AwaitUntil(target.Result(), s.Timer(time.Hour))
		got, timedOut = v, to
		return nil, werr
	})
	require.NoError(t, err)
	require.NoError(t, s.Loop())
	require.False(t, timedOut)
	require.Equal(t, 42, got)
}

func TestTimerAwaitable(t *testing.T) {
	vr := strand.NewVirtualReactor()
	s := strand.New(strand.WithReactor(vr))
	var at time.Time

	_, err := s.Root().Spawn("main", func(co *strand.Coroutine) (any, error) {
		if _, err := co.Await(s.Timer(50 * time.Millisecond)); err != nil {
			return nil, err
		}
		at = vr.Now()
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Loop())
	require.True(t, at.Equal(epoch.Add(50*time.Millisecond)), "got %v", at)
}

func TestNotifySignal(t *testing.T) {
	vr := strand.NewVirtualReactor()
	s := strand.New(strand.WithReactor(vr))
	var got any

	_, err := s.Root().Spawn("main", func(co *strand.Coroutine) (any, error) {
		a := s.NotifySignal(os.Interrupt)
		co.Go("trigger", func(*strand.Coroutine) error {
			vr.TriggerSignal(os.Interrupt)
			return nil
		})
		v, werr := co.Await(a)
		got = v
		return nil, werr
	})
	require.NoError(t, err)
	require.NoError(t, s.Loop())
	require.Equal(t, os.Interrupt, got)
}

// noSignalReactor hides the signal surface of the reactor it wraps.
type noSignalReactor struct {
	strand.Reactor
}

func TestNotifySignalUnsupportedReactor(t *testing.T) {
	s := strand.New(strand.WithReactor(noSignalReactor{strand.NewVirtualReactor()}))
	var werr error

	_, err := s.Root().Spawn("main", func(co *strand.Coroutine) (any, error) {
		_, werr = co.Await(s.NotifySignal(os.Interrupt))
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Loop())
	require.Error(t, werr)
	require.Contains(t, werr.Error(), "does not deliver signals")
}

func TestShutdownCancelsEverything(t *testing.T) {
	vr := strand.NewVirtualReactor()
	s := strand.New(strand.WithReactor(vr))
	stop := errors.New("stopping")
	var sleeperErr, mainErr error

	_, err := s.Root().Spawn("main", func(co *strand.Coroutine) (any, error) {
		co.Go("sleeper", func(c *strand.Coroutine) error {
			sleeperErr = c.Sleep(time.Hour)
			return sleeperErr
		})
		co.Yield()

		s.Shutdown(stop)
		// The running coroutine observes the shutdown at its next
		// suspension point.
		mainErr = co.Yield()
		return nil, mainErr
	})
	require.NoError(t, err)
	require.NoError(t, s.Loop(), "an operator-initiated shutdown is not a failure")

	require.True(t, strand.IsCancel(sleeperErr))
	require.ErrorIs(t, sleeperErr, stop)
	require.True(t, strand.IsCancel(mainErr))
}

func TestShutdownSecondCallTearsDown(t *testing.T) {
	vr := strand.NewVirtualReactor()
	s := strand.New(strand.WithReactor(vr))
	stop := errors.New("stopping")
	var timerErr error

	_, err := s.Root().Spawn("watch", func(co *strand.Coroutine) (any, error) {
		_, timerErr = co.Await(s.Timer(time.Hour))
		return nil, nil
	})
	require.NoError(t, err)
	_, err = s.Root().Spawn("ctl", func(co *strand.Coroutine) (any, error) {
		co.Yield() // let the watcher park on the timer
		s.Shutdown(stop)
		s.Shutdown(stop)
		return nil, nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Loop())
	require.True(t, strand.IsCancel(timerErr), "phase-2 teardown settles pending timers with cancellation, got %v", timerErr)
}

func TestStatsCounters(t *testing.T) {
	vr := strand.NewVirtualReactor()
	s := strand.New(strand.WithReactor(vr))
	boom := errors.New("boom")

	_, err := s.Root().Spawn("main", func(co *strand.Coroutine) (any, error) {
		g, _ := strand.NewTaskGroup(co.Scope(), "work", true)
		g.Go("ok", func(*strand.Coroutine) error { return nil })
		g.Go("bad", func(*strand.Coroutine) error { return boom })
		sleeper, _ := co.Scope().Spawn("sleeper", func(c *strand.Coroutine) (any, error) {
			return nil, c.Sleep(time.Hour)
		})

		if _, err := co.Await(g.Join()); err != nil {
			return nil, err
		}
		sleeper.Cancel(nil)
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Loop())

	st := s.Stats()
	require.Equal(t, 4, st.Spawned)
	require.Equal(t, 2, st.Completed) // main + ok
	require.Equal(t, 1, st.Failed)
	require.Equal(t, 1, st.Cancelled)
	require.Equal(t, 0, st.Active)
	require.Equal(t, 0, st.Zombies)
}

func TestEventHookSequence(t *testing.T) {
	var events []strand.Event
	err := strand.Run("job", func(co *strand.Coroutine) (any, error) {
		return 7, nil
	},
		strand.WithReactor(strand.NewVirtualReactor()),
		strand.WithOnEvent(func(e strand.Event) { events = append(events, e) }),
	)
	require.NoError(t, err)

	require.Len(t, events, 3)
	require.Equal(t, strand.EventSpawned, events[0].Kind)
	require.Equal(t, strand.EventStarted, events[1].Kind)
	require.Equal(t, strand.EventCompleted, events[2].Kind)
	for _, e := range events {
		require.Equal(t, "job", e.Co.Name)
		require.True(t, e.Time.Equal(epoch))
	}
}

func TestEventHookFailure(t *testing.T) {
	boom := errors.New("boom")
	var failure strand.Event
	err := strand.Run("job", func(co *strand.Coroutine) (any, error) {
		return nil, boom
	},
		strand.WithReactor(strand.NewVirtualReactor()),
		strand.WithOnEvent(func(e strand.Event) {
			if e.Kind == strand.EventFailed {
				failure = e
			}
		}),
	)
	require.ErrorIs(t, err, boom)
	require.Equal(t, strand.EventFailed, failure.Kind)
	require.ErrorIs(t, failure.Err, boom)
	require.True(t, strings.HasSuffix(failure.Co.SpawnedAt.File, "_test.go"))
}

func TestOptionValidation(t *testing.T) {
	require.NotNil(t, capturePanic(func() { strand.WithReactor(nil) }))
	require.NotNil(t, capturePanic(func() { strand.WithZombieGrace(0) }))
	require.NotNil(t, capturePanic(func() { strand.WithZombieGrace(-time.Second) }))
}
