package strand

import (
	"log"
	"time"
)

// DefaultZombieGrace is the grace period granted to a zombie coroutine
// before it is force-cancelled, unless overridden globally via
// [WithZombieGrace] or per scope via [Scope.DisposeAfterTimeout].
const DefaultZombieGrace = 2000 * time.Millisecond

// EventKind classifies a coroutine lifecycle [Event].
type EventKind int

const (
	// EventSpawned fires when a coroutine is created.
	EventSpawned EventKind = iota

	// EventStarted fires when a coroutine's body begins executing.
	EventStarted

	// EventCompleted fires when a coroutine returns normally.
	EventCompleted

	// EventFailed fires when a coroutine fails with an application error
	// or panic.
	EventFailed

	// EventCancelled fires when a coroutine finishes cancelled.
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventSpawned:
		return "spawned"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event describes one coroutine lifecycle transition. It is passed to the
// hook registered via [WithOnEvent]. Time is the reactor clock reading.
type Event struct {
	Kind EventKind
	Co   CoroutineInfo
	Err  error
	Time time.Time
}

type config struct {
	reactor     Reactor
	zombieGrace time.Duration
	onEvent     func(Event)
	onWarning   func(ZombieWarning)
}

// Option configures a [Scheduler].
type Option func(*config)

func defaultConfig() config {
	return config{
		zombieGrace: DefaultZombieGrace,
	}
}

// WithReactor sets the reactor the scheduler delegates blocking waits to.
// Panics if r is nil.
func WithReactor(r Reactor) Option {
	if r == nil {
		panic("strand: WithReactor requires a non-nil reactor")
	}
	return func(c *config) {
		c.reactor = r
	}
}

// WithZombieGrace sets the default grace period for zombie coroutines.
// Panics if d <= 0.
func WithZombieGrace(d time.Duration) Option {
	if d <= 0 {
		panic("strand: WithZombieGrace requires d > 0")
	}
	return func(c *config) {
		c.zombieGrace = d
	}
}

// WithOnEvent registers a hook invoked for every coroutine lifecycle
// transition. The hook runs on the scheduler goroutine and must not block.
func WithOnEvent(fn func(Event)) Option {
	return func(c *config) {
		c.onEvent = fn
	}
}

// WithOnWarning registers a hook receiving advisory diagnostics such as
// [ZombieWarning]. Without it warnings go to the standard logger.
func WithOnWarning(fn func(ZombieWarning)) Option {
	return func(c *config) {
		c.onWarning = fn
	}
}

func defaultWarn(w ZombieWarning) {
	log.Printf("%s", w)
}
