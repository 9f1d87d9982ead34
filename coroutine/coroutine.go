// Package coroutine implements a stackful coroutine: a unit of
// execution that can be voluntarily suspended and resumed, possibly
// from a different worker thread than the one that last resumed it.
//
// A Coroutine is backed by a real goroutine. Go's runtime already
// gives every goroutine a growable stack and schedules it M:N onto OS
// threads, which is the property a "stackful coroutine" needs; layering
// an explicit resume/yield channel handshake on top gets the rest: only
// one worker may be "inside" a coroutine's Resume call at a time, and
// the coroutine only makes progress while some worker is blocked
// waiting for it to yield or finish.
package coroutine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// State is the coroutine's execution state.
type State int32

const (
	StateInit State = iota
	StateReady
	StateRunning
	StateSuspended
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Standard errors.
var (
	ErrNotResumable          = errors.New("coroutine: not in a resumable state")
	ErrResetPrecondition     = errors.New("coroutine: reset requires state in {init, done, failed}")
	ErrYieldOutsideCoroutine = errors.New("coroutine: Yield called outside a running coroutine")
	ErrHostCannotResume      = errors.New("coroutine: a host coroutine cannot be resumed")
)

const (
	// DefaultStackSize is the default stack size bookkeeping value.
	DefaultStackSize = 128 * 1024
	minStackSize     = 16 * 1024
	pageSize         = 4096
)

// roundStackSize enforces the minimum and rounds up to the platform
// page size. The value is bookkeeping only: the real stack is Go's own
// growable goroutine stack.
func roundStackSize(n int) int {
	if n <= 0 {
		n = DefaultStackSize
	}
	if n < minStackSize {
		n = minStackSize
	}
	if rem := n % pageSize; rem != 0 {
		n += pageSize - rem
	}
	return n
}

// Coroutine is a stackful, cooperatively scheduled unit of execution.
type Coroutine struct {
	id        uint64
	state     atomic.Int32
	stackSize int
	isHost    bool
	resumeCh  chan struct{}
	yieldCh   chan struct{}
	gid       atomic.Uint64

	mu      sync.Mutex
	fn      func()
	started bool
	failure any
	owner   any
	resumer *Coroutine
}

var idCounter atomic.Uint64

func nextID() uint64 { return idCounter.Add(1) }

// New creates a coroutine in state INIT. It does not start running
// until Resume is called.
func New(fn func(), stackSize int) *Coroutine {
	return &Coroutine{
		id:        nextID(),
		stackSize: roundStackSize(stackSize),
		fn:        fn,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
	}
}

// NewHost creates the coroutine that represents the calling worker
// thread itself: zero-sized stack, permanently RUNNING, never resumed
// or yielded directly. It registers the calling goroutine's identity
// so Current()/IsCurrent() resolve correctly while this worker is not
// inside some other coroutine's Resume call.
func NewHost() *Coroutine {
	c := &Coroutine{id: nextID(), isHost: true}
	c.state.Store(int32(StateRunning))
	gid := GoroutineID()
	c.gid.Store(gid)
	registry.Store(gid, c)
	return c
}

// Deregister removes a host coroutine's identity from the current-
// coroutine registry. Call it when the owning worker thread exits.
func (c *Coroutine) Deregister() {
	if c.isHost {
		registry.Delete(c.gid.Load())
	}
}

// ID returns the coroutine's unique id.
func (c *Coroutine) ID() uint64 { return c.id }

// State returns the coroutine's current execution state.
func (c *Coroutine) State() State { return State(c.state.Load()) }

// IsHost reports whether this Coroutine represents a worker thread
// itself rather than a user-spawned unit of execution.
func (c *Coroutine) IsHost() bool { return c.isHost }

// Failure returns the recovered panic value, if the coroutine's last
// run ended in StateFailed.
func (c *Coroutine) Failure() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Owner returns the opaque value set by SetOwner - the Scheduler (or
// Reactor) that spawned this coroutine, so package-level lookups like
// scheduler.Current() can resolve "which scheduler owns the coroutine
// running on this goroutine" without the coroutine package needing to
// import scheduler.
func (c *Coroutine) Owner() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// SetOwner records the opaque owner value for this coroutine.
func (c *Coroutine) SetOwner(v any) {
	c.mu.Lock()
	c.owner = v
	c.mu.Unlock()
}

// setState performs a plain store; used internally where the caller
// already holds the happens-before relationship (e.g. only one worker
// may be resuming a given coroutine at a time, per invariant (i)).
func (c *Coroutine) setState(s State) { c.state.Store(int32(s)) }

// Resume runs (or continues) the coroutine until it yields or
// terminates. It must be called by the worker's host coroutine -
// never by the coroutine itself. Resume blocks the calling goroutine
// for the duration of the coroutine's run.
//
// Precondition: State() ∈ {INIT, READY, SUSPENDED}.
func (c *Coroutine) Resume() error {
	if c.isHost {
		return ErrHostCannotResume
	}
	switch c.State() {
	case StateInit, StateReady, StateSuspended:
	default:
		return ErrNotResumable
	}

	c.setState(StateRunning)

	c.mu.Lock()
	started := c.started
	c.started = true
	c.resumer = Current() // the calling goroutine's own current coroutine/host, if any
	c.mu.Unlock()

	if !started {
		go c.trampoline()
	}

	c.resumeCh <- struct{}{}
	<-c.yieldCh
	return nil
}

// Resumer returns whichever Coroutine (typically a worker's host) was
// the "current coroutine" on the goroutine that last called Resume on
// c. This lets code running inside c discover which worker resumed
// it, even though c's own body runs on a different goroutine than
// that worker - see scheduler.HostOfCurrentWorker.
func (c *Coroutine) Resumer() *Coroutine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumer
}

// trampoline is the fixed entry point every coroutine's goroutine
// runs: it cannot "return" past its origin, only yield or terminate.
func (c *Coroutine) trampoline() {
	gid := GoroutineID()
	c.gid.Store(gid)

	<-c.resumeCh
	registry.Store(gid, c)

	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.failure = r
			c.mu.Unlock()
			c.setState(StateFailed)
		}
		registry.Delete(gid)
		c.yieldCh <- struct{}{}
	}()

	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()

	fn()

	if c.State() != StateFailed {
		c.setState(StateDone)
	}
}

// Yield suspends the currently running coroutine, swapping control
// back to whichever goroutine called Resume. It must be called from
// inside a coroutine's entry function, never from a host coroutine.
func Yield() {
	cur := Current()
	if cur == nil || cur.isHost {
		panic(ErrYieldOutsideCoroutine)
	}
	cur.setState(StateSuspended)
	gid := cur.gid.Load()
	registry.Delete(gid)

	cur.yieldCh <- struct{}{}
	<-cur.resumeCh

	registry.Store(gid, cur)
	cur.setState(StateRunning)
}

// MarkReady transitions a suspended coroutine (or the one currently
// running, about to yield) into READY, signaling to the Scheduler
// that it readied itself during its own run rather than merely being
// suspended - the worker loop distinguishes the two.
func (c *Coroutine) MarkReady() {
	c.setState(StateReady)
}

// Reset reinitializes an exhausted coroutine in place without
// reallocating anything - the next Resume spawns a fresh goroutine.
//
// Precondition: State() ∈ {INIT, DONE, FAILED}.
func (c *Coroutine) Reset(fn func()) error {
	switch c.State() {
	case StateInit, StateDone, StateFailed:
	default:
		return ErrResetPrecondition
	}

	c.mu.Lock()
	c.fn = fn
	c.started = false
	c.failure = nil
	c.mu.Unlock()

	c.resumeCh = make(chan struct{})
	c.yieldCh = make(chan struct{})
	c.setState(StateInit)
	return nil
}

// registry maps a live goroutine's id to the Coroutine it is currently
// executing (or, for a worker's host, the Coroutine representing that
// worker). It is the thread-local "current coroutine" slot, implemented
// the only way Go allows: keyed by the runtime's internal goroutine id.
var registry sync.Map // uint64 -> *Coroutine

// Current returns the Coroutine running on the calling goroutine, or
// nil if the calling goroutine is not a registered coroutine or host.
func Current() *Coroutine {
	v, ok := registry.Load(GoroutineID())
	if !ok {
		return nil
	}
	return v.(*Coroutine)
}

// IsCurrent reports whether c is the coroutine running on the calling
// goroutine.
func IsCurrent(c *Coroutine) bool { return Current() == c }

// GoroutineID returns the current goroutine's runtime-assigned id,
// parsed out of a runtime.Stack dump since Go exposes no public
// accessor; it is the basis of the coroutine registry.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
