// Package reactor implements a Scheduler specialized with an epoll
// readiness set, a vector of FdEntry indexed by fd, a self-pipe for
// cross-thread wakeups, and a TimerHeap. Its idle loop overrides the
// base Scheduler's sleep-and-yield body with an epoll_wait-driven
// algorithm: wait for readiness or the next timer deadline, whichever
// comes first, fire expired timers, then resume whatever continuations
// became ready - generalized from "one callback per fd" to "one
// continuation per armed direction", with a real pipe2 self-pipe for
// waking a blocked epoll_wait from another thread.
package reactor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coroio/coroio/coroutine"
	"github.com/coroio/coroio/fdtable"
	"github.com/coroio/coroio/obslog"
	"github.com/coroio/coroio/scheduler"
	"github.com/coroio/coroio/timerheap"
	"github.com/joeycumines/go-catrate"
	"golang.org/x/sys/unix"
)

// Direction is the readiness direction a continuation waits on.
type Direction uint8

const (
	Read Direction = 1 << iota
	Write
)

const (
	maxEpollEvents = 256
	maxIdleWaitMS  = 10_000

	// DefaultConnectTimeoutMS is the default millisecond timeout a
	// nonblocking Connect waits for before failing with ETIMEDOUT,
	// overridable per Reactor via WithConnectTimeoutMS/SetConnectTimeoutMS.
	DefaultConnectTimeoutMS = 5000
)

var (
	ErrAlreadyArmed  = errors.New("reactor: direction already armed for this fd")
	ErrNotArmed      = errors.New("reactor: direction not armed for this fd")
	ErrReactorClosed = errors.New("reactor: closed")
)

// FdEntry holds the armed continuations for one fd's READ and WRITE
// directions - the Reactor's own per-fd registry, distinct from (but
// consulted alongside) the FdTable's socket/timeout bookkeeping.
type FdEntry struct {
	mu    sync.Mutex
	fd    int
	armed Direction
	conts [2]*continuation // index 0 = Read, 1 = Write

	// internal is true for the reactor's own bookkeeping fds (the
	// wakeup pipe), which stay armed for the reactor's entire lifetime
	// and so must never count toward pending - stopping() would
	// otherwise never observe "no user waits outstanding".
	internal bool
}

type continuation struct {
	co       *coroutine.Coroutine
	callback func()
}

func dirIndex(d Direction) int {
	if d == Write {
		return 1
	}
	return 0
}

// Reactor specializes scheduler.Scheduler with epoll-driven I/O
// readiness.
type Reactor struct {
	*scheduler.Scheduler

	epfd      int
	wakeR     int
	wakeW     int
	timers    *timerheap.Heap
	fds       *fdtable.Table
	logger    *obslog.Logger
	regFailRL *catrate.Limiter

	connectTimeoutMS atomic.Int64

	mu      sync.Mutex
	entries map[int]*FdEntry
	pending int // count of armed directions across all fds

	closed bool
}

// Option configures a Reactor at construction.
type Option func(*config)

type config struct {
	workers          int
	logger           *obslog.Logger
	connectTimeoutMS int64
}

// WithWorkers sets the worker pool size. Default 1.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLogger sets the structured logger for registration failures.
func WithLogger(l *obslog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithConnectTimeoutMS overrides DefaultConnectTimeoutMS. Also
// adjustable after construction via SetConnectTimeoutMS.
func WithConnectTimeoutMS(ms int64) Option {
	return func(c *config) {
		if ms > 0 {
			c.connectTimeoutMS = ms
		}
	}
}

// New opens an epoll instance and a nonblocking wakeup pipe, and
// constructs a Reactor ready to Start.
func New(opts ...Option) (*Reactor, error) {
	c := config{workers: 1, connectTimeoutMS: DefaultConnectTimeoutMS}
	for _, o := range opts {
		o(&c)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	var pipeFDs [2]int
	if err := unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, err
	}

	r := &Reactor{
		epfd:      epfd,
		wakeR:     pipeFDs[0],
		wakeW:     pipeFDs[1],
		fds:       fdtable.New(),
		logger:    c.logger,
		regFailRL: catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
		entries:   make(map[int]*FdEntry),
	}
	r.connectTimeoutMS.Store(c.connectTimeoutMS)
	r.timers = timerheap.New(r.tickleIfIdle)

	r.Scheduler = scheduler.New(
		scheduler.WithWorkers(c.workers),
		scheduler.WithLogger(c.logger),
	)
	r.Scheduler.TickleHook = r.tickle
	r.Scheduler.IdleHook = r.idle
	r.Scheduler.SetExtension(r)

	if err := r.registerFD(r.wakeR, Read, &continuation{callback: r.drainWake}); err != nil {
		unix.Close(epfd)
		unix.Close(pipeFDs[0])
		unix.Close(pipeFDs[1])
		return nil, err
	}

	return r, nil
}

// Close releases the epoll fd and the wakeup pipe. Call after Stop.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
	return unix.Close(r.epfd)
}

// FdTable exposes the Reactor's FdTable for nonblocking-aware I/O
// wrappers to consult.
func (r *Reactor) FdTable() *fdtable.Table { return r.fds }

// Timers exposes the Reactor's TimerHeap for nonblocking-aware I/O
// wrappers to arm timeouts against.
func (r *Reactor) Timers() *timerheap.Heap { return r.timers }

// ConnectTimeoutMS returns the millisecond timeout a nonblocking
// Connect waits for before failing with ETIMEDOUT.
func (r *Reactor) ConnectTimeoutMS() int64 { return r.connectTimeoutMS.Load() }

// SetConnectTimeoutMS changes the connect timeout at runtime.
func (r *Reactor) SetConnectTimeoutMS(ms int64) { r.connectTimeoutMS.Store(ms) }

func (r *Reactor) entryFor(fd int, autoCreate bool) *FdEntry {
	return r.entryForInternal(fd, autoCreate, false)
}

func (r *Reactor) entryForInternal(fd int, autoCreate, internal bool) *FdEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[fd]
	if !ok {
		if !autoCreate {
			return nil
		}
		e = &FdEntry{fd: fd, internal: internal}
		r.entries[fd] = e
	}
	return e
}

// registerFD arms an fd the reactor owns internally (the wakeup pipe).
// Internal entries are excluded from pending so they never block
// stopping().
func (r *Reactor) registerFD(fd int, dir Direction, cont *continuation) error {
	e := r.entryForInternal(fd, true, true)
	return r.addEventToEntry(e, dir, cont)
}

// AddEvent arms dir on fd for the current coroutine (or an explicit
// continuation). Precondition: dir is not already armed for fd.
func (r *Reactor) AddEvent(fd int, dir Direction) error {
	co := coroutine.Current()
	if co == nil {
		return errors.New("reactor: AddEvent called outside a coroutine")
	}
	e := r.entryFor(fd, true)
	return r.addEventToEntry(e, dir, &continuation{co: co})
}

func (r *Reactor) addEventToEntry(e *FdEntry, dir Direction, cont *continuation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.armed&dir != 0 {
		return ErrAlreadyArmed
	}

	op := unix.EPOLL_CTL_ADD
	if e.armed != 0 {
		op = unix.EPOLL_CTL_MOD
	}

	newArmed := e.armed | dir
	ev := &unix.EpollEvent{
		Events: unix.EPOLLET | directionToEpoll(newArmed),
		Fd:     int32(e.fd),
	}
	if err := unix.EpollCtl(r.epfd, op, e.fd, ev); err != nil {
		r.logRegistrationFailure(e.fd, err)
		return err
	}

	e.conts[dirIndex(dir)] = cont
	e.armed = newArmed
	if !e.internal {
		r.mu.Lock()
		r.pending++
		r.mu.Unlock()
	}
	return nil
}

// DelEvent drops the continuation for dir on fd without firing it.
func (r *Reactor) DelEvent(fd int, dir Direction) error {
	e := r.entryFor(fd, false)
	if e == nil {
		return ErrNotArmed
	}
	_, err := r.clearDirection(e, dir, false)
	return err
}

// CancelEvent drops the continuation for dir on fd and fires it
// (scheduled as cancelled), used by timeouts and close().
func (r *Reactor) CancelEvent(fd int, dir Direction) error {
	e := r.entryFor(fd, false)
	if e == nil {
		return ErrNotArmed
	}
	fired, err := r.clearDirection(e, dir, true)
	if fired != nil {
		r.fire(fired)
	}
	return err
}

// CancelAll fires and removes all armed directions for fd.
func (r *Reactor) CancelAll(fd int) {
	e := r.entryFor(fd, false)
	if e == nil {
		return
	}
	for _, dir := range [...]Direction{Read, Write} {
		if fired, _ := r.clearDirection(e, dir, true); fired != nil {
			r.fire(fired)
		}
	}
}

func (r *Reactor) clearDirection(e *FdEntry, dir Direction, fire bool) (*continuation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.armed&dir == 0 {
		return nil, ErrNotArmed
	}

	cont := e.conts[dirIndex(dir)]
	e.conts[dirIndex(dir)] = nil
	newArmed := e.armed &^ dir

	var err error
	if newArmed == 0 {
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, e.fd, nil)
	} else {
		ev := &unix.EpollEvent{Events: unix.EPOLLET | directionToEpoll(newArmed), Fd: int32(e.fd)}
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, e.fd, ev)
	}
	e.armed = newArmed

	if !e.internal {
		r.mu.Lock()
		r.pending--
		r.mu.Unlock()
	}

	if !fire {
		return nil, err
	}
	return cont, err
}

// fire enqueues a continuation: if it wraps a callback, that callback
// runs as a new coroutine; if it wraps a coroutine, that coroutine is
// rescheduled directly rather than wrapped in a fresh one.
func (r *Reactor) fire(c *continuation) {
	if c == nil {
		return
	}
	if c.co != nil {
		c.co.MarkReady()
		r.Scheduler.Reschedule(c.co)
		return
	}
	if c.callback != nil {
		r.Scheduler.Spawn(c.callback)
	}
}

func directionToEpoll(d Direction) uint32 {
	var ev uint32
	if d&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if d&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (r *Reactor) logRegistrationFailure(fd int, err error) {
	logger := obslog.OrGlobal(r.logger)
	if logger == nil {
		return
	}
	if _, allowed := r.regFailRL.Allow(fd); !allowed {
		return
	}
	logger.Err().Int("fd", fd).Err(err).Log("reactor registration failed")
}

// tickleIfIdle is the TimerHeap's on_head_changed hook: tickle the
// reactor so a newly-earliest timer doesn't sleep past its deadline
// in an idle worker's epoll_wait.
func (r *Reactor) tickleIfIdle() { r.tickle() }

// tickle writes one byte to the wakeup pipe's write end. A spurious
// wakeup when no worker was actually idle is harmless (the idle loop
// just reads a readiness event, drains the pipe, and loops), so this
// always writes rather than tracking idle workers precisely.
func (r *Reactor) tickle() {
	var b [1]byte
	for {
		_, err := unix.Write(r.wakeW, b[:])
		if err == nil || err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// drainWake reads until EAGAIN, matching the edge-triggered
// discipline the whole shim relies on.
func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(r.wakeR, buf[:])
		if err != nil {
			return
		}
	}
}

// Spawn pushes fn into the ready queue as a fresh coroutine.
func (r *Reactor) Spawn(fn func(), opts ...scheduler.SpawnOption) *coroutine.Coroutine {
	return r.Scheduler.Spawn(fn, opts...)
}

// SleepMs schedules a one-shot timer that reschedules the calling
// coroutine, then yields.
func (r *Reactor) SleepMs(ms int64) {
	co := coroutine.Current()
	if co == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	r.timers.Add(ms, func() {
		co.MarkReady()
		r.Scheduler.Reschedule(co)
	}, false)
	coroutine.Yield()
}

// idle replaces the base Scheduler's idle hook with the epoll-driven
// wait-fire-resume algorithm.
func (r *Reactor) idle(s *scheduler.Scheduler) {
	var eventBuf [maxEpollEvents]unix.EpollEvent

	for {
		if r.stopping() {
			return
		}

		timeout := maxIdleWaitMS
		if d, ok := r.timers.NextDelay(); ok {
			if d < int64(timeout) {
				timeout = int(d)
			}
		}

		n, err := unix.EpollWait(r.epfd, eventBuf[:], timeout)
		if err != nil && err != unix.EINTR {
			// Nothing sane to do with a broken epoll fd; log and back off.
			r.logRegistrationFailure(-1, err)
		}

		var expired []timerheap.Callback
		expired = r.timers.CollectExpired(expired)
		for _, cb := range expired {
			cb()
		}

		for i := 0; i < n; i++ {
			ev := eventBuf[i]
			fd := int(ev.Fd)
			if fd == r.wakeR {
				r.drainWake()
				continue
			}
			r.dispatchEvent(fd, ev.Events)
		}

		coroutine.Yield()
	}
}

func (r *Reactor) dispatchEvent(fd int, events uint32) {
	e := r.entryFor(fd, false)
	if e == nil {
		return
	}

	e.mu.Lock()
	armed := e.armed
	var real Direction
	if events&unix.EPOLLIN != 0 {
		real |= Read
	}
	if events&unix.EPOLLOUT != 0 {
		real |= Write
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		real |= (Read | Write) & armed
	}
	real &= armed

	var fired []*continuation
	for _, dir := range [...]Direction{Read, Write} {
		if real&dir == 0 {
			continue
		}
		idx := dirIndex(dir)
		fired = append(fired, e.conts[idx])
		e.conts[idx] = nil
	}
	remaining := armed &^ real
	e.armed = remaining
	e.mu.Unlock()

	r.mu.Lock()
	r.pending -= len(fired)
	r.mu.Unlock()

	var op int
	if remaining == 0 {
		op = unix.EPOLL_CTL_DEL
	} else {
		op = unix.EPOLL_CTL_MOD
	}
	var ev *unix.EpollEvent
	if op == unix.EPOLL_CTL_MOD {
		ev = &unix.EpollEvent{Events: unix.EPOLLET | directionToEpoll(remaining), Fd: int32(fd)}
	}
	_ = unix.EpollCtl(r.epfd, op, fd, ev)

	for _, cont := range fired {
		r.fire(cont)
	}
}

// Current returns the Reactor owning the Scheduler running the calling
// coroutine, or nil outside the runtime (plain goroutine, or a
// Scheduler with no Reactor specializing it).
func Current() *Reactor {
	s := scheduler.Current()
	if s == nil {
		return nil
	}
	r, _ := s.Extension().(*Reactor)
	return r
}

// stopping reports the Reactor-specialized stop condition: the base
// Scheduler's stopping() plus no pending epoll registrations and no
// live timers.
func (r *Reactor) stopping() bool {
	if !r.Scheduler.Stopping() {
		return false
	}
	r.mu.Lock()
	noPending := r.pending == 0
	r.mu.Unlock()
	return noPending && !r.timers.HasTimer()
}
