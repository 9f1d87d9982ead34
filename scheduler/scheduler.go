// Package scheduler implements an N worker thread pool draining a
// FIFO ready queue of coroutines, each worker running its own host
// coroutine and a per-worker idle coroutine when the queue runs dry.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/coroio/coroio/coroutine"
	"github.com/coroio/coroio/obslog"
	"github.com/joeycumines/go-catrate"
)

// Option configures a Scheduler at construction time.
type Option func(*config)

type config struct {
	workers   int
	logger    *obslog.Logger
	idleSleep time.Duration
}

// WithWorkers sets the worker pool size. Default 1.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLogger sets the structured logger used for CoroutineFailure and
// other non-fatal diagnostics.
func WithLogger(l *obslog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithIdleSleep overrides the base idle_fn's sleep granularity.
// Default 1ms -  short enough that stop() is observed promptly, long
// enough not to spin.
func WithIdleSleep(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.idleSleep = d
		}
	}
}

// SpawnOption configures an individual Spawn call.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	stackSize int
}

// WithStackSize overrides the default coroutine stack size for one
// spawned coroutine.
func WithStackSize(n int) SpawnOption {
	return func(c *spawnConfig) { c.stackSize = n }
}

// Scheduler is the N:M worker pool plus FIFO ready queue.
type Scheduler struct {
	workers   int
	idleSleep time.Duration
	logger    *obslog.Logger
	failureRL *catrate.Limiter

	// TickleHook and IdleHook let an embedding type (the Reactor)
	// override the base no-op tickle and the base sleep-and-yield idle
	// loop.
	TickleHook func()
	IdleHook   func(s *Scheduler)

	// ext is the opaque backref a specializer (the Reactor) stores on
	// the Scheduler it wraps, so package-level code holding only a
	// *Scheduler - recovered via Current() from inside a coroutine -
	// can still reach the Reactor-specific API.
	ext any

	mu        sync.Mutex
	ready     []*coroutine.Coroutine
	stopReq   atomic.Bool
	autoStop  atomic.Bool
	active    atomic.Int64
	idle      atomic.Int64
	startOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a Scheduler with the given options, unstarted.
func New(opts ...Option) *Scheduler {
	c := config{workers: 1, idleSleep: time.Millisecond}
	for _, o := range opts {
		o(&c)
	}
	s := &Scheduler{
		workers:   c.workers,
		idleSleep: c.idleSleep,
		logger:    c.logger,
		failureRL: catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
	}
	s.TickleHook = func() {} // base tickle(): a no-op, meaningful only for the Reactor
	s.IdleHook = baseIdle
	return s
}

// baseIdle is the base idle_fn: loop while not stopping, sleep
// briefly, yield.
func baseIdle(s *Scheduler) {
	for !s.stopping() {
		time.Sleep(s.idleSleep)
		coroutine.Yield()
	}
}

func (s *Scheduler) tickle() {
	if s.TickleHook != nil {
		s.TickleHook()
	}
}

// Spawn pushes fn into the ready queue as a fresh coroutine. If the
// queue transitioned from empty, tickle() is invoked once.
func (s *Scheduler) Spawn(fn func(), opts ...SpawnOption) *coroutine.Coroutine {
	var c spawnConfig
	for _, o := range opts {
		o(&c)
	}
	co := coroutine.New(fn, c.stackSize)
	co.SetOwner(s)
	s.enqueue(co)
	return co
}

// reschedule re-queues a coroutine that readied itself mid-run.
func (s *Scheduler) reschedule(co *coroutine.Coroutine) {
	s.enqueue(co)
}

// Reschedule re-queues an existing coroutine (one that is READY but
// not freshly spawned) directly into the ready queue, the path the
// Reactor uses to resume a coroutine an I/O or timer event just
// readied rather than wrapping it in a new one.
func (s *Scheduler) Reschedule(co *coroutine.Coroutine) {
	s.enqueue(co)
}

// SetExtension records the opaque specializer (e.g. a *reactor.Reactor)
// wrapping this Scheduler. See Extension.
func (s *Scheduler) SetExtension(v any) { s.ext = v }

// Extension returns whatever was last passed to SetExtension, or nil.
func (s *Scheduler) Extension() any { return s.ext }

// Stopping reports whether this Scheduler has been asked to stop and
// has nothing left to drain. Exported so an embedding Reactor can
// fold its own additional stop conditions (no pending epoll
// registrations, no timers) into one stopping() check.
func (s *Scheduler) Stopping() bool {
	return s.stopping()
}

func (s *Scheduler) enqueue(co *coroutine.Coroutine) {
	s.mu.Lock()
	wasEmpty := len(s.ready) == 0
	s.ready = append(s.ready, co)
	s.mu.Unlock()
	if wasEmpty {
		s.tickle()
	}
}

func (s *Scheduler) popReady() *coroutine.Coroutine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil
	}
	co := s.ready[0]
	s.ready = s.ready[1:]
	return co
}

// Start launches the worker pool. Idempotent: calling it again after
// Stop has been requested does nothing.
func (s *Scheduler) Start() {
	if s.stopReq.Load() {
		return
	}
	s.startOnce.Do(func() {
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go s.runWorker()
		}
	})
}

// Stop sets stop-requested and auto-stop, tickles N times (to wake
// every worker possibly blocked in its Reactor idle loop), and blocks
// until all workers have exited.
func (s *Scheduler) Stop() {
	s.autoStop.Store(true)
	s.stopReq.Store(true)
	for i := 0; i < s.workers; i++ {
		s.tickle()
	}
	s.wg.Wait()
}

// stopping reports whether stop has been requested and there is
// nothing left to drain: empty ready queue, nothing active.
func (s *Scheduler) stopping() bool {
	if !s.stopReq.Load() {
		return false
	}
	s.mu.Lock()
	empty := len(s.ready) == 0
	s.mu.Unlock()
	return empty && s.active.Load() == 0
}

func (s *Scheduler) runWorker() {
	defer s.wg.Done()

	host := coroutine.NewHost()
	host.SetOwner(s)
	defer host.Deregister()

	idleCo := coroutine.New(func() { s.IdleHook(s) }, 0)
	idleCo.SetOwner(s)

	for {
		active := false
		var r *coroutine.Coroutine
		if r = s.popReady(); r != nil {
			active = true
		}

		if active {
			s.active.Add(1)
			if err := r.Resume(); err != nil {
				s.logCoroutineFailure(r, err)
			}
			s.active.Add(-1)

			switch r.State() {
			case coroutine.StateReady:
				s.reschedule(r)
			case coroutine.StateDone, coroutine.StateFailed:
				if r.State() == coroutine.StateFailed {
					s.logCoroutineFailure(r, nil)
				}
			default:
				// remains SUSPENDED until something readies it again
			}
		}

		if idleCo.State() == coroutine.StateDone {
			break
		}

		s.idle.Add(1)
		_ = idleCo.Resume()
		s.idle.Add(-1)
	}
}

func (s *Scheduler) logCoroutineFailure(co *coroutine.Coroutine, resumeErr error) {
	logger := obslog.OrGlobal(s.logger)
	if logger == nil {
		return
	}
	if _, allowed := s.failureRL.Allow(co.ID()); !allowed {
		return
	}
	b := logger.Err()
	if resumeErr != nil {
		b = b.Err(resumeErr)
	} else if f := co.Failure(); f != nil {
		b = b.Str("panic", toString(f))
	}
	b.Log("coroutine failure")
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return "non-string panic value"
}

// Current returns the Scheduler that owns the coroutine (or host)
// running on the calling goroutine, or nil if none. This is resolved
// through the coroutine package's own current-coroutine registry plus
// each coroutine's Owner, since a coroutine's body runs on a different
// goroutine than the worker that resumed it.
func Current() *Scheduler {
	co := coroutine.Current()
	if co == nil {
		return nil
	}
	s, _ := co.Owner().(*Scheduler)
	return s
}

// HostOfCurrentWorker returns the host coroutine representing the
// worker that is currently resuming the calling coroutine (or, if
// called directly from a worker's own goroutine rather than from
// inside a spawned coroutine, the calling goroutine's own host).
func HostOfCurrentWorker() *coroutine.Coroutine {
	co := coroutine.Current()
	if co == nil {
		return nil
	}
	if co.IsHost() {
		return co
	}
	return co.Resumer()
}
