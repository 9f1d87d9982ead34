// Package shim provides nonblocking-aware wrappers around the usual
// socket syscalls, expressed as plain package functions rather than a
// process-wide libc interposition layer - Go offers no
// dlsym(RTLD_NEXT, ...) equivalent from inside one binary, so there is
// no "next symbol" to resolve; each wrapper just calls the matching
// golang.org/x/sys/unix function directly (see DESIGN.md).
//
// Coroutine-aware code calls shim.Read/shim.Write/... in place of
// unix.Read/unix.Write/...; code running outside the runtime (no
// current coroutine, or a coroutine whose Scheduler isn't a Reactor)
// falls straight through to the real syscall unmodified.
package shim

import (
	"sync/atomic"
	"weak"

	"github.com/coroio/coroio/coroutine"
	"github.com/coroio/coroio/fdtable"
	"github.com/coroio/coroio/reactor"
	"github.com/coroio/coroio/timerheap"
	"golang.org/x/sys/unix"
)

// cancelState is the cell a conditional timer callback and the waiting
// call both touch: it is allocated once per wait and referenced from
// the timer only via a weak.Pointer witness, so a completed wait never
// keeps a stale timer callback alive.
type cancelState struct {
	cancelled atomic.Int32 // 0 = live, else the errno to surface
}

// cancel sets the cancellation errno if none is set yet, reporting
// whether this call won the race.
func (c *cancelState) cancel(errno unix.Errno) bool {
	return c.cancelled.CompareAndSwap(0, int32(errno))
}

func (c *cancelState) load() unix.Errno {
	return unix.Errno(c.cancelled.Load())
}

// recvTimeoutMS resolves the configured SO_RCVTIMEO value for fd, or
// fdtable.TimeoutUnset (block indefinitely) if none is configured or
// no Reactor is current.
func recvTimeoutMS(fd int) int64 {
	r := reactor.Current()
	if r == nil {
		return fdtable.TimeoutUnset
	}
	e, ok := r.FdTable().Get(fd, false)
	if !ok {
		return fdtable.TimeoutUnset
	}
	if ms, ok := e.RecvTimeout(); ok {
		return ms
	}
	return fdtable.TimeoutUnset
}

func sendTimeoutMS(fd int) int64 {
	r := reactor.Current()
	if r == nil {
		return fdtable.TimeoutUnset
	}
	e, ok := r.FdTable().Get(fd, false)
	if !ok {
		return fdtable.TimeoutUnset
	}
	if ms, ok := e.SendTimeout(); ok {
		return ms
	}
	return fdtable.TimeoutUnset
}

// waitReady is the generic retry-on-EAGAIN template shared by every
// nonblocking-aware I/O primitive (read/write/recv/send/accept). try
// performs one syscall attempt; it must return nil on success and the
// unix.Errno observed otherwise.
func waitReady(fd int, dir reactor.Direction, timeoutMS int64, try func() error) error {
	r := reactor.Current()
	if r == nil {
		return try()
	}
	entry, ok := r.FdTable().Get(fd, false)
	if !ok {
		return try()
	}
	if entry.Closed() {
		return unix.EBADF
	}
	if !entry.IsSocket() {
		return try()
	}

	info := new(cancelState)
	witness := weak.Make(info)

	for {
		err := try()
		if err == nil {
			return nil
		}
		errno, isErrno := err.(unix.Errno)
		if !isErrno || (errno != unix.EAGAIN && errno != unix.EINTR) {
			return err
		}
		if errno == unix.EINTR {
			continue
		}

		var timer *timerheap.Timer
		if timeoutMS != fdtable.TimeoutUnset {
			timer = timerheap.AddConditional(r.Timers(), timeoutMS, func() {
				if info.cancel(unix.ETIMEDOUT) {
					r.CancelEvent(fd, dir)
				}
			}, witness, false)
		}

		if err := r.AddEvent(fd, dir); err != nil {
			if timer != nil {
				timer.Cancel()
			}
			return err
		}

		coroutine.Yield()

		if timer != nil {
			timer.Cancel()
		}
		if errno := info.load(); errno != 0 {
			return errno
		}
	}
}

// Read suspends the calling coroutine instead of returning EAGAIN.
func Read(fd int, p []byte) (int, error) {
	var n int
	err := waitReady(fd, reactor.Read, recvTimeoutMS(fd), func() error {
		var e error
		n, e = unix.Read(fd, p)
		return e
	})
	return n, err
}

// Write suspends the calling coroutine instead of returning EAGAIN.
func Write(fd int, p []byte) (int, error) {
	var n int
	err := waitReady(fd, reactor.Write, sendTimeoutMS(fd), func() error {
		var e error
		n, e = unix.Write(fd, p)
		return e
	})
	return n, err
}

// Readv is Read's scatter/gather counterpart.
func Readv(fd int, iovs [][]byte) (int, error) {
	var n int
	err := waitReady(fd, reactor.Read, recvTimeoutMS(fd), func() error {
		var e error
		n, e = unix.Readv(fd, iovs)
		return e
	})
	return n, err
}

// Writev is Write's scatter/gather counterpart.
func Writev(fd int, iovs [][]byte) (int, error) {
	var n int
	err := waitReady(fd, reactor.Write, sendTimeoutMS(fd), func() error {
		var e error
		n, e = unix.Writev(fd, iovs)
		return e
	})
	return n, err
}

// Recv is Read's socket-flavored counterpart.
func Recv(fd int, p []byte, flags int) (int, error) {
	var n int
	err := waitReady(fd, reactor.Read, recvTimeoutMS(fd), func() error {
		var e error
		n, _, e = unix.Recvfrom(fd, p, flags)
		return e
	})
	return n, err
}

// Send is Write's socket-flavored counterpart.
func Send(fd int, p []byte, flags int) (int, error) {
	err := waitReady(fd, reactor.Write, sendTimeoutMS(fd), func() error {
		return unix.Sendto(fd, p, flags, nil)
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Recvmsg is Recv's ancillary-data-carrying counterpart.
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	err = waitReady(fd, reactor.Read, recvTimeoutMS(fd), func() error {
		var e error
		n, oobn, recvflags, from, e = unix.Recvmsg(fd, p, oob, flags)
		return e
	})
	return n, oobn, recvflags, from, err
}

// Sendmsg is Send's ancillary-data-carrying counterpart.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	err := waitReady(fd, reactor.Write, sendTimeoutMS(fd), func() error {
		return unix.Sendmsg(fd, p, oob, to, flags)
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Accept suspends the calling coroutine until a connection is
// acceptable, then registers the new fd with the current Reactor's
// FdTable so later shim calls on it get the same suspend-on-EAGAIN
// treatment.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var nfd int
	var sa unix.Sockaddr
	err := waitReady(fd, reactor.Read, recvTimeoutMS(fd), func() error {
		var e error
		nfd, sa, e = unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return e
	})
	if err != nil {
		return -1, nil, err
	}
	registerFD(nfd)
	return nfd, sa, nil
}

// Connect performs a two-stage nonblocking connect: attempt a real
// connect, and if it reports EINPROGRESS, arm WRITE with the current
// Reactor's configured connect timeout (Reactor.ConnectTimeoutMS,
// overridable via WithConnectTimeoutMS/SetConnectTimeoutMS) and
// resolve the final status via getsockopt(SO_ERROR) once writability
// fires.
func Connect(fd int, sa unix.Sockaddr) error {
	r := reactor.Current()
	if r != nil {
		if e, ok := r.FdTable().Get(fd, false); ok {
			if e.Closed() {
				return unix.EBADF
			}
			if !e.IsSocket() {
				r = nil // fall through to a bare connect below
			}
		}
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	errno, ok := err.(unix.Errno)
	if !ok || errno != unix.EINPROGRESS {
		return err
	}
	if r == nil {
		return err
	}

	info := new(cancelState)
	witness := weak.Make(info)
	timer := timerheap.AddConditional(r.Timers(), r.ConnectTimeoutMS(), func() {
		if info.cancel(unix.ETIMEDOUT) {
			r.CancelEvent(fd, reactor.Write)
		}
	}, witness, false)

	if err := r.AddEvent(fd, reactor.Write); err != nil {
		timer.Cancel()
		return err
	}

	coroutine.Yield()
	timer.Cancel()

	if errno := info.load(); errno != 0 {
		return errno
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Socket delegates to the real socket(2) then registers the new fd
// with the current Reactor's FdTable (auto_create).
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	registerFD(fd)
	return fd, nil
}

// Close cancels every armed direction on fd (resuming any suspended
// waiters, which will observe EBADF on their next attempt), removes
// the FdTable entry, then calls the real close(2).
func Close(fd int) error {
	if r := reactor.Current(); r != nil {
		r.CancelAll(fd)
		r.FdTable().Delete(fd)
	}
	return unix.Close(fd)
}

// SetRecvTimeout records the millisecond SO_RCVTIMEO value in the
// FdTable in addition to (for parity with a real socket stack) setting
// it kernel-side.
func SetRecvTimeout(fd int, ms int64) error {
	setFdTableTimeout(fd, ms, false)
	return setsockoptTimeoutMS(fd, unix.SO_RCVTIMEO, ms)
}

// SetSendTimeout is SetRecvTimeout's SO_SNDTIMEO counterpart.
func SetSendTimeout(fd int, ms int64) error {
	setFdTableTimeout(fd, ms, true)
	return setsockoptTimeoutMS(fd, unix.SO_SNDTIMEO, ms)
}

func setFdTableTimeout(fd int, ms int64, send bool) {
	r := reactor.Current()
	if r == nil {
		return
	}
	e, ok := r.FdTable().Get(fd, true)
	if !ok {
		return
	}
	if send {
		e.SetSendTimeout(ms)
	} else {
		e.SetRecvTimeout(ms)
	}
}

func setsockoptTimeoutMS(fd, opt int, ms int64) error {
	tv := unix.NsecToTimeval(ms * int64(1000*1000))
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv)
}

func registerFD(fd int) {
	if r := reactor.Current(); r != nil {
		r.FdTable().Get(fd, true)
	}
}
