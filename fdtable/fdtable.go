// Package fdtable implements a process-wide, lazily-grown mapping from
// file descriptor number to per-fd bookkeeping (is-socket,
// forced-nonblocking, closed, recv/send timeouts), probed once on
// first access and indexed directly by fd number.
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// TimeoutUnset is the sentinel distinguishing "no timeout configured"
// from a legitimate zero-millisecond timeout, since 0 is a valid
// SO_RCVTIMEO/SO_SNDTIMEO value (poll immediately, never block).
const TimeoutUnset int64 = -1

const initialCapacity = 64

// Entry holds the per-fd state consulted before issuing a real
// syscall.
type Entry struct {
	mu sync.Mutex

	fd          int
	initialized bool
	isSocket    bool
	nonblock    bool
	closed      bool
	recvTimeout int64 // ms, or TimeoutUnset
	sendTimeout int64 // ms, or TimeoutUnset
}

// Fd returns the descriptor this entry describes.
func (e *Entry) Fd() int { return e.fd }

// IsSocket reports whether fstat identified this fd as a socket on
// first probe.
func (e *Entry) IsSocket() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isSocket
}

// Nonblock reports whether the kernel-side O_NONBLOCK flag has been
// forced on for this fd.
func (e *Entry) Nonblock() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nonblock
}

// Closed reports whether Table.Delete has already been called for
// this fd; a shim call observing this should fail fast rather than
// issue a syscall against a recycled descriptor number.
func (e *Entry) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// MarkClosed flags the entry as closed without removing it from the
// table, for callers that want the bookkeeping to outlive the actual
// Table.Delete (e.g. to reject in-flight shim calls racing a close).
func (e *Entry) MarkClosed() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// RecvTimeout returns the configured receive timeout in ms, or
// (0, false) if unset.
func (e *Entry) RecvTimeout() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recvTimeout == TimeoutUnset {
		return 0, false
	}
	return e.recvTimeout, true
}

// SendTimeout returns the configured send timeout in ms, or
// (0, false) if unset.
func (e *Entry) SendTimeout() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendTimeout == TimeoutUnset {
		return 0, false
	}
	return e.sendTimeout, true
}

// SetRecvTimeout configures the receive timeout in ms. Pass
// TimeoutUnset to clear it.
func (e *Entry) SetRecvTimeout(ms int64) {
	e.mu.Lock()
	e.recvTimeout = ms
	e.mu.Unlock()
}

// SetSendTimeout configures the send timeout in ms. Pass
// TimeoutUnset to clear it.
func (e *Entry) SetSendTimeout(ms int64) {
	e.mu.Lock()
	e.sendTimeout = ms
	e.mu.Unlock()
}

// Table is the process-wide fd table: a slice indexed directly by fd
// number, grown on demand, protected by one RWMutex for the slice
// itself (readers share; growth and insertion take the writer lock).
type Table struct {
	mu      sync.RWMutex
	entries []*Entry
}

// New creates an empty table pre-sized to the default initial
// capacity.
func New() *Table {
	return &Table{entries: make([]*Entry, initialCapacity)}
}

// Get returns the existing entry for fd, or creates one when
// autoCreate is true. A negative fd always returns (nil, false).
//
// On first creation the fd is probed with fstat: if it reports a
// socket, the entry is marked is-socket and the descriptor is forced
// into O_NONBLOCK mode via fcntl, preserving whatever other flags
// were already set (read-modify-write of F_GETFL/F_SETFL, never a
// blind overwrite).
func (t *Table) Get(fd int, autoCreate bool) (*Entry, bool) {
	if fd < 0 {
		return nil, false
	}

	t.mu.RLock()
	if fd < len(t.entries) && t.entries[fd] != nil {
		e := t.entries[fd]
		t.mu.RUnlock()
		return e, true
	}
	t.mu.RUnlock()

	if !autoCreate {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < len(t.entries) && t.entries[fd] != nil {
		return t.entries[fd], true
	}
	if fd >= len(t.entries) {
		newCap := fd + 1
		if grown := (len(t.entries) * 3) / 2; grown > newCap {
			newCap = grown
		}
		grown := make([]*Entry, newCap)
		copy(grown, t.entries)
		t.entries = grown
	}

	e := &Entry{fd: fd, recvTimeout: TimeoutUnset, sendTimeout: TimeoutUnset}
	probe(e)
	t.entries[fd] = e
	return e, true
}

// Delete removes fd's entry from the table, if present.
func (t *Table) Delete(fd int) {
	if fd < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.entries) && t.entries[fd] != nil {
		t.entries[fd].MarkClosed()
		t.entries[fd] = nil
	}
}

// probe performs the one-time fstat-then-force-nonblocking dance for
// a freshly created entry.
func probe(e *Entry) {
	var stat unix.Stat_t
	if err := unix.Fstat(e.fd, &stat); err != nil {
		e.initialized = false
		e.isSocket = false
		return
	}
	e.initialized = true
	e.isSocket = stat.Mode&unix.S_IFMT == unix.S_IFSOCK

	if !e.isSocket {
		e.nonblock = false
		return
	}

	flags, err := unix.FcntlInt(uintptr(e.fd), unix.F_GETFL, 0)
	if err == nil && flags&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(e.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	}
	e.nonblock = true
}
