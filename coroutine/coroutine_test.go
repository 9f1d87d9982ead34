package coroutine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeYieldRoundTrip(t *testing.T) {
	var trace []string

	c := New(func() {
		trace = append(trace, "a")
		Yield()
		trace = append(trace, "b")
	}, 0)

	require.Equal(t, StateInit, c.State())

	require.NoError(t, c.Resume())
	assert.Equal(t, []string{"a"}, trace)
	assert.Equal(t, StateSuspended, c.State())

	require.NoError(t, c.Resume())
	assert.Equal(t, []string{"a", "b"}, trace)
	assert.Equal(t, StateDone, c.State())
}

func TestResumeNonResumableStateFails(t *testing.T) {
	c := New(func() {}, 0)
	require.NoError(t, c.Resume())
	assert.Equal(t, StateDone, c.State())

	err := c.Resume()
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestCoroutineFailureIsCaptured(t *testing.T) {
	c := New(func() {
		panic("boom")
	}, 0)

	require.NoError(t, c.Resume())
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, "boom", c.Failure())
}

func TestResetRequiresTerminalState(t *testing.T) {
	c := New(func() { Yield() }, 0)
	require.NoError(t, c.Resume())
	assert.Equal(t, StateSuspended, c.State())

	err := c.Reset(func() {})
	assert.ErrorIs(t, err, ErrResetPrecondition)

	require.NoError(t, c.Resume()) // drain to DONE
	assert.Equal(t, StateDone, c.State())

	require.NoError(t, c.Reset(func() {}))
	assert.Equal(t, StateInit, c.State())
}

func TestCurrentInsideCoroutine(t *testing.T) {
	var seen *Coroutine
	c := New(func() {
		seen = Current()
	}, 0)
	require.NoError(t, c.Resume())
	assert.Same(t, c, seen)
	assert.Nil(t, Current()) // back on the test goroutine, no registration
}

func TestYieldOutsideCoroutinePanics(t *testing.T) {
	assert.PanicsWithValue(t, ErrYieldOutsideCoroutine, func() {
		Yield()
	})
}

func TestResumerTracksCallingHost(t *testing.T) {
	h := NewHost() // registers this test goroutine as h's goroutine
	defer h.Deregister()

	var seenResumer *Coroutine
	c := New(func() {
		seenResumer = Current().Resumer()
	}, 0)

	require.NoError(t, c.Resume()) // called from the same goroutine h is registered on
	assert.Same(t, h, seenResumer)
}

func TestHostCannotBeResumed(t *testing.T) {
	h := NewHost()
	defer h.Deregister()
	assert.Equal(t, StateRunning, h.State())
	err := h.Resume()
	assert.ErrorIs(t, err, ErrHostCannotResume)
}

func TestStackSizeRounding(t *testing.T) {
	c := New(func() {}, 1)
	assert.Equal(t, minStackSize, c.stackSize)

	c2 := New(func() {}, minStackSize+1)
	assert.Equal(t, minStackSize+pageSize, c2.stackSize)

	c3 := New(func() {}, 0)
	assert.Equal(t, DefaultStackSize, c3.stackSize)
}
