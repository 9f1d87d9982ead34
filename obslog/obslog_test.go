package obslog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscardLoggerDoesNotPanic(t *testing.T) {
	l := Discard()
	require.NotNil(t, l)
	assert.NotPanics(t, func() {
		l.Info().Str("k", "v").Log("hello")
	})
}

func TestOrGlobalFallsBackWhenNil(t *testing.T) {
	orig := Global()
	t.Cleanup(func() { SetGlobal(orig) })

	custom := Discard()
	SetGlobal(custom)

	assert.Same(t, custom, OrGlobal(nil))
	other := Discard()
	assert.Same(t, other, OrGlobal(other))
}
