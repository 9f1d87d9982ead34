// Package obslog is the shared logging facility every component takes
// an optional handle to: a thin wrapper around
// github.com/joeycumines/logiface backed by
// github.com/joeycumines/stumpy.
package obslog

import (
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type every component accepts.
type Logger = logiface.Logger[*stumpy.Event]

var (
	mu     sync.RWMutex
	global *Logger
)

func init() {
	global = New()
}

// New builds a logger writing newline-delimited JSON to stderr,
// matching stumpy's own default writer.
func New(options ...stumpy.Option) *Logger {
	return stumpy.L.New(stumpy.L.WithStumpy(options...))
}

// Discard returns a logger that drops everything, for components and
// tests that don't want to configure one explicitly.
func Discard() *Logger {
	return stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(discardWriter{})))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetGlobal replaces the package-level default logger, under a
// read-write lock.
func SetGlobal(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

// Global returns the current package-level default logger.
func Global() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// OrGlobal returns l if non-nil, else the package-level default —
// the nil-safe accessor every component uses internally so a caller
// who didn't configure a logger still gets one.
func OrGlobal(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return Global()
}
