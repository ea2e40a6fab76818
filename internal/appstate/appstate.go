// Package appstate carries the host application's foreground/background
// signal into the pipeline. The signal only decides whether a newly admitted
// pending transaction is streamed for immediate display or returned for a
// notification; a stale read affects latency, never correctness.
package appstate

import "sync/atomic"

// Signal is an injected, eventually consistent lifecycle flag.
type Signal struct {
	foreground atomic.Bool
}

// NewSignal creates a signal in the background state.
func NewSignal() *Signal {
	return &Signal{}
}

// SetForeground records the host application's visibility.
func (s *Signal) SetForeground(v bool) {
	s.foreground.Store(v)
}

// Foreground reports the last recorded visibility.
func (s *Signal) Foreground() bool {
	return s.foreground.Load()
}
