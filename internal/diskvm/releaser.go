package diskvm

import (
	"log/slog"
	"sync"
)

// ReleaserStack is a LIFO registry of cleanup closures, the Go analogue of
// Python's contextlib.ExitStack as used for mount_contexts in the original
// runner. Acquire a resource, Push its release closure immediately, and let
// Close (or PopAll, for ownership transfer to a longer-lived stack) release
// everything in reverse-acquisition order.
type ReleaserStack struct {
	mu        sync.Mutex
	closers   []func() error
}

// NewReleaserStack returns an empty stack.
func NewReleaserStack() *ReleaserStack {
	return &ReleaserStack{}
}

// Push registers a cleanup closure to run on Close, in LIFO order relative
// to other registered closures.
func (s *ReleaserStack) Push(closer func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, closer)
}

// PopAll removes and returns every registered closure without running them,
// transferring ownership to a caller who will register them on another
// stack. This implements the "keep_mounted" promotion: moving an
// analysis-scoped overlay's release into the run-scoped registry so it
// survives until VM shutdown.
func (s *ReleaserStack) PopAll() []func() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.closers
	s.closers = nil
	return out
}

// Close runs every registered closure in reverse order (children before
// parents), logging and continuing past individual failures so one stuck
// mount never blocks release of the rest.
func (s *ReleaserStack) Close() {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			slog.Warn("cleanup step failed", "error", err)
		}
	}
}
