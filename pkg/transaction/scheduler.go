package transaction

import (
	"context"
	"sync"
	"time"
)

// scheduler carries out the auto-commit decisions of one manager. A
// deferred commit is armed for a single transaction ID; every add re-arms
// it, and it is dropped when the transaction ends by other means.
type scheduler struct {
	commit func(ctx context.Context, txID string)

	mu    sync.Mutex
	timer *time.Timer
	txID  string
	// generation invalidates timers that fired while being replaced
	generation uint64
}

func newScheduler(commit func(ctx context.Context, txID string)) *scheduler {
	return &scheduler{commit: commit}
}

// apply acts on the decision taken after an operation was staged into txID.
// commitNow runs on the calling goroutine.
func (s *scheduler) apply(ctx context.Context, decision commitDecision, txID string, delay time.Duration) {
	switch decision {
	case commitNow:
		s.stop()
		s.commit(ctx, txID)
	case commitDeferred:
		s.arm(context.WithoutCancel(ctx), txID, delay)
	}
}

func (s *scheduler) arm(ctx context.Context, txID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.txID = txID
	gen := s.generation
	s.timer = time.AfterFunc(delay, func() { s.fire(ctx, txID, gen) })
}

func (s *scheduler) fire(ctx context.Context, txID string, gen uint64) {
	s.mu.Lock()
	if gen != s.generation || txID != s.txID {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.txID = ""
	s.mu.Unlock()

	s.commit(ctx, txID)
}

// pending reports whether a deferred commit is armed.
func (s *scheduler) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.txID = ""
	s.generation++
}
