package daemon

import (
	"context"
	"sync"
)

// runOutcome is delivered to callers waiting on a triggered run.
type runOutcome struct {
	Report Report
	Err    error
}

// scheduler coalesces run triggers: any number of triggers arriving while a
// run is in progress produce exactly one follow-up run.
type scheduler struct {
	wake chan struct{}

	mu      sync.Mutex
	reasons []string
	waiters []chan runOutcome
}

func newScheduler() *scheduler {
	return &scheduler{wake: make(chan struct{}, 1)}
}

// trigger requests a run. reply, when non-nil, receives the outcome of the
// run that picks the request up; it must have room for one value.
func (s *scheduler) trigger(reason string, reply chan runOutcome) {
	s.mu.Lock()
	s.reasons = append(s.reasons, reason)
	if reply != nil {
		s.waiters = append(s.waiters, reply)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) take() (string, []chan runOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason := "coalesced"
	if len(s.reasons) > 0 {
		reason = s.reasons[0]
	}
	w := s.waiters
	s.reasons, s.waiters = nil, nil
	return reason, w
}

// loop calls run once per wake-up until ctx is done. Waiters still queued
// at exit receive ctx's error.
func (s *scheduler) loop(ctx context.Context, run func(ctx context.Context, reason string) (Report, error)) error {
	for {
		select {
		case <-ctx.Done():
			_, waiters := s.take()
			for _, w := range waiters {
				w <- runOutcome{Err: ctx.Err()}
			}
			return nil
		case <-s.wake:
			reason, waiters := s.take()
			report, err := run(ctx, reason)
			for _, w := range waiters {
				w <- runOutcome{Report: report, Err: err}
			}
		}
	}
}
