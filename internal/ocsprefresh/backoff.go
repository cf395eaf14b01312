// Package ocsprefresh keeps the OCSP cache warm: a single scheduler loop
// runs a worker that fetches fresh responses for every known certificate,
// backing off along a Fibonacci progression when a round fails.
package ocsprefresh

import "time"

// JobState is the backoff state of the refresh job. It is not persisted.
type JobState struct {
	CurrentDelay  time.Duration
	PreviousDelay time.Duration
	Failed        bool
}

// Backoff computes the delay before the next fetch. After a success the
// delay is the freshness interval. After consecutive failures it follows
// base, base, 2·base, 3·base, 5·base, ... capped at the interval.
type Backoff struct {
	Base     time.Duration
	Interval time.Duration
	state    JobState
}

// NewBackoff returns a backoff seeded at base and capped at interval.
func NewBackoff(base, interval time.Duration) *Backoff {
	return &Backoff{Base: base, Interval: interval}
}

// Next records the outcome of a fetch and returns the delay until the next one.
func (b *Backoff) Next(success bool) time.Duration {
	if success {
		b.state = JobState{}
		return b.Interval
	}
	s := &b.state
	if !s.Failed || s.CurrentDelay == 0 {
		s.CurrentDelay, s.PreviousDelay = b.Base, 0
	} else if s.CurrentDelay < b.Interval {
		s.CurrentDelay, s.PreviousDelay = s.CurrentDelay+s.PreviousDelay, s.CurrentDelay
	}
	s.Failed = true
	return b.Current()
}

// Current returns the delay the state machine is waiting on, without
// advancing it.
func (b *Backoff) Current() time.Duration {
	if !b.state.Failed {
		return b.Interval
	}
	if b.state.CurrentDelay > b.Interval {
		return b.Interval
	}
	return b.state.CurrentDelay
}

// State returns a copy of the backoff state.
func (b *Backoff) State() JobState { return b.state }
