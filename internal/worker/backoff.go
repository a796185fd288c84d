package worker

import "time"

// PollBackoff is the state machine behind the worker's empty-poll delay:
// consecutive misses double the delay up to a cap, any hit resets it. It is
// pure state so the policy is testable without a clock or sleeps.
type PollBackoff struct {
	initial time.Duration
	max     time.Duration
	misses  int
}

func NewPollBackoff(initial, max time.Duration) *PollBackoff {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &PollBackoff{initial: initial, max: max}
}

// Next records a miss and returns how long to wait before the next poll.
func (b *PollBackoff) Next() time.Duration {
	d := b.initial
	for i := 0; i < b.misses; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	b.misses++
	return d
}

// Reset clears the miss counter after a successful claim.
func (b *PollBackoff) Reset() {
	b.misses = 0
}
