package request

import (
	"sync/atomic"

	"github.com/juju/clock"
)

// Sequencer hands out strictly increasing numbers seeded from the clock, so
// requests created in the same second still have a total order.
type Sequencer struct {
	clock clock.Clock
	last  atomic.Int64
}

// NewSequencer creates a Sequencer on clk.
func NewSequencer(clk clock.Clock) *Sequencer {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Sequencer{clock: clk}
}

// Next returns a number greater than every number returned before.
func (s *Sequencer) Next() int64 {
	now := s.clock.Now().UnixNano()
	for {
		last := s.last.Load()
		next := max(now, last+1)
		if s.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
