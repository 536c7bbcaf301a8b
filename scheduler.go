package immortan

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultReceiveGracePeriod defines the default for how long an
	// incomplete mpp set is held while waiting for the other set members
	// to arrive.
	DefaultReceiveGracePeriod = 60 * time.Second
)

// timeoutScheduler delivers a single deferred token to its owner after the
// receive-grace interval. Scheduling a new token cancels the pending one, so
// at most one delivery is outstanding.
type timeoutScheduler struct {
	clock   clock.Clock
	grace   time.Duration
	deliver func(token interface{})

	mu      sync.Mutex
	pending chan struct{}
}

func newTimeoutScheduler(c clock.Clock, grace time.Duration,
	deliver func(token interface{})) *timeoutScheduler {

	return &timeoutScheduler{
		clock:   c,
		grace:   grace,
		deliver: deliver,
	}
}

// replaceWork schedules delivery of token after the grace interval,
// cancelling any previously pending delivery.
func (t *timeoutScheduler) replaceWork(token interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		close(t.pending)
	}

	cancel := make(chan struct{})
	t.pending = cancel

	go func() {
		select {
		case <-t.clock.TickAfter(t.grace):
			t.deliver(token)

		case <-cancel:
		}
	}()
}

// stop cancels the pending delivery, if any.
func (t *timeoutScheduler) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending != nil {
		close(t.pending)
		t.pending = nil
	}
}
