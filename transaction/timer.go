package transaction

import "time"

// retryTimer is a one-shot timer with a consecutive-expiry counter, used
// for acknowledgment waits and NAK rounds. A disarmed timer exposes a nil
// channel, which blocks forever in a select.
type retryTimer struct {
	interval time.Duration
	limit    int

	timer *time.Timer
	count int
}

func newRetryTimer(interval time.Duration, limit int) *retryTimer {
	return &retryTimer{interval: interval, limit: limit}
}

// start resets the expiry counter and arms the timer.
func (t *retryTimer) start() {
	t.count = 0
	t.arm()
}

// arm schedules the next expiry without touching the counter.
func (t *retryTimer) arm() {
	t.stop()
	t.timer = time.NewTimer(t.interval)
}

// stop disarms the timer, leaving the counter intact.
func (t *retryTimer) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// C returns the expiry channel, or nil when disarmed.
func (t *retryTimer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

// expired records one expiry and reports whether the limit is exhausted.
// The caller re-arms when it retries.
func (t *retryTimer) expired() bool {
	t.timer = nil
	t.count++
	return t.count > t.limit
}

// resetCount clears the consecutive-expiry counter, used when awaited
// traffic arrives.
func (t *retryTimer) resetCount() {
	t.count = 0
}
