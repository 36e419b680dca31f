package pbft

import "time"

// timeoutState is the internal state machine of a Timeout.
type timeoutState int

const (
	timeoutInactive timeoutState = iota
	timeoutActive
	timeoutExpired
)

// Timeout is a one-shot timer with {inactive, active, expired} states. The
// core does no background work: progress is driven by explicit calls to
// CheckExpired. Elapsed time is read from the wall clock (time.Now); there
// is no way to substitute a virtual clock.
// Mirrors original_source/src/timing.rs's Timeout.
type Timeout struct {
	state    timeoutState
	duration time.Duration
	start    time.Time
}

// NewTimeout constructs an inactive Timeout with the given duration.
func NewTimeout(duration time.Duration) *Timeout {
	return &Timeout{
		state:    timeoutInactive,
		duration: duration,
		start:    time.Now(),
	}
}

// CheckExpired transitions Active -> Expired once the duration has elapsed,
// and reports whether the timeout is (now) expired. Inactive timeouts never
// report expired.
func (t *Timeout) CheckExpired() bool {
	if t.state == timeoutActive && time.Since(t.start) > t.duration {
		t.state = timeoutExpired
	}
	return t.state == timeoutExpired
}

// Start arms the timeout, resetting its clock.
func (t *Timeout) Start() {
	t.state = timeoutActive
	t.start = time.Now()
}

// Stop disarms the timeout, returning it to Inactive.
func (t *Timeout) Stop() {
	t.state = timeoutInactive
	t.start = time.Now()
}

// Ticker invokes a callback at most once per period. It is not a scheduler:
// the host must call Tick repeatedly for any work to happen.
type Ticker struct {
	last   time.Time
	period time.Duration
}

// NewTicker constructs a Ticker with the given period, considered to have
// just fired.
func NewTicker(period time.Duration) *Ticker {
	return &Ticker{last: time.Now(), period: period}
}

// Tick runs callback if the period has elapsed since the last time callback
// ran, and resets the clock.
func (t *Ticker) Tick(callback func()) {
	if time.Since(t.last) >= t.period {
		callback()
		t.last = time.Now()
	}
}
