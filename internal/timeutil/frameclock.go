package timeutil

import "time"

// DefaultMaxDeltaTime caps the per-frame delta (in milliseconds) so that a
// stalled source cannot produce a huge simulation step.
const DefaultMaxDeltaTime = 1000.0 / 3.0

// FrameClock accumulates a monotonic frame timestamp from a raw, possibly
// jittery source timestamp. All values are in milliseconds.
//
// The zero value is not usable; construct with NewFrameClock.
type FrameClock struct {
	maxDeltaTime float64
	timestamp    float64
	deltaTime    float64
	time         time.Time
	started      bool
}

// NewFrameClock returns a clock that has not started (Timestamp() == -1).
// A non-positive maxDeltaTime selects DefaultMaxDeltaTime.
func NewFrameClock(maxDeltaTime float64) *FrameClock {
	if maxDeltaTime <= 0 {
		maxDeltaTime = DefaultMaxDeltaTime
	}
	return &FrameClock{maxDeltaTime: maxDeltaTime, timestamp: -1}
}

// Advance moves the clock to raw and returns the new timestamp and delta.
//
// The first call seeds the timestamp with raw and reports a zero delta. Later
// calls report delta = clamp(raw - timestamp, 0, maxDeltaTime) and add it to the
// accumulated timestamp, so out-of-order or jumped inputs never move time
// backwards or by more than maxDeltaTime.
func (c *FrameClock) Advance(raw float64) (timestamp, deltaTime float64) {
	if !c.started {
		c.started = true
		c.timestamp = raw
		c.deltaTime = 0
		return c.timestamp, c.deltaTime
	}

	delta := raw - c.timestamp
	if delta < 0 || delta != delta {
		delta = 0
	}
	if delta > c.maxDeltaTime {
		delta = c.maxDeltaTime
	}
	c.deltaTime = delta
	c.timestamp += delta
	return c.timestamp, c.deltaTime
}

// SetTime records the absolute time paired with the current frame.
func (c *FrameClock) SetTime(t time.Time) {
	c.time = t
}

// Timestamp is the accumulated frame timestamp, or -1 before the first Advance.
func (c *FrameClock) Timestamp() float64 { return c.timestamp }

// DeltaTime is the capped delta of the most recent Advance.
func (c *FrameClock) DeltaTime() float64 { return c.deltaTime }

// Time is the absolute time of the current frame.
func (c *FrameClock) Time() time.Time { return c.time }

// MaxDeltaTime returns the configured cap.
func (c *FrameClock) MaxDeltaTime() float64 { return c.maxDeltaTime }

// Started reports whether Advance has been called at least once.
func (c *FrameClock) Started() bool { return c.started }

// Snapshot returns a copy of the clock state.
func (c *FrameClock) Snapshot() FrameTime {
	return FrameTime{
		Timestamp: c.timestamp,
		DeltaTime: c.deltaTime,
		Time:      c.time,
	}
}

// FrameTime is an immutable copy of the frame clock fields.
type FrameTime struct {
	Timestamp float64
	DeltaTime float64
	Time      time.Time
}
