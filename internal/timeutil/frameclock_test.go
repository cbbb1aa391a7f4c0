package timeutil

import (
	"math"
	"testing"
	"time"
)

func TestFrameClock_NotStarted(t *testing.T) {
	c := NewFrameClock(100)
	if c.Timestamp() != -1 {
		t.Errorf("expected sentinel -1 before first advance, got %f", c.Timestamp())
	}
	if c.Started() {
		t.Error("expected Started=false")
	}
}

func TestFrameClock_DefaultCap(t *testing.T) {
	c := NewFrameClock(0)
	if c.MaxDeltaTime() != DefaultMaxDeltaTime {
		t.Errorf("expected default cap %f, got %f", DefaultMaxDeltaTime, c.MaxDeltaTime())
	}
}

func TestFrameClock_FirstAdvanceSeeds(t *testing.T) {
	c := NewFrameClock(100)
	ts, dt := c.Advance(5000)
	if ts != 5000 || dt != 0 {
		t.Errorf("first advance = (%f, %f), want (5000, 0)", ts, dt)
	}
}

func TestFrameClock_CapsLargeJumps(t *testing.T) {
	c := NewFrameClock(100)
	c.Advance(0)

	ts, dt := c.Advance(16)
	if ts != 16 || dt != 16 {
		t.Errorf("advance(16) = (%f, %f), want (16, 16)", ts, dt)
	}

	ts, dt = c.Advance(10_000)
	if dt != 100 {
		t.Errorf("expected capped delta 100, got %f", dt)
	}
	if ts != 116 {
		t.Errorf("expected accumulated timestamp 116, got %f", ts)
	}
}

func TestFrameClock_OutOfOrderInput(t *testing.T) {
	c := NewFrameClock(100)
	c.Advance(1000)
	ts, dt := c.Advance(900)
	if dt != 0 {
		t.Errorf("expected zero delta for out-of-order input, got %f", dt)
	}
	if ts != 1000 {
		t.Errorf("timestamp moved backwards: %f", ts)
	}
}

func TestFrameClock_Invariants(t *testing.T) {
	const maxDelta = 50.0
	inputs := []float64{3, 10, 9, 1e6, 1e6 + 1, -20, 400, 401, 402, math.NaN(), 1e9, 0, 17}

	c := NewFrameClock(maxDelta)
	prev := math.Inf(-1)
	for i, raw := range inputs {
		ts, dt := c.Advance(raw)
		if i == 0 {
			prev = ts
			continue
		}
		if dt < 0 || dt > maxDelta {
			t.Fatalf("step %d: delta %f outside [0, %f]", i, dt, maxDelta)
		}
		if ts < prev {
			t.Fatalf("step %d: timestamp decreased %f -> %f", i, prev, ts)
		}
		prev = ts
	}
}

func TestFrameClock_SetTimeAndSnapshot(t *testing.T) {
	c := NewFrameClock(100)
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	c.Advance(10)
	c.Advance(30)
	c.SetTime(at)

	snap := c.Snapshot()
	if snap.Timestamp != 30 || snap.DeltaTime != 20 || !snap.Time.Equal(at) {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}
