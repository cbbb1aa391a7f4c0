// Package synthetic provides a synthetic reality source for demos and tests. It
// produces upstream frame snapshots for a user walking a circle with a handful
// of controllers, and acts as the device location collaborator.
package synthetic

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatialsync/internal/contextsvc"
	"github.com/banshee-data/spatialsync/internal/monitoring"
	"github.com/banshee-data/spatialsync/internal/posegraph"
	"github.com/banshee-data/spatialsync/internal/spatial"
	"github.com/banshee-data/spatialsync/internal/timeutil"
	"github.com/banshee-data/spatialsync/internal/wire"
)

var logf = monitoring.Prefixed("Synthetic")

// Ensure Source implements the location collaborator.
var _ contextsvc.LocationSource = (*Source)(nil)

// Source generates synthetic frame snapshots.
type Source struct {
	id      string
	clock   timeutil.Clock
	start   time.Time
	frameID atomic.Uint64

	// Configuration
	Origin          spatial.Geodetic        // geodetic position of the stage
	Tracking        wire.TrackingCapability // reported capability
	FrameRate       float64                 // frames per second
	WalkRadius      float64                 // metres, radius of the user's path
	WalkSpeedMPS    float64                 // metres per second along the path
	EyeHeight       float64                 // metres above stage
	ControllerCount int                     // controllers attached to the user
	Viewport        wire.Viewport           // full render target
	Stereo          bool                    // emit left/right subviews

	mu       sync.Mutex
	rng      *rand.Rand
	geo      *contextsvc.GeolocationOptions
	lastFix  *wire.GeolocationSample
	lastFixT time.Time
	starts   int
	stops    int
}

// NewSource creates a synthetic source with demo defaults. seed fixes the
// geolocation jitter so runs are reproducible.
func NewSource(clock timeutil.Clock, seed int64) *Source {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Source{
		id:              uuid.NewString(),
		clock:           clock,
		start:           clock.Now(),
		Origin:          spatial.Geodetic{Latitude: 51.5074, Longitude: -0.1278, Height: 11},
		Tracking:        wire.Tracking6DOF,
		FrameRate:       30,
		WalkRadius:      2,
		WalkSpeedMPS:    0.8,
		EyeHeight:       1.65,
		ControllerCount: 2,
		Viewport:        wire.Viewport{Width: 1920, Height: 1080},
		Stereo:          true,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// ID identifies this source instance in logs and session labels.
func (s *Source) ID() string { return s.id }

// ControllerID returns the entity id of controller i.
func ControllerID(i int) string { return fmt.Sprintf("controller-%d", i) }

// StartGeolocation begins or reconfigures geodetic fixes.
func (s *Source) StartGeolocation(opts contextsvc.GeolocationOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := opts
	s.geo = &o
	s.lastFix = nil
	s.starts++
	logf("%s: geolocation started (accuracy=%.1fm high=%v interval=%v)", s.id, o.DesiredAccuracy, o.HighAccuracy, o.UpdateInterval)
	return nil
}

// StopGeolocation stops geodetic fixes.
func (s *Source) StopGeolocation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.geo == nil {
		return nil
	}
	s.geo = nil
	s.lastFix = nil
	s.stops++
	logf("%s: geolocation stopped", s.id)
	return nil
}

// TrackingCapability reports the configured capability.
func (s *Source) TrackingCapability() wire.TrackingCapability { return s.Tracking }

// Frames returns how many snapshots have been generated.
func (s *Source) Frames() uint64 { return s.frameID.Load() }

// GeolocationActive reports whether fixes are being produced.
func (s *Source) GeolocationActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geo != nil
}

// GeolocationCalls returns how many times geolocation was started and stopped.
func (s *Source) GeolocationCalls() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// NextFrame generates the next snapshot at the clock's current time.
func (s *Source) NextFrame() *wire.FrameSnapshot {
	s.frameID.Add(1)
	now := s.clock.Now()
	elapsed := now.Sub(s.start).Seconds()

	snap := &wire.FrameSnapshot{
		Timestamp: float64(now.Sub(s.start)) / float64(time.Millisecond),
		Time:      now,
		Entities:  make(map[string]*wire.EntityState),
		Viewport:  s.Viewport,
		Tracking:  s.Tracking,
	}

	fix := s.fix(now)
	if fix != nil {
		snap.Geolocation = fix
	} else {
		// Without a fix the device reports its own tracking space.
		snap.Entities[contextsvc.EntityStage] = state(spatial.Identity(), posegraph.RootInertial)
	}

	user := s.userPose(elapsed)
	snap.Entities[contextsvc.EntityUser] = state(user, contextsvc.EntityStage)

	for i := 0; i < s.ControllerCount; i++ {
		side := 1.0
		if i%2 == 1 {
			side = -1
		}
		swing := 0.15 * math.Sin(elapsed*2+float64(i))
		p := spatial.Pose{
			Position:    r3.Vec{X: 0.25 * side, Y: -0.45, Z: -0.3 + swing},
			Orientation: spatial.AxisAngle(r3.Vec{X: 1}, -0.4),
		}
		snap.Entities[ControllerID(i)] = state(p, contextsvc.EntityUser)
	}

	if s.Stereo {
		half := s.Viewport.Width / 2
		for i, eye := range []struct {
			name string
			x    float64
		}{{"left", -0.032}, {"right", 0.032}} {
			snap.Subviews = append(snap.Subviews, wire.Subview{
				Type:     eye.name,
				Viewport: &wire.Viewport{X: float64(i) * half, Width: half, Height: s.Viewport.Height},
				Pose:     state(spatial.Pose{Position: r3.Vec{X: eye.x}, Orientation: spatial.IdentityQuat}, contextsvc.EntityView),
			})
		}
	}
	return snap
}

// userPose walks the user around a circle in the stage's horizontal plane,
// facing along the direction of travel.
func (s *Source) userPose(elapsed float64) spatial.Pose {
	var angle float64
	if s.WalkRadius > 0 {
		angle = elapsed * s.WalkSpeedMPS / s.WalkRadius
	}
	return spatial.Pose{
		Position: r3.Vec{
			X: s.WalkRadius * math.Cos(angle),
			Y: s.EyeHeight,
			Z: -s.WalkRadius * math.Sin(angle),
		},
		Orientation: spatial.AxisAngle(r3.Vec{Y: 1}, angle),
	}
}

// fix returns the current geolocation sample, or nil when geolocation is not
// requested. A new fix is taken only once the requested interval has passed.
func (s *Source) fix(now time.Time) *wire.GeolocationSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.geo == nil {
		return nil
	}
	if s.lastFix != nil && now.Sub(s.lastFixT) < s.geo.UpdateInterval {
		f := *s.lastFix
		return &f
	}

	horizontal, vertical, heading := 5.0, 8.0, 15.0
	if s.geo.HighAccuracy {
		horizontal, vertical, heading = 1.5, 3.0, 5.0
	}
	if d := s.geo.DesiredAccuracy; d > 0 && d < horizontal {
		horizontal = d
	}

	// Jitter within the reported accuracy, in metres, converted to degrees.
	north := (s.rng.Float64()*2 - 1) * horizontal / 2
	east := (s.rng.Float64()*2 - 1) * horizontal / 2
	lat := s.Origin.Latitude + north/111320
	lon := s.Origin.Longitude + east/(111320*math.Cos(s.Origin.Latitude*math.Pi/180))

	f := &wire.GeolocationSample{
		Latitude:           lat,
		Longitude:          lon,
		Height:             s.Origin.Height,
		HorizontalAccuracy: &horizontal,
		VerticalAccuracy:   &vertical,
		HeadingAccuracy:    &heading,
	}
	s.lastFix = f
	s.lastFixT = now
	out := *f
	return &out
}

func state(p spatial.Pose, frame string) *wire.EntityState {
	return wire.NewEntityState(p, frame, posegraph.Meta{})
}
