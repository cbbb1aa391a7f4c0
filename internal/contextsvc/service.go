// Package contextsvc owns the authoritative spatial context: it ingests one
// upstream frame snapshot per cycle into the pose graph, keeps the canonical
// entities (origin, stage, floor, user, view) current, and notifies observers
// in a fixed order once the frame is committed.
package contextsvc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/spatialsync/internal/monitoring"
	"github.com/banshee-data/spatialsync/internal/posegraph"
	"github.com/banshee-data/spatialsync/internal/timeutil"
	"github.com/banshee-data/spatialsync/internal/wire"
)

// ErrFrameInProgress is returned when a snapshot is submitted while another
// cycle, including its notifications, is still running.
var ErrFrameInProgress = errors.New("frame cycle in progress")

var logf = monitoring.Prefixed("Context")

// OriginChange is raised when the reference frame backing origin changes.
type OriginChange struct {
	Previous string
	Current  string
	Frame    uint64
}

// FrameState is one committed cycle. It is immutable once published.
type FrameState struct {
	Graph    *posegraph.Graph
	Time     timeutil.FrameTime
	Snapshot *wire.FrameSnapshot
	Tracking wire.TrackingCapability

	subviews int
}

// Stats holds cumulative service counters.
type Stats struct {
	Frames             uint64    `json:"frames"`
	MalformedSnapshots uint64    `json:"malformed_snapshots"`
	ObserverFaults     uint64    `json:"observer_faults"`
	OriginChanges      uint64    `json:"origin_changes"`
	Entities           int       `json:"entities"`
	Subscriptions      int       `json:"subscriptions"`
	GraphFrame         uint64    `json:"graph_frame"`
	LastFrameAt        time.Time `json:"last_frame_at,omitempty"`
}

// Service is the spatial context service.
//
// SubmitFrameState may be called from any goroutine; cycles never overlap.
// Queries may be issued from any goroutine and always observe one complete
// frame.
type Service struct {
	opts  Options
	clock timeutil.Clock

	// Cycle state, guarded by cycleMu. cycleOwner is the goroutine running
	// the current cycle, 0 when idle.
	cycleMu     sync.Mutex
	cycleOwner  atomic.Uint64
	frameClock  timeutil.FrameClock
	originFrame string

	state atomic.Pointer[FrameState]

	subMu         sync.Mutex
	subscriptions map[string]int
	geoRequested  bool
	geoOptions    GeolocationOptions

	// Notification channels, raised in this order on every accepted snapshot.
	// OriginChangeEvent is raised only in cycles where origin's frame changed.
	OriginChangeEvent *Event[OriginChange]
	UpdateEvent       *Event[*FrameState]
	RenderEvent       *Event[*FrameState]
	PostRenderEvent   *Event[*FrameState]

	frames         atomic.Uint64
	malformed      atomic.Uint64
	observerFaults atomic.Uint64
	originChanges  atomic.Uint64
	lastFrameAt    atomic.Int64
}

// New creates a Service whose graph holds the canonical entities, all with
// undefined poses.
func New(opts Options) *Service {
	def := DefaultOptions()
	if opts.MaxDeltaTime <= 0 {
		opts.MaxDeltaTime = def.MaxDeltaTime
	}
	if opts.UserHeight == 0 {
		opts.UserHeight = def.UserHeight
	}
	if opts.DefaultReferenceFrame == "" {
		opts.DefaultReferenceFrame = def.DefaultReferenceFrame
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	s := &Service{
		opts:              opts,
		clock:             clock,
		frameClock:        *timeutil.NewFrameClock(opts.MaxDeltaTime),
		subscriptions:     make(map[string]int),
		OriginChangeEvent: NewEvent[OriginChange]("origin-change"),
		UpdateEvent:       NewEvent[*FrameState]("update"),
		RenderEvent:       NewEvent[*FrameState]("render"),
		PostRenderEvent:   NewEvent[*FrameState]("post-render"),
	}

	// Canonical ids are valid by construction.
	g, _ := posegraph.Seed(CanonicalEntities...)
	s.state.Store(&FrameState{
		Graph: g,
		Time:  s.frameClock.Snapshot(),
	})
	return s
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// FrameState returns the most recently committed frame.
func (s *Service) FrameState() *FrameState { return s.state.Load() }

// Graph returns the most recently committed graph.
func (s *Service) Graph() *posegraph.Graph { return s.state.Load().Graph }

// Snapshot returns the latest accepted upstream snapshot, or nil before the first.
func (s *Service) Snapshot() *wire.FrameSnapshot { return s.state.Load().Snapshot }

// Timestamp is the accumulated frame timestamp in milliseconds, -1 before the first frame.
func (s *Service) Timestamp() float64 { return s.state.Load().Time.Timestamp }

// DeltaTime is the capped delta of the latest frame in milliseconds.
func (s *Service) DeltaTime() float64 { return s.state.Load().Time.DeltaTime }

// Time is the absolute time of the latest frame.
func (s *Service) Time() time.Time { return s.state.Load().Time.Time }

// TrackingCapability is the capability applied to the latest frame.
func (s *Service) TrackingCapability() wire.TrackingCapability {
	return s.state.Load().Tracking
}

// Subscribe registers interest in id. The entity is tracked from the next
// ingested frame on, even if no snapshot defines it. The returned entity is the
// committed one when it exists, otherwise an undefined placeholder.
func (s *Service) Subscribe(id string) (posegraph.Entity, error) {
	if id == "" || posegraph.IsRootFrame(id) {
		return posegraph.Entity{}, fmt.Errorf("%w: cannot subscribe to %q", posegraph.ErrInvalidID, id)
	}
	s.subMu.Lock()
	s.subscriptions[id]++
	s.subMu.Unlock()

	if e, ok := s.Graph().Entity(id); ok {
		return e, nil
	}
	return posegraph.Entity{ID: id}, nil
}

// Unsubscribe releases one Subscribe of id. The entity itself is kept; if the
// producer stops sending it, it goes stale.
func (s *Service) Unsubscribe(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if n := s.subscriptions[id]; n > 1 {
		s.subscriptions[id] = n - 1
	} else {
		delete(s.subscriptions, id)
	}
}

// SubscribedEntities returns the subscribed ids in order.
func (s *Service) SubscribedEntities() []string {
	s.subMu.Lock()
	ids := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	s.subMu.Unlock()
	sort.Strings(ids)
	return ids
}

// SubscribeGeolocation asks the location source to produce geodetic updates
// for stage. A nil opts requests the default profile. Calling it again
// reconfigures the running request.
func (s *Service) SubscribeGeolocation(opts *GeolocationOptions) error {
	var o GeolocationOptions
	if opts != nil {
		o = *opts
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.opts.Location != nil {
		if err := s.opts.Location.StartGeolocation(o); err != nil {
			return fmt.Errorf("start geolocation: %w", err)
		}
	}
	s.geoRequested = true
	s.geoOptions = o
	logf("geolocation requested: accuracy=%.1fm high=%v interval=%v", o.DesiredAccuracy, o.HighAccuracy, o.UpdateInterval)
	return nil
}

// UnsubscribeGeolocation withdraws the geolocation request. It is a no-op when
// nothing is requested.
func (s *Service) UnsubscribeGeolocation() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if !s.geoRequested {
		return nil
	}
	s.geoRequested = false
	s.geoOptions = GeolocationOptions{}
	logf("geolocation withdrawn")
	if s.opts.Location != nil {
		if err := s.opts.Location.StopGeolocation(); err != nil {
			return fmt.Errorf("stop geolocation: %w", err)
		}
	}
	return nil
}

// GeolocationRequested returns the active request, if any.
func (s *Service) GeolocationRequested() (GeolocationOptions, bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.geoOptions, s.geoRequested
}

func (s *Service) geolocation() *wire.GeolocationSample {
	if snap := s.state.Load().Snapshot; snap != nil {
		return snap.Geolocation
	}
	return nil
}

// GeoHorizontalAccuracy is the horizontal accuracy in metres of the latest geolocation sample.
func (s *Service) GeoHorizontalAccuracy() (float64, bool) {
	if g := s.geolocation(); g != nil && g.HorizontalAccuracy != nil {
		return *g.HorizontalAccuracy, true
	}
	return 0, false
}

// GeoVerticalAccuracy is the vertical accuracy in metres of the latest geolocation sample.
func (s *Service) GeoVerticalAccuracy() (float64, bool) {
	if g := s.geolocation(); g != nil && g.VerticalAccuracy != nil {
		return *g.VerticalAccuracy, true
	}
	return 0, false
}

// GeoHeadingAccuracy is the heading accuracy in degrees of the latest geolocation sample.
func (s *Service) GeoHeadingAccuracy() (float64, bool) {
	if g := s.geolocation(); g != nil && g.HeadingAccuracy != nil {
		return *g.HeadingAccuracy, true
	}
	return 0, false
}

// Stats returns a copy of the service counters.
func (s *Service) Stats() Stats {
	st := s.state.Load()
	s.subMu.Lock()
	subs := len(s.subscriptions)
	s.subMu.Unlock()

	out := Stats{
		Frames:             s.frames.Load(),
		MalformedSnapshots: s.malformed.Load(),
		ObserverFaults:     s.observerFaults.Load(),
		OriginChanges:      s.originChanges.Load(),
		Entities:           st.Graph.Len(),
		Subscriptions:      subs,
		GraphFrame:         st.Graph.Frame(),
	}
	if ns := s.lastFrameAt.Load(); ns != 0 {
		out.LastFrameAt = time.Unix(0, ns)
	}
	return out
}

func (s *Service) reportFaults(faults []error) {
	for _, err := range faults {
		s.observerFaults.Add(1)
		logf("%v", err)
	}
}
