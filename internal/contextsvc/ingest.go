package contextsvc

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/spatialsync/internal/posegraph"
	"github.com/banshee-data/spatialsync/internal/spatial"
	"github.com/banshee-data/spatialsync/internal/wire"
)

// SubmitFrameState runs one cycle: ingest snap, refresh the canonical entities,
// commit, then raise origin-change (when applicable), update, render and
// post-render in that order.
//
// Concurrent calls run one cycle at a time. A call made from an observer of
// the running cycle returns ErrFrameInProgress.
//
// A malformed snapshot leaves the committed frame, the clock and the baseline
// untouched and is returned wrapping wire.ErrMalformedSnapshot. Observer faults
// are logged and counted but never fail the cycle.
func (s *Service) SubmitFrameState(snap *wire.FrameSnapshot, ov FrameOverrides) error {
	end, err := s.beginCycle()
	if err != nil {
		return err
	}
	defer end()

	if err := snap.Validate(); err != nil {
		s.malformed.Add(1)
		logf("rejected snapshot: %v", err)
		return err
	}

	prev := s.state.Load()
	clock := s.frameClock
	clock.Advance(snap.Timestamp)
	clock.SetTime(snap.Time)

	tracking := s.trackingFor(snap)
	b := prev.Graph.Edit()
	if err := s.ingestEntities(b, snap); err != nil {
		s.malformed.Add(1)
		logf("rejected snapshot: %v", err)
		return err
	}
	subviews, err := s.refreshCanonical(b, snap, ov, tracking, prev.subviews)
	if err != nil {
		s.malformed.Add(1)
		logf("rejected snapshot: %v", err)
		return fmt.Errorf("%w: %w", wire.ErrMalformedSnapshot, err)
	}

	state := &FrameState{
		Graph:    b.Commit(),
		Time:     clock.Snapshot(),
		Snapshot: snap.Clone(),
		Tracking: tracking,
		subviews: subviews,
	}
	s.frameClock = clock
	s.state.Store(state)
	s.frames.Add(1)
	s.lastFrameAt.Store(s.clock.Now().UnixNano())

	origin, _ := state.Graph.Entity(EntityOrigin)
	if cur := origin.Frame(); cur != s.originFrame {
		change := OriginChange{Previous: s.originFrame, Current: cur, Frame: state.Graph.Frame()}
		s.originFrame = cur
		s.originChanges.Add(1)
		logf("origin frame changed %q -> %q at frame %d", change.Previous, change.Current, change.Frame)
		s.reportFaults(s.OriginChangeEvent.Raise(change))
	}
	s.reportFaults(s.UpdateEvent.Raise(state))
	s.reportFaults(s.RenderEvent.Raise(state))
	s.reportFaults(s.PostRenderEvent.Raise(state))
	return nil
}

func (s *Service) trackingFor(snap *wire.FrameSnapshot) wire.TrackingCapability {
	if snap.Tracking != "" {
		return snap.Tracking
	}
	if s.opts.Location != nil {
		if c := s.opts.Location.TrackingCapability(); c != "" && c.Valid() {
			return c
		}
	}
	return wire.Tracking6DOF
}

// ingestEntities applies every non-canonical record and ensures subscribed ids.
// Canonical records are consumed by refreshCanonical.
func (s *Service) ingestEntities(b *posegraph.Builder, snap *wire.FrameSnapshot) error {
	ids := make([]string, 0, len(snap.Entities))
	for id := range snap.Entities {
		if !IsCanonical(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := snap.Entities[id]
		var err error
		if rec == nil {
			err = b.Undefine(id)
		} else {
			err = b.Upsert(id, recordSample(rec, snap.Time), rec.GraphMeta())
		}
		if err != nil {
			return fmt.Errorf("%w: entity %q: %w", wire.ErrMalformedSnapshot, id, err)
		}
	}

	for _, id := range s.SubscribedEntities() {
		if err := b.Ensure(id); err != nil {
			logf("skipping subscription %q: %v", id, err)
		}
	}
	return nil
}

func recordSample(rec *wire.EntityState, t time.Time) posegraph.Sample {
	return posegraph.Sample{Frame: rec.ReferenceFrame, Time: t, Pose: rec.Pose()}
}

// record returns the snapshot record for a canonical id; a null record counts as absent.
func record(snap *wire.FrameSnapshot, id string) (*wire.EntityState, bool) {
	rec, ok := snap.Entities[id]
	return rec, ok && rec != nil
}

// override fills the defaults of a caller-supplied sample.
func override(s posegraph.Sample, frame string, t time.Time) posegraph.Sample {
	if s.Frame == "" {
		s.Frame = frame
	}
	if s.Time.IsZero() {
		s.Time = t
	}
	return s
}

func (s *Service) refreshCanonical(b *posegraph.Builder, snap *wire.FrameSnapshot, ov FrameOverrides, tracking wire.TrackingCapability, prevSubviews int) (int, error) {
	t := snap.Time

	if err := s.refreshStage(b, snap, ov); err != nil {
		return 0, fmt.Errorf("stage: %w", err)
	}
	if err := refreshLocalFrames(b, t); err != nil {
		return 0, fmt.Errorf("local frames: %w", err)
	}

	floor := posegraph.Sample{
		Frame: EntityStage,
		Time:  t,
		Pose:  spatial.Pose{Position: r3.Vec{Y: s.opts.FloorOffset}, Orientation: spatial.IdentityQuat},
	}
	if ov.Floor != nil {
		floor = override(*ov.Floor, EntityStage, t)
	}
	if err := b.Upsert(EntityFloor, floor, posegraph.Meta{}); err != nil {
		return 0, fmt.Errorf("floor: %w", err)
	}

	if err := s.refreshUser(b, snap, ov, tracking); err != nil {
		return 0, fmt.Errorf("user: %w", err)
	}

	view := posegraph.Sample{Frame: EntityUser, Time: t, Pose: spatial.Identity()}
	var viewMeta posegraph.Meta
	if ov.OverrideView() {
		view = override(*ov.View, EntityUser, t)
	} else if rec, ok := record(snap, EntityView); ok {
		view, viewMeta = recordSample(rec, t), rec.GraphMeta()
	}
	if err := b.Upsert(EntityView, view, viewMeta); err != nil {
		return 0, fmt.Errorf("view: %w", err)
	}

	subviews, err := refreshSubviews(b, snap, ov, prevSubviews)
	if err != nil {
		return 0, err
	}

	origin := posegraph.Sample{Frame: EntityStage, Time: t, Pose: spatial.Identity()}
	var originMeta posegraph.Meta
	if rec, ok := record(snap, EntityOrigin); ok {
		origin, originMeta = recordSample(rec, t), rec.GraphMeta()
	}
	if err := b.Upsert(EntityOrigin, origin, originMeta); err != nil {
		return 0, fmt.Errorf("origin: %w", err)
	}
	return subviews, nil
}

// refreshStage applies the first available stage source: override, snapshot
// record, snapshot geolocation, site anchor. With none of these the previous
// stage is kept and goes stale.
func (s *Service) refreshStage(b *posegraph.Builder, snap *wire.FrameSnapshot, ov FrameOverrides) error {
	t := snap.Time
	if ov.OverrideStage() {
		return b.Upsert(EntityStage, override(*ov.Stage, posegraph.RootFixed, t), posegraph.Meta{})
	}
	if rec, ok := record(snap, EntityStage); ok {
		return b.Upsert(EntityStage, recordSample(rec, t), rec.GraphMeta())
	}
	if g := snap.Geolocation; g != nil {
		meta := posegraph.Meta{
			HorizontalAccuracy: g.HorizontalAccuracy,
			VerticalAccuracy:   g.VerticalAccuracy,
			HeadingAccuracy:    g.HeadingAccuracy,
		}
		return b.Upsert(EntityStage, geolocatedStage(g.Geodetic(), t), meta)
	}
	if s.opts.SiteAnchor != nil {
		return b.Upsert(EntityStage, geolocatedStage(*s.opts.SiteAnchor, t), posegraph.Meta{})
	}
	return nil
}

// geolocatedStage places stage at g in the Earth-fixed frame with its axes
// pointing east, up and south.
func geolocatedStage(g spatial.Geodetic, t time.Time) posegraph.Sample {
	return posegraph.Sample{
		Frame: posegraph.RootFixed,
		Time:  t,
		Pose: spatial.Pose{
			Position:    spatial.GeodeticToECEF(g),
			Orientation: spatial.EastUpSouth(g.Latitude, g.Longitude),
		},
	}
}

// refreshLocalFrames derives stageEastNorthUp and stageEastUpSouth from the
// Earth-fixed position of stage. Both are undefined when stage cannot be
// placed on the Earth, and left to go stale with stage when it was not
// refreshed this frame.
func refreshLocalFrames(b *posegraph.Builder, t time.Time) error {
	stage, err := b.Resolve(EntityStage, posegraph.RootFixed, time.Time{})
	var geo spatial.Geodetic
	ok := err == nil
	if ok {
		geo, ok = spatial.ECEFToGeodetic(stage.Position)
	}
	if !ok {
		if err := b.Undefine(EntityStageEastNorthUp); err != nil {
			return err
		}
		return b.Undefine(EntityStageEastUpSouth)
	}
	if !b.Refreshed(EntityStage) {
		return nil
	}

	enu := posegraph.Sample{
		Frame: posegraph.RootFixed,
		Time:  t,
		Pose:  spatial.Pose{Position: stage.Position, Orientation: spatial.EastNorthUp(geo.Latitude, geo.Longitude)},
	}
	if err := b.Upsert(EntityStageEastNorthUp, enu, posegraph.Meta{}); err != nil {
		return err
	}
	eus := enu
	eus.Pose.Orientation = spatial.EastUpSouth(geo.Latitude, geo.Longitude)
	return b.Upsert(EntityStageEastUpSouth, eus, posegraph.Meta{})
}

// refreshUser applies the tracking capability to the user record: 6DOF keeps
// it as given, 3DOF keeps only its orientation and none keeps neither.
func (s *Service) refreshUser(b *posegraph.Builder, snap *wire.FrameSnapshot, ov FrameOverrides, tracking wire.TrackingCapability) error {
	t := snap.Time
	if ov.OverrideUser() {
		return b.Upsert(EntityUser, override(*ov.User, EntityStage, t), posegraph.Meta{})
	}

	pinned := posegraph.Sample{
		Frame: EntityStage,
		Time:  t,
		Pose:  spatial.Pose{Position: r3.Vec{Y: s.opts.UserHeight}, Orientation: spatial.IdentityQuat},
	}
	rec, ok := record(snap, EntityUser)
	if !ok {
		return b.Upsert(EntityUser, pinned, posegraph.Meta{})
	}

	switch tracking {
	case wire.TrackingNone:
		return b.Upsert(EntityUser, pinned, rec.GraphMeta())
	case wire.Tracking3DOF:
		q := spatial.Normalize(rec.Pose().Orientation)
		if rec.ReferenceFrame != EntityStage {
			parent, err := b.Resolve(rec.ReferenceFrame, EntityStage, time.Time{})
			if err == nil {
				q = spatial.Compose(parent, spatial.Pose{Orientation: q}).Orientation
			}
		}
		pinned.Pose.Orientation = q
		return b.Upsert(EntityUser, pinned, rec.GraphMeta())
	default:
		return b.Upsert(EntityUser, recordSample(rec, t), rec.GraphMeta())
	}
}

// refreshSubviews defines view_<i> for every subview of the frame and
// undefines the ones left over from a frame with more subviews.
func refreshSubviews(b *posegraph.Builder, snap *wire.FrameSnapshot, ov FrameOverrides, prev int) (int, error) {
	t := snap.Time
	var samples []posegraph.Sample
	var metas []posegraph.Meta
	if ov.OverrideSubviews() {
		for _, sv := range ov.Subviews {
			samples = append(samples, override(sv, EntityView, t))
			metas = append(metas, posegraph.Meta{})
		}
	} else {
		for i, sv := range snap.Subviews {
			sample := posegraph.Sample{Frame: EntityView, Time: t, Pose: spatial.Identity()}
			var meta posegraph.Meta
			if rec, ok := record(snap, SubviewEntity(i)); ok {
				sample, meta = recordSample(rec, t), rec.GraphMeta()
			} else if sv.Pose != nil {
				sample, meta = recordSample(sv.Pose, t), sv.Pose.GraphMeta()
			}
			samples = append(samples, sample)
			metas = append(metas, meta)
		}
	}

	for i, sample := range samples {
		if err := b.Upsert(SubviewEntity(i), sample, metas[i]); err != nil {
			return 0, fmt.Errorf("subview %d: %w", i, err)
		}
	}
	for i := len(samples); i < prev; i++ {
		if err := b.Undefine(SubviewEntity(i)); err != nil {
			return 0, err
		}
	}
	return len(samples), nil
}
