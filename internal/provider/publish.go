package provider

import (
	"fmt"
	"time"

	"github.com/banshee-data/spatialsync/internal/contextsvc"
	"github.com/banshee-data/spatialsync/internal/posegraph"
	"github.com/banshee-data/spatialsync/internal/wire"
)

// PublishResult summarises one fan-out.
type PublishResult struct {
	Frame    uint64
	Sessions int
	Enqueued int
	Faults   int
}

// authoritative is the serialized state of one committed frame, built once
// and shared read-only by every session filter.
type authoritative struct {
	st       *contextsvc.FrameState
	entities map[string]*wire.EntityState
}

func buildAuthoritative(st *contextsvc.FrameState) *authoritative {
	a := &authoritative{st: st, entities: make(map[string]*wire.EntityState, st.Graph.Len())}
	for _, e := range st.Graph.Entities() {
		if !e.Known {
			continue
		}
		a.entities[e.ID] = wire.NewEntityState(e.Current.Pose, e.Current.Frame, e.Meta)
	}
	return a
}

// PublishFrameState fans the latest committed frame out to every session.
func (p *Provider) PublishFrameState() PublishResult {
	return p.publish(p.svc.FrameState())
}

func (p *Provider) publish(st *contextsvc.FrameState) PublishResult {
	auth := buildAuthoritative(st)

	p.mu.RLock()
	views := make([]sessionView, 0, len(p.sessions))
	for _, s := range p.sessions {
		views = append(views, s.view())
	}
	p.mu.RUnlock()

	res := PublishResult{Frame: st.Graph.Frame(), Sessions: len(views)}
	for _, v := range views {
		if err := p.enqueue(v.s, p.sessionFrame(auth, v)); err != nil {
			res.Faults++
			continue
		}
		res.Enqueued++
	}
	p.publishes.Add(1)
	return res
}

// visible applies include > exclude > default visibility, then permissions.
// Canonical entities are visible by default; everything else must be included.
func (p *Provider) visible(v sessionView, entityID string) bool {
	switch {
	case v.include[entityID]:
	case v.exclude[entityID]:
		return false
	case !contextsvc.IsCanonical(entityID):
		return false
	}
	return p.perms.CanSee(v.s.id, entityID)
}

// sessionFrame derives the session's view of auth. An entity whose reference
// frame is hidden from the session is re-expressed against its nearest visible
// ancestor, or its root frame; entities that cannot be re-expressed are omitted.
func (p *Provider) sessionFrame(auth *authoritative, v sessionView) *wire.SessionFrame {
	st := auth.st
	out := &wire.SessionFrame{
		Frame:     st.Graph.Frame(),
		Timestamp: st.Time.Timestamp,
		DeltaTime: st.Time.DeltaTime,
		Time:      st.Time.Time,
		Entities:  make(map[string]*wire.EntityState),
		Tracking:  st.Tracking,
	}
	// A reference frame is usable when it is a root or a tracked entity the
	// session may see, even if its pose is currently undefined.
	usable := func(id string) bool {
		return posegraph.IsRootFrame(id) || (st.Graph.Has(id) && p.visible(v, id))
	}

	if snap := st.Snapshot; snap != nil {
		out.Viewport = snap.Viewport
		out.Subviews = sessionSubviews(auth, snap.Subviews, usable)
		if v.geo {
			out.Geolocation = snap.Geolocation
		}
	}

	for id, es := range auth.entities {
		if !p.visible(v, id) {
			continue
		}
		if usable(es.ReferenceFrame) {
			out.Entities[id] = es
			continue
		}
		if rebased, ok := rebase(st.Graph, id, usable); ok {
			out.Entities[id] = rebased
		}
	}
	return out
}

// sessionSubviews carries the subview geometry with poses taken from the
// committed view_<i> entities. A pose whose frame the session cannot see is
// rebased like any other entity, or dropped.
func sessionSubviews(auth *authoritative, subviews []wire.Subview, usable func(string) bool) []wire.Subview {
	if len(subviews) == 0 {
		return nil
	}
	out := make([]wire.Subview, len(subviews))
	for i, sv := range subviews {
		sv.Pose = nil
		id := contextsvc.SubviewEntity(i)
		if es, ok := auth.entities[id]; ok {
			if usable(es.ReferenceFrame) {
				sv.Pose = es
			} else if rebased, ok := rebase(auth.st.Graph, id, usable); ok {
				sv.Pose = rebased
			}
		}
		out[i] = sv
	}
	return out
}

func rebase(g *posegraph.Graph, id string, usable func(string) bool) (*wire.EntityState, bool) {
	chain, err := g.Ancestry(id)
	if err != nil {
		return nil, false
	}
	// chain[0] is the entity and chain[1] its hidden reference frame.
	for _, anc := range chain[1:] {
		if !usable(anc) {
			continue
		}
		pose, err := g.Resolve(id, anc, time.Time{})
		if err != nil {
			return nil, false
		}
		e, _ := g.Entity(id)
		return wire.NewEntityState(pose, anc, e.Meta), true
	}
	return nil, false
}

func (p *Provider) enqueue(s *session, frame *wire.SessionFrame) error {
	if s.closed.Load() {
		err := fmt.Errorf("%w: %w: %s", ErrDeliveryFault, ErrSessionClosed, s.id)
		s.recordFault(err)
		return err
	}
	data, err := frame.Encode()
	if err != nil {
		err = fmt.Errorf("%w: session %s: encode: %w", ErrDeliveryFault, s.id, err)
		s.recordFault(err)
		logf("%v", err)
		return err
	}
	select {
	case s.queue <- data:
		return nil
	default:
		s.dropped.Add(1)
		err := fmt.Errorf("%w: session %s: queue full, frame %d dropped", ErrDeliveryFault, s.id, frame.Frame)
		s.recordFault(err)
		return err
	}
}
