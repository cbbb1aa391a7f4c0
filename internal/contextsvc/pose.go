package contextsvc

import (
	"time"

	"github.com/banshee-data/spatialsync/internal/posegraph"
	"github.com/banshee-data/spatialsync/internal/spatial"
)

// PoseStatus reports whether an EntityPose currently holds a value.
type PoseStatus int

const (
	PoseUnknown PoseStatus = iota
	PoseKnown
)

func (s PoseStatus) String() string {
	if s == PoseKnown {
		return "known"
	}
	return "unknown"
}

// EntityPose is a live binding of an entity to a reference frame. Update
// re-evaluates it against the latest committed frame.
//
// An unknown pose is a normal result, not a failure: Err carries the reason
// (posegraph.ErrUnknownEntity, posegraph.ErrUnresolvablePose, ...) for callers
// that care.
type EntityPose struct {
	EntityID       string
	ReferenceFrame string

	Status PoseStatus
	Pose   spatial.Pose
	// Stale is set when the entity or one of its ancestors was not refreshed
	// by the latest frame.
	Stale bool
	// Time is the time the pose was evaluated at.
	Time time.Time
	// Frame is the graph frame the pose was evaluated against.
	Frame uint64
	Err   error

	svc *Service
}

// CreateEntityPose binds entityID to referenceFrame without evaluating it. An
// empty referenceFrame selects the service's default reference frame.
func (s *Service) CreateEntityPose(entityID, referenceFrame string) *EntityPose {
	if referenceFrame == "" {
		referenceFrame = s.opts.DefaultReferenceFrame
	}
	return &EntityPose{
		EntityID:       entityID,
		ReferenceFrame: referenceFrame,
		Err:            posegraph.ErrUnresolvablePose,
		svc:            s,
	}
}

// GetEntityPose evaluates entityID in referenceFrame at the current frame time.
func (s *Service) GetEntityPose(entityID, referenceFrame string) *EntityPose {
	return s.CreateEntityPose(entityID, referenceFrame).Update(time.Time{})
}

// Update evaluates the binding at t. A zero t uses the current frame time.
func (p *EntityPose) Update(t time.Time) *EntityPose {
	st := p.svc.FrameState()
	if t.IsZero() {
		t = st.Time.Time
	}
	p.Time = t
	p.Frame = st.Graph.Frame()

	pose, err := st.Graph.Resolve(p.EntityID, p.ReferenceFrame, t)
	if err != nil {
		p.Status = PoseUnknown
		p.Pose = spatial.Pose{}
		p.Stale = false
		p.Err = err
		return p
	}
	p.Status = PoseKnown
	p.Pose = pose
	p.Err = nil
	p.Stale = stale(st.Graph, p.EntityID) || stale(st.Graph, p.ReferenceFrame)
	return p
}

// Known reports whether the last Update produced a pose.
func (p *EntityPose) Known() bool { return p.Status == PoseKnown }

func stale(g *posegraph.Graph, id string) bool {
	chain, err := g.Ancestry(id)
	if err != nil {
		return false
	}
	for _, a := range chain {
		if e, ok := g.Entity(a); ok && e.Stale {
			return true
		}
	}
	return false
}
