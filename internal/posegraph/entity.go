// Package posegraph holds the forest of named coordinate frames and resolves
// the pose of any entity relative to any other entity or root frame.
//
// A Graph is an immutable committed state. Mutation happens on a Builder
// obtained from Graph.Edit, and Builder.Commit produces the next Graph, so a
// reader holding a *Graph always observes one complete frame.
package posegraph

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/spatialsync/internal/spatial"
)

// Root frame identifiers. These terminate every ancestor walk and never have a parent.
// Entities rooted in different root frames are in disjoint forests.
const (
	RootFixed    = "FIXED"
	RootInertial = "INERTIAL"
)

// MaxFrameDepth bounds every ancestor walk.
const MaxFrameDepth = 32

var (
	// ErrUnknownEntity is returned when an id is neither a tracked entity nor a root frame.
	ErrUnknownEntity = errors.New("entity not tracked")

	// ErrUnresolvablePose is returned when a pose cannot currently be known:
	// disjoint frame forests or an undefined pose on the path.
	ErrUnresolvablePose = errors.New("pose not resolvable")

	// ErrFrameCycle is returned when reference frames loop or exceed MaxFrameDepth.
	ErrFrameCycle = fmt.Errorf("%w: reference frame cycle", ErrUnresolvablePose)

	// ErrInvalidID is returned for empty ids or attempts to redefine a root frame.
	ErrInvalidID = errors.New("invalid entity id")

	// ErrInvalidPose is returned when a sample carries non-finite or non-unit values.
	ErrInvalidPose = errors.New("invalid pose")
)

// IsRootFrame reports whether id names one of the fixed root frames.
func IsRootFrame(id string) bool {
	return id == RootFixed || id == RootInertial
}

// Meta carries optional accuracy metadata attached to an entity's latest sample.
// Accuracies are in metres (heading in degrees); nil means not reported.
type Meta struct {
	HorizontalAccuracy *float64
	VerticalAccuracy   *float64
	HeadingAccuracy    *float64
}

// Sample is one pose definition of an entity relative to Frame at Time.
type Sample struct {
	Frame string
	Time  time.Time
	Pose  spatial.Pose
}

// Entity is a named coordinate frame. Values returned from a Graph are copies.
type Entity struct {
	ID       string
	Current  Sample
	Previous *Sample
	Meta     Meta

	// Known is false until a pose has been defined, and after Undefine.
	Known bool
	// Stale is set when the entity kept its pose but was not refreshed by the
	// most recent frame.
	Stale bool
	// UpdatedFrame is the graph frame number of the last definition.
	UpdatedFrame uint64
}

// Frame returns the reference frame of the current definition, or "" when undefined.
func (e Entity) Frame() string {
	if !e.Known {
		return ""
	}
	return e.Current.Frame
}

// ValueAt returns the entity's pose in its reference frame at t.
//
// Between the previous and current sample (same reference frame) position is
// interpolated linearly and orientation spherically; outside that interval the
// nearest sample is held. A zero t selects the current sample.
func (e Entity) ValueAt(t time.Time) (spatial.Pose, bool) {
	if !e.Known {
		return spatial.Pose{}, false
	}
	cur := e.Current
	prev := e.Previous
	if t.IsZero() || prev == nil || prev.Frame != cur.Frame || !prev.Time.Before(cur.Time) {
		return cur.Pose, true
	}
	if !t.After(prev.Time) {
		return prev.Pose, true
	}
	if !t.Before(cur.Time) {
		return cur.Pose, true
	}
	f := float64(t.Sub(prev.Time)) / float64(cur.Time.Sub(prev.Time))
	return spatial.Pose{
		Position:    spatial.Lerp(prev.Pose.Position, cur.Pose.Position, f),
		Orientation: spatial.Slerp(prev.Pose.Orientation, cur.Pose.Orientation, f),
	}, true
}
