// Package wire defines the serialized frame formats exchanged with the
// upstream snapshot producer and with downstream sessions.
//
// Quaternions travel as [x, y, z, w]; positions as [x, y, z] metres. Entity
// ids, root frame ids and tracking capability tags are part of the stable
// contract and must not be renamed.
package wire

import (
	"time"

	"github.com/banshee-data/spatialsync/internal/posegraph"
	"github.com/banshee-data/spatialsync/internal/spatial"
)

// TrackingCapability describes what the device can track.
type TrackingCapability string

const (
	TrackingNone TrackingCapability = "none"
	Tracking3DOF TrackingCapability = "3DOF"
	Tracking6DOF TrackingCapability = "6DOF"
)

// Valid reports whether c is one of the known tags. The empty tag is treated as 6DOF.
func (c TrackingCapability) Valid() bool {
	switch c {
	case "", TrackingNone, Tracking3DOF, Tracking6DOF:
		return true
	}
	return false
}

// EntityMeta carries optional accuracy metadata.
type EntityMeta struct {
	HorizontalAccuracy *float64 `json:"horizontalAccuracy,omitempty"`
	VerticalAccuracy   *float64 `json:"verticalAccuracy,omitempty"`
	HeadingAccuracy    *float64 `json:"headingAccuracy,omitempty"`
}

// EntityState is the serialized pose of one entity relative to ReferenceFrame.
type EntityState struct {
	Position       [3]float64  `json:"p"`
	Orientation    [4]float64  `json:"o"`
	ReferenceFrame string      `json:"r"`
	Meta           *EntityMeta `json:"meta,omitempty"`
}

// Viewport is a rectangle in render-target pixels.
type Viewport struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Subview is one render pass of the current frame (e.g. one eye).
type Subview struct {
	Type       string       `json:"type"`
	Viewport   *Viewport    `json:"viewport,omitempty"`
	Projection []float64    `json:"projectionMatrix,omitempty"`
	Pose       *EntityState `json:"pose,omitempty"`
}

// GeolocationSample is a geodetic fix for the stage with its accuracy metadata.
type GeolocationSample struct {
	Latitude           float64  `json:"latitude"`
	Longitude          float64  `json:"longitude"`
	Height             float64  `json:"height"`
	HorizontalAccuracy *float64 `json:"horizontalAccuracy,omitempty"`
	VerticalAccuracy   *float64 `json:"verticalAccuracy,omitempty"`
	HeadingAccuracy    *float64 `json:"headingAccuracy,omitempty"`
}

// Geodetic returns the sample position.
func (g GeolocationSample) Geodetic() spatial.Geodetic {
	return spatial.Geodetic{Latitude: g.Latitude, Longitude: g.Longitude, Height: g.Height}
}

// FrameSnapshot is one upstream frame. A nil entry in Entities means the entity
// is tracked but its pose is currently undefined.
type FrameSnapshot struct {
	Timestamp   float64                 `json:"timestamp"`
	Time        time.Time               `json:"time"`
	Entities    map[string]*EntityState `json:"entities"`
	Viewport    Viewport                `json:"viewport"`
	Subviews    []Subview               `json:"subviews,omitempty"`
	Tracking    TrackingCapability      `json:"tracking,omitempty"`
	Geolocation *GeolocationSample      `json:"geolocation,omitempty"`
}

// SessionFrame is the filtered frame delivered to one session.
type SessionFrame struct {
	Frame       uint64                  `json:"frame"`
	Timestamp   float64                 `json:"timestamp"`
	DeltaTime   float64                 `json:"deltaTime"`
	Time        time.Time               `json:"time"`
	Entities    map[string]*EntityState `json:"entities"`
	Viewport    Viewport                `json:"viewport"`
	Subviews    []Subview               `json:"subviews,omitempty"`
	Tracking    TrackingCapability      `json:"tracking,omitempty"`
	Geolocation *GeolocationSample      `json:"geolocation,omitempty"`
}

// NewEntityState serializes p relative to frame.
func NewEntityState(p spatial.Pose, frame string, meta posegraph.Meta) *EntityState {
	return &EntityState{
		Position:       spatial.VecArray(p.Position),
		Orientation:    spatial.XYZW(p.Orientation),
		ReferenceFrame: frame,
		Meta:           MetaFromGraph(meta),
	}
}

// Pose returns the decoded pose. The orientation is not normalised.
func (s *EntityState) Pose() spatial.Pose {
	return spatial.Pose{
		Position:    spatial.VecFromArray(s.Position),
		Orientation: spatial.QuatFromXYZW(s.Orientation),
	}
}

// GraphMeta converts the wire metadata to the graph representation.
func (s *EntityState) GraphMeta() posegraph.Meta {
	if s == nil || s.Meta == nil {
		return posegraph.Meta{}
	}
	return posegraph.Meta{
		HorizontalAccuracy: s.Meta.HorizontalAccuracy,
		VerticalAccuracy:   s.Meta.VerticalAccuracy,
		HeadingAccuracy:    s.Meta.HeadingAccuracy,
	}
}

// MetaFromGraph converts graph metadata; an empty Meta yields nil.
func MetaFromGraph(m posegraph.Meta) *EntityMeta {
	if m.HorizontalAccuracy == nil && m.VerticalAccuracy == nil && m.HeadingAccuracy == nil {
		return nil
	}
	return &EntityMeta{
		HorizontalAccuracy: m.HorizontalAccuracy,
		VerticalAccuracy:   m.VerticalAccuracy,
		HeadingAccuracy:    m.HeadingAccuracy,
	}
}
