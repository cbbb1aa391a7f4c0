package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/spatialsync/internal/spatial"
)

// ErrMalformedSnapshot is returned for structurally invalid upstream frames.
var ErrMalformedSnapshot = errors.New("malformed frame snapshot")

// MaxSnapshotBytes bounds a single encoded upstream frame.
const MaxSnapshotBytes = 4 * 1024 * 1024

// snapshotEnvelope detects missing required fields during decoding.
type snapshotEnvelope struct {
	Timestamp *float64 `json:"timestamp"`
	Time      *string  `json:"time"`
}

// DecodeFrameSnapshot parses and validates an upstream frame.
func DecodeFrameSnapshot(data []byte) (*FrameSnapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedSnapshot)
	}
	if len(data) > MaxSnapshotBytes {
		return nil, fmt.Errorf("%w: payload too large: %d bytes (max %d)", ErrMalformedSnapshot, len(data), MaxSnapshotBytes)
	}

	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if env.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedSnapshot)
	}
	if env.Time == nil {
		return nil, fmt.Errorf("%w: missing time", ErrMalformedSnapshot)
	}

	var s FrameSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// EncodeFrameSnapshot serializes an upstream frame.
func EncodeFrameSnapshot(s *FrameSnapshot) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrMalformedSnapshot)
	}
	return json.Marshal(s)
}

// Validate checks the structural invariants of an upstream frame.
func (s *FrameSnapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrMalformedSnapshot)
	}
	if math.IsNaN(s.Timestamp) || math.IsInf(s.Timestamp, 0) {
		return fmt.Errorf("%w: non-finite timestamp", ErrMalformedSnapshot)
	}
	if s.Time.IsZero() {
		return fmt.Errorf("%w: missing time", ErrMalformedSnapshot)
	}
	if !s.Tracking.Valid() {
		return fmt.Errorf("%w: unknown tracking capability %q", ErrMalformedSnapshot, s.Tracking)
	}
	for id, st := range s.Entities {
		if id == "" {
			return fmt.Errorf("%w: empty entity id", ErrMalformedSnapshot)
		}
		if st == nil {
			continue
		}
		if err := st.validate(); err != nil {
			return fmt.Errorf("%w: entity %q: %v", ErrMalformedSnapshot, id, err)
		}
	}
	for i, sv := range s.Subviews {
		if sv.Viewport != nil && (sv.Viewport.Width < 0 || sv.Viewport.Height < 0) {
			return fmt.Errorf("%w: subview %d has negative viewport size", ErrMalformedSnapshot, i)
		}
		if sv.Pose != nil {
			if err := sv.Pose.validate(); err != nil {
				return fmt.Errorf("%w: subview %d: %v", ErrMalformedSnapshot, i, err)
			}
		}
	}
	if s.Viewport.Width < 0 || s.Viewport.Height < 0 {
		return fmt.Errorf("%w: negative viewport size", ErrMalformedSnapshot)
	}
	if g := s.Geolocation; g != nil {
		if math.IsNaN(g.Latitude) || g.Latitude < -90 || g.Latitude > 90 {
			return fmt.Errorf("%w: latitude %f out of range", ErrMalformedSnapshot, g.Latitude)
		}
		if math.IsNaN(g.Longitude) || g.Longitude < -180 || g.Longitude > 180 {
			return fmt.Errorf("%w: longitude %f out of range", ErrMalformedSnapshot, g.Longitude)
		}
		if math.IsNaN(g.Height) || math.IsInf(g.Height, 0) {
			return fmt.Errorf("%w: non-finite height", ErrMalformedSnapshot)
		}
	}
	return nil
}

func (st *EntityState) validate() error {
	if st.ReferenceFrame == "" {
		return errors.New("missing reference frame")
	}
	if res := spatial.ValidatePose(st.Pose()); !res.Valid {
		return fmt.Errorf("%v", res.Issues)
	}
	return nil
}

// Encode serializes a session frame.
func (f *SessionFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeSessionFrame parses a session frame.
func DecodeSessionFrame(data []byte) (*SessionFrame, error) {
	var f SessionFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode session frame: %w", err)
	}
	return &f, nil
}

// Clone returns a deep copy of the entity map of s with every state duplicated.
// Subviews and the geolocation sample are shared.
func (s *FrameSnapshot) Clone() *FrameSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Entities = make(map[string]*EntityState, len(s.Entities))
	for id, st := range s.Entities {
		if st == nil {
			out.Entities[id] = nil
			continue
		}
		cp := *st
		out.Entities[id] = &cp
	}
	return &out
}
