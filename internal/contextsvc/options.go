package contextsvc

import (
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/spatialsync/internal/posegraph"
	"github.com/banshee-data/spatialsync/internal/spatial"
	"github.com/banshee-data/spatialsync/internal/timeutil"
	"github.com/banshee-data/spatialsync/internal/wire"
)

// Canonical entity ids. These are part of the wire contract.
const (
	EntityOrigin           = "origin"
	EntityStage            = "stage"
	EntityStageEastUpSouth = "stageEastUpSouth"
	EntityStageEastNorthUp = "stageEastNorthUp"
	EntityFloor            = "floor"
	EntityUser             = "user"
	EntityView             = "view"
)

// CanonicalEntities lists the always-present entities in a stable order.
var CanonicalEntities = []string{
	EntityOrigin,
	EntityStage,
	EntityStageEastUpSouth,
	EntityStageEastNorthUp,
	EntityFloor,
	EntityUser,
	EntityView,
}

// SubviewEntity returns the id of the entity backing subview index.
func SubviewEntity(index int) string {
	return EntityView + "_" + strconv.Itoa(index)
}

// IsCanonical reports whether id is a canonical entity or a subview entity.
func IsCanonical(id string) bool {
	for _, c := range CanonicalEntities {
		if c == id {
			return true
		}
	}
	return isSubviewEntity(id)
}

func isSubviewEntity(id string) bool {
	rest, ok := strings.CutPrefix(id, EntityView+"_")
	if !ok || rest == "" {
		return false
	}
	n, err := strconv.Atoi(rest)
	return err == nil && n >= 0 && strconv.Itoa(n) == rest
}

// GeolocationOptions describes the accuracy/power trade-off requested from the
// location source.
type GeolocationOptions struct {
	// DesiredAccuracy in metres; zero means no preference.
	DesiredAccuracy float64 `json:"desiredAccuracy,omitempty"`
	// HighAccuracy asks the device to favour accuracy over power.
	HighAccuracy bool `json:"highAccuracy,omitempty"`
	// UpdateInterval is the longest acceptable gap between fixes; zero means no preference.
	UpdateInterval time.Duration `json:"updateInterval,omitempty"`
}

// LocationSource is the device/location collaborator.
type LocationSource interface {
	// StartGeolocation begins (or reconfigures) geodetic updates for the stage.
	StartGeolocation(opts GeolocationOptions) error
	// StopGeolocation withdraws the request.
	StopGeolocation() error
	// TrackingCapability reports what the device can track.
	TrackingCapability() wire.TrackingCapability
}

// FrameOverrides replace the snapshot-derived pose of canonical entities for one
// ingest. A nil field means "derive from the snapshot". A zero sample Time is
// replaced by the snapshot time.
type FrameOverrides struct {
	Stage    *posegraph.Sample
	Floor    *posegraph.Sample
	User     *posegraph.Sample
	View     *posegraph.Sample
	Subviews []posegraph.Sample
}

// OverrideStage reports whether the stage pose is caller supplied.
func (o FrameOverrides) OverrideStage() bool { return o.Stage != nil }

// OverrideUser reports whether the user pose is caller supplied.
func (o FrameOverrides) OverrideUser() bool { return o.User != nil }

// OverrideView reports whether the view pose is caller supplied.
func (o FrameOverrides) OverrideView() bool { return o.View != nil }

// OverrideSubviews reports whether the subview poses are caller supplied.
func (o FrameOverrides) OverrideSubviews() bool { return o.Subviews != nil }

// Options configures a Service.
type Options struct {
	// MaxDeltaTime caps the per-frame delta in milliseconds.
	MaxDeltaTime float64
	// FloorOffset is the vertical offset of floor from stage, in metres.
	FloorOffset float64
	// UserHeight is the default eye height above stage, in metres.
	UserHeight float64
	// DefaultReferenceFrame is used by pose queries that do not name a frame.
	DefaultReferenceFrame string
	// Location is the device/location collaborator; may be nil.
	Location LocationSource
	// SiteAnchor is the last-resort stage geolocation; may be nil.
	SiteAnchor *spatial.Geodetic
	// Clock supplies wall time for statistics; nil uses the real clock.
	Clock timeutil.Clock
}

// DefaultOptions returns the default service options.
func DefaultOptions() Options {
	return Options{
		MaxDeltaTime:          timeutil.DefaultMaxDeltaTime,
		FloorOffset:           0,
		UserHeight:            1.6,
		DefaultReferenceFrame: EntityOrigin,
	}
}
