package spatial

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// UnitQuatTolerance is how far from unit length an incoming orientation may be
// before it is rejected rather than renormalised.
const UnitQuatTolerance = 0.01

// PoseValidationResult contains the result of pose validation.
type PoseValidationResult struct {
	Valid  bool
	Issues []string
}

// ValidatePose checks that a pose is finite and carries a (near) unit orientation.
func ValidatePose(p Pose) PoseValidationResult {
	result := PoseValidationResult{Issues: make([]string, 0)}

	if !IsFiniteVec(p.Position) {
		result.Issues = append(result.Issues, "position has non-finite component")
	}
	if !IsFiniteQuat(p.Orientation) {
		result.Issues = append(result.Issues, "orientation has non-finite component")
	} else if n := quat.Abs(p.Orientation); math.Abs(n-1) > UnitQuatTolerance {
		result.Issues = append(result.Issues, "orientation is not a unit quaternion")
	}

	result.Valid = len(result.Issues) == 0
	return result
}

// IsFiniteVec reports whether every component of v is a finite number.
func IsFiniteVec(v r3.Vec) bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// IsFiniteQuat reports whether every component of q is a finite number.
func IsFiniteQuat(q quat.Number) bool {
	return isFinite(q.Real) && isFinite(q.Imag) && isFinite(q.Jmag) && isFinite(q.Kmag)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
