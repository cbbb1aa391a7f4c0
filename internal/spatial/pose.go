// Package spatial holds the rigid-transform maths shared by the pose graph,
// the context service and the wire codec.
//
// Positions are gonum r3 vectors in metres. Orientations are gonum quaternions
// and are expected to be unit length; Normalize is applied wherever a value
// enters the system from the outside.
package spatial

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a position and orientation expressed relative to some reference frame.
// The reference frame itself is tracked by the caller.
type Pose struct {
	Position    r3.Vec
	Orientation quat.Number
}

// IdentityQuat is the unit quaternion with no rotation.
var IdentityQuat = quat.Number{Real: 1}

// Identity returns the pose with zero translation and no rotation.
func Identity() Pose {
	return Pose{Orientation: IdentityQuat}
}

// Rotate applies the unit quaternion q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	return r3.Rotation(q).Rotate(v)
}

// Compose expresses local (defined relative to parent) in parent's reference frame.
//
//	position    = parent.Position + parent.Orientation.rotate(local.Position)
//	orientation = parent.Orientation * local.Orientation
func Compose(parent, local Pose) Pose {
	return Pose{
		Position:    r3.Add(parent.Position, Rotate(parent.Orientation, local.Position)),
		Orientation: Normalize(quat.Mul(parent.Orientation, local.Orientation)),
	}
}

// Inverse returns the pose that undoes p, so Compose(p, Inverse(p)) is identity.
func Inverse(p Pose) Pose {
	inv := quat.Conj(p.Orientation)
	return Pose{
		Position:    r3.Scale(-1, Rotate(inv, p.Position)),
		Orientation: inv,
	}
}

// Transform maps a point expressed in the pose's local frame into its reference frame.
func (p Pose) Transform(v r3.Vec) r3.Vec {
	return r3.Add(p.Position, Rotate(p.Orientation, v))
}

// Normalize scales q to unit length. A zero quaternion normalises to identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return IdentityQuat
	}
	return quat.Scale(1/n, q)
}

// AxisAngle returns the unit quaternion rotating by angle radians about axis.
func AxisAngle(axis r3.Vec, angle float64) quat.Number {
	return quat.Number(r3.NewRotation(angle, r3.Unit(axis)))
}

// QuatFromXYZW builds a quaternion from the wire ordering [x, y, z, w].
func QuatFromXYZW(v [4]float64) quat.Number {
	return quat.Number{Imag: v[0], Jmag: v[1], Kmag: v[2], Real: v[3]}
}

// XYZW flattens q into the wire ordering [x, y, z, w].
func XYZW(q quat.Number) [4]float64 {
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}

// VecFromArray converts a wire position to an r3 vector.
func VecFromArray(v [3]float64) r3.Vec {
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}
}

// VecArray converts an r3 vector to its wire representation.
func VecArray(v r3.Vec) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

// Lerp linearly interpolates between a and b; t=0 yields a, t=1 yields b.
func Lerp(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(a, r3.Scale(t, r3.Sub(b, a)))
}

// Slerp spherically interpolates between unit quaternions a and b along the
// shortest arc.
func Slerp(a, b quat.Number, t float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > 0.9995 {
		// Nearly parallel: fall back to normalised lerp.
		return Normalize(quat.Add(a, quat.Scale(t, quat.Sub(b, a))))
	}
	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return quat.Add(quat.Scale(wa, a), quat.Scale(wb, b))
}

// ApproxEqual reports whether a and b describe the same pose within tol.
// q and -q represent the same rotation and compare equal.
func ApproxEqual(a, b Pose, tol float64) bool {
	if r3.Norm(r3.Sub(a.Position, b.Position)) > tol {
		return false
	}
	return QuatApproxEqual(a.Orientation, b.Orientation, tol)
}

// QuatApproxEqual reports whether a and b are the same rotation within tol.
func QuatApproxEqual(a, b quat.Number, tol float64) bool {
	if quat.Abs(quat.Sub(a, b)) <= tol {
		return true
	}
	return quat.Abs(quat.Add(a, b)) <= tol
}
