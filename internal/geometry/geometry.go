// Package geometry holds the pose and scan point types shared by the
// navigation subsystems, and the transforms between the robot frame and the
// odometry, estimated and waypoint frames.
//
// Poses are in meters and radians. Scan points are in integer millimeters.
package geometry

import "math"

// NormalizeAngle maps rad into (-π, π]. Values already in range are
// returned unchanged. NaN and infinities are returned as-is.
func NormalizeAngle(rad float64) float64 {
	if math.IsNaN(rad) || math.IsInf(rad, 0) {
		return rad
	}
	a := math.Remainder(rad, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// Pose is a planar position and heading.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Normalized returns p with its heading mapped into (-π, π].
func (p Pose) Normalized() Pose {
	p.Theta = NormalizeAngle(p.Theta)
	return p
}

// Add returns p displaced by (dx, dy, dtheta) with a normalized heading.
func (p Pose) Add(dx, dy, dtheta float64) Pose {
	return Pose{X: p.X + dx, Y: p.Y + dy, Theta: NormalizeAngle(p.Theta + dtheta)}
}

// ToFrame converts a robot-relative offset (x forward, y left) into the frame
// p is expressed in.
func (p Pose) ToFrame(x, y float64) (float64, float64) {
	s, c := math.Sincos(p.Theta)
	return x*c - y*s + p.X, x*s + y*c + p.Y
}

// ToRobot converts a point of p's frame into an offset relative to p.
func (p Pose) ToRobot(x, y float64) (float64, float64) {
	s, c := math.Sincos(p.Theta)
	dx, dy := x-p.X, y-p.Y
	return dx*c + dy*s, -dx*s + dy*c
}

// Distance returns the planar distance between p and q.
func (p Pose) Distance(q Pose) float64 {
	return math.Hypot(q.X-p.X, q.Y-p.Y)
}

// BearingTo returns the heading error from p toward (x, y), normalized.
func (p Pose) BearingTo(x, y float64) float64 {
	return NormalizeAngle(math.Atan2(y-p.Y, x-p.X) - p.Theta)
}

// AlongTrack returns how far p lies past ref along ref's heading.
// Positive values are ahead of ref.
func (p Pose) AlongTrack(ref Pose) float64 {
	s, c := math.Sincos(ref.Theta)
	return (p.X-ref.X)*c + (p.Y-ref.Y)*s
}

// Rotate rotates the vector (x, y) by theta.
func Rotate(x, y, theta float64) (float64, float64) {
	s, c := math.Sincos(theta)
	return x*c - y*s, x*s + y*c
}
