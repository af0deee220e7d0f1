package geometry

import "math"

// ScanPoint is a laser return in millimeters. Points arrive robot-relative
// and are stored in whichever frame they were transformed into.
type ScanPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// IntensityPoint is a ScanPoint with its reflectivity.
type IntensityPoint struct {
	ScanPoint
	Intensity int `json:"intensity"`
}

// ToFrame converts a robot-relative point into the frame pose is expressed
// in, rounding to the nearest millimeter. Z is unchanged.
func (sp ScanPoint) ToFrame(pose Pose) ScanPoint {
	x, y := pose.ToFrame(float64(sp.X)/1000, float64(sp.Y)/1000)
	return ScanPoint{X: mm(x), Y: mm(y), Z: sp.Z}
}

// ToRobot converts a point of pose's frame back into a robot-relative point.
func (sp ScanPoint) ToRobot(pose Pose) ScanPoint {
	x, y := pose.ToRobot(float64(sp.X)/1000, float64(sp.Y)/1000)
	return ScanPoint{X: mm(x), Y: mm(y), Z: sp.Z}
}

// Meters returns the planar position in meters.
func (sp ScanPoint) Meters() (float64, float64) {
	return float64(sp.X) / 1000, float64(sp.Y) / 1000
}

// DistanceSquared returns the squared planar distance to q in square meters.
func (sp ScanPoint) DistanceSquared(q ScanPoint) float64 {
	dx := float64(q.X-sp.X) / 1000
	dy := float64(q.Y-sp.Y) / 1000
	return dx*dx + dy*dy
}

// PointFromMeters builds a ScanPoint from a planar position in meters.
func PointFromMeters(x, y float64) ScanPoint {
	return ScanPoint{X: mm(x), Y: mm(y)}
}

func mm(m float64) int {
	return int(math.Round(m * 1000))
}
