package rover

import (
	"time"

	"github.com/banshee-data/rover/internal/geometry"
)

// ScanBatch is one sweep of the tilting scanner in robot coordinates.
type ScanBatch struct {
	Points  []geometry.IntensityPoint
	TiltDeg float64
	At      time.Time
}

// ScanSource hands out each completed sweep once. ok is false when no new
// sweep has arrived since the last call.
type ScanSource interface {
	LatestScan() (batch ScanBatch, ok bool)
}

// Odometry is the wheel-encoder pose integrated by the base.
type Odometry interface {
	Pose() geometry.Pose
	SetHeading(theta float64)
}

// HeadingSource provides an absolute heading in radians, such as from an IMU.
type HeadingSource interface {
	Heading() (theta float64, ok bool)
}

// Buttons is a bit set of pad buttons.
type Buttons uint8

const (
	ButtonUp Buttons = 1 << iota
	ButtonDown
	ButtonLeft
	ButtonRight
)

// JoystickState holds the stick axes in [-1, 1] and the pressed buttons.
// Y is forward, X turns left.
type JoystickState struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Buttons Buttons `json:"buttons"`
}

// Joystick reports the manual override pad.
type Joystick interface {
	Joystick() JoystickState
}

// Sensors bundles the inputs of one rover. Only Odometry is required.
type Sensors struct {
	Odometry Odometry
	Scans    ScanSource
	Heading  HeadingSource
	Joystick Joystick
}
