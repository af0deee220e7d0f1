package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAngleRange(t *testing.T) {
	for a := -20.0; a <= 20.0; a += 0.037 {
		got := NormalizeAngle(a)
		if got <= -math.Pi || got > math.Pi {
			t.Fatalf("NormalizeAngle(%f) = %f, outside (-π, π]", a, got)
		}
		// same direction
		assert.InDelta(t, math.Cos(a), math.Cos(got), 1e-9)
		assert.InDelta(t, math.Sin(a), math.Sin(got), 1e-9)
	}
}

func TestNormalizeAngleIdempotent(t *testing.T) {
	for _, a := range []float64{0, 0.5, -0.5, 3.0, -3.0, math.Pi, math.Nextafter(-math.Pi, 0)} {
		if got := NormalizeAngle(a); got != a {
			t.Errorf("NormalizeAngle(%v) = %v, want unchanged", a, got)
		}
		once := NormalizeAngle(a + 7)
		if twice := NormalizeAngle(once); twice != once {
			t.Errorf("NormalizeAngle not idempotent: %v then %v", once, twice)
		}
	}
}

func TestNormalizeAngleBoundaries(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-math.Pi, math.Pi},
		{math.Pi + 0.5, 0.5 - math.Pi},
		{-math.Pi - 0.5, math.Pi - 0.5},
		{2 * math.Pi, 0},
		{math.Pi / 2, math.Pi / 2},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, NormalizeAngle(tt.in), 1e-12, "NormalizeAngle(%v)", tt.in)
	}
	if !math.IsNaN(NormalizeAngle(math.NaN())) {
		t.Error("NormalizeAngle(NaN) should stay NaN")
	}
}

func TestPoseFrameRoundTrip(t *testing.T) {
	pose := Pose{X: 2, Y: -1, Theta: 0.7}
	x, y := pose.ToFrame(1.5, 0.25)
	rx, ry := pose.ToRobot(x, y)
	assert.InDelta(t, 1.5, rx, 1e-12)
	assert.InDelta(t, 0.25, ry, 1e-12)

	// quarter turn: forward becomes +y
	q := Pose{Theta: math.Pi / 2}
	fx, fy := q.ToFrame(1, 0)
	assert.InDelta(t, 0, fx, 1e-12)
	assert.InDelta(t, 1, fy, 1e-12)
}

func TestPoseAddNormalizes(t *testing.T) {
	p := Pose{X: 1, Y: 1, Theta: 3}.Add(0.5, -0.5, 1)
	assert.InDelta(t, 1.5, p.X, 1e-12)
	assert.InDelta(t, 0.5, p.Y, 1e-12)
	assert.InDelta(t, 4-2*math.Pi, p.Theta, 1e-12)
}

func TestAlongTrackAndBearing(t *testing.T) {
	ref := Pose{X: 1, Y: 0, Theta: 0}
	assert.InDelta(t, -0.4, Pose{X: 0.6, Y: 3}.AlongTrack(ref), 1e-12)
	assert.InDelta(t, 0.2, Pose{X: 1.2, Y: -3}.AlongTrack(ref), 1e-12)

	robot := Pose{Theta: math.Pi / 2}
	assert.InDelta(t, -math.Pi/2, robot.BearingTo(5, 0), 1e-12)
	assert.InDelta(t, 5, robot.Distance(Pose{X: 3, Y: 4}), 1e-12)
}

func TestScanPointTransforms(t *testing.T) {
	pose := Pose{X: 1, Y: 2, Theta: math.Pi / 2}
	world := ScanPoint{X: 1000, Y: 0, Z: 1850}.ToFrame(pose)
	if world != (ScanPoint{X: 1000, Y: 3000, Z: 1850}) {
		t.Errorf("ToFrame = %+v, want {1000 3000 1850}", world)
	}
	back := world.ToRobot(pose)
	if back != (ScanPoint{X: 1000, Y: 0, Z: 1850}) {
		t.Errorf("ToRobot = %+v, want {1000 0 1850}", back)
	}

	assert.InDelta(t, 25.0, ScanPoint{}.DistanceSquared(ScanPoint{X: 3000, Y: 4000}), 1e-12)
	if p := PointFromMeters(1.2346, -0.0004); p.X != 1235 || p.Y != 0 {
		t.Errorf("PointFromMeters = %+v", p)
	}
}
