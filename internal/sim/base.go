// Package sim stands in for the rover hardware in development: a
// differential base that integrates wheel speeds, a scanner sweeping a
// static world, and an IMU board answering over a serial port.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/timeutil"
)

var logf = monitoring.Prefixed("sim")

// Base is a two-wheel base. It tracks the true pose and a separately
// integrated odometry pose whose wheel speeds are scaled by OdometryScale,
// so the odometry drifts the way a worn wheel makes it.
type Base struct {
	tread float64
	scale float64

	mu          sync.Mutex
	truth       geometry.Pose
	odometry    geometry.Pose
	right, left float64
}

// NewBase places a base with the given tread (meters) at start.
// odometryScale 1 gives drift-free odometry.
func NewBase(tread, odometryScale float64, start geometry.Pose) *Base {
	return &Base{tread: tread, scale: odometryScale, truth: start, odometry: start}
}

// SetWheelSpeeds implements rover.WheelSink.
func (b *Base) SetWheelSpeeds(right, left float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.right, b.left = right, left
	return nil
}

// Step integrates the current wheel speeds over dt.
func (b *Base) Step(dt time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sec := dt.Seconds()
	b.truth = integrate(b.truth, b.right, b.left, b.tread, sec)
	b.odometry = integrate(b.odometry, b.right*b.scale, b.left*b.scale, b.tread, sec)
}

func integrate(p geometry.Pose, right, left, tread, dt float64) geometry.Pose {
	v := (right + left) / 2
	w := (right - left) / tread
	mid := p.Theta + w*dt/2
	return geometry.Pose{
		X:     p.X + v*dt*math.Cos(mid),
		Y:     p.Y + v*dt*math.Sin(mid),
		Theta: geometry.NormalizeAngle(p.Theta + w*dt),
	}
}

// Run steps the base every period until ctx is cancelled.
func (b *Base) Run(ctx context.Context, clock timeutil.Clock, period time.Duration) error {
	ticker := clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			b.Step(period)
		}
	}
}

// Pose implements rover.Odometry.
func (b *Base) Pose() geometry.Pose {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.odometry
}

// SetHeading implements rover.Odometry.
func (b *Base) SetHeading(theta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.odometry.Theta = geometry.NormalizeAngle(theta)
}

// TruePose returns where the base actually is.
func (b *Base) TruePose() geometry.Pose {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truth
}

// WheelSpeeds returns the current right and left wheel speeds.
func (b *Base) WheelSpeeds() (right, left float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.right, b.left
}
