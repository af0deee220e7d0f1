package rover

import (
	"math"
	"sync"
)

// WheelSink accepts wheel speed set-points in m/s.
type WheelSink interface {
	SetWheelSpeeds(right, left float64) error
}

// DifferentialDrive turns body speeds into wheel speeds for a two-wheel base.
// Both wheels are scaled together when either would exceed MaxWheelSpeed, so
// the turning radius is kept.
type DifferentialDrive struct {
	Tread         float64 // meters between wheel centers
	MaxWheelSpeed float64 // m/s

	mu          sync.Mutex
	sink        WheelSink
	right, left float64
}

// NewDifferentialDrive returns a drive writing to sink.
func NewDifferentialDrive(sink WheelSink, tread, maxWheelSpeed float64) *DifferentialDrive {
	return &DifferentialDrive{Tread: tread, MaxWheelSpeed: maxWheelSpeed, sink: sink}
}

// SetSpeed drives forward m/s while rotating rotate rad/s.
func (d *DifferentialDrive) SetSpeed(forward, rotate float64) error {
	half := rotate * d.Tread / 2
	return d.set(forward+half, forward-half)
}

// SetArcSpeed drives forward m/s along a circle of the given radius, positive
// to the left. A zero radius keeps the previous wheel speeds, scaled to the
// limit.
func (d *DifferentialDrive) SetArcSpeed(forward, radius float64) error {
	if radius == 0 {
		d.mu.Lock()
		right, left := d.right, d.left
		d.mu.Unlock()
		return d.set(right, left)
	}
	w := forward / radius
	return d.set((radius+d.Tread/2)*w, (radius-d.Tread/2)*w)
}

// Stop sets both wheels to zero.
func (d *DifferentialDrive) Stop() error {
	return d.set(0, 0)
}

// WheelSpeeds returns the last set-points sent to the sink.
func (d *DifferentialDrive) WheelSpeeds() (right, left float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.right, d.left
}

func (d *DifferentialDrive) set(right, left float64) error {
	if peak := max(math.Abs(right), math.Abs(left)); peak > d.MaxWheelSpeed {
		scale := d.MaxWheelSpeed / peak
		right *= scale
		left *= scale
	}

	d.mu.Lock()
	d.right, d.left = right, left
	d.mu.Unlock()

	if d.sink == nil {
		return nil
	}
	return d.sink.SetWheelSpeeds(right, left)
}
