package sim

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/rover"
	"github.com/banshee-data/rover/internal/timeutil"
)

// Scanner sweeps a static world from the base's true pose.
type Scanner struct {
	base    *Base
	world   []geometry.IntensityPoint
	rangeMM int
	clock   timeutil.Clock

	mu     sync.Mutex
	latest rover.ScanBatch
	fresh  bool
	sweeps int
}

// NewScanner creates a scanner seeing the world-frame points within rangeMM
// of the base.
func NewScanner(base *Base, world []geometry.IntensityPoint, rangeMM int, clock timeutil.Clock) *Scanner {
	return &Scanner{base: base, world: world, rangeMM: rangeMM, clock: clock}
}

// Sweep captures one batch, replacing any batch not yet consumed.
func (s *Scanner) Sweep() {
	pose := s.base.TruePose()
	r2 := float64(s.rangeMM) * float64(s.rangeMM)

	points := make([]geometry.IntensityPoint, 0, len(s.world))
	for _, wp := range s.world {
		p := wp.ScanPoint.ToRobot(pose)
		if float64(p.X)*float64(p.X)+float64(p.Y)*float64(p.Y) > r2 {
			continue
		}
		points = append(points, geometry.IntensityPoint{ScanPoint: p, Intensity: wp.Intensity})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = rover.ScanBatch{Points: points, At: s.clock.Now()}
	s.fresh = true
	s.sweeps++
}

// LatestScan implements rover.ScanSource.
func (s *Scanner) LatestScan() (rover.ScanBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fresh {
		return rover.ScanBatch{}, false
	}
	s.fresh = false
	return s.latest, true
}

// Sweeps returns the number of batches captured.
func (s *Scanner) Sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

// Run sweeps every period until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, period time.Duration) error {
	ticker := s.clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.Sweep()
		}
	}
}

// Corridor builds a straight corridor along +x: two walls lengthM long at
// y = ±halfWidthM with returns in the ceiling band every 100 mm, and a
// reflective post at (postX, postY) meters.
func Corridor(lengthM, halfWidthM, postX, postY float64) []geometry.IntensityPoint {
	const (
		ceilingZ  = 1850
		postZ     = 300
		wallRefl  = 1000
		postRefl  = 9000
		stepMM    = 100
		postCount = 20
	)
	half := geometry.PointFromMeters(0, halfWidthM).Y
	var world []geometry.IntensityPoint
	for x := 0; x <= geometry.PointFromMeters(lengthM, 0).X; x += stepMM {
		for _, y := range []int{-half, half} {
			world = append(world, geometry.IntensityPoint{
				ScanPoint: geometry.ScanPoint{X: x, Y: y, Z: ceilingZ},
				Intensity: wallRefl,
			})
		}
	}
	post := geometry.PointFromMeters(postX, postY)
	for i := range postCount {
		world = append(world, geometry.IntensityPoint{
			ScanPoint: geometry.ScanPoint{X: post.X + i%5*10, Y: post.Y + i/5*10, Z: postZ},
			Intensity: postRefl,
		})
	}
	return world
}
