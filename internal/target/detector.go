// Package target turns high-reflectivity scan returns into persistent,
// probability-weighted search points.
package target

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/timeutil"
)

var logf = monitoring.Prefixed("target")

// CandidatePoint is a cluster from one update cycle that was large enough to
// be a target.
type CandidatePoint struct {
	Pos         geometry.ScanPoint `json:"pos"`
	Count       int                `json:"count"`
	Probability float64            `json:"probability"`
}

// SearchPoint is a candidate integrated over several update cycles.
type SearchPoint struct {
	Pos         geometry.ScanPoint `json:"pos"`
	Probability float64            `json:"probability"`
}

// Compare orders search points by descending probability.
func (sp SearchPoint) Compare(other SearchPoint) int {
	return cmp.Compare(other.Probability, sp.Probability)
}

// Config holds the detector parameters.
type Config struct {
	IntegrateRadius float64       // clustering and merge radius (meters)
	MinCount        int           // clusters must exceed this size
	MaxCount        int           // cluster size mapped to probability 1
	ProbabilityUp   float64       // gain per re-observation, scaled by candidate probability
	ProbabilityDown float64       // decay per update cycle
	MinProbability  float64       // search points must exceed this to be reported
	Capacity        int           // intensity points buffered between updates
	MaxSearchPoints int           // persistent search points kept
	Period          time.Duration // Run update period
}

// DefaultConfig returns the detector configuration from the built-in defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyConfig())
}

// ConfigFromTuning builds a Config from a loaded RoverConfig.
func ConfigFromTuning(cfg *config.RoverConfig) Config {
	return Config{
		IntegrateRadius: cfg.GetIntegrateRadius(),
		MinCount:        cfg.GetDetectMinCount(),
		MaxCount:        cfg.GetDetectMaxCount(),
		ProbabilityUp:   cfg.GetProbabilityUp(),
		ProbabilityDown: cfg.GetProbabilityDown(),
		MinProbability:  cfg.GetMinSearchProbability(),
		Capacity:        cfg.GetIntensityCapacity(),
		MaxSearchPoints: cfg.GetMaxSearchPoints(),
		Period:          cfg.GetDetectPeriod(),
	}
}

// Detector clusters intensity points and maintains the search point set.
type Detector struct {
	mu     sync.Mutex
	cfg    Config
	points []geometry.IntensityPoint

	candidates   []CandidatePoint
	searchPoints []SearchPoint
}

// NewDetector creates an empty detector.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:    cfg,
		points: make([]geometry.IntensityPoint, 0, cfg.Capacity),
	}
}

// AddIntensityPoints buffers world-frame intensity points for the next
// update. Once the buffer is full the oldest points are discarded.
func (d *Detector) AddIntensityPoints(points []geometry.IntensityPoint) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(points) >= d.cfg.Capacity {
		d.points = append(d.points[:0], points[len(points)-d.cfg.Capacity:]...)
		return
	}
	if overflow := len(d.points) + len(points) - d.cfg.Capacity; overflow > 0 {
		d.points = append(d.points[:0], d.points[overflow:]...)
	}
	d.points = append(d.points, points...)
}

// Update clusters the buffered points into candidates, integrates them into
// the search points, and decays every search point by one step.
func (d *Detector) Update() {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Step 1: cluster and drain the buffer
	clusters := cluster(d.points, d.cfg.IntegrateRadius)
	d.points = d.points[:0]

	// Step 2: large clusters become candidates
	d.candidates = d.candidates[:0]
	span := float64(d.cfg.MaxCount - d.cfg.MinCount)
	for _, c := range clusters {
		if c.Count <= d.cfg.MinCount {
			continue
		}
		c.Probability = clamp01(float64(c.Count-d.cfg.MinCount) / span)
		d.candidates = append(d.candidates, c)
	}

	// Step 3: merge candidates into existing search points or add them
	r2 := d.cfg.IntegrateRadius * d.cfg.IntegrateRadius
	for _, c := range d.candidates {
		gain := d.cfg.ProbabilityDown + d.cfg.ProbabilityUp*c.Probability
		merged := false
		for i := range d.searchPoints {
			sp := &d.searchPoints[i]
			if sp.Pos.DistanceSquared(c.Pos) >= r2 {
				continue
			}
			if weights := []float64{sp.Probability, c.Probability}; weights[0]+weights[1] > 0 {
				sp.Pos = geometry.ScanPoint{
					X: int(stat.Mean([]float64{float64(sp.Pos.X), float64(c.Pos.X)}, weights)),
					Y: int(stat.Mean([]float64{float64(sp.Pos.Y), float64(c.Pos.Y)}, weights)),
					Z: int(stat.Mean([]float64{float64(sp.Pos.Z), float64(c.Pos.Z)}, weights)),
				}
			}
			sp.Probability = clamp01(sp.Probability + gain)
			merged = true
			break
		}
		if !merged && len(d.searchPoints) < d.cfg.MaxSearchPoints {
			d.searchPoints = append(d.searchPoints, SearchPoint{Pos: c.Pos, Probability: clamp01(gain)})
		}
	}

	// Step 4: sort, decay, and drop exhausted points
	slices.SortStableFunc(d.searchPoints, SearchPoint.Compare)
	kept := len(d.searchPoints)
	for i := range d.searchPoints {
		d.searchPoints[i].Probability -= d.cfg.ProbabilityDown
		if d.searchPoints[i].Probability <= 0 {
			kept = i
			break
		}
	}
	d.searchPoints = d.searchPoints[:kept]
}

// Run calls Update every Period until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, clock timeutil.Clock) error {
	ticker := clock.NewTicker(d.cfg.Period)
	defer ticker.Stop()

	last := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			d.Update()
			if n := len(d.SearchPoints()); n != last {
				logf("%d search points", n)
				last = n
			}
		}
	}
}

// Candidates returns the candidates of the last update, largest first.
func (d *Detector) Candidates() []CandidatePoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.candidates)
}

// SearchPoints returns the search points, most probable first.
func (d *Detector) SearchPoints() []SearchPoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.searchPoints)
}

// NearestSearchPoint returns the most probable search point within radius
// meters of self whose probability exceeds the reporting threshold.
func (d *Detector) NearestSearchPoint(self geometry.Pose, radius float64) (SearchPoint, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	origin := geometry.PointFromMeters(self.X, self.Y)
	for _, sp := range d.searchPoints {
		if sp.Pos.DistanceSquared(origin) >= radius*radius {
			continue
		}
		if sp.Probability > d.cfg.MinProbability {
			return sp, true
		}
	}
	return SearchPoint{}, false
}

// cluster greedily merges points within radius of a seed, keeping a running
// average position, and returns clusters ordered by descending size.
func cluster(points []geometry.IntensityPoint, radius float64) []CandidatePoint {
	r2 := radius * radius
	type acc struct {
		x, y, z float64
		n       int
	}
	accs := make([]acc, len(points))
	for i, p := range points {
		accs[i] = acc{x: float64(p.X), y: float64(p.Y), z: float64(p.Z), n: 1}
	}

	for i := range accs {
		if accs[i].n == 0 {
			continue
		}
		for j := i + 1; j < len(accs); j++ {
			if accs[j].n == 0 {
				continue
			}
			dx := (accs[i].x - accs[j].x) / 1000
			dy := (accs[i].y - accs[j].y) / 1000
			if dx*dx+dy*dy > r2 {
				continue
			}
			c := float64(accs[i].n)
			accs[i].x = (accs[i].x*c + accs[j].x) / (c + 1)
			accs[i].y = (accs[i].y*c + accs[j].y) / (c + 1)
			accs[i].z = (accs[i].z*c + accs[j].z) / (c + 1)
			accs[i].n++
			accs[j].n = 0
		}
	}

	var out []CandidatePoint
	for _, a := range accs {
		if a.n == 0 {
			continue
		}
		out = append(out, CandidatePoint{
			Pos:   geometry.ScanPoint{X: int(a.x), Y: int(a.y), Z: int(a.z)},
			Count: a.n,
		})
	}
	slices.SortStableFunc(out, func(a, b CandidatePoint) int {
		return cmp.Compare(b.Count, a.Count)
	})
	return out
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
