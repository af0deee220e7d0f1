// Package localizer corrects odometry drift with a Monte-Carlo particle
// filter that matches the current scan against an occupancy grid built from
// reference scans recorded along the trail.
package localizer

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/geometry"
)

// Particle is one pose hypothesis and its score from the last estimate.
type Particle struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
	Eval  int     `json:"eval"`
}

// Pose returns the hypothesis as a Pose.
func (p Particle) Pose() geometry.Pose {
	return geometry.Pose{X: p.X, Y: p.Y, Theta: p.Theta}
}

// Compare orders particles by descending Eval.
func (p Particle) Compare(q Particle) int {
	return cmp.Compare(q.Eval, p.Eval)
}

// Estimate is the filter output: the mean pose of the population, its
// spread, and how well the scan matched the reference map.
type Estimate struct {
	Pose        geometry.Pose `json:"pose"`
	Variance    float64       `json:"variance"`
	Coincidence float64       `json:"coincidence"`
}

// Config holds the filter parameters.
type Config struct {
	Particles         int
	SurvivorRatio     float64 // fraction of the population resampled from
	TranslationNoise  float64 // σ along the heading, meters
	HeadingNoise      float64 // σ, radians
	CellMM            int     // occupancy grid cell size
	ExtentMM          int     // grid half-width around the estimate
	KernelWeights     []int   // ring weights from the center outwards
	ReferenceCapacity int
	MeasuredCapacity  int
	Seed              uint64
}

// DefaultConfig returns the filter configuration from the built-in defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyConfig())
}

// ConfigFromTuning builds a Config from a loaded RoverConfig.
func ConfigFromTuning(cfg *config.RoverConfig) Config {
	return Config{
		Particles:         cfg.GetParticleCount(),
		SurvivorRatio:     cfg.GetSurvivorRatio(),
		TranslationNoise:  cfg.GetTranslationNoise(),
		HeadingNoise:      cfg.GetHeadingNoise(),
		CellMM:            cfg.GetGridCellMM(),
		ExtentMM:          cfg.GetGridExtentMM(),
		KernelWeights:     cfg.GetKernelWeights(),
		ReferenceCapacity: cfg.GetReferenceCapacity(),
		MeasuredCapacity:  cfg.GetMeasuredCapacity(),
		Seed:              cfg.GetRandomSeed(),
	}
}

// Validate reports a *config.ConfigurationError for unusable parameters.
func (c Config) Validate() error {
	bad := func(field, format string, v ...interface{}) error {
		return &config.ConfigurationError{Field: field, Reason: fmt.Sprintf(format, v...)}
	}
	switch {
	case c.Particles <= 0:
		return bad("particle_count", "must be positive, got %d", c.Particles)
	case c.SurvivorRatio <= 0 || c.SurvivorRatio > 1:
		return bad("survivor_ratio", "must be in (0, 1], got %f", c.SurvivorRatio)
	case c.CellMM <= 0:
		return bad("grid_cell_mm", "must be positive, got %d", c.CellMM)
	case c.ExtentMM < c.CellMM*len(c.KernelWeights):
		return bad("grid_extent_mm", "must hold the kernel, got %d", c.ExtentMM)
	case len(c.KernelWeights) == 0:
		return bad("kernel_weights", "must not be empty")
	case c.ReferenceCapacity <= 0:
		return bad("reference_capacity", "must be positive, got %d", c.ReferenceCapacity)
	case c.MeasuredCapacity <= 0:
		return bad("measured_capacity", "must be positive, got %d", c.MeasuredCapacity)
	}
	for i, w := range c.KernelWeights {
		if w < 0 || w > math.MaxUint8 {
			return bad("kernel_weights", "entry %d must be between 0 and 255, got %d", i, w)
		}
	}
	return nil
}

// Localizer is the particle filter. All state, including the grid and the
// per-estimate scratch slices, is owned by the instance and guarded by mu.
type Localizer struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand

	particles []Particle
	previous  []Particle // resampling source

	reference []geometry.ScanPoint // circular, odometry frame
	refNext   int
	refFull   bool
	measured  []geometry.ScanPoint // odometry frame
	odometry  geometry.Pose

	best Estimate

	// occupancy grid, width*width cells centered on the estimate
	grid      []uint8
	width     int
	kernel    []uint8 // (2*radius+1)^2, row-major
	radius    int
	maxWeight float64

	// scratch
	robotX, robotY []float64
	xs, ys, offs   []float64
	evals          []float64
}

// New creates a filter with every particle at the origin.
func New(cfg Config) (*Localizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("localizer: %w", err)
	}

	half := cfg.ExtentMM / cfg.CellMM
	l := &Localizer{
		cfg:       cfg,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		particles: make([]Particle, cfg.Particles),
		previous:  make([]Particle, cfg.Particles),
		reference: make([]geometry.ScanPoint, 0, cfg.ReferenceCapacity),
		measured:  make([]geometry.ScanPoint, 0, cfg.MeasuredCapacity),
		width:     2 * half,
		grid:      make([]uint8, 4*half*half),
		xs:        make([]float64, cfg.Particles),
		ys:        make([]float64, cfg.Particles),
		offs:      make([]float64, cfg.Particles),
		evals:     make([]float64, cfg.Particles),
	}
	l.buildKernel()
	return l, nil
}

// buildKernel lays the weights out as concentric square rings, so a cell's
// weight depends on its Chebyshev distance from the center.
func (l *Localizer) buildKernel() {
	l.radius = len(l.cfg.KernelWeights) - 1
	size := 2*l.radius + 1
	l.kernel = make([]uint8, size*size)
	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			ring := max(abs(i-l.radius), abs(j-l.radius))
			l.kernel[j*size+i] = uint8(l.cfg.KernelWeights[ring])
		}
	}
	l.maxWeight = float64(slices.Max(l.cfg.KernelWeights))
}

// Init re-seeds every particle at pose and clears the reference and
// measured buffers.
func (l *Localizer) Init(pose geometry.Pose) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pose = pose.Normalized()
	for i := range l.particles {
		l.particles[i] = Particle{X: pose.X, Y: pose.Y, Theta: pose.Theta}
	}
	l.reference = l.reference[:0]
	l.refNext = 0
	l.refFull = false
	l.measured = l.measured[:0]
	l.odometry = pose
	l.best = Estimate{Pose: pose}
}

// AddReferenceData appends odometry-frame reference points. Once the buffer
// is full the oldest points are overwritten.
func (l *Localizer) AddReferenceData(points []geometry.ScanPoint) {
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := l.cfg.ReferenceCapacity
	for _, p := range points {
		if len(l.reference) < capacity {
			l.reference = append(l.reference, p)
			if len(l.reference) == capacity {
				l.refFull = true
				l.refNext = 0
			}
			continue
		}
		l.reference[l.refNext] = p
		l.refNext = (l.refNext + 1) % capacity
	}
}

// ReferenceFull reports whether the reference buffer has wrapped.
func (l *Localizer) ReferenceFull() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refFull
}

// ReferenceCount returns the number of buffered reference points.
func (l *Localizer) ReferenceCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reference)
}

// SetMeasuredData replaces the odometry-frame scan used by the next
// estimate. Points beyond the capacity are dropped.
func (l *Localizer) SetMeasuredData(points []geometry.ScanPoint) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(points) > l.cfg.MeasuredCapacity {
		points = points[:l.cfg.MeasuredCapacity]
	}
	l.measured = append(l.measured[:0], points...)
}

// SetOdometry records the raw odometry pose the measured scan was taken from.
func (l *Localizer) SetOdometry(pose geometry.Pose) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.odometry = pose.Normalized()
}

// Predict resamples the population from its best-scoring survivors and
// moves every particle by the motion delta plus noise.
func (l *Localizer) Predict(dx, dy, dtheta float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	survivors := max(int(math.Ceil(float64(len(l.particles))*l.cfg.SurvivorRatio)), 1)
	copy(l.previous, l.particles)
	for i := range l.particles {
		src := l.previous[i%survivors]
		g := l.gaussian() * l.cfg.TranslationNoise
		s, c := math.Sincos(src.Theta)
		l.particles[i] = Particle{
			X:     src.X + dx + c*g,
			Y:     src.Y + dy + s*g,
			Theta: geometry.NormalizeAngle(src.Theta + dtheta + l.gaussian()*l.cfg.HeadingNoise),
		}
	}
}

// gaussian draws a standard normal sample with the Box-Muller transform.
func (l *Localizer) gaussian() float64 {
	u1 := l.rng.Float64()
	for u1 == 0 {
		u1 = l.rng.Float64()
	}
	u2 := l.rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// Estimate scores every particle against the reference map and returns the
// new best estimate. Without measured points the previous estimate is
// returned with a coincidence of 0.
func (l *Localizer) Estimate() Estimate {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.measured) == 0 {
		l.best.Coincidence = 0
		return l.best
	}

	// Step 1: occupancy grid around the current estimate
	l.buildGrid()

	// Step 2: measured points into the robot frame of the raw odometry
	l.robotX = l.robotX[:0]
	l.robotY = l.robotY[:0]
	for _, p := range l.measured {
		x, y := l.odometry.ToRobot(p.Meters())
		l.robotX = append(l.robotX, x)
		l.robotY = append(l.robotY, y)
	}

	// Step 3: score each hypothesis
	for i := range l.particles {
		l.particles[i].Eval = l.score(l.particles[i])
	}

	// Step 4: rank and normalize
	slices.SortStableFunc(l.particles, Particle.Compare)
	for i, p := range l.particles {
		l.evals[i] = float64(p.Eval)
	}
	coincidence := floats.Sum(l.evals) / (float64(len(l.particles)) * l.maxWeight * float64(len(l.measured)))

	// Step 5: population mean and spread
	pose, variance := l.meanPose()
	l.best = Estimate{Pose: pose, Variance: variance, Coincidence: coincidence}
	return l.best
}

func (l *Localizer) buildGrid() {
	clear(l.grid)
	size := 2*l.radius + 1
	for _, p := range l.reference {
		ix, iy, ok := l.cell(float64(p.X)/1000, float64(p.Y)/1000)
		if !ok || ix < l.radius || iy < l.radius || ix >= l.width-l.radius || iy >= l.width-l.radius {
			continue
		}
		for j := 0; j < size; j++ {
			row := (iy+j-l.radius)*l.width + ix - l.radius
			for i := 0; i < size; i++ {
				if w := l.kernel[j*size+i]; w > l.grid[row+i] {
					l.grid[row+i] = w
				}
			}
		}
	}
}

// cell maps a frame position in meters to grid indices.
func (l *Localizer) cell(x, y float64) (int, int, bool) {
	cellM := float64(l.cfg.CellMM) / 1000
	half := l.width / 2
	ix := int(math.Floor((x-l.best.Pose.X)/cellM)) + half
	iy := int(math.Floor((y-l.best.Pose.Y)/cellM)) + half
	return ix, iy, ix >= 0 && iy >= 0 && ix < l.width && iy < l.width
}

func (l *Localizer) score(p Particle) int {
	s, c := math.Sincos(p.Theta)
	eval := 0
	for k := range l.robotX {
		x := l.robotX[k]*c - l.robotY[k]*s + p.X
		y := l.robotX[k]*s + l.robotY[k]*c + p.Y
		if ix, iy, ok := l.cell(x, y); ok {
			eval += int(l.grid[iy*l.width+ix])
		}
	}
	return eval
}

// meanPose averages the population. Headings are averaged as offsets from
// the first particle so the mean does not cancel across the ±π seam. The
// angular term of the variance is the squared mean heading, not the squared
// heading deviation; callers gate on this value as it has always been.
func (l *Localizer) meanPose() (geometry.Pose, float64) {
	ref := l.particles[0].Theta
	for i, p := range l.particles {
		l.xs[i] = p.X
		l.ys[i] = p.Y
		l.offs[i] = geometry.NormalizeAngle(p.Theta - ref)
	}
	pose := geometry.Pose{
		X:     stat.Mean(l.xs, nil),
		Y:     stat.Mean(l.ys, nil),
		Theta: geometry.NormalizeAngle(stat.Mean(l.offs, nil) + ref),
	}

	for i, p := range l.particles {
		dx, dy := p.X-pose.X, p.Y-pose.Y
		l.offs[i] = dx*dx + dy*dy + pose.Theta*pose.Theta
	}
	return pose, stat.Mean(l.offs, nil)
}

// Result returns the last estimate without recomputing it.
func (l *Localizer) Result() Estimate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.best
}

// Particles returns up to max particles, best first. max <= 0 returns all.
func (l *Localizer) Particles(max int) []Particle {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.particles)
	if max > 0 && max < n {
		n = max
	}
	return slices.Clone(l.particles[:n])
}

// Area is the frame-aligned extent of the occupancy grid in meters.
type Area struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// ReferenceArea returns the region the occupancy grid covers.
func (l *Localizer) ReferenceArea() Area {
	l.mu.Lock()
	defer l.mu.Unlock()

	half := float64(l.width/2*l.cfg.CellMM) / 1000
	return Area{
		MinX: l.best.Pose.X - half,
		MinY: l.best.Pose.Y - half,
		MaxX: l.best.Pose.X + half,
		MaxY: l.best.Pose.Y + half,
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
