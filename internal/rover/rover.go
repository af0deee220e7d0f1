// Package rover runs the control loop: it reads the sensors every tick,
// feeds the navigator, obstacle monitor and target detector, and turns their
// output into wheel speeds.
package rover

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/localizer"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/navigator"
	"github.com/banshee-data/rover/internal/obstacle"
	"github.com/banshee-data/rover/internal/target"
	"github.com/banshee-data/rover/internal/timeutil"
)

var logf = monitoring.Prefixed("rover")

// ErrNoOdometry is returned by New when Sensors.Odometry is nil.
var ErrNoOdometry = errors.New("rover: odometry source is required")

// Config holds the loop period, the scan bands and the manual drive gains.
// Distances in the scan bands are millimeters.
type Config struct {
	TickPeriod   time.Duration
	SearchRadius float64 // meters
	MaxSpeed     float64 // arc drive cap, m/s
	Loop         bool

	ReferenceMinZ  int
	ReferenceMaxZ  int
	ReferenceRange int // forward and lateral extent of reference points
	ObstacleMinZ   int
	ObstacleMaxZ   int
	TargetMinZ     int
	TargetMaxZ     int
	MinIntensity   int

	TiltLowDeg  float64
	TiltHighDeg float64

	JoystickDeadzone float64
	ForwardGain      float64 // m/s at full forward stick
	TurnGain         float64 // rad/s at full side stick
}

// DefaultConfig returns the loop configuration from the built-in defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyConfig())
}

// ConfigFromTuning builds a Config from a loaded RoverConfig.
func ConfigFromTuning(cfg *config.RoverConfig) Config {
	return Config{
		TickPeriod:       cfg.GetTickPeriod(),
		SearchRadius:     cfg.GetSearchRadius(),
		MaxSpeed:         cfg.GetMaxSpeed(),
		Loop:             cfg.GetLoopPlayback(),
		ReferenceMinZ:    cfg.GetReferenceMinZMM(),
		ReferenceMaxZ:    cfg.GetReferenceMaxZMM(),
		ReferenceRange:   cfg.GetReferenceRangeMM(),
		ObstacleMinZ:     cfg.GetObstacleMinZMM(),
		ObstacleMaxZ:     cfg.GetObstacleMaxZMM(),
		TargetMinZ:       cfg.GetTargetMinZMM(),
		TargetMaxZ:       cfg.GetTargetMaxZMM(),
		MinIntensity:     cfg.GetMinIntensity(),
		TiltLowDeg:       cfg.GetTiltLowDeg(),
		TiltHighDeg:      cfg.GetTiltHighDeg(),
		JoystickDeadzone: cfg.GetJoystickDeadzone(),
		ForwardGain:      cfg.GetForwardGain(),
		TurnGain:         cfg.GetTurnGain(),
	}
}

// Subsystems are the navigation components the loop drives.
type Subsystems struct {
	Navigator *navigator.Navigator
	Localizer *localizer.Localizer
	Obstacles *obstacle.Monitor
	Detector  *target.Detector
}

// Rover is the control loop. Tick is called from a single goroutine; the
// accessors may be called from any goroutine.
type Rover struct {
	cfg     Config
	clock   timeutil.Clock
	nav     *navigator.Navigator
	loc     *localizer.Localizer
	obs     *obstacle.Monitor
	det     *target.Detector
	drive   *DifferentialDrive
	sensors Sensors
	events  *events

	tickMu sync.Mutex // serializes Tick and the mode controls

	mu             sync.Mutex
	driving        bool // autonomous driving while playing
	rerouteStarted bool
	joystick       JoystickState
	ticks          uint64
	goals          int
	lastTick       time.Time
	lastScan       time.Time
	lastTilt       float64
	skippedScans   int
}

// New wires the loop to its subsystems, sensors and drive. The navigator's
// listener is replaced by the rover's own.
func New(cfg Config, sys Subsystems, sensors Sensors, drive *DifferentialDrive, clock timeutil.Clock) (*Rover, error) {
	if sensors.Odometry == nil {
		return nil, ErrNoOdometry
	}
	if sys.Navigator == nil || sys.Localizer == nil || sys.Obstacles == nil || sys.Detector == nil {
		return nil, fmt.Errorf("rover: incomplete subsystems")
	}
	r := &Rover{
		cfg:     cfg,
		clock:   clock,
		nav:     sys.Navigator,
		loc:     sys.Localizer,
		obs:     sys.Obstacles,
		det:     sys.Detector,
		drive:   drive,
		sensors: sensors,
		events:  &events{},
	}
	r.nav.SetListener(r.events)
	return r, nil
}

// SetRecorder sends fixes and findings to rec and opens a run whenever
// recording or playback starts.
func (r *Rover) SetRecorder(rec *Recorder) {
	r.events.setRecorder(rec)
}

func (r *Rover) recorder() *Recorder {
	r.events.mu.Lock()
	defer r.events.mu.Unlock()
	return r.events.recorder
}

// Play starts playback of the trail and autonomous driving.
func (r *Rover) Play() error {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	return r.play()
}

func (r *Rover) play() error {
	if r.nav.Mode() != navigator.ModePlaying {
		if err := r.nav.SetPlayMode(true); err != nil {
			return err
		}
		r.obs.FinishReroute()
		r.startRun(navigator.ModePlaying)
	}
	r.mu.Lock()
	r.driving = true
	r.rerouteStarted = false
	r.mu.Unlock()
	return nil
}

// Pause stops autonomous driving and the wheels. Playback stays loaded and
// the estimate keeps tracking odometry.
func (r *Rover) Pause() {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	r.pause()
}

func (r *Rover) pause() {
	r.mu.Lock()
	r.driving = false
	r.mu.Unlock()
	if err := r.drive.Stop(); err != nil {
		logf("stop: %v", err)
	}
}

// Stop ends recording or playback and stops the wheels.
func (r *Rover) Stop() error {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	r.pause()
	var err error
	switch r.nav.Mode() {
	case navigator.ModeRecording:
		err = r.nav.SetRecordMode(false)
	case navigator.ModePlaying:
		err = r.nav.SetPlayMode(false)
	}
	r.finishRun()
	return err
}

// Record starts recording a trail while the rover is driven by hand.
func (r *Rover) Record() error {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	r.pause()
	if err := r.nav.SetRecordMode(true); err != nil {
		return err
	}
	r.startRun(navigator.ModeRecording)
	return nil
}

func (r *Rover) startRun(mode navigator.Mode) {
	if rec := r.recorder(); rec != nil {
		rec.StartRun(r.nav.TrailFile(), mode.String())
	}
}

func (r *Rover) finishRun() {
	if rec := r.recorder(); rec != nil {
		rec.FinishRun()
	}
}

// Run ticks the loop and the target detector until ctx is cancelled, then
// stops the wheels.
func (r *Rover) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.det.Run(ctx, r.clock)
	})
	g.Go(func() error {
		ticker := r.clock.NewTicker(r.cfg.TickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C():
				r.Tick()
			}
		}
	})
	err := g.Wait()
	if stopErr := r.drive.Stop(); stopErr != nil {
		logf("stop: %v", stopErr)
	}
	return err
}

// Tick runs one control cycle.
func (r *Rover) Tick() {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	if r.sensors.Heading != nil {
		if theta, ok := r.sensors.Heading.Heading(); ok {
			r.sensors.Odometry.SetHeading(theta)
		}
	}
	odo := r.sensors.Odometry.Pose()
	joy := r.readJoystick()

	if r.nav.Mode() != navigator.ModeRecording {
		switch {
		case joy.Buttons&(ButtonDown|ButtonLeft|ButtonRight) != 0:
			r.pause()
		case joy.Buttons&ButtonUp != 0:
			if err := r.play(); err != nil {
				logf("play: %v", err)
			}
		}
	}

	if r.nav.SetOdometry(odo) {
		r.reachedGoal()
	}

	r.mu.Lock()
	driving := r.driving && r.nav.Mode() == navigator.ModePlaying
	r.mu.Unlock()
	var err error
	if driving {
		err = r.driveAutonomous()
	} else {
		err = r.drive.SetSpeed(r.cfg.ForwardGain*joy.Y, r.cfg.TurnGain*joy.X)
	}
	if err != nil {
		logf("drive: %v", err)
	}

	var (
		batch ScanBatch
		fresh bool
	)
	if r.sensors.Scans != nil {
		batch, fresh = r.sensors.Scans.LatestScan()
	}
	if fresh {
		r.handleScan(batch, odo)
	} else {
		r.obs.Update()
	}

	r.mu.Lock()
	r.ticks++
	r.lastTick = r.clock.Now()
	r.mu.Unlock()
}

func (r *Rover) readJoystick() JoystickState {
	var joy JoystickState
	if r.sensors.Joystick != nil {
		joy = r.sensors.Joystick.Joystick()
	}
	if math.Abs(joy.X) < r.cfg.JoystickDeadzone {
		joy.X = 0
	}
	if math.Abs(joy.Y) < r.cfg.JoystickDeadzone {
		joy.Y = 0
	}
	r.mu.Lock()
	r.joystick = joy
	r.mu.Unlock()
	return joy
}

func (r *Rover) reachedGoal() {
	r.mu.Lock()
	r.goals++
	r.rerouteStarted = false
	r.mu.Unlock()
	r.obs.FinishReroute()
	if err := r.drive.Stop(); err != nil {
		logf("stop: %v", err)
	}

	if r.cfg.Loop {
		err := r.nav.Restart()
		if err == nil {
			logf("goal reached, looping")
			return
		}
		logf("restart: %v", err)
	}
	r.mu.Lock()
	r.driving = false
	r.mu.Unlock()
	if err := r.nav.SetPlayMode(false); err != nil {
		logf("stop playback: %v", err)
	}
	r.finishRun()
	logf("goal reached, stopped")
}

// driveAutonomous keeps the monitor's reroute request and the navigator's
// reroute machine in lockstep and picks the drive command for the substate.
func (r *Rover) driveAutonomous() error {
	factor := r.obs.SlowDownFactor()
	r.nav.SetNeedStop(r.obs.NeedStop())

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rerouteStarted && !r.nav.IsRerouting() {
		r.obs.FinishReroute()
		r.rerouteStarted = false
	}

	switch {
	case r.obs.IsReroute():
		if !r.rerouteStarted {
			r.nav.StartReroute(r.obs.RerouteDirection())
			r.rerouteStarted = true
		}
		forward, rotate := r.nav.DriveCommand()
		return r.drive.SetSpeed(forward*factor, rotate)
	case r.nav.IsSearching():
		forward, rotate := r.nav.DriveCommand()
		return r.drive.SetSpeed(forward*factor, rotate)
	default:
		forward, radius, ok := r.nav.TargetArc(r.cfg.MaxSpeed)
		if !ok {
			return r.drive.Stop()
		}
		return r.drive.SetArcSpeed(forward*factor, radius)
	}
}

// handleScan splits a sweep into its reference, obstacle and target bands.
func (r *Rover) handleScan(batch ScanBatch, odo geometry.Pose) {
	if batch.TiltDeg < r.cfg.TiltLowDeg || batch.TiltDeg > r.cfg.TiltHighDeg {
		r.mu.Lock()
		r.skippedScans++
		r.mu.Unlock()
		r.obs.Update()
		return
	}

	est := r.nav.EstimatedPose()
	var reference, obstacles []geometry.ScanPoint
	var targets []geometry.IntensityPoint
	for _, p := range batch.Points {
		if p.Z >= r.cfg.ReferenceMinZ && p.Z <= r.cfg.ReferenceMaxZ &&
			p.X >= 0 && p.X <= r.cfg.ReferenceRange &&
			p.Y >= -r.cfg.ReferenceRange && p.Y <= r.cfg.ReferenceRange {
			reference = append(reference, p.ScanPoint.ToFrame(odo))
		}
		if p.Z >= r.cfg.ObstacleMinZ && p.Z <= r.cfg.ObstacleMaxZ {
			obstacles = append(obstacles, p.ScanPoint)
		}
		if p.Z >= r.cfg.TargetMinZ && p.Z <= r.cfg.TargetMaxZ && p.Intensity >= r.cfg.MinIntensity {
			targets = append(targets, geometry.IntensityPoint{
				ScanPoint: p.ScanPoint.ToFrame(est),
				Intensity: p.Intensity,
			})
		}
	}

	r.nav.SetScanData(reference)
	r.obs.SetObstacleData(obstacles)
	if len(targets) > 0 {
		r.det.AddIntensityPoints(targets)
	}

	if r.nav.Mode() == navigator.ModePlaying {
		if sp, ok := r.det.NearestSearchPoint(est, r.cfg.SearchRadius); ok &&
			r.nav.DistanceFromPreviousSearchPoint() > r.cfg.SearchRadius {
			r.events.setSearchProbability(sp.Probability)
			r.nav.SetSearchPoint(sp.Pos)
			logf("search point (%d, %d) mm, p=%.2f", sp.Pos.X, sp.Pos.Y, sp.Probability)
		}
	}

	r.mu.Lock()
	r.lastScan = batch.At
	r.lastTilt = batch.TiltDeg
	r.mu.Unlock()
}

// WheelSpeeds returns the last right and left wheel set-points.
func (r *Rover) WheelSpeeds() (right, left float64) {
	return r.drive.WheelSpeeds()
}

// Driving reports whether the rover is driving itself along the trail.
func (r *Rover) Driving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driving
}

// Goals returns how many times the end of the trail was reached.
func (r *Rover) Goals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.goals
}
