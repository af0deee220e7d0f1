// Package navigator records trails of waypoints and plays them back,
// correcting the dead-reckoned pose with the particle-filter localizer and
// detouring through the search and reroute sub-machines.
package navigator

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/fsutil"
	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/localizer"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/obstacle"
	"github.com/banshee-data/rover/internal/timeutil"
	"github.com/banshee-data/rover/internal/trail"
)

var logf = monitoring.Prefixed("navigator")

var (
	// ErrModeConflict is returned for operations the current mode does not
	// allow, such as changing the trail file while recording.
	ErrModeConflict = errors.New("navigator: operation conflicts with current mode")
	// ErrNoTrailFile is returned when recording or playback starts before a
	// trail file is set.
	ErrNoTrailFile = errors.New("navigator: no trail file set")
)

// Mode is the top-level navigator mode.
type Mode int

const (
	ModeIdle Mode = iota
	ModeRecording
	ModePlaying
)

func (m Mode) String() string {
	switch m {
	case ModeRecording:
		return "recording"
	case ModePlaying:
		return "playing"
	default:
		return "idle"
	}
}

// Substate refines ModePlaying.
type Substate int

const (
	Normal Substate = iota
	Rerouting
	Searching
)

func (s Substate) String() string {
	switch s {
	case Rerouting:
		return "rerouting"
	case Searching:
		return "searching"
	default:
		return "normal"
	}
}

// Listener receives navigator events. Methods are called with the
// navigator's lock held and must not call back into it.
type Listener interface {
	LocalizationFix(Fix)
	TargetFound(point geometry.ScanPoint, from geometry.Pose)
}

// Config holds the navigator timing, gates and manoeuvre parameters.
type Config struct {
	RecordPeriod          time.Duration
	PassMargin            float64 // along-track distance counted as passing a waypoint
	LocalizeIterations    int
	MaxTrustedVariance    float64
	MinTrustedCoincidence float64
	MeasuredCapacity      int

	TurnSpeed        float64 // rad/s while turning in place
	MoveSpeed        float64 // m/s while approaching a point
	HeadingGain      float64 // rotate = gain × bearing error while moving
	AngleTolerance   float64
	ApproachDistance float64
	ApproachTimeout  time.Duration
	FoundWait        time.Duration
	SettleTime       time.Duration

	RerouteStateTimeout  time.Duration
	RerouteSideLength    float64
	RerouteForwardLength float64
}

// DefaultConfig returns the navigator configuration from the built-in defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyConfig())
}

// ConfigFromTuning builds a Config from a loaded RoverConfig.
func ConfigFromTuning(cfg *config.RoverConfig) Config {
	return Config{
		RecordPeriod:          cfg.GetRecordPeriod(),
		PassMargin:            cfg.GetPassMargin(),
		LocalizeIterations:    cfg.GetLocalizeIterations(),
		MaxTrustedVariance:    cfg.GetMaxTrustedVariance(),
		MinTrustedCoincidence: cfg.GetMinTrustedCoincidence(),
		MeasuredCapacity:      cfg.GetMeasuredCapacity(),
		TurnSpeed:             cfg.GetTurnSpeed(),
		MoveSpeed:             cfg.GetMoveSpeed(),
		HeadingGain:           cfg.GetHeadingGain(),
		AngleTolerance:        cfg.GetAngleTolerance(),
		ApproachDistance:      cfg.GetApproachDistance(),
		ApproachTimeout:       cfg.GetApproachTimeout(),
		FoundWait:             cfg.GetFoundWait(),
		SettleTime:            cfg.GetSettleTime(),
		RerouteStateTimeout:   cfg.GetRerouteStateTimeout(),
		RerouteSideLength:     cfg.GetRerouteSideLength(),
		RerouteForwardLength:  cfg.GetRerouteForwardLength(),
	}
}

// Navigator owns the trail, the pose estimate and the localizer feeding it.
//
// The localizer is only called from the localization worker, and listener
// callbacks run after n.mu is released, so n.mu is never held together with
// another subsystem's lock.
type Navigator struct {
	mu       sync.Mutex
	cfg      Config
	clock    timeutil.Clock
	loc      *localizer.Localizer
	listener Listener
	outbox   []func(Listener)

	fsys fsutil.FileSystem
	path string
	mode Mode

	// recording
	writer     *trail.Writer
	lastRecord time.Time
	recordBuf  []geometry.ScanPoint

	// playback
	cursor    *trail.Cursor
	exhausted bool
	index     int
	target    geometry.Pose
	reference []geometry.ScanPoint
	measured  []geometry.ScanPoint

	odometry geometry.Pose // latest raw odometry
	odoCross geometry.Pose // odometry at the last crossing that fed the localizer
	estCross geometry.Pose // estimate at that crossing
	est      geometry.Pose
	worker   *localization
	initPose *geometry.Pose // localizer reset pending for the next crossing
	lastFix  Fix

	// search
	searchPending bool
	searching     bool
	searchPoint   geometry.ScanPoint
	hasSearched   bool
	returnX       float64
	returnY       float64
	search        *timeutil.StateTimer[SearchStep]

	// reroute
	rerouting     bool
	rerouteDir    obstacle.Lane
	rerouteOrigin geometry.Pose
	reroute       *timeutil.StateTimer[RerouteStep]
	needStop      bool

	forward, rotate float64
}

// New creates an idle navigator.
func New(cfg Config, loc *localizer.Localizer, clock timeutil.Clock) *Navigator {
	return &Navigator{
		cfg:      cfg,
		clock:    clock,
		fsys:     fsutil.OSFileSystem{},
		loc:      loc,
		measured: make([]geometry.ScanPoint, 0, cfg.MeasuredCapacity),
		search:   timeutil.NewStateTimer(clock, SearchInit),
		reroute:  timeutil.NewStateTimer(clock, RerouteInit),
	}
}

// SetListener registers l for fixes and found targets.
func (n *Navigator) SetListener(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listener = l
}

// SetFileSystem sets where trail files live. It cannot change while
// recording or playing.
func (n *Navigator) SetFileSystem(fsys fsutil.FileSystem) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.mode != ModeIdle {
		return fmt.Errorf("set file system while %s: %w", n.mode, ErrModeConflict)
	}
	n.fsys = fsys
	return nil
}

// SetTrailFile sets the file recorded to and played from. It cannot change
// while recording or playing.
func (n *Navigator) SetTrailFile(path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.mode != ModeIdle {
		return fmt.Errorf("set trail file while %s: %w", n.mode, ErrModeConflict)
	}
	n.path = path
	return nil
}

// TrailFile returns the current trail path.
func (n *Navigator) TrailFile() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.path
}

// Mode returns the current mode.
func (n *Navigator) Mode() Mode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mode
}

// SetRecordMode starts or stops recording. Starting truncates the trail file
// and stops any playback.
func (n *Navigator) SetRecordMode(on bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !on {
		if n.mode != ModeRecording {
			return nil
		}
		return n.stopRecording()
	}
	if n.mode == ModeRecording {
		return nil
	}
	if n.path == "" {
		return ErrNoTrailFile
	}
	n.stopPlaying()

	w, err := trail.CreateFS(n.fsys, n.path)
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	n.writer = w
	n.mode = ModeRecording
	n.lastRecord = time.Time{}
	n.recordBuf = n.recordBuf[:0]
	n.index = 0
	logf("recording to %s", n.path)
	return nil
}

func (n *Navigator) stopRecording() error {
	count := n.writer.Count()
	err := n.writer.Close()
	n.writer = nil
	n.mode = ModeIdle
	logf("recorded %d waypoints", count)
	if err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	return nil
}

// SetPlayMode starts or stops playback. Starting stops any recording and
// takes the current odometry as the estimate; the first waypoint is loaded
// on the next odometry update.
func (n *Navigator) SetPlayMode(on bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !on {
		n.stopPlaying()
		return nil
	}
	if n.mode == ModePlaying {
		return nil
	}
	if n.path == "" {
		return ErrNoTrailFile
	}
	if n.mode == ModeRecording {
		if err := n.stopRecording(); err != nil {
			logf("%v", err)
		}
	}

	c, err := trail.OpenFS(n.fsys, n.path)
	if err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	n.worker.wait()
	pose := n.odometry
	n.initPose = &pose
	n.lastFix = Fix{}
	n.startPlayback(c, n.odometry)
	logf("playing %s", n.path)
	return nil
}

// Restart rewinds playback to the start of the trail, keeping the current
// estimate and localizer state.
func (n *Navigator) Restart() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.mode != ModePlaying {
		return fmt.Errorf("restart while %s: %w", n.mode, ErrModeConflict)
	}
	c, err := trail.OpenFS(n.fsys, n.path)
	if err != nil {
		return fmt.Errorf("restart playback: %w", err)
	}
	n.cursor.Close()
	n.startPlayback(c, n.est)
	logf("restarting %s", n.path)
	return nil
}

func (n *Navigator) startPlayback(c *trail.Cursor, est geometry.Pose) {
	n.cursor = c
	n.mode = ModePlaying
	n.exhausted = false
	n.index = -1
	n.odoCross = n.odometry
	n.estCross = est
	n.est = est
	// the first crossing happens immediately and loads waypoint 0
	n.target = est
	n.reference = nil
	n.measured = n.measured[:0]
	n.searchPending = false
	n.searching = false
	n.rerouting = false
	n.forward, n.rotate = 0, 0
}

func (n *Navigator) stopPlaying() {
	if n.mode != ModePlaying {
		return
	}
	n.cursor.Close()
	n.cursor = nil
	n.mode = ModeIdle
	n.searching = false
	n.rerouting = false
	n.forward, n.rotate = 0, 0
	n.est = n.odometry
}

// Seek skips n waypoints ahead so playback continues part way along the
// trail.
func (n *Navigator) Seek(count int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.mode != ModePlaying {
		return fmt.Errorf("seek while %s: %w", n.mode, ErrModeConflict)
	}
	if err := n.cursor.Skip(count); err != nil {
		return fmt.Errorf("seek %d waypoints: %w", count, err)
	}
	n.index = n.cursor.Index() - 1
	return nil
}

// SetOdometry is the per-tick entry point. It records or plays back
// according to the mode and reports true once playback has passed the last
// waypoint.
func (n *Navigator) SetOdometry(odo geometry.Pose) bool {
	n.mu.Lock()
	goal := n.setOdometry(odo.Normalized())
	l, events := n.listener, n.outbox
	n.outbox = nil
	n.mu.Unlock()

	if l != nil {
		for _, e := range events {
			e(l)
		}
	}
	return goal
}

func (n *Navigator) setOdometry(odo geometry.Pose) bool {
	n.odometry = odo
	switch n.mode {
	case ModeRecording:
		n.record(odo)
	case ModePlaying:
		return n.play(odo)
	default:
		n.est = odo
	}
	return false
}

// notify queues a listener callback for SetOdometry to run unlocked.
func (n *Navigator) notify(e func(Listener)) {
	n.outbox = append(n.outbox, e)
}

func (n *Navigator) record(odo geometry.Pose) {
	n.est = odo
	now := n.clock.Now()
	if !n.lastRecord.IsZero() && now.Sub(n.lastRecord) <= n.cfg.RecordPeriod {
		return
	}
	if err := n.writer.Append(odo, n.recordBuf); err != nil {
		logf("%v", err)
	}
	n.index = n.writer.Count() - 1
	n.recordBuf = n.recordBuf[:0]
	n.lastRecord = now
}

func (n *Navigator) play(odo geometry.Pose) bool {
	// Step 1: odometry delta since the crossing, in the estimate frame
	d0x, d0y := odo.X-n.odoCross.X, odo.Y-n.odoCross.Y
	dtheta := geometry.NormalizeAngle(odo.Theta - n.odoCross.Theta)
	correction := geometry.NormalizeAngle(n.estCross.Theta - n.odoCross.Theta)
	dx, dy := geometry.Rotate(d0x, d0y, correction)
	n.est = n.estCross.Add(dx, dy, dtheta)

	// Step 2: sub-machines or the waypoint pass test
	switch {
	case n.rerouting:
		if !n.stepReroute() {
			n.rerouting = false
			logf("reroute finished")
		}
	case n.searching:
		if !n.stepSearch() {
			n.searching = false
			logf("search finished")
		}
	case n.est.AlongTrack(n.target) >= n.cfg.PassMargin:
		passed := n.reference
		if !n.advance() {
			return true
		}
		if n.worker.idle() {
			n.localize(odo, dx, dy, dtheta, passed)
			n.odoCross = odo
			n.estCross = n.estCross.Add(dx, dy, dtheta)
			dx, dy, dtheta = 0, 0, 0
		}
		n.measured = n.measured[:0]
	}

	// Step 3: pending search point passed abeam
	if n.searchPending && !n.searching && !n.rerouting {
		sx, sy := n.searchPoint.Meters()
		ref := geometry.Pose{X: sx, Y: sy, Theta: n.target.Theta}
		if n.est.AlongTrack(ref) >= n.cfg.PassMargin {
			n.searchPending = false
			n.searching = true
			n.returnX, n.returnY = n.est.X, n.est.Y
			n.search.Enter(SearchInit)
			logf("searching toward (%d, %d) mm", n.searchPoint.X, n.searchPoint.Y)
		}
	}

	// Step 4: re-derive after a crossing may have moved the estimate
	n.est = n.estCross.Add(dx, dy, dtheta)
	return false
}

// advance loads the next waypoint. It returns false once the trail is
// exhausted or unreadable.
func (n *Navigator) advance() bool {
	if n.exhausted {
		return false
	}
	seg, err := n.cursor.Next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logf("trail read failed, treating as goal: %v", err)
		}
		n.exhausted = true
		logf("goal reached after %d waypoints", n.index+1)
		return false
	}
	n.index = seg.Index
	n.target = seg.Waypoint
	n.reference = seg.Reference
	return true
}

// SetScanData takes odometry-frame reference points measured this tick.
// While recording they are written with the next waypoint; while playing
// they accumulate as the localizer's measurement for the current segment.
func (n *Navigator) SetScanData(points []geometry.ScanPoint) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.mode {
	case ModeRecording:
		n.recordBuf = appendCapped(n.recordBuf, points, n.cfg.MeasuredCapacity)
	case ModePlaying:
		n.measured = appendCapped(n.measured, points, n.cfg.MeasuredCapacity)
	}
}

func appendCapped(dst, src []geometry.ScanPoint, capacity int) []geometry.ScanPoint {
	if room := capacity - len(dst); len(src) > room {
		src = src[:max(room, 0)]
	}
	return append(dst, src...)
}

// SetSearchPoint asks for a detour to p (estimate frame, mm) once the robot
// draws level with it.
func (n *Navigator) SetSearchPoint(p geometry.ScanPoint) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.searchPoint = p
	n.searchPending = true
	n.hasSearched = true
}

// DistanceFromPreviousSearchPoint returns the distance in meters from the
// estimate to the last search point set, or +Inf if none has been set.
func (n *Navigator) DistanceFromPreviousSearchPoint() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.hasSearched {
		return math.Inf(1)
	}
	x, y := n.searchPoint.Meters()
	return math.Hypot(x-n.est.X, y-n.est.Y)
}

// SetNeedStop tells the reroute machine whether an obstacle still blocks the
// way forward.
func (n *Navigator) SetNeedStop(stop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.needStop = stop
}

// StartReroute enters the reroute machine toward dir. Center is treated as
// right. It is ignored unless playing.
func (n *Navigator) StartReroute(dir obstacle.Lane) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.mode != ModePlaying {
		return
	}
	if dir != obstacle.LaneLeft {
		dir = obstacle.LaneRight
	}
	n.rerouting = true
	n.rerouteDir = dir
	n.rerouteOrigin = n.est
	n.reroute.Enter(RerouteInit)
	logf("rerouting %s", dir)
}

// IsRerouting reports whether the reroute machine is running.
func (n *Navigator) IsRerouting() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rerouting
}

// IsSearching reports whether the search machine is running.
func (n *Navigator) IsSearching() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.searching
}

// Substate returns the playback substate.
func (n *Navigator) Substate() Substate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.substate()
}

func (n *Navigator) substate() Substate {
	switch {
	case n.rerouting:
		return Rerouting
	case n.searching:
		return Searching
	default:
		return Normal
	}
}

// EstimatedPose returns the corrected pose while playing and the raw
// odometry otherwise.
func (n *Navigator) EstimatedPose() geometry.Pose {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.est
}

// Target returns the waypoint being approached and its index.
func (n *Navigator) Target() (geometry.Pose, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.target, n.index
}

// Reference returns a copy of the current segment's reference points.
func (n *Navigator) Reference() []geometry.ScanPoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]geometry.ScanPoint(nil), n.reference...)
}

// DriveCommand returns the forward (m/s) and rotate (rad/s) speeds the
// search and reroute machines ask for.
func (n *Navigator) DriveCommand() (forward, rotate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.forward, n.rotate
}

// TargetArc returns the forward speed and turning radius of the circular arc
// from the estimate to the target waypoint. ok is false when the robot is
// on the waypoint.
func (n *Navigator) TargetArc(maxSpeed float64) (forward, radius float64, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	dx, dy := n.est.ToRobot(n.target.X, n.target.Y)
	if dy == 0 {
		if dx == 0 {
			return 0, 0, false
		}
		dy = dx * 0.001
	}
	radius = (dx*dx + dy*dy) / (2 * dy)
	forward = min(math.Abs(radius)*math.Atan2(dx, math.Abs(radius-dy)), maxSpeed)
	return forward, radius, true
}

// WaitLocalization blocks until the in-flight localization run, if any,
// completes.
func (n *Navigator) WaitLocalization() {
	n.mu.Lock()
	w := n.worker
	n.mu.Unlock()
	w.wait()
}

// Snapshot is a JSON-friendly view of the navigator state.
type Snapshot struct {
	Mode           string        `json:"mode"`
	Substate       string        `json:"substate"`
	SearchStep     string        `json:"search_step,omitempty"`
	RerouteStep    string        `json:"reroute_step,omitempty"`
	TrailFile      string        `json:"trail_file"`
	WaypointIndex  int           `json:"waypoint_index"`
	Target         geometry.Pose `json:"target"`
	Estimated      geometry.Pose `json:"estimated"`
	Odometry       geometry.Pose `json:"odometry"`
	LastFix        Fix           `json:"last_fix"`
	Localizing     bool          `json:"localizing"`
	ReferenceCount int           `json:"reference_count"`
	MeasuredCount  int           `json:"measured_count"`
	SearchPending  bool          `json:"search_pending"`
	Forward        float64       `json:"forward"`
	Rotate         float64       `json:"rotate"`
}

// Snapshot returns the current state for diagnostics.
func (n *Navigator) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := Snapshot{
		Mode:           n.mode.String(),
		Substate:       n.substate().String(),
		TrailFile:      n.path,
		WaypointIndex:  n.index,
		Target:         n.target,
		Estimated:      n.est,
		Odometry:       n.odometry,
		LastFix:        n.lastFix,
		Localizing:     !n.worker.idle(),
		ReferenceCount: len(n.reference),
		MeasuredCount:  len(n.measured),
		SearchPending:  n.searchPending,
		Forward:        n.forward,
		Rotate:         n.rotate,
	}
	if n.searching {
		s.SearchStep = n.search.State().String()
	}
	if n.rerouting {
		s.RerouteStep = n.reroute.State().String()
	}
	return s
}

// Close stops recording or playback and waits for localization to finish.
func (n *Navigator) Close() error {
	n.mu.Lock()
	var err error
	if n.mode == ModeRecording {
		err = n.stopRecording()
	}
	n.stopPlaying()
	w := n.worker
	n.mu.Unlock()

	w.wait()
	return err
}
