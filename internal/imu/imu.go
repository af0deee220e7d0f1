// Package imu reads absolute attitude from the rover's IMU board over a
// serial line.
//
// The board takes single-byte commands and answers an angle request with
// twelve hex digits: roll, pitch and yaw as signed 16-bit words.
package imu

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/httputil"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/serialmux"
	"github.com/banshee-data/rover/internal/timeutil"
)

var logf = monitoring.Prefixed("imu")

const (
	cmdReset     = "0"
	cmdCalibrate = "a"
	cmdRequest   = "e"

	// DegreesPerLSB scales a raw angle word to degrees.
	DegreesPerLSB = -0.00836181640625

	// offset calibration takes about 6.6 s on the board
	calibrationTime = 7 * time.Second
)

var (
	// ErrMalformed is returned for replies that are not three hex words.
	ErrMalformed = errors.New("malformed imu reply")
	// ErrCalibrating is returned by Calibrate while a calibration is running.
	ErrCalibrating = errors.New("imu calibration already running")
)

// Angles is one attitude reading in degrees.
type Angles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// ParseAngles decodes an angle reply.
func ParseAngles(line string) (Angles, error) {
	line = strings.TrimSpace(line)
	if len(line) < 12 {
		return Angles{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	var words [3]float64
	for i := range words {
		v, err := strconv.ParseUint(line[4*i:4*i+4], 16, 16)
		if err != nil {
			return Angles{}, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		words[i] = float64(int16(v)) * DegreesPerLSB
	}
	return Angles{Roll: words[0], Pitch: words[1], Yaw: words[2]}, nil
}

// FormatAngles encodes a in the board's reply format, without a line ending.
// Angles are rounded to the nearest word.
func FormatAngles(a Angles) string {
	var b strings.Builder
	for _, deg := range []float64{a.Roll, a.Pitch, a.Yaw} {
		w := math.Round(deg / DegreesPerLSB)
		w = min(max(w, math.MinInt16), math.MaxInt16)
		fmt.Fprintf(&b, "%04x", uint16(int16(w)))
	}
	return b.String()
}

// Config holds the IMU polling parameters.
type Config struct {
	RequestPeriod time.Duration
}

// maxAge is how old a reading may be before Heading stops reporting it.
func (c Config) maxAge() time.Duration { return 2 * c.RequestPeriod }

// ConfigFromTuning builds a Config from a loaded RoverConfig.
func ConfigFromTuning(cfg *config.RoverConfig) Config {
	return Config{RequestPeriod: cfg.GetIMURequestPeriod()}
}

// IMU polls the board and keeps the latest reading.
type IMU struct {
	mux   serialmux.SerialMuxInterface
	cfg   Config
	clock timeutil.Clock

	mu          sync.Mutex
	angles      Angles
	valid       bool
	calibrating bool
	received    time.Time
}

// New creates an IMU over mux. The mux must send commands without a
// terminator.
func New(mux serialmux.SerialMuxInterface, cfg Config, clock timeutil.Clock) *IMU {
	return &IMU{mux: mux, cfg: cfg, clock: clock}
}

// Reset puts the board into its default output state.
func (u *IMU) Reset() error {
	if err := u.mux.SendCommand(cmdReset); err != nil {
		return fmt.Errorf("imu reset: %w", err)
	}
	return nil
}

// Request asks the board for one angle reply.
func (u *IMU) Request() error {
	if err := u.mux.SendCommand(cmdRequest); err != nil {
		return fmt.Errorf("imu request: %w", err)
	}
	return nil
}

// Calibrate re-zeroes the gyro offsets. The rover must stand still until it
// returns. Replies arriving meanwhile are discarded.
func (u *IMU) Calibrate(ctx context.Context) error {
	u.mu.Lock()
	if u.calibrating {
		u.mu.Unlock()
		return ErrCalibrating
	}
	u.calibrating = true
	u.valid = false
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.calibrating = false
		u.mu.Unlock()
	}()

	if err := u.mux.SendCommand(cmdCalibrate); err != nil {
		return fmt.Errorf("imu calibrate: %w", err)
	}
	t := u.clock.NewTicker(calibrationTime)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
	}
	logf("calibrated")
	return nil
}

// Run requests a reading every RequestPeriod and parses the replies until
// ctx is done. Malformed replies are logged and skipped.
func (u *IMU) Run(ctx context.Context) error {
	id, lines := u.mux.Subscribe()
	defer u.mux.Unsubscribe(id)

	ticker := u.clock.NewTicker(u.cfg.RequestPeriod)
	defer ticker.Stop()

	if err := u.Request(); err != nil {
		logf("%v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := u.Request(); err != nil {
				logf("%v", err)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			u.handle(line)
		}
	}
}

func (u *IMU) handle(line string) {
	a, err := ParseAngles(line)
	if err != nil {
		logf("%v", err)
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.calibrating {
		return
	}
	u.angles = a
	u.valid = true
	u.received = u.clock.Now()
}

// Angles returns the latest reading and whether one has been received.
func (u *IMU) Angles() (Angles, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.angles, u.valid
}

// Heading returns the latest yaw in radians, normalized. ok is false until a
// reading arrives and again once the latest one is older than two request
// periods, so a silent board never pins the odometry heading.
func (u *IMU) Heading() (float64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.valid || u.clock.Since(u.received) > u.cfg.maxAge() {
		return 0, false
	}
	return geometry.NormalizeAngle(u.angles.Yaw * math.Pi / 180), true
}

// Status is the board state shown on the debug page.
type Status struct {
	Angles      Angles    `json:"angles"`
	Valid       bool      `json:"valid"`
	Fresh       bool      `json:"fresh"`
	Calibrating bool      `json:"calibrating"`
	LastReading time.Time `json:"last_reading,omitzero"`
}

// Status returns the latest reading and its age state.
func (u *IMU) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Status{
		Angles:      u.angles,
		Valid:       u.valid,
		Fresh:       u.valid && u.clock.Since(u.received) <= u.cfg.maxAge(),
		Calibrating: u.calibrating,
		LastReading: u.received,
	}
}

// AttachAdminRoutes mounts the reading view and the calibration trigger
// under /debug/.
func (u *IMU) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("imu", "IMU attitude", func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, u.Status())
	})

	// blocks for the calibration time; the rover must stand still
	debug.HandleSilentFunc("imu-calibrate", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		switch err := u.Calibrate(req.Context()); {
		case errors.Is(err, ErrCalibrating):
			httputil.Conflict(w, err)
		case err != nil:
			httputil.InternalServerError(w, err)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	})
}
