// Package obstacle watches the scan returns ahead of the rover, scales its
// forward speed down as obstacles get close, and asks for a lateral reroute
// when the path stays blocked.
package obstacle

import (
	"sync"
	"time"

	"github.com/banshee-data/rover/internal/config"
	"github.com/banshee-data/rover/internal/geometry"
	"github.com/banshee-data/rover/internal/monitoring"
	"github.com/banshee-data/rover/internal/timeutil"
)

var logf = monitoring.Prefixed("obstacle")

// Lane identifies one of the three corridors ahead of the rover. The values
// double as the lateral sign of a reroute: left is +y in the robot frame.
type Lane int

const (
	LaneRight  Lane = -1
	LaneCenter Lane = 0
	LaneLeft   Lane = 1
)

func (l Lane) String() string {
	switch l {
	case LaneRight:
		return "right"
	case LaneLeft:
		return "left"
	default:
		return "center"
	}
}

// LaneState is the per-cycle classification of one lane.
type LaneState struct {
	Points    int  `json:"points"`
	NearestMM int  `json:"nearest_mm"` // forward distance of the closest point
	Occupied  bool `json:"occupied"`
}

// Zone is the classification of all three lanes for one update.
type Zone struct {
	Center LaneState `json:"center"`
	Left   LaneState `json:"left"`
	Right  LaneState `json:"right"`
}

// Config holds the monitor geometry and timing.
type Config struct {
	MarginMM         int           // lateral margin added on both sides of a lane
	TreadMM          int           // lane width and lateral lane offset
	StopLengthMM     int           // slow-down factor is 0 at this distance
	SlowDownLengthMM int           // slow-down factor is 1 at this distance; lane depth
	NearLimitMM      int           // points closer than this are the rover itself
	MinLanePoints    int           // a lane is occupied above this count
	ReroutePeriod    time.Duration // how long a stop may persist before rerouting
	ClearTime        time.Duration // how long without detection resets the state
	StopFactor       float64       // factor below which the rover must stop
	Capacity         int           // obstacle points kept per update
}

// DefaultConfig returns the monitor configuration from the built-in defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyConfig())
}

// ConfigFromTuning builds a Config from a loaded RoverConfig.
func ConfigFromTuning(cfg *config.RoverConfig) Config {
	return Config{
		MarginMM:         cfg.GetObstacleMarginMM(),
		TreadMM:          cfg.GetTreadMM(),
		StopLengthMM:     cfg.GetStopLengthMM(),
		SlowDownLengthMM: cfg.GetSlowDownLengthMM(),
		NearLimitMM:      cfg.GetNearLimitMM(),
		MinLanePoints:    cfg.GetMinLanePoints(),
		ReroutePeriod:    cfg.GetReroutePeriod(),
		ClearTime:        cfg.GetObstacleClearTime(),
		StopFactor:       cfg.GetStopFactor(),
		Capacity:         cfg.GetObstacleCapacity(),
	}
}

// Monitor classifies obstacle points into lanes and derives the slow-down
// factor and reroute request from them.
type Monitor struct {
	mu    sync.Mutex
	cfg   Config
	clock timeutil.Clock

	points   []geometry.ScanPoint
	zone     Zone
	obstacle bool
	needStop bool

	factor       float64
	minLenMM     int // running minimum while an obstacle persists
	blockedSince time.Time
	blockedFor   time.Duration
	lastSeen     time.Time

	reroute   bool
	direction Lane
}

// NewMonitor creates a monitor with no obstacle and a slow-down factor of 1.
func NewMonitor(cfg Config, clock timeutil.Clock) *Monitor {
	return &Monitor{
		cfg:       cfg,
		clock:     clock,
		points:    make([]geometry.ScanPoint, 0, cfg.Capacity),
		factor:    1,
		minLenMM:  cfg.SlowDownLengthMM,
		direction: LaneRight,
	}
}

// SetObstacleData replaces the obstacle points (robot-relative) and runs an
// update. Points beyond the capacity are dropped.
func (m *Monitor) SetObstacleData(points []geometry.ScanPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(points) > m.cfg.Capacity {
		points = points[:m.cfg.Capacity]
	}
	m.points = append(m.points[:0], points...)
	m.update()
}

// Update re-runs the classification on the current points.
func (m *Monitor) Update() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.update()
}

func (m *Monitor) update() {
	now := m.clock.Now()

	m.zone = Zone{
		Center: m.lane(LaneCenter),
		Left:   m.lane(LaneLeft),
		Right:  m.lane(LaneRight),
	}
	m.obstacle = m.zone.Center.Occupied
	m.needStop = m.obstacle && m.factorAt(m.zone.Center.NearestMM) < m.cfg.StopFactor

	if !m.obstacle {
		if m.lastSeen.IsZero() || now.Sub(m.lastSeen) > m.cfg.ClearTime {
			m.factor = 1
			m.blockedSince = time.Time{}
			m.blockedFor = 0
			m.minLenMM = m.cfg.SlowDownLengthMM
		}
		return
	}

	if m.zone.Center.NearestMM < m.minLenMM {
		m.minLenMM = m.zone.Center.NearestMM
	}
	m.factor = m.factorAt(m.minLenMM)

	if m.factor < m.cfg.StopFactor {
		if m.blockedSince.IsZero() {
			m.blockedSince = now
		}
		m.blockedFor = now.Sub(m.blockedSince)
	} else {
		m.blockedSince = time.Time{}
		m.blockedFor = 0
	}

	if !m.reroute && m.blockedFor > m.cfg.ReroutePeriod {
		m.blockedSince = time.Time{}
		m.blockedFor = 0
		m.reroute = true
		switch {
		case !m.zone.Right.Occupied:
			m.direction = LaneRight
		case !m.zone.Left.Occupied:
			m.direction = LaneLeft
		default:
			m.direction = LaneRight
		}
		logf("path blocked for %s, rerouting %s", m.cfg.ReroutePeriod, m.direction)
	}
	m.lastSeen = now
}

// lane counts the points inside one corridor. Lanes extend from NearLimitMM
// up to SlowDownLengthMM ahead and are Tread+2*Margin wide.
func (m *Monitor) lane(l Lane) LaneState {
	half := m.cfg.TreadMM/2 + m.cfg.MarginMM
	offset := int(l) * m.cfg.TreadMM
	st := LaneState{NearestMM: m.cfg.SlowDownLengthMM}
	for _, p := range m.points {
		if p.X < m.cfg.NearLimitMM || p.X >= m.cfg.SlowDownLengthMM {
			continue
		}
		if p.Y < offset-half || p.Y > offset+half {
			continue
		}
		st.Points++
		if p.X < st.NearestMM {
			st.NearestMM = p.X
		}
	}
	st.Occupied = st.Points > m.cfg.MinLanePoints
	return st
}

func (m *Monitor) factorAt(distMM int) float64 {
	f := float64(distMM-m.cfg.StopLengthMM) / float64(m.cfg.SlowDownLengthMM-m.cfg.StopLengthMM)
	return min(max(f, 0), 1)
}

// SlowDownFactor returns the [0,1] multiplier for forward speed.
func (m *Monitor) SlowDownFactor() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.factor
}

// NeedStop reports whether the nearest obstacle requires an immediate stop.
func (m *Monitor) NeedStop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needStop
}

// IsObstacle reports whether the center lane is occupied.
func (m *Monitor) IsObstacle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obstacle
}

// IsReroute reports whether a reroute has been requested and not finished.
func (m *Monitor) IsReroute() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reroute
}

// RerouteDirection returns the side chosen for the current reroute.
func (m *Monitor) RerouteDirection() Lane {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direction
}

// FinishReroute clears the reroute request.
func (m *Monitor) FinishReroute() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reroute = false
}

// Zone returns the classification of the last update.
func (m *Monitor) Zone() Zone {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zone
}
