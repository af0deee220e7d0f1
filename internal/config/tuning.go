package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical rover defaults file.
const DefaultConfigPath = "config/rover.defaults.json"

// ConfigurationError reports a configuration value the rover cannot run with.
// It is returned before any subsystem is constructed.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func invalid(field, format string, v ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, v...)}
}

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// RoverConfig represents the root configuration for the navigation core.
// Fields omitted from the JSON fall back to the defaults returned by the
// Get* accessors.
type RoverConfig struct {
	// Localizer params
	ParticleCount     *int     `json:"particle_count,omitempty"`
	SurvivorRatio     *float64 `json:"survivor_ratio,omitempty"`
	TranslationNoise  *float64 `json:"translation_noise,omitempty"` // meters (σ)
	HeadingNoise      *float64 `json:"heading_noise,omitempty"`     // radians (σ)
	GridCellMM        *int     `json:"grid_cell_mm,omitempty"`
	GridExtentMM      *int     `json:"grid_extent_mm,omitempty"`
	KernelWeights     []int    `json:"kernel_weights,omitempty"`
	ReferenceCapacity *int     `json:"reference_capacity,omitempty"`
	MeasuredCapacity  *int     `json:"measured_capacity,omitempty"`
	RandomSeed        *uint64  `json:"random_seed,omitempty"`

	// Navigator params
	RecordPeriod          *string  `json:"record_period,omitempty"` // duration string like "1s"
	PassMargin            *float64 `json:"pass_margin,omitempty"`
	LocalizeIterations    *int     `json:"localize_iterations,omitempty"`
	MaxTrustedVariance    *float64 `json:"max_trusted_variance,omitempty"`
	MinTrustedCoincidence *float64 `json:"min_trusted_coincidence,omitempty"`
	MaxSpeed              *float64 `json:"max_speed,omitempty"` // m/s, arc drive cap
	TurnSpeed             *float64 `json:"turn_speed,omitempty"`
	MoveSpeed             *float64 `json:"move_speed,omitempty"`
	HeadingGain           *float64 `json:"heading_gain,omitempty"`
	AngleTolerance        *float64 `json:"angle_tolerance,omitempty"`
	ApproachDistance      *float64 `json:"approach_distance,omitempty"`
	ApproachTimeout       *string  `json:"approach_timeout,omitempty"`
	FoundWait             *string  `json:"found_wait,omitempty"`
	SettleTime            *string  `json:"settle_time,omitempty"`
	RerouteStateTimeout   *string  `json:"reroute_state_timeout,omitempty"`
	RerouteSideLength     *float64 `json:"reroute_side_length,omitempty"`
	RerouteForwardLength  *float64 `json:"reroute_forward_length,omitempty"`

	// Obstacle monitor params (millimeters)
	ObstacleMarginMM  *int     `json:"obstacle_margin_mm,omitempty"`
	TreadMM           *int     `json:"tread_mm,omitempty"`
	StopLengthMM      *int     `json:"stop_length_mm,omitempty"`
	SlowDownLengthMM  *int     `json:"slow_down_length_mm,omitempty"`
	NearLimitMM       *int     `json:"near_limit_mm,omitempty"`
	MinLanePoints     *int     `json:"min_lane_points,omitempty"`
	ReroutePeriod     *string  `json:"reroute_period,omitempty"`
	ObstacleClearTime *string  `json:"obstacle_clear_time,omitempty"`
	StopFactor        *float64 `json:"stop_factor,omitempty"`
	ObstacleCapacity  *int     `json:"obstacle_capacity,omitempty"`

	// Target detector params
	IntegrateRadius      *float64 `json:"integrate_radius,omitempty"` // meters
	DetectMinCount       *int     `json:"detect_min_count,omitempty"`
	DetectMaxCount       *int     `json:"detect_max_count,omitempty"`
	ProbabilityUp        *float64 `json:"probability_up,omitempty"`
	ProbabilityDown      *float64 `json:"probability_down,omitempty"`
	MinSearchProbability *float64 `json:"min_search_probability,omitempty"`
	IntensityCapacity    *int     `json:"intensity_capacity,omitempty"`
	MaxSearchPoints      *int     `json:"max_search_points,omitempty"`
	DetectPeriod         *string  `json:"detect_period,omitempty"`

	// Rover loop params
	TickPeriod       *string  `json:"tick_period,omitempty"`
	SearchRadius     *float64 `json:"search_radius,omitempty"` // meters
	ReferenceMinZMM  *int     `json:"reference_min_z_mm,omitempty"`
	ReferenceMaxZMM  *int     `json:"reference_max_z_mm,omitempty"`
	ReferenceRangeMM *int     `json:"reference_range_mm,omitempty"`
	ObstacleMinZMM   *int     `json:"obstacle_min_z_mm,omitempty"`
	ObstacleMaxZMM   *int     `json:"obstacle_max_z_mm,omitempty"`
	TargetMinZMM     *int     `json:"target_min_z_mm,omitempty"`
	TargetMaxZMM     *int     `json:"target_max_z_mm,omitempty"`
	MinIntensity     *int     `json:"min_intensity,omitempty"`
	JoystickDeadzone *float64 `json:"joystick_deadzone,omitempty"`
	ForwardGain      *float64 `json:"forward_gain,omitempty"`
	TurnGain         *float64 `json:"turn_gain,omitempty"`
	MaxWheelSpeed    *float64 `json:"max_wheel_speed,omitempty"` // m/s
	WheelTread       *float64 `json:"wheel_tread,omitempty"`     // meters
	TiltLowDeg       *float64 `json:"tilt_low_deg,omitempty"`
	TiltHighDeg      *float64 `json:"tilt_high_deg,omitempty"`
	LoopPlayback     *bool    `json:"loop_playback,omitempty"`

	// IMU params
	IMUBaudRate      *int    `json:"imu_baud_rate,omitempty"`
	IMURequestPeriod *string `json:"imu_request_period,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyConfig returns a RoverConfig with all fields unset.
func EmptyConfig() *RoverConfig {
	return &RoverConfig{}
}

// LoadConfig loads a RoverConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadConfig(path string) (*RoverConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories and
// panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *RoverConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // from cmd/<tool>/ subdirs
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable. It reports the
// first problem as a *ConfigurationError.
func (c *RoverConfig) Validate() error {
	if c.ParticleCount != nil && *c.ParticleCount <= 0 {
		return invalid("particle_count", "must be positive, got %d", *c.ParticleCount)
	}
	if c.SurvivorRatio != nil && (*c.SurvivorRatio <= 0 || *c.SurvivorRatio > 1) {
		return invalid("survivor_ratio", "must be in (0, 1], got %f", *c.SurvivorRatio)
	}
	if c.GridCellMM != nil && *c.GridCellMM <= 0 {
		return invalid("grid_cell_mm", "must be positive, got %d", *c.GridCellMM)
	}
	if c.GridExtentMM != nil && *c.GridExtentMM < c.GetGridCellMM() {
		return invalid("grid_extent_mm", "must be at least one cell, got %d", *c.GridExtentMM)
	}
	if c.KernelWeights != nil {
		if len(c.KernelWeights) == 0 {
			return invalid("kernel_weights", "must not be empty")
		}
		for i, w := range c.KernelWeights {
			if w < 0 || w > 255 {
				return invalid("kernel_weights", "entry %d must be between 0 and 255, got %d", i, w)
			}
		}
	}
	if c.ReferenceCapacity != nil && *c.ReferenceCapacity <= 0 {
		return invalid("reference_capacity", "must be positive, got %d", *c.ReferenceCapacity)
	}
	if c.MeasuredCapacity != nil && *c.MeasuredCapacity <= 0 {
		return invalid("measured_capacity", "must be positive, got %d", *c.MeasuredCapacity)
	}
	if c.LocalizeIterations != nil && *c.LocalizeIterations <= 0 {
		return invalid("localize_iterations", "must be positive, got %d", *c.LocalizeIterations)
	}
	if c.DetectMinCount != nil && *c.DetectMinCount < 0 {
		return invalid("detect_min_count", "must not be negative, got %d", *c.DetectMinCount)
	}
	if c.GetDetectMaxCount() <= c.GetDetectMinCount() {
		return invalid("detect_max_count", "must exceed detect_min_count (%d), got %d", c.GetDetectMinCount(), c.GetDetectMaxCount())
	}
	if c.GetSlowDownLengthMM() <= c.GetStopLengthMM() {
		return invalid("slow_down_length_mm", "must exceed stop_length_mm (%d), got %d", c.GetStopLengthMM(), c.GetSlowDownLengthMM())
	}
	if c.MaxWheelSpeed != nil && *c.MaxWheelSpeed <= 0 {
		return invalid("max_wheel_speed", "must be positive, got %f", *c.MaxWheelSpeed)
	}

	low, high := c.GetTiltLowDeg(), c.GetTiltHighDeg()
	if low < -90 || high > 90 {
		return invalid("tilt_range", "must lie within [-90, 90] degrees, got [%f, %f]", low, high)
	}
	if low >= high {
		return invalid("tilt_range", "low (%f) must be below high (%f)", low, high)
	}

	for field, v := range map[string]*string{
		"record_period":         c.RecordPeriod,
		"approach_timeout":      c.ApproachTimeout,
		"found_wait":            c.FoundWait,
		"settle_time":           c.SettleTime,
		"reroute_state_timeout": c.RerouteStateTimeout,
		"reroute_period":        c.ReroutePeriod,
		"obstacle_clear_time":   c.ObstacleClearTime,
		"detect_period":         c.DetectPeriod,
		"tick_period":           c.TickPeriod,
		"imu_request_period":    c.IMURequestPeriod,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return invalid(field, "is not a duration: %q", *v)
		}
		if d <= 0 {
			return invalid(field, "must be positive, got %s", d)
		}
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetParticleCount returns the particle population size.
func (c *RoverConfig) GetParticleCount() int { return intOr(c.ParticleCount, 500) }

// GetSurvivorRatio returns the fraction of particles kept at each resample.
func (c *RoverConfig) GetSurvivorRatio() float64 { return floatOr(c.SurvivorRatio, 0.5) }

// GetTranslationNoise returns the translation noise σ in meters.
func (c *RoverConfig) GetTranslationNoise() float64 { return floatOr(c.TranslationNoise, 0.01) }

// GetHeadingNoise returns the heading noise σ in radians.
func (c *RoverConfig) GetHeadingNoise() float64 { return floatOr(c.HeadingNoise, 0.005) }

// GetGridCellMM returns the occupancy grid cell size.
func (c *RoverConfig) GetGridCellMM() int { return intOr(c.GridCellMM, 100) }

// GetGridExtentMM returns the half-width of the occupancy grid.
func (c *RoverConfig) GetGridExtentMM() int { return intOr(c.GridExtentMM, 14000) }

// GetKernelWeights returns the occupancy kernel weights, center first.
func (c *RoverConfig) GetKernelWeights() []int {
	if len(c.KernelWeights) == 0 {
		return []int{16, 8, 4, 2, 1}
	}
	out := make([]int, len(c.KernelWeights))
	copy(out, c.KernelWeights)
	return out
}

// GetReferenceCapacity returns the reference buffer capacity.
func (c *RoverConfig) GetReferenceCapacity() int { return intOr(c.ReferenceCapacity, 10000) }

// GetMeasuredCapacity returns the measured buffer capacity.
func (c *RoverConfig) GetMeasuredCapacity() int { return intOr(c.MeasuredCapacity, 10000) }

// GetRandomSeed returns the seed for the particle noise source.
func (c *RoverConfig) GetRandomSeed() uint64 {
	if c.RandomSeed == nil {
		return 1
	}
	return *c.RandomSeed
}

// GetRecordPeriod returns the minimum time between recorded waypoints.
func (c *RoverConfig) GetRecordPeriod() time.Duration { return durationOr(c.RecordPeriod, time.Second) }

// GetPassMargin returns the along-track distance at which a waypoint counts as passed.
func (c *RoverConfig) GetPassMargin() float64 { return floatOr(c.PassMargin, -0.5) }

// GetLocalizeIterations returns the estimate passes run per localization cycle.
func (c *RoverConfig) GetLocalizeIterations() int { return intOr(c.LocalizeIterations, 10) }

// GetMaxTrustedVariance returns the variance above which an estimate is rejected.
func (c *RoverConfig) GetMaxTrustedVariance() float64 { return floatOr(c.MaxTrustedVariance, 100000) }

// GetMinTrustedCoincidence returns the coincidence below which an estimate is rejected.
func (c *RoverConfig) GetMinTrustedCoincidence() float64 {
	return floatOr(c.MinTrustedCoincidence, 0.1)
}

// GetMaxSpeed returns the forward speed cap for arc driving.
func (c *RoverConfig) GetMaxSpeed() float64 { return floatOr(c.MaxSpeed, 0.5) }

// GetTurnSpeed returns the in-place rotation speed used by the sub-machines.
func (c *RoverConfig) GetTurnSpeed() float64 { return floatOr(c.TurnSpeed, 0.5) }

// GetMoveSpeed returns the forward speed used by the sub-machines.
func (c *RoverConfig) GetMoveSpeed() float64 { return floatOr(c.MoveSpeed, 0.15) }

// GetHeadingGain returns the proportional steering gain while moving to a point.
func (c *RoverConfig) GetHeadingGain() float64 { return floatOr(c.HeadingGain, 0.3) }

// GetAngleTolerance returns the heading error treated as aligned.
func (c *RoverConfig) GetAngleTolerance() float64 { return floatOr(c.AngleTolerance, 0.1) }

// GetApproachDistance returns how close the search approach gets to a target.
func (c *RoverConfig) GetApproachDistance() float64 { return floatOr(c.ApproachDistance, 1.0) }

// GetApproachTimeout returns the time limit of the search approach.
func (c *RoverConfig) GetApproachTimeout() time.Duration {
	return durationOr(c.ApproachTimeout, 10*time.Second)
}

// GetFoundWait returns how long the rover waits after signalling a find.
func (c *RoverConfig) GetFoundWait() time.Duration { return durationOr(c.FoundWait, 2*time.Second) }

// GetSettleTime returns the stopped interval at the start of a maneuver state.
func (c *RoverConfig) GetSettleTime() time.Duration { return durationOr(c.SettleTime, time.Second) }

// GetRerouteStateTimeout returns the time after which a reroute state is forced to advance.
func (c *RoverConfig) GetRerouteStateTimeout() time.Duration {
	return durationOr(c.RerouteStateTimeout, 6*time.Second)
}

// GetRerouteSideLength returns the lateral offset of a reroute.
func (c *RoverConfig) GetRerouteSideLength() float64 { return floatOr(c.RerouteSideLength, 0.282) }

// GetRerouteForwardLength returns the forward leg of a reroute.
func (c *RoverConfig) GetRerouteForwardLength() float64 {
	return floatOr(c.RerouteForwardLength, 0.5)
}

// GetObstacleMarginMM returns the lateral margin added to each lane.
func (c *RoverConfig) GetObstacleMarginMM() int { return intOr(c.ObstacleMarginMM, 200) }

// GetTreadMM returns the lane width and lateral lane offset.
func (c *RoverConfig) GetTreadMM() int { return intOr(c.TreadMM, 282) }

// GetStopLengthMM returns the distance at which the slow-down factor reaches 0.
func (c *RoverConfig) GetStopLengthMM() int { return intOr(c.StopLengthMM, 500) }

// GetSlowDownLengthMM returns the distance at which slowing starts.
func (c *RoverConfig) GetSlowDownLengthMM() int { return intOr(c.SlowDownLengthMM, 1000) }

// GetNearLimitMM returns the closest forward distance considered in a lane.
func (c *RoverConfig) GetNearLimitMM() int { return intOr(c.NearLimitMM, 100) }

// GetMinLanePoints returns the point count a lane must exceed to be occupied.
func (c *RoverConfig) GetMinLanePoints() int { return intOr(c.MinLanePoints, 5) }

// GetReroutePeriod returns how long a blocked lane persists before a reroute.
func (c *RoverConfig) GetReroutePeriod() time.Duration {
	return durationOr(c.ReroutePeriod, 10*time.Second)
}

// GetObstacleClearTime returns how long without detection resets the obstacle state.
func (c *RoverConfig) GetObstacleClearTime() time.Duration {
	return durationOr(c.ObstacleClearTime, 2*time.Second)
}

// GetStopFactor returns the slow-down factor below which the rover must stop.
func (c *RoverConfig) GetStopFactor() float64 { return floatOr(c.StopFactor, 0.1) }

// GetObstacleCapacity returns the obstacle point buffer capacity.
func (c *RoverConfig) GetObstacleCapacity() int { return intOr(c.ObstacleCapacity, 1000) }

// GetIntegrateRadius returns the clustering and merge radius in meters.
func (c *RoverConfig) GetIntegrateRadius() float64 { return floatOr(c.IntegrateRadius, 1.0) }

// GetDetectMinCount returns the cluster size a candidate must exceed.
func (c *RoverConfig) GetDetectMinCount() int { return intOr(c.DetectMinCount, 5) }

// GetDetectMaxCount returns the cluster size that maps to probability 1.
func (c *RoverConfig) GetDetectMaxCount() int { return intOr(c.DetectMaxCount, 15) }

// GetProbabilityUp returns the probability gained per re-observation.
func (c *RoverConfig) GetProbabilityUp() float64 { return floatOr(c.ProbabilityUp, 0.1) }

// GetProbabilityDown returns the probability lost per update cycle.
func (c *RoverConfig) GetProbabilityDown() float64 { return floatOr(c.ProbabilityDown, 0.1) }

// GetMinSearchProbability returns the probability a search point must exceed to be reported.
func (c *RoverConfig) GetMinSearchProbability() float64 {
	return floatOr(c.MinSearchProbability, 0.2)
}

// GetIntensityCapacity returns the intensity point buffer capacity.
func (c *RoverConfig) GetIntensityCapacity() int { return intOr(c.IntensityCapacity, 10000) }

// GetMaxSearchPoints returns the search point capacity.
func (c *RoverConfig) GetMaxSearchPoints() int { return intOr(c.MaxSearchPoints, 100) }

// GetDetectPeriod returns the detector update period.
func (c *RoverConfig) GetDetectPeriod() time.Duration { return durationOr(c.DetectPeriod, time.Second) }

// GetTickPeriod returns the rover tick period.
func (c *RoverConfig) GetTickPeriod() time.Duration {
	return durationOr(c.TickPeriod, 100*time.Millisecond)
}

// GetSearchRadius returns the radius used to pick and gate search points.
func (c *RoverConfig) GetSearchRadius() float64 { return floatOr(c.SearchRadius, 5.0) }

// GetReferenceMinZMM returns the lower bound of the reference scan band.
func (c *RoverConfig) GetReferenceMinZMM() int { return intOr(c.ReferenceMinZMM, 1800) }

// GetReferenceMaxZMM returns the upper bound of the reference scan band.
func (c *RoverConfig) GetReferenceMaxZMM() int { return intOr(c.ReferenceMaxZMM, 1900) }

// GetReferenceRangeMM returns the forward and lateral limit of reference points.
func (c *RoverConfig) GetReferenceRangeMM() int { return intOr(c.ReferenceRangeMM, 14000) }

// GetObstacleMinZMM returns the lower bound of the obstacle scan band.
func (c *RoverConfig) GetObstacleMinZMM() int { return intOr(c.ObstacleMinZMM, 0) }

// GetObstacleMaxZMM returns the upper bound of the obstacle scan band.
func (c *RoverConfig) GetObstacleMaxZMM() int { return intOr(c.ObstacleMaxZMM, 1000) }

// GetTargetMinZMM returns the lower bound of the target scan band.
func (c *RoverConfig) GetTargetMinZMM() int { return intOr(c.TargetMinZMM, 200) }

// GetTargetMaxZMM returns the upper bound of the target scan band.
func (c *RoverConfig) GetTargetMaxZMM() int { return intOr(c.TargetMaxZMM, 400) }

// GetMinIntensity returns the reflectivity a target return must reach.
func (c *RoverConfig) GetMinIntensity() int { return intOr(c.MinIntensity, 7000) }

// GetJoystickDeadzone returns the axis magnitude ignored as stick noise.
func (c *RoverConfig) GetJoystickDeadzone() float64 { return floatOr(c.JoystickDeadzone, 0.1) }

// GetForwardGain returns the manual forward speed per unit of stick.
func (c *RoverConfig) GetForwardGain() float64 { return floatOr(c.ForwardGain, 0.5) }

// GetTurnGain returns the manual rotation speed per unit of stick.
func (c *RoverConfig) GetTurnGain() float64 { return floatOr(c.TurnGain, 0.5) }

// GetMaxWheelSpeed returns the wheel speed limit in m/s.
func (c *RoverConfig) GetMaxWheelSpeed() float64 { return floatOr(c.MaxWheelSpeed, 0.6) }

// GetWheelTread returns the distance between the drive wheels in meters.
func (c *RoverConfig) GetWheelTread() float64 { return floatOr(c.WheelTread, 0.28) }

// GetTiltLowDeg returns the lower scanner tilt limit.
func (c *RoverConfig) GetTiltLowDeg() float64 { return floatOr(c.TiltLowDeg, -10) }

// GetTiltHighDeg returns the upper scanner tilt limit.
func (c *RoverConfig) GetTiltHighDeg() float64 { return floatOr(c.TiltHighDeg, 30) }

// GetLoopPlayback reports whether playback restarts when the goal is reached.
func (c *RoverConfig) GetLoopPlayback() bool {
	if c.LoopPlayback == nil {
		return false
	}
	return *c.LoopPlayback
}

// GetIMUBaudRate returns the IMU serial baud rate.
func (c *RoverConfig) GetIMUBaudRate() int { return intOr(c.IMUBaudRate, 115200) }

// GetIMURequestPeriod returns how often the IMU is polled for angles.
func (c *RoverConfig) GetIMURequestPeriod() time.Duration {
	return durationOr(c.IMURequestPeriod, 100*time.Millisecond)
}
