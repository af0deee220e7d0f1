package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyConfig()

	if cfg.GetParticleCount() != 500 {
		t.Errorf("GetParticleCount() = %d, want 500", cfg.GetParticleCount())
	}
	if cfg.GetSurvivorRatio() != 0.5 {
		t.Errorf("GetSurvivorRatio() = %f, want 0.5", cfg.GetSurvivorRatio())
	}
	if diff := cmp.Diff([]int{16, 8, 4, 2, 1}, cfg.GetKernelWeights()); diff != "" {
		t.Errorf("GetKernelWeights() mismatch (-want +got):\n%s", diff)
	}
	if cfg.GetRecordPeriod() != time.Second {
		t.Errorf("GetRecordPeriod() = %v, want 1s", cfg.GetRecordPeriod())
	}
	if cfg.GetRerouteStateTimeout() != 6*time.Second {
		t.Errorf("GetRerouteStateTimeout() = %v, want 6s", cfg.GetRerouteStateTimeout())
	}
	if cfg.GetTickPeriod() != 100*time.Millisecond {
		t.Errorf("GetTickPeriod() = %v, want 100ms", cfg.GetTickPeriod())
	}
	if cfg.GetLoopPlayback() {
		t.Error("GetLoopPlayback() = true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "rover.json")

	testJSON := `{
  "particle_count": 200,
  "record_period": "500ms",
  "kernel_weights": [8, 4, 2],
  "loop_playback": true,
  "tilt_low_deg": -5,
  "tilt_high_deg": 20
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetParticleCount() != 200 {
		t.Errorf("GetParticleCount() = %d, want 200", cfg.GetParticleCount())
	}
	if cfg.GetRecordPeriod() != 500*time.Millisecond {
		t.Errorf("GetRecordPeriod() = %v, want 500ms", cfg.GetRecordPeriod())
	}
	if diff := cmp.Diff([]int{8, 4, 2}, cfg.GetKernelWeights()); diff != "" {
		t.Errorf("GetKernelWeights() mismatch (-want +got):\n%s", diff)
	}
	if !cfg.GetLoopPlayback() {
		t.Error("GetLoopPlayback() = false, want true")
	}
	// unspecified fields keep their defaults
	if cfg.GetSearchRadius() != 5.0 {
		t.Errorf("GetSearchRadius() = %f, want 5.0", cfg.GetSearchRadius())
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := LoadConfig("/nonexistent/path/to/config.json"); err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}

	yamlPath := filepath.Join(tmpDir, "rover.yaml")
	if err := os.WriteFile(yamlPath, []byte("particle_count: 1"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := LoadConfig(yamlPath); err == nil {
		t.Error("Expected error for non-JSON extension, got nil")
	}

	badPath := filepath.Join(tmpDir, "bad.json")
	if err := os.WriteFile(badPath, []byte(`{"particle_count": "many"`), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := LoadConfig(badPath); err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}

	zeroPath := filepath.Join(tmpDir, "zero.json")
	if err := os.WriteFile(zeroPath, []byte(`{"particle_count": 0}`), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	_, err := LoadConfig(zeroPath)
	if !IsConfigurationError(err) {
		t.Errorf("Expected ConfigurationError for zero population, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *RoverConfig
		wantField string
	}{
		{name: "defaults", cfg: &RoverConfig{}},
		{name: "zero population", cfg: &RoverConfig{ParticleCount: ptrInt(0)}, wantField: "particle_count"},
		{name: "survivor ratio above one", cfg: &RoverConfig{SurvivorRatio: ptrFloat64(1.5)}, wantField: "survivor_ratio"},
		{name: "empty kernel", cfg: &RoverConfig{KernelWeights: []int{}}, wantField: "kernel_weights"},
		{name: "kernel weight overflow", cfg: &RoverConfig{KernelWeights: []int{300}}, wantField: "kernel_weights"},
		{name: "tilt inverted", cfg: &RoverConfig{TiltLowDeg: ptrFloat64(20), TiltHighDeg: ptrFloat64(10)}, wantField: "tilt_range"},
		{name: "tilt beyond vertical", cfg: &RoverConfig{TiltHighDeg: ptrFloat64(120)}, wantField: "tilt_range"},
		{name: "slow down inside stop", cfg: &RoverConfig{SlowDownLengthMM: ptrInt(400)}, wantField: "slow_down_length_mm"},
		{name: "bad duration", cfg: &RoverConfig{TickPeriod: ptrString("fast")}, wantField: "tick_period"},
		{name: "negative duration", cfg: &RoverConfig{ReroutePeriod: ptrString("-1s")}, wantField: "reroute_period"},
		{name: "zero tick period", cfg: &RoverConfig{TickPeriod: ptrString("0s")}, wantField: "tick_period"},
		{name: "zero detect period", cfg: &RoverConfig{DetectPeriod: ptrString("0")}, wantField: "detect_period"},
		{name: "zero imu period", cfg: &RoverConfig{IMURequestPeriod: ptrString("0ms")}, wantField: "imu_request_period"},
		{name: "detect range inverted", cfg: &RoverConfig{DetectMinCount: ptrInt(10), DetectMaxCount: ptrInt(10)}, wantField: "detect_max_count"},
		{name: "detect min at default max", cfg: &RoverConfig{DetectMinCount: ptrInt(15)}, wantField: "detect_max_count"},
		{name: "detect max below default min", cfg: &RoverConfig{DetectMaxCount: ptrInt(3)}, wantField: "detect_max_count"},
		{name: "negative detect min", cfg: &RoverConfig{DetectMinCount: ptrInt(-1)}, wantField: "detect_min_count"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate() = %v, want *ConfigurationError", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ce.Field, tt.wantField)
			}
		})
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.ParticleCount == nil || *cfg.ParticleCount != 500 {
		t.Errorf("defaults file particle_count = %v, want 500", cfg.ParticleCount)
	}
	if cfg.GetApproachTimeout() != 10*time.Second {
		t.Errorf("GetApproachTimeout() = %v, want 10s", cfg.GetApproachTimeout())
	}
}
