package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
power:
  shared_enable_pin: 25
  stabilize_delay_ms: 12
winch:
  enable_pin: 27
  port: 18
  min: 20
  max: 160
  speed_deg_per_sec: 25
rudder:
  enable_pin: 26
  port: 13
  min: 150
  max: 30
  speed_deg_per_sec: 300
  start: 90
pwm:
  backend: pca9685
  frequency_hz: 50
  min_pulse_us: 600
  max_pulse_us: 2400
  i2c_bus: "1"
  i2c_address: 0x41
defaults:
  debug_level: 2
  mock_gpio: true
  heel_offset_deg: -4
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Winch.Min != 20 || cfg.Winch.Max != 160 {
		t.Errorf("winch range = [%d,%d], want [20,160]", cfg.Winch.Min, cfg.Winch.Max)
	}
	if cfg.Rudder.Min != 150 || cfg.Rudder.Max != 30 {
		t.Errorf("reversed rudder range should be kept as written, got [%d,%d]", cfg.Rudder.Min, cfg.Rudder.Max)
	}
	if cfg.Rudder.Start != 90 {
		t.Errorf("rudder.start = %d, want 90", cfg.Rudder.Start)
	}
	if cfg.PWM.Backend != BackendPCA9685 {
		t.Errorf("pwm.backend = %q, want %q", cfg.PWM.Backend, BackendPCA9685)
	}
	if cfg.PWM.I2CAddress != 0x41 {
		t.Errorf("pwm.i2c_address = %#x, want 0x41", cfg.PWM.I2CAddress)
	}
	if cfg.Defaults.HeelOffsetDeg != -4 {
		t.Errorf("heel_offset_deg = %d, want -4", cfg.Defaults.HeelOffsetDeg)
	}
	if got := cfg.StabilizeDelay(); got != 12*time.Millisecond {
		t.Errorf("StabilizeDelay() = %v, want 12ms", got)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	path := writeConfig(t, "defaults:\n  mock_gpio: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Power.SharedEnablePin != 25 {
		t.Errorf("shared_enable_pin default = %d, want 25", cfg.Power.SharedEnablePin)
	}
	if cfg.Winch.EnablePin != 27 || cfg.Rudder.EnablePin != 26 {
		t.Errorf("enable pins default = %d/%d, want 27/26", cfg.Winch.EnablePin, cfg.Rudder.EnablePin)
	}
	if cfg.Winch.SpeedDegPerSec != 25 {
		t.Errorf("winch speed default = %v, want 25", cfg.Winch.SpeedDegPerSec)
	}
	if cfg.Rudder.SpeedDegPerSec != 300 {
		t.Errorf("rudder speed default = %v, want 300", cfg.Rudder.SpeedDegPerSec)
	}
	if cfg.Winch.Min != 0 || cfg.Winch.Max != 180 {
		t.Errorf("winch range default = [%d,%d], want [0,180]", cfg.Winch.Min, cfg.Winch.Max)
	}
	if cfg.PWM.Backend != BackendMock {
		t.Errorf("pwm backend default = %q, want mock", cfg.PWM.Backend)
	}
	if cfg.PWM.MinPulseUs != 500 || cfg.PWM.MaxPulseUs != 2500 {
		t.Errorf("pulse default = %d..%d, want 500..2500", cfg.PWM.MinPulseUs, cfg.PWM.MaxPulseUs)
	}
	if got := cfg.StabilizeDelay(); got != 10*time.Millisecond {
		t.Errorf("StabilizeDelay() default = %v, want 10ms", got)
	}
	if got := cfg.SettleFloor(); got != 150*time.Millisecond {
		t.Errorf("SettleFloor() default = %v, want 150ms", got)
	}
}

func TestDefault_MatchesEmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("empty config should load with defaults, got: %v", err)
	}
	if *loaded != *Default() {
		t.Errorf("Load(empty) = %+v, want %+v", *loaded, *Default())
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"negative_speed", "winch:\n  speed_deg_per_sec: -1\n", "winch.speed_deg_per_sec"},
		{"duplicate_enable_pin", "winch:\n  enable_pin: 25\n", "pin 25"},
		{"duplicate_port", "winch:\n  port: 13\n", "port 13"},
		{"rpio_with_mock_gpio", "pwm:\n  backend: rpio\ndefaults:\n  mock_gpio: true\n", "mock_gpio"},
		{"unknown_backend", "pwm:\n  backend: pigpio\n", "unsupported pwm backend"},
		{"pulse_bounds_reversed", "pwm:\n  min_pulse_us: 2500\n  max_pulse_us: 500\n", "pulse bounds"},
		{"frequency_too_high", "pwm:\n  frequency_hz: 5000\n", "frequency_hz"},
		{"pulse_longer_than_frame", "pwm:\n  frequency_hz: 400\n", "does not fit"},
		{"debug_level_out_of_range", "defaults:\n  debug_level: 9\n", "debug_level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q should mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	data := strings.Repeat("#", MaxConfigFileBytes+1)
	_, err := Load(writeConfig(t, data))
	if err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "{{{{invalid yaml!!!!"))
	if err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	yaml := `
winch:
  max: 120
unknown_section:
  foo: bar
`
	if _, err := Load(writeConfig(t, yaml)); err != nil {
		t.Errorf("unknown fields should be ignored, got error: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}
