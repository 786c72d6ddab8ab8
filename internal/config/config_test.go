package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
station:
  model: jig-x1
  name: bench3
  number: "3"
  program_version: "1.0"
duts:
  - slot: slot0
    port: /dev/ttyUSB0
  - slot: slot1
    port: /dev/ttyUSB1
analyzer:
  port: /dev/ttyUSB9
  measblock_timeout_ms: 2000
  stab_timeout_ms: 60000
  sample_rate_hz: 2
  stab_tol_ratio: 0.005
  stab_tol_ppm: 5
servo:
  valve_min_time_ms: 50
  inject_loop_maxtry: 5
  dut_stab_time_ms: 3000
  dilution_threshold: 1600
selfcal:
  co2_step_ms: 1000
  n2_step_ms: 2000
  air_step_ms: 1500
trace_on: false
itt_path: itt.txt
`

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Duts, 2)
	assert.Equal(t, "jig-x1", cfg.Station.Model)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestValidate_RejectsEmptyDuts(t *testing.T) {
	cfg := &Config{
		Analyzer: AnalyzerConfig{Port: "x", MeasBlockTimeoutMs: 1, StabTimeoutMs: 1, SampleRateHz: 1},
		Servo:    ServoConfig{InjectLoopMaxTry: 5, DilutionThreshold: 1},
		Selfcal:  SelfcalConfig{CO2StepMs: 1, N2StepMs: 1, AirStepMs: 1},
	}
	err := cfg.Validate()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "duts")
}

func TestValidate_RejectsDuplicateSlot(t *testing.T) {
	cfg := &Config{
		Duts:     []DutConfig{{Slot: "a", Port: "p1"}, {Slot: "a", Port: "p2"}},
		Analyzer: AnalyzerConfig{Port: "x", MeasBlockTimeoutMs: 1, StabTimeoutMs: 1, SampleRateHz: 1},
		Servo:    ServoConfig{InjectLoopMaxTry: 5, DilutionThreshold: 1},
		Selfcal:  SelfcalConfig{CO2StepMs: 1, N2StepMs: 1, AirStepMs: 1},
	}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidate_RejectsTooManyDuts(t *testing.T) {
	duts := make([]DutConfig, 17)
	for i := range duts {
		duts[i] = DutConfig{Slot: string(rune('a' + i)), Port: "p"}
	}
	cfg := &Config{
		Duts:     duts,
		Analyzer: AnalyzerConfig{Port: "x", MeasBlockTimeoutMs: 1, StabTimeoutMs: 1, SampleRateHz: 1},
		Servo:    ServoConfig{InjectLoopMaxTry: 5, DilutionThreshold: 1},
		Selfcal:  SelfcalConfig{CO2StepMs: 1, N2StepMs: 1, AirStepMs: 1},
	}
	assert.Error(t, cfg.Validate())
}
