// Package config loads and validates the station YAML file. Validation runs
// to completion before any relay, serial, or analyzer port is opened.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of the station YAML file.
type Config struct {
	Station StationConfig  `yaml:"station"`
	Duts    []DutConfig    `yaml:"duts"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Servo   ServoConfig    `yaml:"servo"`
	Selfcal SelfcalConfig  `yaml:"selfcal"`
	TraceOn bool           `yaml:"trace_on"`
	ITTPath string         `yaml:"itt_path"`
}

type StationConfig struct {
	Model          string `yaml:"model"`
	Name           string `yaml:"name"`
	Number         string `yaml:"number"`
	ProgramVersion string `yaml:"program_version"`
}

type DutConfig struct {
	Slot string `yaml:"slot"`
	Port string `yaml:"port"`
}

type AnalyzerConfig struct {
	Port               string  `yaml:"port"`
	MeasBlockTimeoutMs int     `yaml:"measblock_timeout_ms"`
	StabTimeoutMs      int     `yaml:"stab_timeout_ms"`
	SampleRateHz       int     `yaml:"sample_rate_hz"`
	StabTolRatio       float64 `yaml:"stab_tol_ratio"`
	StabTolPPM         int     `yaml:"stab_tol_ppm"`
}

type ServoConfig struct {
	ValveMinTimeMs    int `yaml:"valve_min_time_ms"`
	InjectLoopMaxTry  int `yaml:"inject_loop_maxtry"`
	DUTStabTimeMs     int `yaml:"dut_stab_time_ms"`
	DilutionThreshold int `yaml:"dilution_threshold"`
}

type SelfcalConfig struct {
	CO2StepMs int `yaml:"co2_step_ms"`
	N2StepMs  int `yaml:"n2_step_ms"`
	AirStepMs int `yaml:"air_step_ms"`
}

const maxDUTs = 16

// Load reads and validates path, returning a ConfigError wrapping the first
// violation found.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("parse yaml: %v", err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks range and presence constraints that must hold before any
// hardware is touched.
func (c *Config) Validate() error {
	if len(c.Duts) == 0 {
		return &ConfigError{Reason: "duts: must list at least one DUT"}
	}
	if len(c.Duts) > maxDUTs {
		return &ConfigError{Reason: fmt.Sprintf("duts: %d exceeds max of %d", len(c.Duts), maxDUTs)}
	}
	seen := make(map[string]bool, len(c.Duts))
	for _, d := range c.Duts {
		if d.Slot == "" || d.Port == "" {
			return &ConfigError{Reason: "duts: slot and port are required"}
		}
		if seen[d.Slot] {
			return &ConfigError{Reason: fmt.Sprintf("duts: duplicate slot %q", d.Slot)}
		}
		seen[d.Slot] = true
	}

	if c.Analyzer.Port == "" {
		return &ConfigError{Reason: "analyzer.port is required"}
	}
	if c.Analyzer.MeasBlockTimeoutMs <= 0 {
		return &ConfigError{Reason: "analyzer.measblock_timeout_ms must be positive"}
	}
	if c.Analyzer.StabTimeoutMs <= 0 {
		return &ConfigError{Reason: "analyzer.stab_timeout_ms must be positive"}
	}
	if c.Analyzer.SampleRateHz <= 0 {
		return &ConfigError{Reason: "analyzer.sample_rate_hz must be positive"}
	}
	if c.Analyzer.StabTolRatio < 0 {
		return &ConfigError{Reason: "analyzer.stab_tol_ratio must be >= 0"}
	}
	if c.Analyzer.StabTolPPM < 0 {
		return &ConfigError{Reason: "analyzer.stab_tol_ppm must be >= 0"}
	}

	if c.Servo.ValveMinTimeMs < 0 {
		return &ConfigError{Reason: "servo.valve_min_time_ms must be >= 0"}
	}
	if c.Servo.InjectLoopMaxTry <= 0 {
		return &ConfigError{Reason: "servo.inject_loop_maxtry must be positive"}
	}
	if c.Servo.DUTStabTimeMs < 0 {
		return &ConfigError{Reason: "servo.dut_stab_time_ms must be >= 0"}
	}
	if c.Servo.DilutionThreshold <= 0 {
		return &ConfigError{Reason: "servo.dilution_threshold must be positive"}
	}

	if c.Selfcal.CO2StepMs <= 0 || c.Selfcal.N2StepMs <= 0 || c.Selfcal.AirStepMs <= 0 {
		return &ConfigError{Reason: "selfcal: step lengths must be positive"}
	}

	return nil
}
