// Package servo drives the test chamber to a requested concentration using
// the injection-time table, the reference analyzer, and the relay driver.
package servo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/co2jig/controller/pkg/analyzer"
	"github.com/co2jig/controller/pkg/itt"
	"github.com/co2jig/controller/pkg/relay"
	"github.com/co2jig/controller/pkg/types"
)

// Config carries the servo's tuning constants.
type Config struct {
	ValveMinTimeMs    int
	InjectLoopMaxTry  int // default 5
	DUTStabTimeMs     int
	DilutionThreshold int
}

func (c Config) maxTry() int {
	if c.InjectLoopMaxTry <= 0 {
		return 5
	}
	return c.InjectLoopMaxTry
}

// Servo owns no hardware; it borrows the RelayDriver, ITT, and Analyzer for
// the duration of each DriveTo call from its caller (TestSchedule).
type Servo struct {
	relayDrv *relay.Driver
	table    *itt.Table
	an       *analyzer.Analyzer
	cfg      Config
	logger   *slog.Logger
}

// New builds a Servo over already-open hardware.
func New(relayDrv *relay.Driver, table *itt.Table, an *analyzer.Analyzer, cfg Config, logger *slog.Logger) *Servo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Servo{relayDrv: relayDrv, table: table, an: an, cfg: cfg, logger: logger}
}

// DriveTo pulses valves until dot's target band is reached (or the try
// budget is exhausted), then settles and returns a Fast-mode stable
// reference ppm. hint, if non-zero, is used as the initial current_ppm
// instead of sampling the analyzer first.
func (s *Servo) DriveTo(ctx context.Context, dot types.CalDot, hint int) (int, error) {
	currentPPM := hint
	var err error
	if currentPPM == 0 {
		currentPPM, err = s.an.ReadStablePPM(ctx, analyzer.Normal)
		if err != nil {
			return 0, fmt.Errorf("servo: initial read: %w", err)
		}
	}

	lastInjectAt := time.Now()
	tryCount := 0

	for {
		cmp := dot.Compare(currentPPM)
		if cmp == 0 {
			break
		}

		tryCount++
		if tryCount > s.cfg.maxTry() {
			return 0, fmt.Errorf("%w: target=%d", ErrCannotReachTarget, dot.TargetPPM)
		}

		if cmp < 0 {
			if err := s.injectCO2(currentPPM, int(dot.TargetPPM)); err != nil {
				return 0, err
			}
		} else {
			if err := s.injectDilution(currentPPM, int(dot.TargetPPM)); err != nil {
				return 0, err
			}
		}
		lastInjectAt = time.Now()

		currentPPM, err = s.an.ReadStablePPM(ctx, analyzer.Normal)
		if err != nil {
			return 0, fmt.Errorf("servo: resample: %w", err)
		}
	}

	if elapsed := time.Since(lastInjectAt); elapsed < time.Duration(s.cfg.DUTStabTimeMs)*time.Millisecond {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(s.cfg.DUTStabTimeMs)*time.Millisecond - elapsed):
		}
	}

	final, err := s.an.ReadStablePPM(ctx, analyzer.Fast)
	if err != nil {
		return 0, fmt.Errorf("servo: final read: %w", err)
	}
	return final, nil
}

func (s *Servo) injectCO2(current, target int) error {
	ms, err := s.table.CO2InjectionTime(current, target)
	if err != nil {
		return fmt.Errorf("servo: co2 injection time: %w", err)
	}
	if ms < s.cfg.ValveMinTimeMs {
		ms = s.cfg.ValveMinTimeMs
	}
	return pulse(s.relayDrv, relay.GasCO2, time.Duration(ms)*time.Millisecond)
}

func (s *Servo) injectDilution(current, target int) error {
	ms, err := s.table.N2InjectionTime(current, target)
	if err != nil {
		return fmt.Errorf("servo: dilution injection time: %w", err)
	}
	valve := relay.GasNO2
	if current > s.cfg.DilutionThreshold {
		valve = relay.GasAir
	}
	return pulse(s.relayDrv, valve, time.Duration(ms)*time.Millisecond)
}

func pulse(relayDrv *relay.Driver, name relay.Name, d time.Duration) error {
	if err := relayDrv.Set(name, true); err != nil {
		return err
	}
	time.Sleep(d)
	return relayDrv.Set(name, false)
}
