// Package schedule sequences one full calibration/verification run: power
// on, preamble, lamp aging, the per-CalDot drive/verify loop, readback,
// finalize, and teardown. Teardown always runs, on every exit path.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/co2jig/controller/pkg/analyzer"
	"github.com/co2jig/controller/pkg/controller"
	"github.com/co2jig/controller/pkg/dutlink"
	"github.com/co2jig/controller/pkg/fleet"
	"github.com/co2jig/controller/pkg/itt"
	"github.com/co2jig/controller/pkg/relay"
	"github.com/co2jig/controller/pkg/report"
	"github.com/co2jig/controller/pkg/servo"
	"github.com/co2jig/controller/pkg/types"
)

const (
	powerOnSettleTime = 7 * time.Second
	agingTimeout      = 30 * time.Second
	readbackTimeout   = 30 * time.Second
	preambleTimeout   = 5 * time.Second
)

// DutSpec names a fleet slot and the serial port its DUT is wired to. Run
// opens these only after powerOn has energized relay.DutPwr and let the DUT
// boot, so the probe it requires actually has something to answer it.
type DutSpec struct {
	Slot string
	Port string
}

// Schedule owns the hardware resources for the duration of one run. Callers
// either supply DutSpecs+LogDir and let Run open and probe every DUT itself
// (the production path, after powerOn), or supply an already-built Fleet
// directly (tests wiring in fake ports that skip real probing).
type Schedule struct {
	Ctrl     *controller.Controller
	RelayDrv *relay.Driver
	Table    *itt.Table
	Analyzer *analyzer.Analyzer
	Fleet    *fleet.Fleet
	Servo    *servo.Servo
	Dots     []types.CalDot
	NoCal    bool
	TraceOn  bool

	DutSpecs []DutSpec
	LogDir   string
}

// Run executes the full phase sequence and returns the batch report.
// Teardown always runs, even when an earlier phase returns an error. Any
// fatal early exit is wrapped in ErrAborted together with its cause;
// teardown still runs, readback and finalize are skipped, and the report
// so far is still returned.
func (s *Schedule) Run(ctx context.Context) (report.RunReport, error) {
	defer s.teardown()

	if err := s.powerOn(ctx); err != nil {
		return s.reportSoFar(), fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if err := s.openDuts(); err != nil {
		return s.reportSoFar(), fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if err := s.preamble(ctx); err != nil {
		return s.reportSoFar(), fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if !s.NoCal {
		if err := s.lampAging(ctx); err != nil {
			return s.reportSoFar(), fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
	if err := s.runDots(ctx); err != nil {
		return s.reportSoFar(), fmt.Errorf("%w: %w", ErrAborted, err)
	}
	s.readback(ctx)
	s.finalize()

	return s.reportSoFar(), nil
}

// openDuts probes every configured DUT and builds the fleet, once the DUTs
// have power. A caller that supplied a Fleet directly (tests) skips this.
func (s *Schedule) openDuts() error {
	if s.Fleet != nil {
		return nil
	}
	links := make([]*dutlink.DutLink, 0, len(s.DutSpecs))
	for _, spec := range s.DutSpecs {
		link, err := dutlink.Open(spec.Slot, spec.Port, s.LogDir, s.Ctrl.Logger)
		if err != nil {
			for _, l := range links {
				l.Close()
			}
			return fmt.Errorf("schedule: open %s: %w", spec.Slot, err)
		}
		links = append(links, link)
	}
	s.Fleet = fleet.New(links, s.Ctrl.Logger)
	return nil
}

func (s *Schedule) powerOn(ctx context.Context) error {
	for _, name := range []relay.Name{relay.PumpPwr, relay.FanPwr, relay.DutPwr} {
		if err := s.RelayDrv.Set(name, true); err != nil {
			return fmt.Errorf("schedule: power on: %w", err)
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(powerOnSettleTime):
	}
	return nil
}

func (s *Schedule) preamble(ctx context.Context) error {
	s.Fleet.Broadcast(ctx, "timelimit off", preambleTimeout)

	traceCmd := "trace off"
	if s.TraceOn {
		traceCmd = "trace on"
	}
	s.Fleet.Broadcast(ctx, traceCmd, preambleTimeout)

	s.Fleet.Broadcast(ctx, "co2 get_tr0_tp0_photo", preambleTimeout)
	s.Fleet.Broadcast(ctx, "co2 get_tr0_tp0_photo", preambleTimeout)
	return nil
}

func (s *Schedule) lampAging(ctx context.Context) error {
	const cmd = "co2 calib 100 252 100 252 5 0 0 0.45 1"
	s.Fleet.Broadcast(ctx, cmd, agingTimeout)
	s.Fleet.Broadcast(ctx, cmd, agingTimeout)
	return nil
}

func (s *Schedule) runDots(ctx context.Context) error {
	prevRefPPM := 0
	calIndex, verifIndex := 0, 0

	for _, dot := range s.Dots {
		if s.NoCal && !dot.IsVerification() {
			continue
		}

		refPPM, err := s.Servo.DriveTo(ctx, dot, prevRefPPM)
		if err != nil {
			return fmt.Errorf("schedule: drive to %d ppm: %w", dot.TargetPPM, err)
		}
		prevRefPPM = refPPM

		preciseRefPPM, err := s.Analyzer.ReadStablePPM(ctx, analyzer.Fast)
		if err != nil {
			return fmt.Errorf("schedule: pre-command stabilization read: %w", err)
		}

		if dot.IsVerification() {
			cmd := fmt.Sprintf("co2 verif %d %d 1", verifIndex, preciseRefPPM)
			s.verify(ctx, cmd, preciseRefPPM, *dot.DUTErrorTolerance)
			verifIndex++
		} else {
			cmd := fmt.Sprintf("co2 calib 100 252 100 252 5 %d %d 0.45 1", calIndex, preciseRefPPM)
			s.Fleet.Broadcast(ctx, cmd, agingTimeout)
			calIndex++
		}
	}
	return nil
}

func (s *Schedule) verify(ctx context.Context, cmd string, refPPM int, tolerance float64) {
	results := s.Fleet.Broadcast(ctx, cmd, agingTimeout)
	bySlot := make(map[string]*dutlink.DutLink, len(s.Fleet.Links()))
	for _, l := range s.Fleet.Links() {
		bySlot[l.SlotName] = l
	}

	for _, r := range results {
		if r.Err != nil || r.Reply == nil {
			continue
		}
		v, ok := r.Reply.Get("co2_ppm_verif")
		if !ok {
			continue
		}
		dutPPM, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		errFrac := types.DUTError(refPPM, dutPPM)
		if errFrac > tolerance {
			if l, ok := bySlot[r.DUTID]; ok {
				l.SetFailed("FAST verification")
			}
		}
	}
}

func (s *Schedule) readback(ctx context.Context) {
	s.Fleet.BroadcastReadback(ctx, "perso get_co2cal_fast", readbackTimeout, func(l *dutlink.DutLink, pairs []types.KV) {
		l.CalibrationReadout = pairs
	})
	s.Fleet.BroadcastReadback(ctx, "perso get_co2verif_fast", readbackTimeout, func(l *dutlink.DutLink, pairs []types.KV) {
		l.VerificationReadout = pairs
	})
}

func (s *Schedule) finalize() {
	for _, l := range s.Fleet.Links() {
		if l.Status() == dutlink.Untested {
			l.SetPass()
		}
	}
}

func (s *Schedule) teardown() {
	s.RelayDrv.DisableAll()
	if s.Fleet == nil {
		return
	}
	for _, l := range s.Fleet.Links() {
		l.Close()
	}
}

func (s *Schedule) reportSoFar() report.RunReport {
	rep := report.RunReport{
		Station:   s.Ctrl.Station,
		StartedAt: s.Ctrl.StartedAt,
		Duration:  s.Ctrl.Elapsed(),
	}
	if s.Fleet != nil {
		rep.Duts = s.Fleet.Links()
	}
	return rep
}
