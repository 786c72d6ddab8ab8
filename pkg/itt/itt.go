// Package itt builds, persists, and interpolates the Injection-Time Table:
// the empirical map from chamber ppm to valve-open duration, in both the
// CO2-up and dilution-down directions.
package itt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/co2jig/controller/pkg/analyzer"
	"github.com/co2jig/controller/pkg/relay"
	"github.com/co2jig/controller/pkg/types"
)

// zeroingPulseMs is the fixed pulse length used while driving the chamber
// toward 0 ppm at the start of a self-calibration build.
const zeroingPulseMs = 20 * time.Second

// Table holds the two self-calibrated curves.
type Table struct {
	CO2Curve      []types.ITTPoint // ascending by ObservedPPM
	DiluteCurve   []types.ITTPoint // descending by ObservedPPM
	AirPulseCount int
}

// BuildConfig parameterizes a self-calibration build run.
type BuildConfig struct {
	CO2StepMs         uint32
	N2StepMs          uint32
	AirStepMs         uint32
	DilutionThreshold uint32
	MaxTargetPPM      uint32 // ppm_upper_target = MaxTargetPPM * 2
	ZeroDot           types.CalDot
}

// Build drives the chamber through a full self-calibration cycle and
// returns the resulting table. relayDrv and an are exclusively owned by the
// caller for the duration of the call.
func Build(ctx context.Context, relayDrv *relay.Driver, an *analyzer.Analyzer, cfg BuildConfig) (*Table, error) {
	if err := driveToZero(ctx, relayDrv, an, cfg.ZeroDot); err != nil {
		return nil, fmt.Errorf("itt: drive to zero: %w", err)
	}

	co2Curve, err := buildCO2Curve(ctx, relayDrv, an, cfg)
	if err != nil {
		return nil, fmt.Errorf("itt: build co2 curve: %w", err)
	}

	ppmLowerTarget := int(cfg.ZeroDot.TargetPPM) + int(cfg.ZeroDot.PPMTolerance)/2
	diluteCurve, airPulses, err := buildDiluteCurve(ctx, relayDrv, an, cfg, co2Curve[len(co2Curve)-1], ppmLowerTarget)
	if err != nil {
		return nil, fmt.Errorf("itt: build dilute curve: %w", err)
	}

	return &Table{CO2Curve: co2Curve, DiluteCurve: diluteCurve, AirPulseCount: airPulses}, nil
}

func driveToZero(ctx context.Context, relayDrv *relay.Driver, an *analyzer.Analyzer, zeroDot types.CalDot) error {
	for {
		ppm, err := readStable(ctx, an)
		if err != nil {
			return err
		}
		if zeroDot.Compare(ppm) <= 0 {
			return nil
		}
		if err := pulse(relayDrv, relay.GasNO2, zeroingPulseMs); err != nil {
			return err
		}
	}
}

func buildCO2Curve(ctx context.Context, relayDrv *relay.Driver, an *analyzer.Analyzer, cfg BuildConfig) ([]types.ITTPoint, error) {
	ppmUpperTarget := int(cfg.MaxTargetPPM) * 2

	first, err := readStable(ctx, an)
	if err != nil {
		return nil, err
	}
	curve := []types.ITTPoint{{ValveOnMs: 0, ObservedPPM: uint32(first)}}

	for {
		last := curve[len(curve)-1]
		if int(last.ObservedPPM) >= ppmUpperTarget {
			break
		}
		if err := pulse(relayDrv, relay.GasCO2, time.Duration(cfg.CO2StepMs)*time.Millisecond); err != nil {
			return nil, err
		}
		ppm, err := readStable(ctx, an)
		if err != nil {
			return nil, err
		}
		curve = append(curve, types.ITTPoint{
			ValveOnMs:   last.ValveOnMs + cfg.CO2StepMs,
			ObservedPPM: uint32(ppm),
		})
	}

	sort.Slice(curve, func(i, j int) bool { return curve[i].ObservedPPM < curve[j].ObservedPPM })
	return curve, nil
}

func buildDiluteCurve(ctx context.Context, relayDrv *relay.Driver, an *analyzer.Analyzer, cfg BuildConfig, startingFromTop types.ITTPoint, ppmLowerTarget int) ([]types.ITTPoint, int, error) {
	curve := []types.ITTPoint{{ValveOnMs: 0, ObservedPPM: startingFromTop.ObservedPPM}}
	airPulses := 0

	for {
		last := curve[len(curve)-1]
		if int(last.ObservedPPM) < ppmLowerTarget {
			break
		}
		var stepMs uint32
		if int(last.ObservedPPM) > int(cfg.DilutionThreshold) {
			stepMs = cfg.AirStepMs
			if err := pulse(relayDrv, relay.GasAir, time.Duration(stepMs)*time.Millisecond); err != nil {
				return nil, 0, err
			}
			airPulses++
		} else {
			stepMs = cfg.N2StepMs
			if err := pulse(relayDrv, relay.GasNO2, time.Duration(stepMs)*time.Millisecond); err != nil {
				return nil, 0, err
			}
		}
		ppm, err := readStable(ctx, an)
		if err != nil {
			return nil, 0, err
		}
		curve = append(curve, types.ITTPoint{
			ValveOnMs:   last.ValveOnMs + stepMs,
			ObservedPPM: uint32(ppm),
		})
	}

	sort.Slice(curve, func(i, j int) bool { return curve[i].ObservedPPM > curve[j].ObservedPPM })
	return curve, airPulses, nil
}

func pulse(relayDrv *relay.Driver, name relay.Name, d time.Duration) error {
	if err := relayDrv.Set(name, true); err != nil {
		return err
	}
	time.Sleep(d)
	return relayDrv.Set(name, false)
}

func readStable(ctx context.Context, an *analyzer.Analyzer) (int, error) {
	return an.ReadStablePPM(ctx, analyzer.Normal)
}

// direction distinguishes the neighbour-selection rule used by interpolate.
type direction int

const (
	ascending direction = iota
	descending
)

// CO2InjectionTime returns the CO2 valve-open duration, in ms, to move the
// chamber from current to target ppm using the ascending curve.
func (t *Table) CO2InjectionTime(current, target int) (int, error) {
	return deltaTime(t.CO2Curve, current, target, ascending)
}

// N2InjectionTime returns the dilution valve-open duration, in ms, to move
// the chamber from current to target ppm using the descending curve. The
// caller (ConcentrationServo) picks air vs N2 based on current ppm; this
// routine only supplies the duration.
func (t *Table) N2InjectionTime(current, target int) (int, error) {
	return deltaTime(t.DiluteCurve, current, target, descending)
}

func deltaTime(curve []types.ITTPoint, current, target int, dir direction) (int, error) {
	tCurrent, err := interpolate(curve, current, dir)
	if err != nil {
		return 0, err
	}
	tTarget, err := interpolate(curve, target, dir)
	if err != nil {
		return 0, err
	}
	delta := tTarget - tCurrent
	if delta < 0 {
		return 0, fmt.Errorf("%w: current=%d target=%d delta=%d", ErrInfeasibleInjection, current, target, delta)
	}
	return delta, nil
}

// interpolate returns the cumulative valve-on time, in ms, corresponding to
// query ppm on curve, per the nearest-plus-other-side-neighbour rule shared
// by both curve directions.
func interpolate(curve []types.ITTPoint, query int, dir direction) (int, error) {
	if len(curve) < 2 {
		return 0, fmt.Errorf("itt: curve too short to interpolate")
	}

	idxA := nearestIndex(curve, query)
	idxB := otherSideNeighbor(curve, idxA, query, dir)

	pa, pb := curve[idxA], curve[idxB]
	if pb.ObservedPPM == pa.ObservedPPM {
		return int(pa.ValveOnMs), nil
	}

	ta, tb := float64(pa.ValveOnMs), float64(pb.ValveOnMs)
	ppmA, ppmB := float64(pa.ObservedPPM), float64(pb.ObservedPPM)
	t := ta + (float64(query)-ppmA)*(tb-ta)/(ppmB-ppmA)
	return int(t + 0.5), nil
}

func nearestIndex(curve []types.ITTPoint, query int) int {
	best := 0
	bestDist := absInt(int(curve[0].ObservedPPM) - query)
	for i := 1; i < len(curve); i++ {
		d := absInt(int(curve[i].ObservedPPM) - query)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func otherSideNeighbor(curve []types.ITTPoint, idxA, query int, dir direction) int {
	below := int(curve[idxA].ObservedPPM) < query
	var idxB int
	switch dir {
	case ascending:
		if below {
			idxB = idxA + 1
		} else {
			idxB = idxA - 1
		}
	default: // descending
		if below {
			idxB = idxA - 1
		} else {
			idxB = idxA + 1
		}
	}
	if idxB < 0 || idxB >= len(curve) {
		// Reflect: use the opposite direction instead.
		idxB = idxA - (idxB - idxA)
	}
	return idxB
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Save persists the table in the "co2|no2 <time_ms> <ppm>" line grammar.
func (t *Table) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, p := range t.CO2Curve {
		if _, err := fmt.Fprintf(bw, "co2 %d %d\n", p.ValveOnMs, p.ObservedPPM); err != nil {
			return err
		}
	}
	for _, p := range t.DiluteCurve {
		if _, err := fmt.Fprintf(bw, "no2 %d %d\n", p.ValveOnMs, p.ObservedPPM); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load parses a table previously written by Save. AirPulseCount is not
// recoverable from the persisted grammar and is left at zero; callers that
// need it across a save/load boundary must track it separately.
func Load(r io.Reader) (*Table, error) {
	t := &Table{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		timeMs, err1 := strconv.ParseUint(fields[1], 10, 32)
		ppm, err2 := strconv.ParseUint(fields[2], 10, 32)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		point := types.ITTPoint{ValveOnMs: uint32(timeMs), ObservedPPM: uint32(ppm)}
		switch fields[0] {
		case "co2":
			t.CO2Curve = append(t.CO2Curve, point)
		case "no2":
			t.DiluteCurve = append(t.DiluteCurve, point)
		default:
			return nil, fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
