// Command co2jig drives the CO2 calibration jig: power the chamber,
// self-calibrate the injection-time table, and run calibration/verification
// schedules against a fleet of DUTs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/co2jig/controller/internal/config"
	"github.com/co2jig/controller/pkg/analyzer"
	"github.com/co2jig/controller/pkg/controller"
	"github.com/co2jig/controller/pkg/itt"
	"github.com/co2jig/controller/pkg/relay"
	"github.com/co2jig/controller/pkg/report"
	"github.com/co2jig/controller/pkg/schedule"
	"github.com/co2jig/controller/pkg/servo"
	"github.com/co2jig/controller/pkg/transport"
	"github.com/co2jig/controller/pkg/types"
)

type rootOpts struct {
	configPath string
}

type runTestOpts struct {
	noCal bool
}

func main() {
	if err := relay.InitHost(); err != nil {
		slog.Warn("periph host init failed", "err", err)
	}

	var ro rootOpts

	root := &cobra.Command{
		Use:   "co2jig",
		Short: "CO2 calibration jig controller",
		Long: `co2jig drives the closed-loop gas-concentration chamber used to calibrate
and verify CO2 sensor DUTs: it self-calibrates the injection-time table, servos
the chamber to programmed CalDots, and broadcasts calibration/verification
commands to the DUT fleet over serial.`,
	}
	root.PersistentFlags().StringVar(&ro.configPath, "config", "station.yaml", "path to the station YAML config")

	root.AddCommand(newRunTestCmd(&ro), newRunCalibCmd(&ro), newRelayCmd(&ro), newCO2Cmd(&ro))

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newRunTestCmd(ro *rootOpts) *cobra.Command {
	var o runTestOpts
	cmd := &cobra.Command{
		Use:   "run-test <nb_duts>",
		Short: "run a calibration/verification schedule against nb_duts DUTs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nbDuts, err := parseNBDuts(args[0])
			if err != nil {
				return err
			}
			return runTest(cmd.Context(), ro.configPath, nbDuts, o.noCal)
		},
	}
	cmd.Flags().BoolVar(&o.noCal, "nocal", false, "skip calibration dots and lamp aging; verification dots only")
	return cmd
}

func newRunCalibCmd(ro *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "run-calib",
		Short: "self-calibrate the injection-time table and persist it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalib(cmd.Context(), ro.configPath)
		},
	}
}

func newRelayCmd(ro *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay {list|set|reset} <name>",
		Short: "inspect or drive a single relay line",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(ro.configPath, args)
		},
	}
	return cmd
}

func newCO2Cmd(ro *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "co2",
		Short: "print the reference analyzer's current stable ppm reading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCO2(cmd.Context(), ro.configPath)
		},
	}
}

func parseNBDuts(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("nb_duts: %w", err)
	}
	if n <= 0 || n > 16 {
		return 0, fmt.Errorf("nb_duts must be in [1,16]")
	}
	return n, nil
}

func runTest(ctx context.Context, configPath string, nbDuts int, noCal bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if nbDuts > len(cfg.Duts) {
		return fmt.Errorf("run-test: requested %d DUTs but config lists %d", nbDuts, len(cfg.Duts))
	}

	ctrl := controller.New(types.StationMeta{
		Model:          cfg.Station.Model,
		Station:        cfg.Station.Name,
		StationNumber:  cfg.Station.Number,
		ProgramVersion: cfg.Station.ProgramVersion,
	}, nil)

	relayDrv, an, err := openHardware(cfg, ctrl)
	if err != nil {
		return err
	}
	defer relayDrv.Close()
	defer an.Close()

	table, err := loadTable(cfg.ITTPath)
	if err != nil {
		return err
	}

	dutSpecs := make([]schedule.DutSpec, 0, nbDuts)
	for _, d := range cfg.Duts[:nbDuts] {
		dutSpecs = append(dutSpecs, schedule.DutSpec{Slot: d.Slot, Port: d.Port})
	}

	svo := servo.New(relayDrv, table, an, servo.Config{
		ValveMinTimeMs:    cfg.Servo.ValveMinTimeMs,
		InjectLoopMaxTry:  cfg.Servo.InjectLoopMaxTry,
		DUTStabTimeMs:     cfg.Servo.DUTStabTimeMs,
		DilutionThreshold: cfg.Servo.DilutionThreshold,
	}, ctrl.Logger)

	sched := &schedule.Schedule{
		Ctrl:     ctrl,
		RelayDrv: relayDrv,
		Table:    table,
		Analyzer: an,
		Servo:    svo,
		Dots:     defaultDots(),
		NoCal:    noCal,
		TraceOn:  cfg.TraceOn,
		DutSpecs: dutSpecs,
		LogDir:   filepath.Dir(cfg.ITTPath),
	}

	rep, runErr := sched.Run(ctx)
	if err := writeReports(rep); err != nil {
		ctrl.Logger.Error("writing reports", "err", err)
	}
	return runErr
}

func runCalib(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctrl := controller.New(types.StationMeta{Model: cfg.Station.Model}, nil)

	relayDrv, an, err := openHardware(cfg, ctrl)
	if err != nil {
		return err
	}
	defer relayDrv.Close()
	defer an.Close()

	table, err := itt.Build(ctx, relayDrv, an, itt.BuildConfig{
		CO2StepMs:         uint32(cfg.Selfcal.CO2StepMs),
		N2StepMs:          uint32(cfg.Selfcal.N2StepMs),
		AirStepMs:         uint32(cfg.Selfcal.AirStepMs),
		DilutionThreshold: uint32(cfg.Servo.DilutionThreshold),
		MaxTargetPPM:      maxTargetPPM(defaultDots()),
		ZeroDot:           types.CalDot{TargetPPM: 0, PPMTolerance: 20},
	})
	if err != nil {
		return fmt.Errorf("run-calib: %w", err)
	}

	f, err := os.Create(cfg.ITTPath)
	if err != nil {
		return fmt.Errorf("run-calib: %w", err)
	}
	defer f.Close()
	return table.Save(f)
}

func runRelay(configPath string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctrl := controller.New(types.StationMeta{Model: cfg.Station.Model}, nil)
	relayDrv, err := relay.Open(&noopBus{}, ctrl.Logger)
	if err != nil {
		return err
	}
	defer relayDrv.Close()

	sub := args[0]
	names := map[string]relay.Name{
		"gas_out": relay.GasOut, "dut_pwr": relay.DutPwr, "gas_no2": relay.GasNO2,
		"pump_pwr": relay.PumpPwr, "fan_pwr": relay.FanPwr, "gas_air": relay.GasAir, "gas_co2": relay.GasCO2,
	}

	switch sub {
	case "list":
		for label, n := range names {
			fmt.Printf("%s=%v\n", label, relayDrv.IsOpen(n))
		}
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("relay set: requires a name")
		}
		n, ok := names[args[1]]
		if !ok {
			return fmt.Errorf("relay set: unknown relay %q", args[1])
		}
		return relayDrv.Set(n, true)
	case "reset":
		return relayDrv.DisableAll()
	default:
		return fmt.Errorf("relay: unknown subcommand %q", sub)
	}
	return nil
}

func runCO2(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	port, err := transport.OpenAnalyzerPort(cfg.Analyzer.Port, 9600)
	if err != nil {
		return err
	}
	an := analyzer.Open(port, analyzerConfig(cfg), nil)
	defer an.Close()

	ppm, err := an.ReadStablePPM(ctx, analyzer.Normal)
	if err != nil {
		return err
	}
	fmt.Println(ppm)
	return nil
}

func openHardware(cfg *config.Config, ctrl *controller.Controller) (*relay.Driver, *analyzer.Analyzer, error) {
	// Production relay wiring is via relay.FTDIBus over a periph.io-enumerated
	// USB adapter; tests and this reference CLI wiring use any relay.Bus.
	// periph.io host initialization and pin lookup are the FTDI transport's
	// concern, out of scope per the relay/bus boundary.
	relayDrv, err := relay.Open(&noopBus{}, ctrl.Logger)
	if err != nil {
		return nil, nil, err
	}

	port, err := transport.OpenAnalyzerPort(cfg.Analyzer.Port, 9600)
	if err != nil {
		relayDrv.Close()
		return nil, nil, err
	}
	an := analyzer.Open(port, analyzerConfig(cfg), ctrl.Logger)

	return relayDrv, an, nil
}

func analyzerConfig(cfg *config.Config) analyzer.Config {
	return analyzer.Config{
		SampleRateHz:       cfg.Analyzer.SampleRateHz,
		StabTolRatio:       cfg.Analyzer.StabTolRatio,
		StabTolPPM:         cfg.Analyzer.StabTolPPM,
		MeasBlockTimeoutMs: cfg.Analyzer.MeasBlockTimeoutMs,
		StabTimeoutMs:      cfg.Analyzer.StabTimeoutMs,
	}
}

func loadTable(path string) (*itt.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load itt: %w", err)
	}
	defer f.Close()
	return itt.Load(f)
}

func writeReports(rep report.RunReport) error {
	macFile, err := os.Create("MAC_CO2_RESULTS.txt")
	if err != nil {
		return err
	}
	defer macFile.Close()
	if err := report.WriteMacResults(macFile, rep); err != nil {
		return err
	}

	csvName := fmt.Sprintf("batch_%s.csv", rep.StartedAt.Format("20060102_150405"))
	csvFile, err := os.Create(csvName)
	if err != nil {
		return err
	}
	defer csvFile.Close()
	return report.WriteBatchCSV(csvFile, rep)
}

// defaultDots is the station's standard calibration/verification schedule.
// Every run uses this fixed sequence; the station configuration file does
// not carry a schedule.
func defaultDots() []types.CalDot {
	tol := 0.15
	return []types.CalDot{
		{TargetPPM: 0, PPMTolerance: 20},
		{TargetPPM: 1000, PPMTolerance: 100, DUTErrorTolerance: &tol},
		{TargetPPM: 4000, PPMTolerance: 100, DUTErrorTolerance: &tol},
	}
}

func maxTargetPPM(dots []types.CalDot) uint32 {
	var max uint32
	for _, d := range dots {
		if d.TargetPPM > max {
			max = d.TargetPPM
		}
	}
	return max
}

// noopBus is a placeholder relay.Bus for hosts without FTDI hardware wired
// in (e.g. CI). Production deployments construct relay.NewFTDIBus from
// periph.io-enumerated pins instead.
type noopBus struct{}

func (*noopBus) WriteByte(byte) error { return nil }
