package schedule

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co2jig/controller/pkg/analyzer"
	"github.com/co2jig/controller/pkg/controller"
	"github.com/co2jig/controller/pkg/dutlink"
	"github.com/co2jig/controller/pkg/fleet"
	"github.com/co2jig/controller/pkg/itt"
	"github.com/co2jig/controller/pkg/relay"
	"github.com/co2jig/controller/pkg/servo"
	"github.com/co2jig/controller/pkg/types"
)

type fakeRelayBus struct{}

func (*fakeRelayBus) WriteByte(byte) error { return nil }

type fakeAnalyzerPort struct {
	chunks [][]byte
	idx    int
}

func (p *fakeAnalyzerPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *fakeAnalyzerPort) Close() error                 { return nil }
func (p *fakeAnalyzerPort) SetReadTimeout(time.Duration) {}
func (p *fakeAnalyzerPort) Read(b []byte) (int, error) {
	if p.idx >= len(p.chunks) {
		return 0, fakeTimeout{}
	}
	n := copy(b, p.chunks[p.idx])
	p.idx++
	return n, nil
}

type fakeTimeout struct{}

func (fakeTimeout) Error() string { return "timeout" }
func (fakeTimeout) Timeout() bool { return true }

// scriptedDUTPort answers every command (each CR-terminated write) with the
// same reply, so the preamble broadcasts do not use up the reply meant for
// the verification command.
type scriptedDUTPort struct {
	reply []byte
	sent  int
}

func (p *scriptedDUTPort) Write(b []byte) (int, error) {
	if bytes.IndexByte(b, '\r') >= 0 {
		p.sent = 0
	}
	return len(b), nil
}
func (p *scriptedDUTPort) Close() error                 { return nil }
func (p *scriptedDUTPort) SetReadTimeout(time.Duration) {}
func (p *scriptedDUTPort) Read(b []byte) (int, error) {
	if p.sent >= len(p.reply) {
		return 0, fakeTimeout{}
	}
	n := copy(b, p.reply[p.sent:])
	p.sent += n
	return n, nil
}

func TestRun_S1HappyVerification(t *testing.T) {
	relayDrv, err := relay.Open(&fakeRelayBus{}, nil)
	require.NoError(t, err)
	t.Cleanup(relayDrv.Close)

	chunks := make([][]byte, 30)
	for i := range chunks {
		chunks[i] = []byte("<co2>995.0</co2>")
	}
	an := analyzer.Open(&fakeAnalyzerPort{chunks: chunks}, analyzer.Config{
		SampleRateHz:       1,
		StabTolRatio:       1,
		StabTolPPM:         1 << 20,
		MeasBlockTimeoutMs: 5000,
		StabTimeoutMs:      5000,
	}, nil)

	table := &itt.Table{
		CO2Curve:    []types.ITTPoint{{ValveOnMs: 0, ObservedPPM: 0}, {ValveOnMs: 400, ObservedPPM: 1050}},
		DiluteCurve: []types.ITTPoint{{ValveOnMs: 0, ObservedPPM: 1050}, {ValveOnMs: 16000, ObservedPPM: 20}},
	}
	svo := servo.New(relayDrv, table, an, servo.Config{
		ValveMinTimeMs: 10, InjectLoopMaxTry: 5, DUTStabTimeMs: 1, DilutionThreshold: 1600,
	}, nil)

	dut1 := dutlink.Wrap("dut1", &scriptedDUTPort{reply: []byte("co2_ppm_verif=990\nrc=0\nshell>")}, nil)
	dut2 := dutlink.Wrap("dut2", &scriptedDUTPort{reply: []byte("co2_ppm_verif=1150\nrc=0\nshell>")}, nil)
	flt := fleet.New([]*dutlink.DutLink{dut1, dut2}, nil)

	tol := 0.15
	dot := types.CalDot{TargetPPM: 1000, PPMTolerance: 100, DUTErrorTolerance: &tol}

	sched := &Schedule{
		Ctrl:     controller.New(types.StationMeta{Model: "jig-x1"}, nil),
		RelayDrv: relayDrv,
		Table:    table,
		Analyzer: an,
		Fleet:    flt,
		Servo:    svo,
		Dots:     []types.CalDot{dot},
		NoCal:    true, // skip lamp aging + non-verification dots for a minimal, fast test
	}

	rep, err := sched.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, dutlink.Pass, dut1.Status())
	assert.Equal(t, dutlink.Failed, dut2.Status())
	assert.Equal(t, "FAST verification", dut2.FailReason())
	assert.Len(t, rep.Duts, 2)
}

func TestRun_AbortsEarlyFailureWithErrAborted(t *testing.T) {
	relayDrv, err := relay.Open(&fakeRelayBus{}, nil)
	require.NoError(t, err)
	t.Cleanup(relayDrv.Close)

	sched := &Schedule{
		Ctrl:     controller.New(types.StationMeta{Model: "jig-x1"}, nil),
		RelayDrv: relayDrv,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	_, err = sched.Run(ctx)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestOpenDuts_ProbeFailurePropagates(t *testing.T) {
	sched := &Schedule{
		Ctrl: controller.New(types.StationMeta{Model: "jig-x1"}, nil),
		DutSpecs: []DutSpec{
			{Slot: "dut1", Port: "/nonexistent/co2jig-test-port"},
		},
	}

	err := sched.openDuts()
	assert.ErrorIs(t, err, dutlink.ErrProbeFailed)
	assert.Nil(t, sched.Fleet)
}
