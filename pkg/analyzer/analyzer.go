package analyzer

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/co2jig/controller/pkg/transport"
	"github.com/co2jig/controller/pkg/util"
)

// Mode selects the stabilization window width for ReadStablePPM.
type Mode int

const (
	Normal Mode = iota
	Fast
)

// Config carries the tuning constants from station configuration.
type Config struct {
	SampleRateHz       int
	StabTolRatio       float64
	StabTolPPM         int
	MeasBlockTimeoutMs int
	StabTimeoutMs      int
}

func (c Config) windowSize(mode Mode) int {
	switch mode {
	case Fast:
		return c.SampleRateHz * 1
	default:
		return c.SampleRateHz * 7
	}
}

var co2Pattern = regexp.MustCompile(`<co2>(\d+\.\d+)(?:[eE](\d+))?</co2>`)

// Analyzer reads ppm samples off a continuous measurement stream and
// evaluates the stability acceptance test against a sliding window.
type Analyzer struct {
	port   transport.Port
	cfg    Config
	logger *slog.Logger
	buf    []byte
}

// Open wraps an already-configured serial port. Use transport.OpenAnalyzerPort
// to obtain one with the right baud rate and framing.
func Open(port transport.Port, cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{port: port, cfg: cfg, logger: logger}
}

// Close releases the underlying serial port.
func (a *Analyzer) Close() error { return a.port.Close() }

// ReadStablePPM collects samples until the sliding window of the last W
// samples satisfies the absolute-or-relative stability criterion, or either
// timeout elapses.
func (a *Analyzer) ReadStablePPM(ctx context.Context, mode Mode) (int, error) {
	window := a.cfg.windowSize(mode)
	samples := make([]int, 0, window)

	stabDeadline := time.Now().Add(time.Duration(a.cfg.StabTimeoutMs) * time.Millisecond)
	lastBlockAt := time.Now()

	readBuf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		if time.Now().After(stabDeadline) {
			return 0, ErrStabilityTimeout
		}

		n, err := a.port.Read(readBuf)
		if err != nil && !isPollTimeout(err) {
			return 0, err
		}
		if n > 0 {
			a.buf = append(a.buf, sanitizeASCII(readBuf[:n])...)
		}

		ppm, ok := a.extractNextBlock()
		if !ok {
			if time.Since(lastBlockAt) > time.Duration(a.cfg.MeasBlockTimeoutMs)*time.Millisecond {
				return 0, ErrBlockTimeout
			}
			continue
		}
		lastBlockAt = time.Now()

		samples = append(samples, ppm)
		if len(samples) > window {
			samples = samples[len(samples)-window:]
		}
		if len(samples) < window {
			continue
		}

		min, max, mean := util.MinMaxMean(samples)
		spread := float64(max - min)
		if spread < float64(a.cfg.StabTolPPM) || util.SafeDiv(spread, mean) < a.cfg.StabTolRatio {
			last := samples[len(samples)-1]
			a.logger.Debug("analyzer stable", "mode", mode, "ppm", last, "min", min, "max", max, "mean", mean)
			return last, nil
		}
	}
}

// extractNextBlock consumes the earliest complete <co2>...</co2> match from
// the accumulated buffer, if any.
func (a *Analyzer) extractNextBlock() (int, bool) {
	loc := co2Pattern.FindSubmatchIndex(a.buf)
	if loc == nil {
		return 0, false
	}
	mantissaStr := string(a.buf[loc[2]:loc[3]])
	exp := 0
	if loc[4] >= 0 {
		exp, _ = strconv.Atoi(string(a.buf[loc[4]:loc[5]]))
	}
	a.buf = a.buf[loc[1]:]

	mantissa, err := strconv.ParseFloat(mantissaStr, 64)
	if err != nil {
		return 0, false
	}
	ppm := int(math.Round(mantissa * math.Pow(10, float64(exp))))
	return ppm, true
}

func sanitizeASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c > 127 {
			out[i] = '?'
		} else {
			out[i] = c
		}
	}
	return out
}

// isPollTimeout reports whether err is the expected I/O-level poll timeout
// rather than a real read failure: an error with a Timeout() method that
// reports true. Ports that don't distinguish the two (e.g. return
// io.EOF-like sentinels on a quiet line) should wrap their error so this
// predicate recognizes it; the caller returns any other non-nil error as a
// read failure, whether or not bytes were read.
func isPollTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok {
		return t.Timeout()
	}
	return false
}
