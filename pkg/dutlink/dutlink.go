// Package dutlink implements the line-oriented request/response protocol
// spoken to a single device under test over its own serial port.
package dutlink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/co2jig/controller/pkg/transport"
	"github.com/co2jig/controller/pkg/types"
)

const promptToken = "shell>"

// bytePacingInterval is the DUT receiver-quirk workaround: one byte every
// ~1ms instead of a single bulk write.
const bytePacingInterval = time.Millisecond

// DutLink owns one DUT's serial port for the lifetime of a run.
type DutLink struct {
	SlotName string
	PortName string

	port   transport.Port
	logger *slog.Logger
	logDir string

	mu      sync.Mutex
	logFile *os.File
	backlog bytes.Buffer

	MAC            string
	Secret         string
	BootloaderVer  string
	FirmwareVer    string
	MfgID          string

	CalibrationReadout  []types.KV
	VerificationReadout []types.KV

	status     Status
	failReason string
}

// Open opens the DUT's serial port and probes it. A non-nil error is always
// ErrProbeFailed (wrapped) per the spec's "the only fatal error" rule.
func Open(slotName, portName, logDir string, logger *slog.Logger) (*DutLink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	port, err := transport.OpenDUTPort(portName)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrProbeFailed, portName, err)
	}
	port.SetReadTimeout(transport.IOPollTimeout)

	l := &DutLink{
		SlotName: slotName,
		PortName: portName,
		port:     port,
		logger:   logger.With("slot", slotName),
		logDir:   logDir,
	}
	if err := l.probe(context.Background()); err != nil {
		port.Close()
		return nil, err
	}
	return l, nil
}

// Wrap builds a DutLink around an already-open port without probing it,
// for use by components that construct links in tests or that receive a
// pre-identified link from elsewhere.
func Wrap(slotName string, port transport.Port, logger *slog.Logger) *DutLink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DutLink{
		SlotName: slotName,
		port:     port,
		logger:   logger.With("slot", slotName),
	}
}

// Close releases the serial port and the log file.
func (l *DutLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		l.logFile.Close()
	}
	return l.port.Close()
}

func (l *DutLink) probe(ctx context.Context) error {
	// An empty line first flushes any partial prompt left by a prior
	// session, then "probe" elicits identity.
	if _, err := l.writePaced(""); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	reply, err := l.roundTrip(ctx, "probe", 5*time.Second)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	mac, ok := reply.Get("mac")
	if !ok || mac == "" {
		return fmt.Errorf("%w: missing mac", ErrProbeFailed)
	}
	secret, _ := reply.Get("secret")
	bl, okBL := reply.Get("bl_version")
	sv, okSV := reply.Get("soft_version")
	mfg, okMfg := reply.Get("mfg_id")
	if !okBL || !okSV || !okMfg {
		return fmt.Errorf("%w: incomplete identity reply", ErrProbeFailed)
	}

	l.MAC = mac
	l.Secret = secret
	l.BootloaderVer = bl
	l.FirmwareVer = sv
	l.MfgID = mfg
	l.logger = l.logger.With("mac", mac)

	if err := l.openLogFile(); err != nil {
		return fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	return nil
}

func (l *DutLink) openLogFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logDir == "" {
		return nil
	}
	path := filepath.Join(l.logDir, sanitizeFileName(l.MAC)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("dutlink: open log file: %w", err)
	}
	if l.backlog.Len() > 0 {
		f.Write(l.backlog.Bytes())
		l.backlog.Reset()
	}
	l.logFile = f
	return nil
}

func (l *DutLink) logRaw(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		l.logFile.Write(b)
		return
	}
	l.backlog.Write(b)
}

// Command sends cmd and waits up to timeout for the shell> prompt. A
// CommandTimeout or non-zero rc marks the caller responsible for excluding
// this DUT from the fleet; Command itself is stateless about exclusion.
func (l *DutLink) Command(ctx context.Context, cmd string, timeout time.Duration) (*types.ReplyBlock, error) {
	return l.roundTrip(ctx, cmd, timeout)
}

func (l *DutLink) roundTrip(ctx context.Context, cmd string, timeout time.Duration) (*types.ReplyBlock, error) {
	if _, err := l.writePaced(cmd); err != nil {
		return nil, err
	}
	raw, err := l.readUntilPrompt(ctx, timeout)
	if err != nil {
		return nil, err
	}
	reply := parseReply(raw)
	if reply.RC != 0 {
		return reply, fmt.Errorf("dutlink: %s: rc=%d: %w", l.SlotName, reply.RC, ErrNonZeroRC)
	}
	return reply, nil
}

func (l *DutLink) writePaced(cmd string) (int, error) {
	payload := append([]byte(cmd), '\r')
	for _, b := range payload {
		if _, err := l.port.Write([]byte{b}); err != nil {
			return 0, fmt.Errorf("dutlink: write: %w", err)
		}
		time.Sleep(bytePacingInterval)
	}
	return len(payload), nil
}

func (l *DutLink) readUntilPrompt(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var acc bytes.Buffer
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return nil, ErrCommandTimeout
		}

		n, err := l.port.Read(buf)
		if n > 0 {
			sanitized := sanitizeASCII(buf[:n])
			acc.Write(sanitized)
			l.logRaw(sanitized)
			if idx := bytes.Index(acc.Bytes(), []byte(promptToken)); idx >= 0 {
				return acc.Bytes()[:idx], nil
			}
			continue
		}
		if err != nil && !isTimeoutErr(err) {
			return nil, fmt.Errorf("dutlink: read: %w", err)
		}
	}
}

func parseReply(raw []byte) *types.ReplyBlock {
	reply := &types.ReplyBlock{RC: -1}
	lines := strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if key == "rc" {
			if n, err := strconv.Atoi(value); err == nil {
				reply.RC = n
			}
			continue
		}
		reply.Pairs = append(reply.Pairs, types.KV{Key: key, Value: value})
	}
	return reply
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

func sanitizeFileName(mac string) string {
	return strings.NewReplacer(":", "", " ", "_").Replace(mac)
}

type timeoutIface interface{ Timeout() bool }

func isTimeoutErr(err error) bool {
	t, ok := err.(timeoutIface)
	return ok && t.Timeout()
}
