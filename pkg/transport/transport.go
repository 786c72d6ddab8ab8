// Package transport wires the jig's two serial consumers — the DUT links and
// the reference analyzer — onto github.com/daedaluz/goserial, the termios2
// based Linux serial driver retrieved alongside this spec. It exists so the
// DUT and analyzer packages depend on a small interface instead of the
// driver directly, which keeps them testable with in-memory fakes.
package transport

import (
	"time"

	serial "github.com/daedaluz/goserial"
)

// Port is the minimal serial-port surface DutLink and ReferenceAnalyzer need.
// *serial.Port satisfies it.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(timeout time.Duration)
}

// IOPollTimeout is the I/O-level poll timeout applied to every serial read,
// per spec: short enough that a logical-timeout loop can check elapsed time
// and a context without blocking indefinitely on a quiet line.
const IOPollTimeout = 100 * time.Millisecond

// OpenDUTPort opens a DUT command/response link: 1,000,000 baud, 8N1, with
// the 100ms read poll timeout. 1,000,000 baud isn't a POSIX standard rate, so
// it's set via the Linux TCSETS2 custom-speed path (Termios2.SetCustomSpeed)
// rather than one of the fixed Bxxxx constants.
func OpenDUTPort(name string) (Port, error) {
	return openPort(name, 1_000_000)
}

// OpenAnalyzerPort opens the reference analyzer's measurement stream at the
// given baud rate (LI-840 style analyzers commonly run at 9600; the rate is
// config-driven because the spec leaves the analyzer's serial parameters to
// station configuration).
func OpenAnalyzerPort(name string, baud uint32) (Port, error) {
	return openPort(name, baud)
}

func openPort(name string, baud uint32) (Port, error) {
	opts := serial.NewOptions().SetReadTimeout(IOPollTimeout)
	p, err := serial.Open(name, opts)
	if err != nil {
		return nil, err
	}
	attrs, err := p.GetAttr2()
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	attrs.MakeRaw()
	attrs.SetCustomSpeed(baud)
	attrs.Cflag &^= serial.CSTOPB
	attrs.Cflag |= serial.CREAD | serial.CLOCAL
	if err := p.SetAttr2(serial.TCSANOW, attrs); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}
