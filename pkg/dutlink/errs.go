package dutlink

import "errors"

var (
	// ErrProbeFailed is returned when the probe reply is missing mac or
	// carries a non-zero rc. The only error that aborts an entire run.
	ErrProbeFailed = errors.New("dutlink: probe failed")

	// ErrCommandTimeout is returned when a command's shell> prompt does not
	// arrive before its deadline.
	ErrCommandTimeout = errors.New("dutlink: command timeout")

	// ErrNonZeroRC is returned when a response parses cleanly but carries
	// rc != 0.
	ErrNonZeroRC = errors.New("dutlink: non-zero rc")
)
