package schedule

import "errors"

// ErrAborted wraps the fatal cause (ProbeFailed, AnalyzerTimeout,
// CannotReachTarget) of a run that stopped before completing its schedule.
// Teardown still runs; readback and finalize are skipped, and the report so
// far is still returned to the caller.
var ErrAborted = errors.New("schedule: run aborted")
