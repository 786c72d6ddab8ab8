package servo

import "errors"

// ErrCannotReachTarget is returned when inject_loop_maxtry pulses have been
// spent without bringing the chamber within the target's tolerance band.
// The operator-visible message must surface error code 50100.
var ErrCannotReachTarget = errors.New("servo: cannot reach target ppm (error 50100)")
