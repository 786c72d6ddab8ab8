package itt

import "errors"

// ErrInfeasibleInjection is returned when an interpolated delta-time comes
// out negative: the caller asked this curve to move ppm in the direction it
// cannot serve.
var ErrInfeasibleInjection = errors.New("itt: infeasible injection")

// ErrMalformedLine is returned by Load when a persisted line does not match
// the "co2|no2 <time_ms> <ppm>" grammar.
var ErrMalformedLine = errors.New("itt: malformed line")
