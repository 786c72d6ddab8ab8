package analyzer

import "errors"

var (
	// ErrBlockTimeout is returned when no complete measurement block is
	// matched within measblock_timeout_ms.
	ErrBlockTimeout = errors.New("analyzer: no measurement block before timeout")

	// ErrStabilityTimeout is returned when the stability window never
	// satisfies either tolerance criterion within stab_timeout_ms.
	ErrStabilityTimeout = errors.New("analyzer: stability timeout")
)
