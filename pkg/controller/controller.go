// Package controller holds the single explicit value threaded through a
// run instead of package-level mutable state: the logger, station
// metadata, and the run's start time.
package controller

import (
	"log/slog"
	"time"

	"github.com/co2jig/controller/pkg/types"
)

// Controller is constructed once at startup and passed by parameter into
// TestSchedule; ConcentrationServo and DutFleet receive its Logger.
type Controller struct {
	Logger    *slog.Logger
	Station   types.StationMeta
	StartedAt time.Time
}

// New builds a Controller. logger defaults to slog.Default() if nil.
func New(station types.StationMeta, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		Logger:    logger,
		Station:   station,
		StartedAt: time.Now(),
	}
}

// Elapsed returns the wall time since the controller was constructed.
func (c *Controller) Elapsed() time.Duration {
	return time.Since(c.StartedAt)
}
