// Package report writes the two persisted output formats of a calibration
// run: the tab-delimited pass/fail summary and the full batch CSV log.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/co2jig/controller/pkg/dutlink"
	"github.com/co2jig/controller/pkg/types"
)

// RunReport aggregates one TestSchedule run for the report writers.
type RunReport struct {
	Station   types.StationMeta
	StartedAt time.Time
	Duration  time.Duration
	Duts      []*dutlink.DutLink
}

// WriteMacResults writes one "<mac-or-slot>\t{Pass|Fail|Untested}" line per
// DUT, in fleet order.
func WriteMacResults(w io.Writer, r RunReport) error {
	for _, d := range r.Duts {
		id := d.MAC
		if id == "" {
			id = d.SlotName
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", id, d.Status()); err != nil {
			return err
		}
	}
	return nil
}

var fixedHeader = []string{
	"model", "station", "station_number", "program_version",
	"start_time", "duration_ms", "mac", "secret", "mfgid",
	"bl_version", "fw_version", "station_result",
}

// WriteBatchCSV writes one header row and one row per DUT: the fixed
// leading columns, followed by interleaved (label, value) pairs reproducing
// the calibration and verification readouts.
func WriteBatchCSV(w io.Writer, r RunReport) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	maxPairs := 0
	for _, d := range r.Duts {
		n := len(d.CalibrationReadout) + len(d.VerificationReadout)
		if n > maxPairs {
			maxPairs = n
		}
	}

	header := append([]string{}, fixedHeader...)
	for i := 0; i < maxPairs; i++ {
		header = append(header, fmt.Sprintf("label_%d", i), fmt.Sprintf("value_%d", i))
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, d := range r.Duts {
		row := []string{
			r.Station.Model,
			r.Station.Station,
			r.Station.StationNumber,
			r.Station.ProgramVersion,
			r.StartedAt.Format(time.RFC3339),
			fmt.Sprintf("%d", r.Duration.Milliseconds()),
			d.MAC,
			d.Secret,
			d.MfgID,
			d.BootloaderVer,
			d.FirmwareVer,
			d.Status().String(),
		}
		pairs := append(append([]types.KV{}, d.CalibrationReadout...), d.VerificationReadout...)
		for _, kv := range pairs {
			row = append(row, kv.Key, kv.Value)
		}
		for len(row) < len(header) {
			row = append(row, "")
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return cw.Error()
}
