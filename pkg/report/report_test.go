package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co2jig/controller/pkg/dutlink"
	"github.com/co2jig/controller/pkg/types"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func TestWriteMacResults_TabDelimited(t *testing.T) {
	d1 := dutlink.Wrap("slot0", nil, nil)
	d1.MAC = "AA:BB"
	must(d1.SetPass())

	d2 := dutlink.Wrap("slot1", nil, nil)
	d2.SetFailed("cmd timeout")

	var buf bytes.Buffer
	err := WriteMacResults(&buf, RunReport{Duts: []*dutlink.DutLink{d1, d2}})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "AA:BB\tPass", lines[0])
	assert.Equal(t, "slot1\tFail", lines[1])
}

func TestWriteBatchCSV_HeaderAndInterleavedPairs(t *testing.T) {
	d1 := dutlink.Wrap("slot0", nil, nil)
	d1.MAC = "AA:BB"
	d1.CalibrationReadout = []types.KV{{Key: "co2cal_0", Value: "510"}}
	must(d1.SetPass())

	var buf bytes.Buffer
	err := WriteBatchCSV(&buf, RunReport{
		Station:   types.StationMeta{Model: "jig-x1", Station: "bench3"},
		StartedAt: time.Unix(0, 0).UTC(),
		Duration:  5 * time.Second,
		Duts:      []*dutlink.DutLink{d1},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "model,station,station_number")
	assert.Contains(t, out, "co2cal_0,510")
	assert.Contains(t, out, "jig-x1,bench3")
}
