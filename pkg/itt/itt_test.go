package itt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co2jig/controller/pkg/types"
)

func points(pairs ...[2]uint32) []types.ITTPoint {
	out := make([]types.ITTPoint, len(pairs))
	for i, p := range pairs {
		out[i] = types.ITTPoint{ValveOnMs: p[0], ObservedPPM: p[1]}
	}
	return out
}

func TestCO2InjectionTime_S5RoundTrip(t *testing.T) {
	table := &Table{
		CO2Curve: points([2]uint32{0, 0}, [2]uint32{200, 500}, [2]uint32{400, 1000}),
	}
	ms, err := table.CO2InjectionTime(250, 750)
	require.NoError(t, err)
	assert.Equal(t, 200, ms)
}

func TestN2InjectionTime_DescendingCurve(t *testing.T) {
	table := &Table{
		DiluteCurve: points([2]uint32{0, 16000}, [2]uint32{8000, 500}, [2]uint32{16000, 20}),
	}
	// query ppm near the middle sample, descending direction.
	ms, err := table.N2InjectionTime(8000, 1000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ms, 0)
}

func TestDeltaTime_InfeasibleReturnsError(t *testing.T) {
	table := &Table{
		CO2Curve: points([2]uint32{0, 1000}, [2]uint32{200, 500}, [2]uint32{400, 0}), // deliberately descending for this curve
	}
	_, err := table.CO2InjectionTime(500, 1000)
	assert.ErrorIs(t, err, ErrInfeasibleInjection)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	original := &Table{
		CO2Curve:    points([2]uint32{0, 0}, [2]uint32{200, 510}, [2]uint32{400, 1050}),
		DiluteCurve: points([2]uint32{0, 1050}, [2]uint32{8000, 500}, [2]uint32{16000, 20}),
	}

	var buf bytes.Buffer
	require.NoError(t, original.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, original.CO2Curve, loaded.CO2Curve)
	assert.Equal(t, original.DiluteCurve, loaded.DiluteCurve)
}

func TestLoad_RejectsMalformedLine(t *testing.T) {
	_, err := Load(bytes.NewBufferString("co2 100\n"))
	assert.ErrorIs(t, err, ErrMalformedLine)

	_, err = Load(bytes.NewBufferString("xenon 100 200\n"))
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestNearestIndex_TieBreaksToLowerIndex(t *testing.T) {
	curve := points([2]uint32{0, 0}, [2]uint32{200, 500}, [2]uint32{400, 1000})
	assert.Equal(t, 0, nearestIndex(curve, 250))
}
