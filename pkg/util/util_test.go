package util

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeDiv(t *testing.T) {
	assert.Equal(t, 2.0, SafeDiv(10, 5))
	assert.Equal(t, 0.0, SafeDiv(10, 0))
	assert.Equal(t, 0.0, SafeDiv(10, 1e-13))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-1))
	assert.Equal(t, 1.0, Clamp01(2))
	assert.Equal(t, 0.5, Clamp01(0.5))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
}

func TestMinMaxMean(t *testing.T) {
	min, max, mean := MinMaxMean([]int{4995, 5002, 4998, 5005, 5000})
	assert.Equal(t, 4995, min)
	assert.Equal(t, 5005, max)
	assert.InDelta(t, 5000.0, mean, 0.01)
}
