package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimStageClampsWrites(t *testing.T) {
	s := NewSimStage()
	require.NoError(t, s.SetVoltage(X, 200))
	v, err := s.GetVoltage(X)
	require.NoError(t, err)
	assert.Equal(t, simMaxVolt, v)

	require.NoError(t, s.SetVoltage(X, -10))
	v, _ = s.GetVoltage(X)
	assert.Equal(t, simMinVolt, v)

	require.NoError(t, s.SetVoltage(X, 42.5))
	v, _ = s.GetVoltage(X)
	assert.Equal(t, 42.5, v)

	// all three commands were recorded, clamped as stored
	assert.Equal(t, []float64{simMaxVolt, simMinVolt, 42.5}, s.History[X])
}

func TestBenchSurfaceFallsOffPeak(t *testing.T) {
	bench := NewBench()
	atPeak, err := bench.ReadPower()
	require.NoError(t, err)
	assert.Equal(t, bench.PeakDBm, atPeak)

	require.NoError(t, bench.Left.SetVoltage(Z, 38.5))
	off, err := bench.ReadPower()
	require.NoError(t, err)
	assert.Less(t, off, atPeak)
}
