package align

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastMapping() MappingSettings {
	s := DefaultMappingSettings()
	s.Settle = 0
	s.LaserWarmup = 0
	return s
}

func drainMap(progress <-chan MappingProgress, result <-chan PowerMapResult) PowerMapResult {
	for range progress {
	}
	return <-result
}

func TestMappingGrid(t *testing.T) {
	bench := NewBench()
	e := bench.Engine()

	s := fastMapping()
	s.XMinNM, s.XMaxNM, s.XStepNM = -1000, 1000, 500
	s.YMinNM, s.YMaxNM, s.YStepNM = -500, 500, 500

	progress, result, err := e.StartMapping(s)
	require.NoError(t, err)
	var last MappingProgress
	for p := range progress {
		last = p
	}
	res := <-result

	require.Equal(t, StatusMapOK, res.Status)
	// inclusive bounds: 5 x offsets, 3 y offsets
	assert.Equal(t, []float64{-1, -0.5, 0, 0.5, 1}, res.XUM)
	assert.Equal(t, []float64{-0.5, 0, 0.5}, res.YUM)
	require.Len(t, res.Power, 5)
	for _, row := range res.Power {
		require.Len(t, row, 3)
		for _, p := range row {
			assert.Greater(t, p, 0.0, "linear power must be positive")
		}
	}
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, 15, last.TotalPoints)

	// the scan peaked at the center point since the bench peak is the park
	// position
	center := res.Power[2][1]
	for i, row := range res.Power {
		for j, p := range row {
			if i != 2 || j != 1 {
				assert.Less(t, p, center)
			}
		}
	}

	// stage restored, laser bracketed
	vx, _ := bench.Left.GetVoltage(X)
	vy, _ := bench.Left.GetVoltage(Y)
	assert.InDelta(t, 37.5, vx, 1e-9)
	assert.InDelta(t, 37.5, vy, 1e-9)
	assert.Len(t, bench.Laser.Enables, 1)
	assert.Len(t, bench.Laser.Disables, 1)
}

func TestMappingLinearConversion(t *testing.T) {
	bench := NewBench()
	// flat surface: every point reads PeakDBm exactly
	bench.RolloffDBPerV2 = 0
	bench.PeakDBm = -3
	e := bench.Engine()

	s := fastMapping()
	s.XMinNM, s.XMaxNM, s.XStepNM = 0, 500, 500
	s.YMinNM, s.YMaxNM, s.YStepNM = 0, 500, 500

	progress, result, err := e.StartMapping(s)
	require.NoError(t, err)
	res := drainMap(progress, result)

	require.Equal(t, StatusMapOK, res.Status)
	for _, row := range res.Power {
		for _, p := range row {
			// -3 dBm is 0.501 mW
			assert.InDelta(t, 0.5011872336272722, p, 1e-12)
		}
	}
}

func TestMappingRestoresPositionOnCancel(t *testing.T) {
	bench := NewBench()
	e := bench.Engine()

	reads := 0
	gate := &SimMeter{Read: func() (float64, error) {
		reads++
		if reads == 3 {
			e.Cancel()
		}
		return bench.ReadPower()
	}}
	e.meter = gate

	progress, result, err := e.StartMapping(fastMapping())
	require.NoError(t, err)
	res := drainMap(progress, result)

	assert.Equal(t, StatusMapCancelled, res.Status)
	assert.Nil(t, res.Power)
	assert.Nil(t, res.XUM)
	vx, _ := bench.Left.GetVoltage(X)
	vy, _ := bench.Left.GetVoltage(Y)
	assert.InDelta(t, 37.5, vx, 1e-9)
	assert.InDelta(t, 37.5, vy, 1e-9)
	assert.Len(t, bench.Laser.Disables, 1)
}

func TestMappingRestoresPositionOnError(t *testing.T) {
	bench := NewBench()
	e := bench.Engine()

	reads := 0
	gate := &SimMeter{Read: func() (float64, error) {
		reads++
		if reads == 5 {
			return 0, errors.New("detector saturated")
		}
		return bench.ReadPower()
	}}
	e.meter = gate

	progress, result, err := e.StartMapping(fastMapping())
	require.NoError(t, err)
	res := drainMap(progress, result)

	assert.Contains(t, res.Status, "error during mapping")
	assert.Contains(t, res.Status, "detector saturated")
	vx, _ := bench.Left.GetVoltage(X)
	assert.InDelta(t, 37.5, vx, 1e-9)
	assert.Len(t, bench.Laser.Disables, 1)
}

func TestMappingSettingsValidation(t *testing.T) {
	e := NewBench().Engine()
	cases := []func(*MappingSettings){
		func(s *MappingSettings) { s.Stage = "middle" },
		func(s *MappingSettings) { s.XStepNM = 0 },
		func(s *MappingSettings) { s.YStepNM = -100 },
		func(s *MappingSettings) { s.XMinNM, s.XMaxNM = 500, -500 },
		func(s *MappingSettings) { s.YMinNM, s.YMaxNM = 0, 0 },
		func(s *MappingSettings) { s.SamplesPerPoint = 0 },
		func(s *MappingSettings) { s.Laser.Port = 0 },
	}
	for _, mutate := range cases {
		s := fastMapping()
		mutate(&s)
		_, _, err := e.StartMapping(s)
		assert.Error(t, err)
		assert.False(t, e.Running())
	}
}
