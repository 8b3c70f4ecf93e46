package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastSettings returns alignment settings with all delays zeroed so tests
// run at memory speed
func fastSettings() AlignmentSettings {
	s := DefaultAlignmentSettings()
	s.Settle = 0
	s.LaserWarmup = 0
	return s
}

func TestAxesForOrdering(t *testing.T) {
	assert.Equal(t, []Axis{Z, X}, axesFor(StageLeft, CouplingButt))
	assert.Equal(t, []Axis{Y, X}, axesFor(StageRight, CouplingButt))
	assert.Equal(t, []Axis{Y, X}, axesFor(StageLeft, CouplingTop))
	assert.Equal(t, []Axis{Y, X}, axesFor(StageRight, CouplingTop))
}

func TestClimbConvergesNearPeak(t *testing.T) {
	bench := NewBench()
	// displace the peaks the fine phase must recover; offsets are a few
	// steps of 100 nm (0.37 V) each
	bench.Peaks[StageLeft][Z] += 1.5
	bench.Peaks[StageLeft][X] -= 1.1
	bench.Peaks[StageRight][Y] += 0.8
	e := bench.Engine()

	events, result, err := e.StartAlignment(fastSettings())
	require.NoError(t, err)
	for range events {
	}
	res := <-result

	require.Equal(t, StatusOK, res.Status)
	assert.Greater(t, res.FinalPower, res.InitialPower)

	step := 100 * simVoltsPerNM // one hill climb step, in volts
	for stage, peaks := range bench.Peaks {
		for ax, peak := range peaks {
			assert.InDeltaf(t, peak, res.FinalPositions[stage][ax], step,
				"%s/%s did not converge", stage, ax)
		}
	}
}

func TestClimbAxisTracksAbsoluteMax(t *testing.T) {
	// scripted readings, independent of position: the positive direction
	// improves then regresses through the tolerance band, and the negative
	// direction finds a higher reading afterwards.  The park must be on the
	// absolute maximum, not wherever the last direction stopped.
	script := []float64{
		-10,            // starting power
		-10,            // powerToBeat, positive direction
		-8, -6, -6.004, // climb; last read is inside tolerance and stops the direction
		-6,        // powerToBeat, negative direction, from the best point
		-5, -5.004, // higher max found, then stop
		-5, // final read at the park position
	}
	next := 0
	meter := &SimMeter{Read: func() (float64, error) {
		p := script[next]
		next++
		return p, nil
	}}
	left := NewSimStage()
	e := NewEngine(left, NewSimStage(), meter, &SpyLaser{})
	e.InterSampleDelay = 0

	var final ProgressEvent
	emit := func(ev ProgressEvent) {
		if ev.FinalForAxis {
			final = ev
		}
	}
	require.NoError(t, e.climbAxis(StageLeft, X, fastSettings(), emit))
	assert.Equal(t, len(script), meter.Reads())
	assert.Equal(t, -5.0, final.Power)

	// the full motion sequence: park at start, three steps up, reset to the
	// best point before exploring down (not to where the up excursion
	// ended), two steps down, park on the absolute max
	step := 100 * simVoltsPerNM
	want := []float64{
		// park before +1, then the up excursion
		37.5,
		37.5 + step, 37.5 + 2*step, 37.5 + 3*step,
		// reset to the best point before -1, then the down excursion
		37.5 + 2*step,
		37.5 + step, 37.5,
		// final park on the -5 dBm point
		37.5 + step,
	}
	hist := left.History[X]
	require.Len(t, hist, len(want))
	for i := range want {
		assert.InDeltaf(t, want[i], hist[i], 1e-9, "move %d", i)
	}
}

func TestClimbStopsWithinTolerance(t *testing.T) {
	// a perfectly flat surface never beats powerToBeat, so each direction
	// takes exactly one step and stops
	meter := &SimMeter{Read: func() (float64, error) { return -7, nil }}
	left := NewSimStage()
	e := NewEngine(left, NewSimStage(), meter, &SpyLaser{})
	e.InterSampleDelay = 0

	require.NoError(t, e.climbAxis(StageLeft, X, fastSettings(), func(ProgressEvent) {}))
	// start, then beat + 1 step per direction, then final = 6 reads
	assert.Equal(t, 6, meter.Reads())
	hist := left.History[X]
	require.NotEmpty(t, hist)
	assert.InDelta(t, 37.5, hist[len(hist)-1], 1e-9)
}
