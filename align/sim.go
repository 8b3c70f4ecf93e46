package align

import (
	"sync"
)

// default range of the simulated piezo driver, matching the 75 V
// open-loop controllers on the bench
const (
	simMinVolt = 0.
	simMaxVolt = 75.

	simVoltsPerNM = 0.0037
)

// SimStage is an in-memory StageController.  It clamps writes to its range
// silently, the way the production adapter does, and is safe for
// concurrent use.
type SimStage struct {
	mu sync.Mutex

	volts    map[Axis]float64
	min, max float64

	// History records every voltage commanded per axis, in order.  Tests
	// use it to verify motion sequencing.
	History map[Axis][]float64
}

// NewSimStage returns a stage parked mid-range on all axes
func NewSimStage() *SimStage {
	mid := (simMinVolt + simMaxVolt) / 2
	return &SimStage{
		volts:   map[Axis]float64{X: mid, Y: mid, Z: mid},
		min:     simMinVolt,
		max:     simMaxVolt,
		History: map[Axis][]float64{}}
}

// GetVoltage returns the current voltage on an axis
func (s *SimStage) GetVoltage(axis Axis) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volts[axis], nil
}

// SetVoltage stores a voltage on an axis, clamped to the stage range
func (s *SimStage) SetVoltage(axis Axis, volts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if volts < s.min {
		volts = s.min
	}
	if volts > s.max {
		volts = s.max
	}
	s.volts[axis] = volts
	s.History[axis] = append(s.History[axis], volts)
	return nil
}

// GetMinVoltage returns the lower limit of an axis
func (s *SimStage) GetMinVoltage(Axis) (float64, error) { return s.min, nil }

// GetMaxVoltage returns the upper limit of an axis
func (s *SimStage) GetMaxVoltage(Axis) (float64, error) { return s.max, nil }

// VoltsPerNM returns the displacement conversion of the simulated driver
func (s *SimStage) VoltsPerNM() float64 { return simVoltsPerNM }

// SimMeter adapts a closure into a PowerMeter.  Reads holds the number of
// times ReadPower was called.
type SimMeter struct {
	mu    sync.Mutex
	reads int

	// Read produces the next sample in dBm
	Read func() (float64, error)
}

// ReadPower returns the next sample from the closure
func (m *SimMeter) ReadPower() (float64, error) {
	m.mu.Lock()
	m.reads++
	m.mu.Unlock()
	return m.Read()
}

// Reads returns how many samples have been taken
func (m *SimMeter) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// LaserCall records the arguments of one enable or disable call
type LaserCall struct {
	Port         int
	WavelengthNM float64
	Power        float64
}

// SpyLaser is a LaserPort that records its calls.  EnableErr and
// DisableErr, when set, are returned to exercise failure paths.
type SpyLaser struct {
	mu sync.Mutex

	Enables  []LaserCall
	Disables []LaserCall

	EnableErr, DisableErr error
}

// EnableLaser records the call
func (l *SpyLaser) EnableLaser(port int, wavelengthNM, power float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.EnableErr != nil {
		return l.EnableErr
	}
	l.Enables = append(l.Enables, LaserCall{port, wavelengthNM, power})
	return nil
}

// DisableLaser records the call
func (l *SpyLaser) DisableLaser(port int, wavelengthNM, power float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.DisableErr != nil {
		return l.DisableErr
	}
	l.Disables = append(l.Disables, LaserCall{port, wavelengthNM, power})
	return nil
}

// Bench is a fully simulated alignment bench with a smooth power surface
// peaked at configurable stage voltages.  The surface is quadratic in dB
// (Gaussian in linear power), which is the shape of real fiber coupling
// near the peak.
type Bench struct {
	Left, Right *SimStage
	Laser       *SpyLaser

	// Peaks holds the voltage of maximum coupling per (stage, axis)
	Peaks StagePositions

	// PeakDBm is the power at perfect alignment
	PeakDBm float64

	// RolloffDBPerV2 is the dB lost per squared volt of misalignment
	RolloffDBPerV2 float64
}

// NewBench returns a bench peaked at the stages' mid-range park position.
// Move the peak by editing Peaks before running a session.
func NewBench() *Bench {
	mid := (simMinVolt + simMaxVolt) / 2
	peak := func() map[Axis]float64 {
		return map[Axis]float64{X: mid, Y: mid, Z: mid}
	}
	return &Bench{
		Left:           NewSimStage(),
		Right:          NewSimStage(),
		Laser:          &SpyLaser{},
		Peaks:          StagePositions{StageLeft: peak(), StageRight: peak()},
		PeakDBm:        -3,
		RolloffDBPerV2: 10}
}

// ReadPower computes the coupled power from the current stage positions
func (b *Bench) ReadPower() (float64, error) {
	p := b.PeakDBm
	for stage, sc := range map[Stage]*SimStage{StageLeft: b.Left, StageRight: b.Right} {
		for _, ax := range Axes {
			v, _ := sc.GetVoltage(ax)
			d := v - b.Peaks[stage][ax]
			p -= b.RolloffDBPerV2 * d * d
		}
	}
	return p, nil
}

// Engine returns an Engine wired to the simulated bench with no settling
// delays, suitable for tests and mock servers
func (b *Bench) Engine() *Engine {
	e := NewEngine(b.Left, b.Right, b, b.Laser)
	e.InterSampleDelay = 0
	return e
}
