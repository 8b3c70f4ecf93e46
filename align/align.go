/*Package align implements closed-loop optical alignment of a two-stage
photonics bench.

The package drives two 3-axis piezo stages against a scalar power meter to
maximize coupled optical power.  It contains the search algorithms (single
axis hill climbing, expanding spiral coarse search, 2D raster power mapping)
and the session orchestration around them (laser bracketing, progress
reporting, cooperative cancellation).

Hardware enters through three narrow interfaces: StageController,
PowerMeter, and LaserPort.  Production adapters live in the thorlabs and
yenista packages; a deterministic simulated bench lives in sim.go.

Sessions run on their own goroutine.  Within a session all hardware
operations are strictly sequential; both stages share one optical path and
one power meter channel, so left and right must never move concurrently.
Only one session may run at a time against an Engine; Start methods return
ErrBusy otherwise.
*/
package align

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("comp", "align")

// PowerSentinel is the value reported in place of a power reading when a
// session was cancelled or a reading was never taken.  It must never be
// compared against genuine measurements.
const PowerSentinel = -999.0

// Stage identifies one of the two piezo stages on the bench
type Stage string

// the two stages
const (
	StageLeft  Stage = "left"
	StageRight Stage = "right"
)

// Axis is one actuation axis of a stage
type Axis string

// the three axes of each stage
const (
	X Axis = "x"
	Y Axis = "y"
	Z Axis = "z"
)

// Axes lists all axes of a stage in conventional order
var Axes = []Axis{X, Y, Z}

// Coupling is the physical geometry of light injection, which determines
// the axis ordering used during alignment
type Coupling string

// supported coupling geometries
const (
	CouplingButt Coupling = "butt"
	CouplingTop  Coupling = "top"
)

// PowerUnit is the unit a laser output power setpoint is expressed in
type PowerUnit string

// supported power units
const (
	UnitMW  PowerUnit = "mW"
	UnitDBm PowerUnit = "dBm"
)

var (
	// ErrBusy is returned by Start methods while another session is running
	ErrBusy = errors.New("a session is already running on this engine")
)

// StageController is a 3-axis voltage-controlled actuator.  SetVoltage must
// clamp to the device range and treat clamping as a loggable, non-fatal
// condition.  Implementations are owned by the application and shared
// across many sessions.
type StageController interface {
	// GetVoltage returns the current voltage on an axis
	GetVoltage(axis Axis) (float64, error)

	// SetVoltage commands a voltage on an axis, clamping to the device range
	SetVoltage(axis Axis, volts float64) error

	// GetMinVoltage returns the lower voltage limit of an axis
	GetMinVoltage(axis Axis) (float64, error)

	// GetMaxVoltage returns the upper voltage limit of an axis
	GetMaxVoltage(axis Axis) (float64, error)

	// VoltsPerNM is the fixed conversion between displacement and voltage
	VoltsPerNM() float64
}

// PowerMeter is a scalar optical power source.  Readings are in dBm.
// Averaging and cancellation-aware multi-sampling live in the Engine, not
// in implementations.
type PowerMeter interface {
	ReadPower() (float64, error)
}

// LaserPort controls the laser feeding the bench.  Enable and Disable are
// required bracketing calls around any session that measures power.
type LaserPort interface {
	EnableLaser(port int, wavelengthNM, power float64) error
	DisableLaser(port int, wavelengthNM, power float64) error
}

// LaserSettings configures the source for one session
type LaserSettings struct {
	// Port is the laser input port on the component tester, 1-4
	Port int `json:"port"`

	// WavelengthNM is the operating wavelength in nanometers
	WavelengthNM float64 `json:"wavelength_nm"`

	// Power is the output power setpoint, in Unit
	Power float64 `json:"power"`

	// Unit is mW or dBm
	Unit PowerUnit `json:"unit"`
}

// AlignmentSettings holds all parameters for an alignment session.  It is
// immutable for the duration of one session.
type AlignmentSettings struct {
	Laser LaserSettings `json:"laser"`

	// Iterations is the number of full left+right alignment passes
	Iterations int `json:"iterations"`

	// StepNM is the hill climb step size in nanometers
	StepNM float64 `json:"step_nm"`

	// SamplesPerPoint is the number of meter reads averaged per measurement
	SamplesPerPoint int `json:"samples_per_point"`

	// Coupling selects the axis ordering policy
	Coupling Coupling `json:"coupling_type"`

	// Settle is the post-move delay before a measurement is trusted
	Settle time.Duration `json:"-"`

	// LaserWarmup is the delay after enabling the laser
	LaserWarmup time.Duration `json:"-"`

	// ToleranceDB is the minimum improvement to keep climbing in a
	// direction; it exists to avoid stepping forever on noise
	ToleranceDB float64 `json:"tolerance_db"`
}

// DefaultAlignmentSettings returns settings with the empirically chosen
// defaults used on the bench.  The tolerance and timing values are not
// known to be optimal for all hardware.
func DefaultAlignmentSettings() AlignmentSettings {
	return AlignmentSettings{
		Laser:           LaserSettings{Port: 1, WavelengthNM: 1550, Power: 1, Unit: UnitMW},
		Iterations:      1,
		StepNM:          100,
		SamplesPerPoint: 1,
		Coupling:        CouplingButt,
		Settle:          100 * time.Millisecond,
		LaserWarmup:     200 * time.Millisecond,
		ToleranceDB:     0.005}
}

// Validate rejects settings that would fail mid-run
func (s AlignmentSettings) Validate() error {
	if s.Iterations < 1 {
		return fmt.Errorf("iterations must be >= 1, got %d", s.Iterations)
	}
	if s.StepNM <= 0 {
		return fmt.Errorf("step size must be positive, got %f nm", s.StepNM)
	}
	if s.SamplesPerPoint < 1 {
		return fmt.Errorf("samples per point must be >= 1, got %d", s.SamplesPerPoint)
	}
	if s.Coupling != CouplingButt && s.Coupling != CouplingTop {
		return fmt.Errorf("coupling type must be %q or %q, got %q", CouplingButt, CouplingTop, s.Coupling)
	}
	if s.ToleranceDB < 0 {
		return fmt.Errorf("tolerance must be non-negative, got %f dB", s.ToleranceDB)
	}
	return s.Laser.validate()
}

func (l LaserSettings) validate() error {
	if l.Port < 1 || l.Port > 4 {
		return fmt.Errorf("laser input port must be 1-4, got %d", l.Port)
	}
	if l.WavelengthNM <= 0 {
		return fmt.Errorf("wavelength must be positive, got %f nm", l.WavelengthNM)
	}
	if l.Unit != UnitMW && l.Unit != UnitDBm {
		return fmt.Errorf("power unit must be %q or %q, got %q", UnitMW, UnitDBm, l.Unit)
	}
	return nil
}

// SpiralSettings holds the parameters of a coarse spiral search phase
type SpiralSettings struct {
	// RadiusUM is the maximum search radius in micrometers
	RadiusUM float64 `json:"radius_um"`

	// StepUM is the approximate point-to-point arc length in micrometers
	StepUM float64 `json:"step_um"`

	// Settle is the post-move delay; shorter than fine alignment because
	// the coarse phase trades precision for speed
	Settle time.Duration `json:"-"`
}

// DefaultSpiralSettings returns the defaults used on the bench
func DefaultSpiralSettings() SpiralSettings {
	return SpiralSettings{RadiusUM: 5, StepUM: 0.5, Settle: 50 * time.Millisecond}
}

// Validate rejects settings that would fail mid-run
func (s SpiralSettings) Validate() error {
	if s.RadiusUM <= 0 {
		return fmt.Errorf("search radius must be positive, got %f um", s.RadiusUM)
	}
	if s.StepUM <= 0 {
		return fmt.Errorf("spiral step must be positive, got %f um", s.StepUM)
	}
	return nil
}

// MappingSettings holds all parameters for a 2D power mapping session
type MappingSettings struct {
	Laser LaserSettings `json:"laser"`

	// Stage selects which stage to raster
	Stage Stage `json:"stage"`

	// raster bounds and step, integer nanometer offsets from the current
	// position, inclusive of the max when it falls on the grid
	XMinNM  int `json:"x_min_nm"`
	XMaxNM  int `json:"x_max_nm"`
	XStepNM int `json:"x_step_nm"`
	YMinNM  int `json:"y_min_nm"`
	YMaxNM  int `json:"y_max_nm"`
	YStepNM int `json:"y_step_nm"`

	// SamplesPerPoint is the number of meter reads averaged per grid point
	SamplesPerPoint int `json:"samples_per_point"`

	// Settle is the post-move delay before a grid point is measured
	Settle time.Duration `json:"-"`

	// LaserWarmup is the delay after enabling the laser
	LaserWarmup time.Duration `json:"-"`
}

// DefaultMappingSettings returns the defaults used on the bench
func DefaultMappingSettings() MappingSettings {
	return MappingSettings{
		Laser:           LaserSettings{Port: 1, WavelengthNM: 1550, Power: 1, Unit: UnitMW},
		Stage:           StageLeft,
		XMinNM:          -1000,
		XMaxNM:          1000,
		XStepNM:         100,
		YMinNM:          -1000,
		YMaxNM:          1000,
		YStepNM:         100,
		SamplesPerPoint: 1,
		Settle:          50 * time.Millisecond,
		LaserWarmup:     200 * time.Millisecond}
}

// Validate rejects settings that would fail mid-run
func (s MappingSettings) Validate() error {
	if s.Stage != StageLeft && s.Stage != StageRight {
		return fmt.Errorf("stage must be %q or %q, got %q", StageLeft, StageRight, s.Stage)
	}
	if s.XStepNM <= 0 || s.YStepNM <= 0 {
		return fmt.Errorf("raster steps must be positive, got x=%d y=%d nm", s.XStepNM, s.YStepNM)
	}
	if s.XMinNM >= s.XMaxNM {
		return fmt.Errorf("x bounds inverted or empty: [%d, %d] nm", s.XMinNM, s.XMaxNM)
	}
	if s.YMinNM >= s.YMaxNM {
		return fmt.Errorf("y bounds inverted or empty: [%d, %d] nm", s.YMinNM, s.YMaxNM)
	}
	if s.SamplesPerPoint < 1 {
		return fmt.Errorf("samples per point must be >= 1, got %d", s.SamplesPerPoint)
	}
	return s.Laser.validate()
}

// StagePositions holds one voltage per (stage, axis)
type StagePositions map[Stage]map[Axis]float64

// ProgressEvent is emitted as a session advances.  Power is PowerSentinel
// for purely informational messages.
type ProgressEvent struct {
	Message string  `json:"message"`
	Power   float64 `json:"power"`

	// FinalForAxis marks the wrap-up reading after one axis finishes climbing
	FinalForAxis bool `json:"final_for_axis"`
}

// MappingProgress is emitted once per measured grid point
type MappingProgress struct {
	Percent     int `json:"percent"`
	PointsDone  int `json:"points_done"`
	TotalPoints int `json:"total_points"`
}

// AlignmentResult is the terminal report of an alignment session.  Nil
// position maps indicate cancellation (or failure) before measurement.
type AlignmentResult struct {
	Status           string         `json:"status"`
	InitialPower     float64        `json:"initial_power"`
	FinalPower       float64        `json:"final_power"`
	InitialPositions StagePositions `json:"initial_positions,omitempty"`
	FinalPositions   StagePositions `json:"final_positions,omitempty"`
}

// PowerMapResult is the terminal report of a mapping session.  On success,
// Power holds linear power (mW) with rows following XUM, and the coordinate
// slices are micrometer offsets from the pre-scan position.
type PowerMapResult struct {
	Status string      `json:"status"`
	XUM    []float64   `json:"x_um,omitempty"`
	YUM    []float64   `json:"y_um,omitempty"`
	Power  [][]float64 `json:"power,omitempty"`
}

// session status strings
const (
	StatusOK        = "alignment successful"
	StatusCancelled = "alignment cancelled"

	StatusMapOK        = "mapping successful"
	StatusMapCancelled = "mapping cancelled"
)

// Engine owns no hardware; it borrows the two stages, the meter and the
// laser from the surrounding application and runs sessions against them.
type Engine struct {
	left, right StageController
	meter       PowerMeter
	laser       LaserPort

	// InterSampleDelay is the pause between the reads of a multi-sample
	// average
	InterSampleDelay time.Duration

	cancelled atomic.Bool
	running   atomic.Bool
}

// NewEngine returns an Engine driving the given hardware
func NewEngine(left, right StageController, meter PowerMeter, laser LaserPort) *Engine {
	return &Engine{
		left:             left,
		right:            right,
		meter:            meter,
		laser:            laser,
		InterSampleDelay: 20 * time.Millisecond}
}

// Cancel requests cooperative cancellation of the running session.  It is
// idempotent and safe to call from any goroutine at any time; calling it
// with no session running is a no-op.
func (e *Engine) Cancel() {
	if e.running.Load() {
		log.Info("cancellation requested")
	}
	e.cancelled.Store(true)
}

// Running returns true while a session is in flight
func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) isCancelled() bool {
	return e.cancelled.Load()
}

func (e *Engine) stage(s Stage) StageController {
	if s == StageLeft {
		return e.left
	}
	return e.right
}

// readPower reads the meter, averaging samples consecutive reads with
// InterSampleDelay between them.  If cancellation fires mid-average the
// partial average is discarded and PowerSentinel is returned immediately.
func (e *Engine) readPower(samples int) (float64, error) {
	if samples <= 1 {
		return e.meter.ReadPower()
	}
	var sum float64
	for i := 0; i < samples; i++ {
		if e.isCancelled() {
			return PowerSentinel, nil
		}
		p, err := e.meter.ReadPower()
		if err != nil {
			return 0, err
		}
		sum += p
		if i != samples-1 {
			time.Sleep(e.InterSampleDelay)
		}
	}
	return sum / float64(samples), nil
}

// settle sleeps for the post-move settling period
func (e *Engine) settle(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// moveNM moves an axis by a physical displacement, expressed through the
// stage's fixed volts-per-nanometer conversion
func moveNM(sc StageController, axis Axis, distanceNM float64) error {
	v, err := sc.GetVoltage(axis)
	if err != nil {
		return err
	}
	return sc.SetVoltage(axis, v+distanceNM*sc.VoltsPerNM())
}

// positions snapshots the voltages of all six (stage, axis) pairs
func (e *Engine) positions() (StagePositions, error) {
	out := StagePositions{}
	for _, st := range []Stage{StageLeft, StageRight} {
		sc := e.stage(st)
		m := map[Axis]float64{}
		for _, ax := range Axes {
			v, err := sc.GetVoltage(ax)
			if err != nil {
				return nil, err
			}
			m[ax] = v
		}
		out[st] = m
	}
	return out, nil
}
