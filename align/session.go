package align

import "fmt"

// buffer depth for progress channels; sends never block, a slow consumer
// loses intermediate events rather than stalling hardware
const eventBuffer = 64

// StartAlignment validates the settings and launches a full alignment
// session on its own goroutine.  It returns a progress stream and a
// 1-deep result channel; both are closed when the session ends.
func (e *Engine) StartAlignment(s AlignmentSettings) (<-chan ProgressEvent, <-chan AlignmentResult, error) {
	return e.startAlignment(s, nil)
}

// StartSpiralAlignment is StartAlignment preceded by a coarse spiral
// search on each stage.  It follows the same bracketing and reporting
// contract.
func (e *Engine) StartSpiralAlignment(s AlignmentSettings, sp SpiralSettings) (<-chan ProgressEvent, <-chan AlignmentResult, error) {
	if err := sp.Validate(); err != nil {
		return nil, nil, err
	}
	return e.startAlignment(s, &sp)
}

func (e *Engine) startAlignment(s AlignmentSettings, sp *SpiralSettings) (<-chan ProgressEvent, <-chan AlignmentResult, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, nil, ErrBusy
	}
	e.cancelled.Store(false)

	events := make(chan ProgressEvent, eventBuffer)
	result := make(chan AlignmentResult, 1)
	emit := func(ev ProgressEvent) {
		select {
		case events <- ev:
		default:
		}
	}
	go func() {
		defer e.running.Store(false)
		defer close(result)
		defer close(events)
		result <- e.runAlignment(s, sp, emit)
	}()
	return events, result, nil
}

// runAlignment performs one full session: laser on, coarse search if
// requested, per-axis fine alignment over the configured iterations, laser
// off.  The laser disable always executes once enablement succeeded,
// whether the session succeeds, cancels, or fails.
func (e *Engine) runAlignment(s AlignmentSettings, sp *SpiralSettings, emit func(ProgressEvent)) AlignmentResult {
	res := AlignmentResult{
		Status:       StatusCancelled,
		InitialPower: PowerSentinel,
		FinalPower:   PowerSentinel}
	fail := func(err error) AlignmentResult {
		log.Errorf("alignment aborted: %v", err)
		res.Status = fmt.Sprintf("error during alignment: %v", err)
		return res
	}

	log.Infof("starting alignment: %d iteration(s), %g nm step, %s coupling", s.Iterations, s.StepNM, s.Coupling)
	if err := e.laser.EnableLaser(s.Laser.Port, s.Laser.WavelengthNM, s.Laser.Power); err != nil {
		return fail(fmt.Errorf("enabling laser: %w", err))
	}
	defer func() {
		// cleanup must not mask the session outcome; secondary failures
		// are logged and dropped
		if err := e.laser.DisableLaser(s.Laser.Port, s.Laser.WavelengthNM, s.Laser.Power); err != nil {
			log.Warnf("disabling laser: %v", err)
		}
	}()
	e.settle(s.LaserWarmup)

	if e.isCancelled() {
		return res
	}
	initPos, err := e.positions()
	if err != nil {
		return fail(err)
	}
	initPower, err := e.readPower(s.SamplesPerPoint)
	if err != nil {
		return fail(err)
	}
	if e.isCancelled() {
		return res
	}
	res.InitialPositions = initPos
	res.InitialPower = initPower

	if sp != nil {
		for _, stage := range []Stage{StageLeft, StageRight} {
			if e.isCancelled() {
				return res
			}
			if err := e.spiralSearch(stage, s, *sp, emit); err != nil {
				return fail(err)
			}
		}
	}

	for i := 1; i <= s.Iterations; i++ {
		for _, stage := range []Stage{StageLeft, StageRight} {
			if e.isCancelled() {
				return res
			}
			emit(ProgressEvent{
				Message: fmt.Sprintf("iteration %d/%d: aligning %s stage", i, s.Iterations, stage),
				Power:   PowerSentinel})
			if err := e.alignStage(stage, s, emit); err != nil {
				return fail(err)
			}
		}
	}

	finalPos, err := e.positions()
	if err != nil {
		return fail(err)
	}
	finalPower, err := e.readPower(s.SamplesPerPoint)
	if err != nil {
		return fail(err)
	}
	res.FinalPositions = finalPos
	res.FinalPower = finalPower
	if e.isCancelled() {
		log.Warn("alignment cancelled")
		return res
	}
	res.Status = StatusOK
	log.Infof("alignment finished, %.3f -> %.3f dBm", initPower, finalPower)
	return res
}
