package align

import "fmt"

// axesFor returns the axis ordering policy for a stage.  Butt coupling on
// the left stage captures on Z first; every other combination captures on
// Y.  X refines second in both cases.  This reflects the fiber/chip
// geometry of the bench and is fixed, not computed.
func axesFor(stage Stage, coupling Coupling) []Axis {
	if coupling == CouplingButt && stage == StageLeft {
		return []Axis{Z, X}
	}
	return []Axis{Y, X}
}

// alignStage runs the hill climb on each axis of one stage in policy order,
// checking cancellation between axes
func (e *Engine) alignStage(stage Stage, s AlignmentSettings, emit func(ProgressEvent)) error {
	for _, axis := range axesFor(stage, s.Coupling) {
		if e.isCancelled() {
			return nil
		}
		emit(ProgressEvent{Message: fmt.Sprintf("aligning %s stage axis %s", stage, axis), Power: PowerSentinel})
		if err := e.climbAxis(stage, axis, s, emit); err != nil {
			return err
		}
	}
	return nil
}

// climbAxis finds the local voltage maximizing power along one axis.  Both
// directions are explored from the best-known point, and the absolute
// maximum seen is tracked independently of the per-direction continuation
// threshold, so the true peak is retained even if a climb later regresses
// through noise.  Cancellation never errors; the axis is left at the best
// point found so far.
func (e *Engine) climbAxis(stage Stage, axis Axis, s AlignmentSettings, emit func(ProgressEvent)) error {
	sc := e.stage(stage)

	power, err := e.readPower(s.SamplesPerPoint)
	if err != nil {
		return err
	}
	maxV, err := sc.GetVoltage(axis)
	if err != nil {
		return err
	}
	maxP := power
	log.Debugf("starting %s/%s climb, %.3f dBm at %.3f V", stage, axis, maxP, maxV)

	for _, direction := range []float64{1, -1} {
		if e.isCancelled() {
			break
		}
		// explore this direction from the best-known point, not from
		// wherever the previous direction left off
		if err := sc.SetVoltage(axis, maxV); err != nil {
			return err
		}
		e.settle(s.Settle)
		powerToBeat, err := e.readPower(s.SamplesPerPoint)
		if err != nil {
			return err
		}
		for !e.isCancelled() {
			if err := moveNM(sc, axis, direction*s.StepNM); err != nil {
				return err
			}
			e.settle(s.Settle)
			p, err := e.readPower(s.SamplesPerPoint)
			if err != nil {
				return err
			}
			if e.isCancelled() {
				break
			}
			emit(ProgressEvent{Message: fmt.Sprintf("climbing %s stage axis %s", stage, axis), Power: p})

			// the absolute max is updated unconditionally; it is
			// independent of the continue-in-this-direction check below
			if p > maxP {
				maxP = p
				maxV, err = sc.GetVoltage(axis)
				if err != nil {
					return err
				}
				log.Debugf("new max %.3f dBm at %.3f V on %s/%s", maxP, maxV, stage, axis)
			}
			if p <= powerToBeat+s.ToleranceDB {
				break
			}
			powerToBeat = p
		}
	}

	// park on the absolute best position found
	if err := sc.SetVoltage(axis, maxV); err != nil {
		return err
	}
	e.settle(s.Settle)
	final, err := e.readPower(s.SamplesPerPoint)
	if err != nil {
		return err
	}
	log.Debugf("finished %s/%s climb at %.3f V, %.3f dBm", stage, axis, maxV, final)
	emit(ProgressEvent{
		Message:      fmt.Sprintf("finished %s stage axis %s, %.2f dBm", stage, axis, final),
		Power:        final,
		FinalForAxis: true})
	return nil
}
