package align

import (
	"fmt"
	"math"

	"github.com/photonlab/lumalign/util"
)

// spiralSearch walks an Archimedean spiral in the (x, y) plane of one
// stage, centered on the current position, and leaves the stage at the
// best (x, y) seen.  It is a coarse phase run before fine hill climbing,
// because hill climbing alone can get stuck on a local maximum far from
// the true coupling peak.
//
// The spiral advances so that the point-to-point arc length stays roughly
// constant at StepUM; at the origin, where the arc rule would divide by
// zero, theta advances by pi/4 instead.  The walk terminates once the
// radius exceeds RadiusUM or cancellation is requested.
func (e *Engine) spiralSearch(stage Stage, s AlignmentSettings, sp SpiralSettings, emit func(ProgressEvent)) error {
	var (
		sc      = e.stage(stage)
		vpn     = sc.VoltsPerNM()
		stepNM  = sp.StepUM * 1000
		limitNM = sp.RadiusUM * 1000
	)

	centerX, err := sc.GetVoltage(X)
	if err != nil {
		return err
	}
	centerY, err := sc.GetVoltage(Y)
	if err != nil {
		return err
	}
	minX, err := sc.GetMinVoltage(X)
	if err != nil {
		return err
	}
	maxX, err := sc.GetMaxVoltage(X)
	if err != nil {
		return err
	}
	minY, err := sc.GetMinVoltage(Y)
	if err != nil {
		return err
	}
	maxY, err := sc.GetMaxVoltage(Y)
	if err != nil {
		return err
	}

	emit(ProgressEvent{Message: fmt.Sprintf("spiral search on %s stage", stage), Power: PowerSentinel})

	var (
		radius, theta float64
		bestP         = math.Inf(-1)
		bestX         = centerX
		bestY         = centerY
	)
	for radius <= limitNM {
		if e.isCancelled() {
			break
		}
		vx := util.Clamp(centerX+radius*math.Cos(theta)*vpn, minX, maxX)
		vy := util.Clamp(centerY+radius*math.Sin(theta)*vpn, minY, maxY)
		if err := sc.SetVoltage(X, vx); err != nil {
			return err
		}
		if err := sc.SetVoltage(Y, vy); err != nil {
			return err
		}
		e.settle(sp.Settle)
		p, err := e.readPower(s.SamplesPerPoint)
		if err != nil {
			return err
		}
		if e.isCancelled() {
			break
		}
		if p > bestP {
			bestP = p
			bestX = vx
			bestY = vy
		}
		emit(ProgressEvent{Message: fmt.Sprintf("spiral %s stage r=%.0f nm", stage, radius), Power: p})

		if radius > 0 {
			theta += stepNM / radius
		} else {
			theta += math.Pi / 4
		}
		radius = stepNM * theta / (2 * math.Pi)
	}

	// park on the best point seen, even when cancelled mid-walk
	if err := sc.SetVoltage(X, bestX); err != nil {
		return err
	}
	if err := sc.SetVoltage(Y, bestY); err != nil {
		return err
	}
	e.settle(sp.Settle)
	if !math.IsInf(bestP, -1) {
		log.Debugf("spiral on %s stage best %.3f dBm at (%.3f, %.3f) V", stage, bestP, bestX, bestY)
	}
	return nil
}
