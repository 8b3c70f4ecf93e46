package align

import (
	"fmt"
	"math"

	"github.com/photonlab/lumalign/util"
)

// StartMapping validates the settings and launches a 2D raster power
// mapping session on its own goroutine.  It returns a progress stream and
// a 1-deep result channel; both are closed when the session ends.
func (e *Engine) StartMapping(s MappingSettings) (<-chan MappingProgress, <-chan PowerMapResult, error) {
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, nil, ErrBusy
	}
	e.cancelled.Store(false)

	progress := make(chan MappingProgress, eventBuffer)
	result := make(chan PowerMapResult, 1)
	emit := func(p MappingProgress) {
		select {
		case progress <- p:
		default:
		}
	}
	go func() {
		defer e.running.Store(false)
		defer close(result)
		defer close(progress)
		result <- e.runMapping(s, emit)
	}()
	return progress, result, nil
}

// runMapping rasters one stage over the configured grid and measures power
// at each point.  Whatever happens, the stage returns to its pre-scan
// (x, y) position and the laser is disabled before the result is produced.
func (e *Engine) runMapping(s MappingSettings, emit func(MappingProgress)) (res PowerMapResult) {
	res.Status = StatusMapCancelled
	fail := func(err error) PowerMapResult {
		log.Errorf("mapping aborted: %v", err)
		res.Status = fmt.Sprintf("error during mapping: %v", err)
		return res
	}

	sc := e.stage(s.Stage)
	log.Infof("starting power map of %s stage, x [%d, %d] @ %d nm, y [%d, %d] @ %d nm",
		s.Stage, s.XMinNM, s.XMaxNM, s.XStepNM, s.YMinNM, s.YMaxNM, s.YStepNM)

	if err := e.laser.EnableLaser(s.Laser.Port, s.Laser.WavelengthNM, s.Laser.Power); err != nil {
		return fail(fmt.Errorf("enabling laser: %w", err))
	}
	defer func() {
		if err := e.laser.DisableLaser(s.Laser.Port, s.Laser.WavelengthNM, s.Laser.Power); err != nil {
			log.Warnf("disabling laser: %v", err)
		}
	}()
	e.settle(s.LaserWarmup)

	minX, err := sc.GetMinVoltage(X)
	if err != nil {
		return fail(err)
	}
	maxX, err := sc.GetMaxVoltage(X)
	if err != nil {
		return fail(err)
	}
	minY, err := sc.GetMinVoltage(Y)
	if err != nil {
		return fail(err)
	}
	maxY, err := sc.GetMaxVoltage(Y)
	if err != nil {
		return fail(err)
	}

	initX, err := sc.GetVoltage(X)
	if err != nil {
		return fail(err)
	}
	initY, err := sc.GetVoltage(Y)
	if err != nil {
		return fail(err)
	}
	// the stage always comes back to where the scan started
	defer func() {
		if err := sc.SetVoltage(X, initX); err != nil {
			log.Warnf("restoring x position: %v", err)
		}
		if err := sc.SetVoltage(Y, initY); err != nil {
			log.Warnf("restoring y position: %v", err)
		}
	}()

	var (
		vpn     = sc.VoltsPerNM()
		xOffs   = util.Arange(s.XMinNM, s.XMaxNM+1, s.XStepNM)
		yOffs   = util.Arange(s.YMinNM, s.YMaxNM+1, s.YStepNM)
		total   = len(xOffs) * len(yOffs)
		done    = 0
		gridDBm = make([][]float64, len(xOffs))
	)
	for i := range gridDBm {
		gridDBm[i] = make([]float64, len(yOffs))
	}

	for i, xOff := range xOffs {
		for j, yOff := range yOffs {
			if e.isCancelled() {
				log.Warn("mapping cancelled")
				return res
			}
			targetX := initX + float64(xOff)*vpn
			targetY := initY + float64(yOff)*vpn
			vx := util.Clamp(targetX, minX, maxX)
			vy := util.Clamp(targetY, minY, maxY)
			if math.Abs(vx-targetX) > 0.001 || math.Abs(vy-targetY) > 0.001 {
				log.Warnf("target voltage out of range, clamped (%.2f, %.2f) -> (%.2f, %.2f)",
					targetX, targetY, vx, vy)
			}
			if err := sc.SetVoltage(X, vx); err != nil {
				return fail(err)
			}
			if err := sc.SetVoltage(Y, vy); err != nil {
				return fail(err)
			}
			e.settle(s.Settle)
			p, err := e.readPower(s.SamplesPerPoint)
			if err != nil {
				return fail(err)
			}
			if e.isCancelled() {
				// an aborted average yields the sentinel, not data
				log.Warn("mapping cancelled")
				return res
			}
			gridDBm[i][j] = p

			done++
			emit(MappingProgress{
				Percent:     100 * done / total,
				PointsDone:  done,
				TotalPoints: total})
		}
	}

	// success: linear power units and micrometer coordinates
	res.XUM = nmToUM(xOffs)
	res.YUM = nmToUM(yOffs)
	res.Power = make([][]float64, len(xOffs))
	for i := range gridDBm {
		res.Power[i] = make([]float64, len(yOffs))
		for j := range gridDBm[i] {
			res.Power[i][j] = util.DBmToLinear(gridDBm[i][j])
		}
	}
	res.Status = StatusMapOK
	log.Infof("power map complete, %d points", total)
	return res
}

func nmToUM(nm []int) []float64 {
	out := make([]float64, len(nm))
	for i, v := range nm {
		out[i] = float64(v) / 1000
	}
	return out
}
