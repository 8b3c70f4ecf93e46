// Command aligncli runs one alignment session from the terminal and prints
// the result.  It talks to the bench hardware directly; use -mock to dry
// run against the simulated bench.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"

	"github.com/photonlab/lumalign/align"
	"github.com/photonlab/lumalign/thorlabs"
	"github.com/photonlab/lumalign/yenista"
)

func main() {
	var (
		mock       = flag.Bool("mock", false, "use the simulated bench instead of hardware")
		leftAddr   = flag.String("left", "/dev/ttyUSB0", "address of the left piezo driver")
		rightAddr  = flag.String("right", "/dev/ttyUSB1", "address of the right piezo driver")
		ctAddr     = flag.String("ct400", "/dev/ttyUSB2", "address of the CT400")
		tcp        = flag.Bool("tcp", false, "addresses are host:port instead of serial ports")
		spiral     = flag.Bool("spiral", false, "run a coarse spiral search before fine alignment")
		iterations = flag.Int("iterations", 1, "full left+right alignment passes")
		stepNM     = flag.Float64("step", 100, "hill climb step size, nm")
		samples    = flag.Int("samples", 1, "meter reads averaged per point")
		coupling   = flag.String("coupling", "butt", "coupling type, butt or top")
		wavelength = flag.Float64("wavelength", 1550, "laser wavelength, nm")
		power      = flag.Float64("power", 1, "laser power setpoint")
		port       = flag.Int("port", 1, "laser input port on the CT400, 1-4")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		// keep the spinner line clean
		logrus.SetLevel(logrus.ErrorLevel)
	}

	var (
		left, right align.StageController
		meter       align.PowerMeter
		laser       align.LaserPort
	)
	if *mock {
		bench := align.NewBench()
		// misalign the simulated bench so a dry run has work to do
		bench.Peaks[align.StageLeft][align.Z] += 1.5
		bench.Peaks[align.StageRight][align.Y] -= 1.0
		left, right, meter, laser = bench.Left, bench.Right, bench, bench.Laser
	} else {
		serial := !*tcp
		left = thorlabs.NewMDT693(*leftAddr, serial)
		right = thorlabs.NewMDT693(*rightAddr, serial)
		ct := yenista.NewCT400(*ctAddr, serial)
		meter, laser = ct, ct
	}

	settings := align.DefaultAlignmentSettings()
	settings.Iterations = *iterations
	settings.StepNM = *stepNM
	settings.SamplesPerPoint = *samples
	settings.Coupling = align.Coupling(*coupling)
	settings.Laser.WavelengthNM = *wavelength
	settings.Laser.Power = *power
	settings.Laser.Port = *port

	engine := align.NewEngine(left, right, meter, laser)
	var (
		events <-chan align.ProgressEvent
		result <-chan align.AlignmentResult
		err    error
	)
	if *spiral {
		events, result, err = engine.StartSpiralAlignment(settings, align.DefaultSpiralSettings())
	} else {
		events, result, err = engine.StartAlignment(settings)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not start alignment:", err)
		os.Exit(1)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " aligning",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"}})
	if err == nil {
		spinner.Start()
		for ev := range events {
			if ev.Power != align.PowerSentinel {
				spinner.Message(fmt.Sprintf("%s (%.2f dBm)", ev.Message, ev.Power))
			} else {
				spinner.Message(ev.Message)
			}
		}
		spinner.Stop()
	} else {
		for ev := range events {
			fmt.Println(ev.Message)
		}
	}

	res := <-result
	fmt.Println("status:", res.Status)
	if res.InitialPower != align.PowerSentinel {
		fmt.Printf("power: %.3f -> %.3f dBm\n", res.InitialPower, res.FinalPower)
	}
	for _, stage := range []align.Stage{align.StageLeft, align.StageRight} {
		if res.FinalPositions == nil {
			break
		}
		fmt.Printf("%s stage:", stage)
		for _, ax := range align.Axes {
			fmt.Printf("  %s=%.3fV", ax, res.FinalPositions[stage][ax])
		}
		fmt.Println()
	}
	if res.Status != align.StatusOK {
		os.Exit(1)
	}
}
