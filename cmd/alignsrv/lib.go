package main

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/photonlab/lumalign/align"
	"github.com/photonlab/lumalign/thorlabs"
	"github.com/photonlab/lumalign/yenista"
)

// DeviceSetup holds the connection parameters for one instrument
type DeviceSetup struct {
	// Addr holds the network or filesystem address of the device,
	// e.g. 192.168.100.123:2006 for a device behind a terminal server,
	// or /dev/ttyUSB0 for a local serial connection
	Addr string `yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial"`
}

// Config holds the initialization parameters of the alignment server
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock runs the server against the simulated bench instead of hardware
	Mock bool `yaml:"Mock"`

	// LeftStage and RightStage are the two piezo drivers
	LeftStage  DeviceSetup `yaml:"LeftStage"`
	RightStage DeviceSetup `yaml:"RightStage"`

	// CT400 is the component tester providing power feedback and laser control
	CT400 DeviceSetup `yaml:"CT400"`

	// Detector is the CT400 detector channel that closes the loop, 1-4
	Detector int `yaml:"Detector"`

	// PowerUnit is mW or dBm, the unit laser setpoints are expressed in
	PowerUnit string `yaml:"PowerUnit"`
}

// BuildMux assembles the engine and the chi router serving it
func BuildMux(c Config) chi.Router {
	var (
		left, right align.StageController
		meter       align.PowerMeter
		laser       align.LaserPort
	)
	if c.Mock {
		bench := align.NewBench()
		left, right = bench.Left, bench.Right
		meter = bench
		laser = bench.Laser
	} else {
		left = thorlabs.NewMDT693(c.LeftStage.Addr, c.LeftStage.Serial)
		right = thorlabs.NewMDT693(c.RightStage.Addr, c.RightStage.Serial)
		ct := yenista.NewCT400(c.CT400.Addr, c.CT400.Serial)
		if c.Detector != 0 {
			ct.Detector = c.Detector
		}
		if c.PowerUnit != "" {
			ct.Unit = align.PowerUnit(c.PowerUnit)
		}
		meter = ct
		laser = ct
	}

	engine := align.NewEngine(left, right, meter, laser)
	wrapper := align.NewHTTPWrapper(engine, meter)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Route("/align-engine", func(r chi.Router) {
		wrapper.Bind(r)
	})
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return root
}
