package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "alignsrv.yml"
	k              = koanf.New(".")

	log = logrus.WithField("comp", "alignsrv")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:      ":8000",
		Detector:  1,
		PowerUnit: "mW"}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `alignsrv drives the free-space alignment bench and exposes an HTTP interface
to it.  Two 3-axis piezo stages and a CT400 component tester are controlled
to maximize coupled optical power; clients start alignment, spiral search,
and power mapping sessions over HTTP and stream progress back.

Usage:
	alignsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `alignsrv is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

With no configuration the server starts with empty device addresses; use
Mock: true to run against the simulated bench, which needs no hardware.

Configuration keys:
- Addr        address to listen at, e.g. :8000
- Mock        true => simulated bench, no hardware required
- LeftStage   Addr + Serial for the left piezo driver
- RightStage  Addr + Serial for the right piezo driver
- CT400       Addr + Serial for the component tester
- Detector    CT400 detector channel closing the loop (1-4)
- PowerUnit   unit of laser power setpoints, mW or dBm

Routes are served under /align-engine, see GET /align-engine/status.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("alignsrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	mux := BuildMux(c)
	log.Infof("now listening for requests at %s", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
