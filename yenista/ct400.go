// Package yenista provides a Go interface to Yenista/EXFO CT400 component
// testers.  The bench uses the CT400 for two things: the detector that
// closes the alignment loop, and the switched laser inputs that feed light
// onto the bench.
package yenista

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/photonlab/lumalign/align"
	"github.com/photonlab/lumalign/comm"
)

var log = logrus.WithField("comp", "yenista")

// detector channels on the CT400
const (
	DetectorOut = 0
	Detector1   = 1
	Detector2   = 2
	Detector3   = 3
	Detector4   = 4
)

var dataOrder = binary.LittleEndian

// makeSerConf makes a serial.Config with the correct baud etc. for the CT400
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Second}
}

// CT400 is a Yenista CT400 component tester.  It satisfies
// align.PowerMeter (detector 1) and align.LaserPort.
type CT400 struct {
	*comm.RemoteDevice

	// Detector is the detector channel that feeds ReadPower, 1-4
	Detector int

	// Unit is the unit laser power setpoints are expressed in
	Unit align.PowerUnit
}

// NewCT400 returns a fully configured CT400.  addr is a serial port name
// when isSerial is true, else host:port.
func NewCT400(addr string, isSerial bool) *CT400 {
	terms := comm.Terminators{Rx: etx, Tx: etx}
	rd := comm.NewRemoteDevice(addr, isSerial, &terms, makeSerConf(addr))
	return &CT400{
		RemoteDevice: &rd,
		Detector:     Detector1,
		Unit:         align.UnitMW}
}

func (c *CT400) transact(op byte, payload []byte) ([]byte, error) {
	c.Lock()
	defer func() {
		c.Unlock()
		c.CloseEventually()
	}()
	err := c.Open()
	if err != nil {
		return nil, err
	}
	resp, err := c.SendRecv(makeFrame(op, payload))
	if err != nil {
		return nil, err
	}
	status, data, err := decodeFrame(resp)
	if err != nil {
		return nil, err
	}
	if status != ackOK {
		return nil, fmt.Errorf("CT400 rejected opcode %#x with status %#x", op, status)
	}
	return data, nil
}

// ReadDetector reads the instantaneous power on one detector channel, dBm
func (c *CT400) ReadDetector(det int) (float64, error) {
	data, err := c.transact(opReadPower, []byte{byte(det)})
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("expected 8 byte power reply, got %d", len(data))
	}
	return math.Float64frombits(dataOrder.Uint64(data)), nil
}

// ReadPower reads the configured detector, satisfying align.PowerMeter
func (c *CT400) ReadPower() (float64, error) {
	return c.ReadDetector(c.Detector)
}

func laserPayload(port int, wavelengthNM, power float64, unit align.PowerUnit) []byte {
	buf := make([]byte, 18)
	buf[0] = byte(port)
	dataOrder.PutUint64(buf[1:9], math.Float64bits(wavelengthNM))
	dataOrder.PutUint64(buf[9:17], math.Float64bits(power))
	if unit == align.UnitDBm {
		buf[17] = 1
	}
	return buf
}

// EnableLaser switches a laser input on at the given wavelength and power
func (c *CT400) EnableLaser(port int, wavelengthNM, power float64) error {
	log.Infof("enabling laser input %d, %.1f nm, %g %s", port, wavelengthNM, power, c.Unit)
	_, err := c.transact(opLaserOn, laserPayload(port, wavelengthNM, power, c.Unit))
	return err
}

// DisableLaser switches a laser input off
func (c *CT400) DisableLaser(port int, wavelengthNM, power float64) error {
	log.Infof("disabling laser input %d", port)
	_, err := c.transact(opLaserOff, laserPayload(port, wavelengthNM, power, c.Unit))
	return err
}

// ID queries the instrument identification string
func (c *CT400) ID() (string, error) {
	data, err := c.transact(opIdentify, nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
