// Package thorlabs provides Go interfaces to Thorlabs bench equipment
package thorlabs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"

	"github.com/photonlab/lumalign/align"
	"github.com/photonlab/lumalign/comm"
	"github.com/photonlab/lumalign/util"
)

var log = logrus.WithField("comp", "thorlabs")

// MDTVoltsPerNM is the displacement conversion of the MDT693 open-loop
// driver with the bench's stacks, determined empirically
const MDTVoltsPerNM = 0.0037

// makeSerConf makes a serial.Config with the correct baud etc. for the MDT693
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Second}
}

// MDT693 is a Thorlabs MDT693-series 3-axis open-loop piezo driver.  It
// satisfies align.StageController.  Voltage writes are clamped to the
// device-reported range; clamping is logged and non-fatal.
type MDT693 struct {
	*comm.RemoteDevice

	// cached limits, the driver's range does not change while powered
	min, max map[align.Axis]float64
}

// NewMDT693 returns a fully configured driver.  addr is a serial port
// name when serial is true, else a host:port for a terminal server.
func NewMDT693(addr string, isSerial bool) *MDT693 {
	terms := comm.Terminators{Rx: '\r', Tx: '\r'}
	rd := comm.NewRemoteDevice(addr, isSerial, &terms, makeSerConf(addr))
	return &MDT693{
		RemoteDevice: &rd,
		min:          map[align.Axis]float64{},
		max:          map[align.Axis]float64{}}
}

func (m *MDT693) writeOnlyBus(cmd string) error {
	m.Lock()
	defer func() {
		m.Unlock()
		m.CloseEventually()
	}()
	err := m.Open()
	if err != nil {
		return err
	}
	return m.Send([]byte(cmd))
}

func (m *MDT693) readFloat(cmd string) (float64, error) {
	resp, err := m.OpenSendRecvClose([]byte(cmd))
	if err != nil {
		return 0, err
	}
	str := strings.TrimSpace(string(resp))
	// the driver brackets replies, e.g. "[ 37.50]"
	str = strings.Trim(str, "[] ")
	if str == "" {
		return 0, fmt.Errorf("blank response to %q, is the axis label correct", cmd)
	}
	return strconv.ParseFloat(str, 64)
}

// GetVoltage returns the commanded voltage on an axis
func (m *MDT693) GetVoltage(axis align.Axis) (float64, error) {
	return m.readFloat(strings.ToUpper(string(axis)) + "V?")
}

// SetVoltage commands a voltage on an axis, clamped to the driver range
func (m *MDT693) SetVoltage(axis align.Axis, volts float64) error {
	min, err := m.GetMinVoltage(axis)
	if err != nil {
		return err
	}
	max, err := m.GetMaxVoltage(axis)
	if err != nil {
		return err
	}
	clamped := util.Clamp(volts, min, max)
	if clamped != volts {
		log.Warnf("voltage for axis %s out of range, commanded %.3f V, clamped to %.3f V", axis, volts, clamped)
	}
	v := strconv.FormatFloat(clamped, 'f', 3, 64)
	return m.writeOnlyBus(strings.ToUpper(string(axis)) + "V" + v)
}

// GetMinVoltage returns the lower voltage limit of an axis
func (m *MDT693) GetMinVoltage(axis align.Axis) (float64, error) {
	if v, ok := m.min[axis]; ok {
		return v, nil
	}
	v, err := m.readFloat(strings.ToUpper(string(axis)) + "L?")
	if err == nil {
		m.min[axis] = v
	}
	return v, err
}

// GetMaxVoltage returns the upper voltage limit of an axis
func (m *MDT693) GetMaxVoltage(axis align.Axis) (float64, error) {
	if v, ok := m.max[axis]; ok {
		return v, nil
	}
	v, err := m.readFloat(strings.ToUpper(string(axis)) + "H?")
	if err == nil {
		m.max[axis] = v
	}
	return v, err
}

// VoltsPerNM returns the fixed displacement conversion of the driver
func (m *MDT693) VoltsPerNM() float64 {
	return MDTVoltsPerNM
}

// ID queries the driver identification string
func (m *MDT693) ID() (string, error) {
	resp, err := m.OpenSendRecvClose([]byte("I"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp)), nil
}
