/*Package comm provides an embeddable remote device type for communication
with lab hardware over TCP or serial.

Most usages of this package boil down to:
	1.  embed RemoteDevice in a type that represents your hardware.
	2.  pass the right Terminators for the device's protocol, or nil if it
		frames its own messages.
	3.  write methods on top of Send/Recv/SendRecv that speak the device's
		command language.

The device serializes access through Lock/Unlock and keeps its connection
open for a short while after use (CloseEventually) so that bursts of
commands do not thrash the connection.  Some instruments, notably laser
mainframes, misbehave when connections are opened and closed rapidly.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when no serial config was given and IsSerial=true
	ErrNoSerialConf = errors.New("device is serial but no serial config was provided")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the Rx and Tx terminator bytes for a device's protocol
type Terminators struct {
	Rx, Tx byte
}

// Sender has a Send method that passes along a byte slice
type Sender interface {
	Send([]byte) error
}

// Recver has a Recv method that gets a byte slice
type Recver interface {
	Recv() ([]byte, error)
}

// SendRecver can send and receive, and provides a method that sends then receives
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	SendRecver

	Open() error
}

/*RemoteDevice has an address and implements Communicator.

The zero value is not usable; create instances with NewRemoteDevice.
Concurrent users must bracket multi-message transactions with Lock/Unlock.
*/
type RemoteDevice struct {
	sync.Mutex

	// Addr is the remote address, host:port for TCP or the port name for serial
	Addr string

	// IsSerial selects serial (RS232/USB-serial) over TCP
	IsSerial bool

	// Timeout is the communication timeout applied to connects, reads and writes
	Timeout time.Duration

	// Conn is the underlying connection, nil when closed
	Conn io.ReadWriteCloser

	terms   *Terminators
	serConf *serial.Config

	closeTimer *time.Timer
}

// NewRemoteDevice creates a new RemoteDevice instance.  terms may be nil for
// devices that frame their own messages, serConf may be nil for TCP devices.
func NewRemoteDevice(addr string, isSerial bool, terms *Terminators, serConf *serial.Config) RemoteDevice {
	return RemoteDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Timeout:  3 * time.Second,
		terms:    terms,
		serConf:  serConf}
}

// Open the connection, setting the Conn variable.  A no-op if the connection
// is already open.
func (rd *RemoteDevice) Open() error {
	if rd.Conn != nil {
		return nil
	}
	// we use an exponential backoff; some remotes (notably laser mainframes)
	// do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}

	// backoff will cease on a timeout so we don't wait
	// forever, so we need to check for err != nil && !wasTimeout
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", rd.Addr)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.IsSerial {
		if rd.serConf == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.serConf)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
	}
	return err
}

// CloseEventually closes the connection after a grace period.  Opening the
// device again before the period elapses does not stop the close; the next
// operation will simply re-open.
func (rd *RemoteDevice) CloseEventually() {
	if rd.closeTimer != nil {
		rd.closeTimer.Stop()
	}
	rd.closeTimer = time.AfterFunc(30*time.Second, func() {
		rd.Lock()
		defer rd.Unlock()
		rd.Close()
	})
}

// Send writes data to the remote, appending the Tx terminator if there is one
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	if rd.terms != nil {
		b = append(b, rd.terms.Tx)
	}
	_, err := rd.Conn.Write(b)
	return err
}

// Recv receives data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	if rd.terms == nil {
		buf := make([]byte, 1500)
		n, err := rd.Conn.Read(buf)
		return buf[:n], err
	}
	term := rd.terms.Rx
	buf, err := bufio.NewReader(rd.Conn).ReadBytes(term)
	if err != nil {
		return []byte{}, err
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		idx := bytes.IndexByte(buf, term)
		return buf[:idx], nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// OpenSendRecvClose is a convenience wrapper for one-shot transactions
func (rd *RemoteDevice) OpenSendRecvClose(b []byte) ([]byte, error) {
	rd.Lock()
	defer func() {
		rd.Unlock()
		rd.CloseEventually()
	}()
	err := rd.Open()
	if err != nil {
		return nil, err
	}
	return rd.SendRecv(b)
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
