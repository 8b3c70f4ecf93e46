package thorlabs

import (
	"bufio"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/photonlab/lumalign/align"
)

// fakeMDT emulates the MDT693 command protocol over TCP: bracketed replies
// to queries, silence on writes.  Write commands are forwarded on the
// returned channel.
func fakeMDT(t *testing.T, limitQueries *int32) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	writes := make(chan string, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					cmd, err := r.ReadString('\r')
					if err != nil {
						return
					}
					cmd = strings.TrimSuffix(cmd, "\r")
					switch {
					case strings.HasSuffix(cmd, "V?"):
						c.Write([]byte("[ 37.50]\r"))
					case strings.HasSuffix(cmd, "L?"):
						atomic.AddInt32(limitQueries, 1)
						c.Write([]byte("[ 0.00]\r"))
					case strings.HasSuffix(cmd, "H?"):
						atomic.AddInt32(limitQueries, 1)
						c.Write([]byte("[ 75.00]\r"))
					case cmd == "I":
						c.Write([]byte("MDT693B\r"))
					default:
						writes <- cmd
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), writes
}

func expectWrite(t *testing.T, writes <-chan string, want string) {
	t.Helper()
	select {
	case got := <-writes:
		if got != want {
			t.Errorf("driver sent %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("driver never sent %q", want)
	}
}

func TestMDT693(t *testing.T) {
	var limitQueries int32
	addr, writes := fakeMDT(t, &limitQueries)
	m := NewMDT693(addr, false)
	defer m.Close()

	v, err := m.GetVoltage(align.X)
	if err != nil {
		t.Fatal(err)
	}
	if v != 37.5 {
		t.Errorf("got %f from bracketed reply, want 37.5", v)
	}

	if err := m.SetVoltage(align.Y, 40.5); err != nil {
		t.Fatal(err)
	}
	expectWrite(t, writes, "YV40.500")

	// out of range commands clamp to the device-reported limits
	if err := m.SetVoltage(align.X, 80); err != nil {
		t.Fatal(err)
	}
	expectWrite(t, writes, "XV75.000")
	if err := m.SetVoltage(align.X, -5); err != nil {
		t.Fatal(err)
	}
	expectWrite(t, writes, "XV0.000")

	// limits are cached after the first query; three sets on two axes is
	// four limit queries, not six
	if n := atomic.LoadInt32(&limitQueries); n != 4 {
		t.Errorf("saw %d limit queries, want 4", n)
	}

	id, err := m.ID()
	if err != nil {
		t.Fatal(err)
	}
	if id != "MDT693B" {
		t.Errorf("got ID %q, want MDT693B", id)
	}

	if m.VoltsPerNM() != MDTVoltsPerNM {
		t.Error("VoltsPerNM does not report the driver constant")
	}
}
