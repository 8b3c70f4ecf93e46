package yenista

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/snksoft/crc"
)

// The CT400 option board speaks a compact binary framing:
//
//   [STX] [OPCODE] [0..n data bytes] [CRC16 hi] [CRC16 lo] [ETX]
//
// STX, ETX and DLE occurring inside the frame body are escaped as
// [DLE][b^0x20] so the end-of-frame byte is unambiguous on the wire.  The
// CRC is CRC-16/CCITT XMODEM over opcode and data, computed before
// escaping.
const (
	stx = 0x02
	etx = 0x03
	dle = 0x10

	// escaping XORs the escaped byte with this mask
	escMask = 0x20
)

// opcodes understood by the option board
const (
	opReadPower = 0x21
	opLaserOn   = 0x22
	opLaserOff  = 0x23
	opIdentify  = 0x24
)

// first response byte of every reply
const (
	ackOK = 0x00
)

var (
	crcTable = crc.NewTable(crc.XMODEM)

	errShortFrame = errors.New("frame too short to contain a CRC")
	errNoStart    = errors.New("frame start byte not found")
)

func crcHelper(buf []byte) []byte {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	c := crcTable.CRC16(crcUint)
	return []byte{byte(c >> 8), byte(c)}
}

func escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case stx, etx, dle:
			out = append(out, dle, b^escMask)
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	esc := false
	for _, b := range data {
		if esc {
			out = append(out, b^escMask)
			esc = false
			continue
		}
		if b == dle {
			esc = true
			continue
		}
		out = append(out, b)
	}
	return out
}

// makeFrame assembles an on-wire frame for an opcode and payload.  The
// trailing ETX is appended by the comm layer as the Tx terminator.
func makeFrame(op byte, data []byte) []byte {
	body := append([]byte{op}, data...)
	body = append(body, crcHelper(body)...)
	return append([]byte{stx}, escape(body)...)
}

// decodeFrame validates and unpacks a received frame (ETX already stripped
// by the comm layer), returning the status byte and payload
func decodeFrame(frame []byte) (status byte, data []byte, err error) {
	idx := bytes.IndexByte(frame, stx)
	if idx < 0 {
		return 0, nil, errNoStart
	}
	body := unescape(frame[idx+1:])
	if len(body) < 3 { // status + 2 CRC bytes
		return 0, nil, errShortFrame
	}
	fidx := len(body) - 2
	recv := body[fidx:]
	body = body[:fidx]
	if comp := crcHelper(body); !bytes.Equal(recv, comp) {
		return 0, nil, fmt.Errorf("CRC mismatch, got %X want %X, device state unknown", recv, comp)
	}
	return body[0], body[1:], nil
}
