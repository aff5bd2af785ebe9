// Package xcp implements the small XCP surface the scanners need: the
// ethernet framing, the discovery probe constants and the connect/status
// service calls.
package xcp

import (
	"encoding/binary"
	"fmt"
)

// XCP command and marker bytes.
const (
	// PIDConnect doubles as the positive-response marker: a payload whose
	// first byte is 0xFF identifies an XCP slave.
	PIDConnect    = 0xFF
	PIDDisconnect = 0xFE
	PIDGetStatus  = 0xFD
	PIDGetCommMod = 0xFB
	PIDMulticast  = 0xFA

	ethHeaderLen = 4
)

// ProbePDU is the discovery probe payload.
var ProbePDU = []byte{PIDConnect, 0x00}

// DisconnectPDU terminates a probed connection.
var DisconnectPDU = []byte{PIDDisconnect, 0x00}

// MulticastProbePDU elicits responses from all slaves in the multicast
// group.
var MulticastProbePDU = []byte{PIDMulticast, 0x01}

// MulticastGroup is the fixed XCP discovery group.
const MulticastGroup = "239.255.0.0:5556"

// PackEth prepends the XCP-over-Ethernet header: length and counter, both
// little-endian uint16.
func PackEth(payload []byte, counter uint16) []byte {
	out := make([]byte, ethHeaderLen, ethHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(out[2:4], counter)
	return append(out, payload...)
}

// UnpackEth splits an XCP-over-Ethernet frame into counter and payload.
func UnpackEth(frame []byte) (counter uint16, payload []byte, err error) {
	if len(frame) < ethHeaderLen {
		return 0, nil, fmt.Errorf("xcp frame of %d bytes is shorter than the header", len(frame))
	}
	length := binary.LittleEndian.Uint16(frame[0:2])
	counter = binary.LittleEndian.Uint16(frame[2:4])
	if int(length) > len(frame)-ethHeaderLen {
		return 0, nil, fmt.Errorf("xcp frame announces %d payload bytes, %d present",
			length, len(frame)-ethHeaderLen)
	}
	return counter, frame[ethHeaderLen : ethHeaderLen+int(length)], nil
}

// IsSlaveResponse classifies a payload per the discovery marker rule.
func IsSlaveResponse(payload []byte) bool {
	return len(payload) > 0 && payload[0] == PIDConnect
}
