package transport

import (
	"fmt"
	"time"
)

// ISO 15765-2 protocol control information nibbles.
const (
	pciSingleFrame      = 0x00
	pciFirstFrame       = 0x10
	pciConsecutiveFrame = 0x20
	pciFlowControl      = 0x30
)

// Flow control statuses.
const (
	flowStatusCTS      = 0x00
	flowStatusWait     = 0x01
	flowStatusOverflow = 0x02
)

// maxISOTPPayload is the largest payload a 12-bit first frame length field
// can describe.
const maxISOTPPayload = 4095

// segmentISOTP splits a payload into CAN frame payloads. For data fitting a
// single frame it returns (sf, nil, nil). Otherwise it returns the first
// frame and the consecutive-frame chunks still lacking their PCI byte.
// maxData is the CAN frame capacity (8 classic, up to 64 for FD).
func segmentISOTP(payload []byte, maxData int) (first []byte, chunks [][]byte, err error) {
	if len(payload) == 0 {
		return nil, nil, &FramingError{Msg: "empty payload"}
	}
	if len(payload) > maxISOTPPayload {
		return nil, nil, &FramingError{Msg: fmt.Sprintf("payload of %d bytes exceeds ISO-TP limit", len(payload))}
	}

	if len(payload) <= 7 && len(payload) <= maxData-1 {
		sf := make([]byte, 0, 1+len(payload))
		sf = append(sf, pciSingleFrame|byte(len(payload)))
		return append(sf, payload...), nil, nil
	}
	if maxData > 8 && len(payload) <= maxData-2 {
		// CAN FD single frame with escaped length.
		sf := make([]byte, 0, 2+len(payload))
		sf = append(sf, pciSingleFrame, byte(len(payload)))
		return append(sf, payload...), nil, nil
	}

	ff := make([]byte, 0, maxData)
	ff = append(ff, pciFirstFrame|byte(len(payload)>>8&0x0F), byte(len(payload)&0xFF))
	ffData := maxData - 2
	ff = append(ff, payload[:ffData]...)

	rest := payload[ffData:]
	chunkSize := maxData - 1
	for len(rest) > 0 {
		n := chunkSize
		if n > len(rest) {
			n = len(rest)
		}
		chunks = append(chunks, rest[:n])
		rest = rest[n:]
	}
	return ff, chunks, nil
}

// consecutiveFrame prepends the CF PCI byte for the given sequence number.
func consecutiveFrame(chunk []byte, sn byte) []byte {
	out := make([]byte, 0, 1+len(chunk))
	out = append(out, pciConsecutiveFrame|sn&0x0F)
	return append(out, chunk...)
}

// flowControlFrame encodes an FC frame.
func flowControlFrame(status byte, blockSize byte, stMin time.Duration) []byte {
	var stMinByte byte
	if ms := stMin.Milliseconds(); ms >= 0 && ms <= 127 {
		stMinByte = byte(ms)
	} else {
		stMinByte = 0x7F
	}
	return []byte{pciFlowControl | status, blockSize, stMinByte}
}

// parseFlowControl decodes an FC frame into status, block size and minimum
// separation time.
func parseFlowControl(frame []byte) (status byte, blockSize byte, stMin time.Duration, err error) {
	if len(frame) < 3 || frame[0]&0xF0 != pciFlowControl {
		return 0, 0, 0, &FramingError{Msg: "malformed flow control frame"}
	}
	st := frame[2]
	switch {
	case st <= 0x7F:
		stMin = time.Duration(st) * time.Millisecond
	case st >= 0xF1 && st <= 0xF9:
		stMin = time.Duration(st-0xF0) * 100 * time.Microsecond
	default:
		// Reserved values are treated as the maximum per the standard.
		stMin = 127 * time.Millisecond
	}
	return frame[0] & 0x0F, frame[1], stMin, nil
}

// reassembler rebuilds a segmented payload from first and consecutive
// frames, enforcing the sequence number contract.
type reassembler struct {
	buf      []byte
	expected int
	nextSN   byte
}

// start initializes reassembly from a first frame and returns the number of
// payload bytes it carried.
func (r *reassembler) start(frame []byte) error {
	if len(frame) < 2 || frame[0]&0xF0 != pciFirstFrame {
		return &FramingError{Msg: "malformed first frame"}
	}
	r.expected = int(frame[0]&0x0F)<<8 | int(frame[1])
	if r.expected <= len(frame)-2 {
		return &FramingError{Msg: "first frame length fits a single frame"}
	}
	r.buf = append(r.buf[:0], frame[2:]...)
	r.nextSN = 1
	return nil
}

// feed consumes one consecutive frame. It returns true once the payload is
// complete and a FramingError on an out-of-sequence frame.
func (r *reassembler) feed(frame []byte) (bool, error) {
	if len(frame) < 2 || frame[0]&0xF0 != pciConsecutiveFrame {
		return false, &FramingError{Msg: "expected consecutive frame"}
	}
	if sn := frame[0] & 0x0F; sn != r.nextSN {
		return false, &FramingError{Msg: fmt.Sprintf("wrong sequence number %d, expected %d", sn, r.nextSN)}
	}
	r.nextSN = (r.nextSN + 1) & 0x0F

	missing := r.expected - len(r.buf)
	chunk := frame[1:]
	if len(chunk) > missing {
		chunk = chunk[:missing]
	}
	r.buf = append(r.buf, chunk...)
	return len(r.buf) == r.expected, nil
}

func (r *reassembler) bytes() []byte { return r.buf }

// parseSingleFrame returns the payload of an SF, handling the FD length
// escape.
func parseSingleFrame(frame []byte) ([]byte, error) {
	if len(frame) < 1 || frame[0]&0xF0 != pciSingleFrame {
		return nil, &FramingError{Msg: "malformed single frame"}
	}
	n := int(frame[0] & 0x0F)
	data := frame[1:]
	if n == 0 {
		if len(frame) < 2 {
			return nil, &FramingError{Msg: "missing escaped single frame length"}
		}
		n = int(frame[1])
		data = frame[2:]
	}
	if n > len(data) {
		return nil, &FramingError{Msg: "single frame length exceeds data"}
	}
	return data[:n], nil
}
