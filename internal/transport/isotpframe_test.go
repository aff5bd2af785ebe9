package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// reassemble runs the receive-side state machine over the frames the
// send-side produced.
func reassemble(t *testing.T, first []byte, chunks [][]byte) []byte {
	t.Helper()

	if chunks == nil {
		data, err := parseSingleFrame(first)
		if err != nil {
			t.Fatalf("parseSingleFrame: %v", err)
		}
		return data
	}

	var r reassembler
	if err := r.start(first); err != nil {
		t.Fatalf("start: %v", err)
	}
	sn := byte(1)
	for i, chunk := range chunks {
		done, err := r.feed(consecutiveFrame(chunk, sn))
		if err != nil {
			t.Fatalf("feed chunk %d: %v", i, err)
		}
		if done != (i == len(chunks)-1) {
			t.Fatalf("chunk %d: done = %v", i, done)
		}
		sn = (sn + 1) & 0x0F
	}
	return r.bytes()
}

func TestSegmentReassembleRoundTrip(t *testing.T) {
	for _, maxData := range []int{8, 64} {
		payload := make([]byte, maxISOTPPayload)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		for length := 1; length <= maxISOTPPayload; length++ {
			first, chunks, err := segmentISOTP(payload[:length], maxData)
			if err != nil {
				t.Fatalf("maxData %d length %d: segment: %v", maxData, length, err)
			}
			got := reassemble(t, first, chunks)
			if !bytes.Equal(got, payload[:length]) {
				t.Fatalf("maxData %d length %d: round trip mismatch", maxData, length)
			}
		}
	}
}

func TestSegmentRejectsOversizedPayload(t *testing.T) {
	_, _, err := segmentISOTP(make([]byte, maxISOTPPayload+1), 8)
	var ferr *FramingError
	if !errors.As(err, &ferr) {
		t.Fatalf("want FramingError, got %v", err)
	}
}

func TestReassembleOutOfOrderConsecutiveFrame(t *testing.T) {
	payload := make([]byte, 100)
	first, chunks, err := segmentISOTP(payload, 8)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}

	var r reassembler
	if err := r.start(first); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Skip sequence number 1.
	_, err = r.feed(consecutiveFrame(chunks[1], 2))
	var ferr *FramingError
	if !errors.As(err, &ferr) {
		t.Fatalf("want FramingError on out-of-order frame, got %v", err)
	}
}

func TestFDSingleFrameEscape(t *testing.T) {
	payload := make([]byte, 40)
	first, chunks, err := segmentISOTP(payload, 64)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if chunks != nil {
		t.Fatal("40 bytes should fit one FD frame")
	}
	if first[0] != pciSingleFrame || first[1] != 40 {
		t.Fatalf("want escaped SF length, got % x", first[:2])
	}
}

func TestParseFlowControl(t *testing.T) {
	tests := []struct {
		name      string
		frame     []byte
		status    byte
		blockSize byte
		stMin     time.Duration
		wantErr   bool
	}{
		{"cts", []byte{0x30, 0x08, 0x14}, flowStatusCTS, 8, 20 * time.Millisecond, false},
		{"wait", []byte{0x31, 0x00, 0x00}, flowStatusWait, 0, 0, false},
		{"microseconds", []byte{0x30, 0x00, 0xF3}, flowStatusCTS, 0, 300 * time.Microsecond, false},
		{"reserved stmin", []byte{0x30, 0x00, 0x90}, flowStatusCTS, 0, 127 * time.Millisecond, false},
		{"short", []byte{0x30, 0x00}, 0, 0, 0, true},
		{"not fc", []byte{0x10, 0x00, 0x00}, 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, blockSize, stMin, err := parseFlowControl(tt.frame)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if status != tt.status || blockSize != tt.blockSize || stMin != tt.stMin {
				t.Errorf("got (%d, %d, %v), want (%d, %d, %v)",
					status, blockSize, stMin, tt.status, tt.blockSize, tt.stMin)
			}
		})
	}
}

func TestFlowControlRoundTrip(t *testing.T) {
	frame := flowControlFrame(flowStatusCTS, 4, 10*time.Millisecond)
	status, blockSize, stMin, err := parseFlowControl(frame)
	if err != nil {
		t.Fatalf("parseFlowControl: %v", err)
	}
	if status != flowStatusCTS || blockSize != 4 || stMin != 10*time.Millisecond {
		t.Errorf("round trip got (%d, %d, %v)", status, blockSize, stMin)
	}
}
