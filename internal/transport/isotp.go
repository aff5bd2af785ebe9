package transport

import (
	"context"
	"fmt"
	"time"
)

// ISO-TP timing parameters (ISO 15765-2 N_Bs / N_Cr).
const (
	defaultFlowControlTimeout = time.Second
	defaultConsecutiveTimeout = time.Second
	classicFrameCapacity      = 8
)

// ISOTPTransport implements software ISO-TP segmentation on top of a raw
// SocketCAN connection. The tester transmits at src_addr and listens at
// dst_addr.
type ISOTPTransport struct {
	raw    *RawCANTransport
	target *TargetURI

	txID uint32
	rxID uint32

	// Receive-side flow control advertisement.
	blockSize byte
	stMin     time.Duration

	frameCapacity int
}

// ConnectISOTP opens the CAN interface and prepares an ISO-TP channel from
// the src_addr/dst_addr query parameters.
func ConnectISOTP(ctx context.Context, target *TargetURI) (*ISOTPTransport, error) {
	txID, err := target.UintParam("src_addr", 0x7E0)
	if err != nil {
		return nil, err
	}
	rxID, err := target.UintParam("dst_addr", 0x7E8)
	if err != nil {
		return nil, err
	}
	blockSize, err := target.UintParam("bs", 0)
	if err != nil {
		return nil, err
	}
	stMinMs, err := target.UintParam("stmin", 0)
	if err != nil {
		return nil, err
	}

	raw, err := ConnectRawCAN(ctx, target)
	if err != nil {
		return nil, err
	}
	raw.SetFilter(map[uint32]struct{}{rxID: {}}, false)

	return &ISOTPTransport{
		raw:           raw,
		target:        target,
		txID:          txID,
		rxID:          rxID,
		blockSize:     byte(blockSize),
		stMin:         time.Duration(stMinMs) * time.Millisecond,
		frameCapacity: classicFrameCapacity,
	}, nil
}

func (t *ISOTPTransport) sendFrame(ctx context.Context, data []byte, timeout time.Duration) error {
	// Classic CAN diagnostic frames are padded to full length.
	if len(data) < t.frameCapacity {
		padded := make([]byte, t.frameCapacity)
		copy(padded, data)
		for i := len(data); i < t.frameCapacity; i++ {
			padded[i] = 0xAA
		}
		data = padded
	}
	return t.raw.Sendto(ctx, data, t.txID, timeout)
}

// Send segments the PDU, honoring the peer's flow control.
func (t *ISOTPTransport) Send(ctx context.Context, pdu []byte, timeout time.Duration) error {
	first, chunks, err := segmentISOTP(pdu, t.frameCapacity)
	if err != nil {
		return err
	}

	if err := t.sendFrame(ctx, first, timeout); err != nil {
		return err
	}
	if chunks == nil {
		return nil
	}

	blockSize, stMin, err := t.awaitFlowControl(ctx)
	if err != nil {
		return err
	}

	sn := byte(1)
	sent := 0
	for _, chunk := range chunks {
		if stMin > 0 {
			time.Sleep(stMin)
		}
		if err := t.sendFrame(ctx, consecutiveFrame(chunk, sn), timeout); err != nil {
			return err
		}
		sn = (sn + 1) & 0x0F
		sent++

		if blockSize > 0 && sent%int(blockSize) == 0 && sent < len(chunks) {
			if blockSize, stMin, err = t.awaitFlowControl(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *ISOTPTransport) awaitFlowControl(ctx context.Context) (byte, time.Duration, error) {
	limit := time.Now().Add(defaultFlowControlTimeout)
	for {
		remaining := time.Until(limit)
		if remaining <= 0 {
			return 0, 0, fmt.Errorf("flow control: %w", ErrTimeout)
		}
		_, frame, err := t.raw.Recvfrom(ctx, remaining)
		if err != nil {
			return 0, 0, err
		}
		status, blockSize, stMin, err := parseFlowControl(frame)
		if err != nil {
			return 0, 0, err
		}
		switch status {
		case flowStatusCTS:
			return blockSize, stMin, nil
		case flowStatusWait:
			limit = time.Now().Add(defaultFlowControlTimeout)
		case flowStatusOverflow:
			return 0, 0, &FramingError{Msg: "remote node reported overflow"}
		default:
			return 0, 0, &FramingError{Msg: fmt.Sprintf("unknown flow status %d", status)}
		}
	}
}

// Receive reassembles the next PDU, answering first frames with flow
// control and enforcing the N_Cr inter-frame timeout.
func (t *ISOTPTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	_, frame, err := t.raw.Recvfrom(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if len(frame) == 0 {
		return nil, &FramingError{Msg: "empty frame"}
	}

	switch frame[0] & 0xF0 {
	case pciSingleFrame:
		return parseSingleFrame(frame)
	case pciFirstFrame:
		return t.receiveMultiFrame(ctx, frame)
	default:
		return nil, &FramingError{Msg: fmt.Sprintf("unexpected frame type 0x%02x", frame[0]&0xF0)}
	}
}

func (t *ISOTPTransport) receiveMultiFrame(ctx context.Context, first []byte) ([]byte, error) {
	var r reassembler
	if err := r.start(first); err != nil {
		return nil, err
	}

	fc := flowControlFrame(flowStatusCTS, t.blockSize, t.stMin)
	if err := t.sendFrame(ctx, fc, defaultFlowControlTimeout); err != nil {
		return nil, err
	}

	received := 0
	for {
		_, frame, err := t.raw.Recvfrom(ctx, defaultConsecutiveTimeout)
		if err != nil {
			return nil, err
		}
		done, err := r.feed(frame)
		if err != nil {
			return nil, err
		}
		if done {
			return r.bytes(), nil
		}
		received++
		if t.blockSize > 0 && received%int(t.blockSize) == 0 {
			if err := t.sendFrame(ctx, fc, defaultFlowControlTimeout); err != nil {
				return nil, err
			}
		}
	}
}

func (t *ISOTPTransport) Target() *TargetURI { return t.target }

func (t *ISOTPTransport) Close() error { return t.raw.Close() }
