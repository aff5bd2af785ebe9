package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

const rawCANBufferSize = 1024

// RawCANTransport exposes per-frame addressing on a SocketCAN interface.
// CAN has no connection concept, so Sendto/Recvfrom carry the arbitration id
// explicitly. A background goroutine drains the socket into a buffered
// channel so sniffing windows and receive timeouts never poison the decoder.
type RawCANTransport struct {
	conn     net.Conn
	tx       *socketcan.Transmitter
	target   *TargetURI
	extended bool

	frames  chan can.Frame
	readErr chan error
	cancel  context.CancelFunc

	// Software id filter, consulted on the consume side. Only the owning
	// goroutine mutates it.
	filter map[uint32]struct{}
	invert bool

	// Optional fixed addressing from ?src=/?dst= for the plain Transport
	// interface.
	srcID, dstID uint32
	srcSet       bool
	dstSet       bool
}

// ConnectRawCAN opens the CAN interface named by the target.
func ConnectRawCAN(ctx context.Context, target *TargetURI) (*RawCANTransport, error) {
	extended, err := target.BoolParam("is_extended", false)
	if err != nil {
		return nil, err
	}
	if fd, err := target.BoolParam("is_fd", false); err != nil {
		return nil, err
	} else if fd {
		return nil, fmt.Errorf("target %s: CAN FD frames are not supported by the socketcan driver", target)
	}

	conn, err := socketcan.DialContext(ctx, "can", target.Hostname)
	if err != nil {
		return nil, &ConnectionError{Target: target.String(), Err: err}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	t := &RawCANTransport{
		conn:     conn,
		tx:       socketcan.NewTransmitter(conn),
		target:   target,
		extended: extended,
		frames:   make(chan can.Frame, rawCANBufferSize),
		readErr:  make(chan error, 1),
		cancel:   cancel,
	}

	// Id 0 is a valid (highest priority) arbitration id, so presence of
	// the parameter is tracked separately from its value.
	if t.srcID, err = target.UintParam("src", 0); err != nil {
		return nil, err
	}
	t.srcSet = target.HasParam("src")
	if t.dstID, err = target.UintParam("dst", 0); err != nil {
		return nil, err
	}
	t.dstSet = target.HasParam("dst")

	go t.readLoop(readCtx)
	return t, nil
}

func (t *RawCANTransport) readLoop(ctx context.Context) {
	defer close(t.frames)
	recv := socketcan.NewReceiver(t.conn)
	for recv.Receive() {
		select {
		case t.frames <- recv.Frame():
		case <-ctx.Done():
			return
		}
	}
	if err := recv.Err(); err != nil {
		t.readErr <- err
	}
}

// Sendto transmits one frame at the given arbitration id.
func (t *RawCANTransport) Sendto(ctx context.Context, pdu []byte, id uint32, timeout time.Duration) error {
	if len(pdu) > can.MaxDataLength {
		return fmt.Errorf("can send: payload of %d bytes exceeds frame capacity", len(pdu))
	}
	frame := can.Frame{ID: id, Length: uint8(len(pdu)), IsExtended: t.extended}
	copy(frame.Data[:], pdu)

	sendCtx, cancelSend := context.WithTimeout(ctx, timeout)
	defer cancelSend()
	if err := t.tx.TransmitFrame(sendCtx, frame); err != nil {
		return wrapTimeout("can send", err)
	}
	return nil
}

// Recvfrom returns the next frame passing the installed filter, with its
// arbitration id.
func (t *RawCANTransport) Recvfrom(ctx context.Context, timeout time.Duration) (uint32, []byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case frame, ok := <-t.frames:
			if !ok {
				err := <-t.readErr
				return 0, nil, &ConnectionError{Target: t.target.String(), Err: err}
			}
			if t.dropped(frame.ID) {
				continue
			}
			return frame.ID, frame.Data[:frame.Length], nil
		case <-timer.C:
			return 0, nil, fmt.Errorf("can receive: %w", ErrTimeout)
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
}

func (t *RawCANTransport) dropped(id uint32) bool {
	if t.filter == nil {
		return false
	}
	_, in := t.filter[id]
	if t.invert {
		return in
	}
	return !in
}

// SetFilter installs an id filter. With invert=false only the given ids are
// accepted; with invert=true they are ignored.
func (t *RawCANTransport) SetFilter(ids map[uint32]struct{}, invert bool) {
	t.filter = ids
	t.invert = invert
}

// Sniff records all arbitration ids observed within the window. Used to
// enumerate ambient bus traffic before probing.
func (t *RawCANTransport) Sniff(ctx context.Context, duration time.Duration) (map[uint32]struct{}, error) {
	seen := make(map[uint32]struct{})
	timer := time.NewTimer(duration)
	defer timer.Stop()

	for {
		select {
		case frame, ok := <-t.frames:
			if !ok {
				err := <-t.readErr
				return nil, &ConnectionError{Target: t.target.String(), Err: err}
			}
			seen[frame.ID] = struct{}{}
		case <-timer.C:
			return seen, nil
		case <-ctx.Done():
			return seen, ctx.Err()
		}
	}
}

// Flush drops all frames queued so far.
func (t *RawCANTransport) Flush() {
	for {
		select {
		case _, ok := <-t.frames:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Send transmits to the ?dst= arbitration id.
func (t *RawCANTransport) Send(ctx context.Context, pdu []byte, timeout time.Duration) error {
	if !t.dstSet {
		return fmt.Errorf("target %s: raw CAN send requires a dst query parameter", t.target)
	}
	return t.Sendto(ctx, pdu, t.dstID, timeout)
}

// Receive returns the next payload, restricted to the ?src= id if given.
func (t *RawCANTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	limit := time.Now().Add(timeout)
	for {
		remaining := time.Until(limit)
		if remaining <= 0 {
			return nil, fmt.Errorf("can receive: %w", ErrTimeout)
		}
		id, pdu, err := t.Recvfrom(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if t.srcSet && id != t.srcID {
			continue
		}
		return pdu, nil
	}
}

func (t *RawCANTransport) Target() *TargetURI { return t.target }

func (t *RawCANTransport) Close() error {
	t.cancel()
	return t.conn.Close()
}
