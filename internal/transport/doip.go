package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// DoIP ISO 13400-2:2012.
const (
	doipProtocolVersion        = 0x02
	doipInverseProtocolVersion = ^byte(doipProtocolVersion)

	doipHeaderLen = 8

	doipGenericNACK        = 0x0000
	doipRoutingActivation  = 0x0005
	doipRoutingResponse    = 0x0006
	doipAliveCheckRequest  = 0x0007
	doipAliveCheckResponse = 0x0008
	doipDiagMessage        = 0x8001
	doipDiagPositiveAck    = 0x8002
	doipDiagNegativeAck    = 0x8003

	doipRoutingActivated = 0x10
)

// DoIPTransport tunnels UDS PDUs through DoIP diagnostic messages over TCP.
// Only the plain routing-activation handshake is implemented; the full
// activation state machine is out of scope and lives with the peer.
type DoIPTransport struct {
	conn    net.Conn
	target  *TargetURI
	srcAddr uint16
	dstAddr uint16
}

// ConnectDoIP dials the target and performs routing activation. Logical
// addresses come from the src_addr and dst_addr query parameters.
func ConnectDoIP(ctx context.Context, target *TargetURI) (*DoIPTransport, error) {
	src, err := target.UintParam("src_addr", 0x0E00)
	if err != nil {
		return nil, err
	}
	dst, err := target.UintParam("dst_addr", 0x1D00)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target.HostPort())
	if err != nil {
		return nil, &ConnectionError{Target: target.String(), Err: err}
	}

	t := &DoIPTransport{conn: conn, target: target, srcAddr: uint16(src), dstAddr: uint16(dst)}
	if err := t.activateRouting(ctx); err != nil {
		conn.Close()
		return nil, &ConnectionError{Target: target.String(), Err: err}
	}
	return t, nil
}

func (t *DoIPTransport) activateRouting(ctx context.Context) error {
	payload := make([]byte, 7)
	binary.BigEndian.PutUint16(payload[0:2], t.srcAddr)
	// activation type 0x00 (default), 4 reserved bytes

	if err := t.writeMessage(ctx, doipRoutingActivation, payload, 2*time.Second); err != nil {
		return fmt.Errorf("routing activation: %w", err)
	}

	ptype, resp, err := t.readMessage(ctx, 2*time.Second)
	if err != nil {
		return fmt.Errorf("routing activation response: %w", err)
	}
	if ptype != doipRoutingResponse {
		return fmt.Errorf("unexpected payload type 0x%04x during routing activation", ptype)
	}
	if len(resp) < 5 {
		return &FramingError{Msg: "short routing activation response"}
	}
	if code := resp[4]; code != doipRoutingActivated {
		return fmt.Errorf("routing activation denied: code 0x%02x", code)
	}
	return nil
}

func (t *DoIPTransport) writeMessage(ctx context.Context, ptype uint16, payload []byte, timeout time.Duration) error {
	if err := t.conn.SetWriteDeadline(deadline(ctx, timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	hdr := make([]byte, doipHeaderLen, doipHeaderLen+len(payload))
	hdr[0] = doipProtocolVersion
	hdr[1] = doipInverseProtocolVersion
	binary.BigEndian.PutUint16(hdr[2:4], ptype)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := t.conn.Write(append(hdr, payload...)); err != nil {
		return wrapTimeout("doip send", err)
	}
	return nil
}

func (t *DoIPTransport) readMessage(ctx context.Context, timeout time.Duration) (uint16, []byte, error) {
	if err := t.conn.SetReadDeadline(deadline(ctx, timeout)); err != nil {
		return 0, nil, fmt.Errorf("set read deadline: %w", err)
	}
	hdr := make([]byte, doipHeaderLen)
	if _, err := io.ReadFull(t.conn, hdr); err != nil {
		return 0, nil, wrapTimeout("doip receive", err)
	}
	if hdr[0] != doipProtocolVersion || hdr[1] != doipInverseProtocolVersion {
		return 0, nil, &FramingError{Msg: fmt.Sprintf("bad DoIP version bytes %02x %02x", hdr[0], hdr[1])}
	}
	ptype := binary.BigEndian.Uint16(hdr[2:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	payload := make([]byte, length)
	if _, err := io.ReadFull(t.conn, payload); err != nil {
		return 0, nil, wrapTimeout("doip receive payload", err)
	}
	return ptype, payload, nil
}

// Send wraps the PDU in a diagnostic message.
func (t *DoIPTransport) Send(ctx context.Context, pdu []byte, timeout time.Duration) error {
	payload := make([]byte, 4, 4+len(pdu))
	binary.BigEndian.PutUint16(payload[0:2], t.srcAddr)
	binary.BigEndian.PutUint16(payload[2:4], t.dstAddr)
	return t.writeMessage(ctx, doipDiagMessage, append(payload, pdu...), timeout)
}

// Receive returns the next diagnostic message payload. Diagnostic acks are
// consumed silently; a negative ack is surfaced as an error.
func (t *DoIPTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	limit := deadline(ctx, timeout)
	for {
		remaining := time.Until(limit)
		if remaining <= 0 {
			return nil, fmt.Errorf("doip receive: %w", ErrTimeout)
		}
		ptype, payload, err := t.readMessage(ctx, remaining)
		if err != nil {
			return nil, err
		}
		switch ptype {
		case doipDiagMessage:
			if len(payload) < 4 {
				return nil, &FramingError{Msg: "short diagnostic message"}
			}
			return payload[4:], nil
		case doipDiagPositiveAck:
			continue
		case doipDiagNegativeAck:
			code := byte(0xFF)
			if len(payload) > 4 {
				code = payload[4]
			}
			return nil, fmt.Errorf("doip diagnostic message rejected: nack 0x%02x", code)
		case doipAliveCheckRequest:
			resp := make([]byte, 2)
			binary.BigEndian.PutUint16(resp, t.srcAddr)
			if err := t.writeMessage(ctx, doipAliveCheckResponse, resp, remaining); err != nil {
				return nil, err
			}
		default:
			// Other payload types are not request/response traffic.
			continue
		}
	}
}

func (t *DoIPTransport) Target() *TargetURI { return t.target }

func (t *DoIPTransport) Close() error { return t.conn.Close() }
