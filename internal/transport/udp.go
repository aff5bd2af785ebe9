package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// UDPTransport carries one PDU per datagram.
type UDPTransport struct {
	conn   net.Conn
	target *TargetURI
}

// ConnectUDP opens a connected UDP socket to the target.
func ConnectUDP(ctx context.Context, target *TargetURI) (*UDPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", target.HostPort())
	if err != nil {
		return nil, &ConnectionError{Target: target.String(), Err: err}
	}
	return &UDPTransport{conn: conn, target: target}, nil
}

func (t *UDPTransport) Send(ctx context.Context, pdu []byte, timeout time.Duration) error {
	if err := t.conn.SetWriteDeadline(deadline(ctx, timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := t.conn.Write(pdu); err != nil {
		return wrapTimeout("udp send", err)
	}
	return nil
}

func (t *UDPTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(deadline(ctx, timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, recvBufferSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, wrapTimeout("udp receive", err)
	}
	return buf[:n], nil
}

func (t *UDPTransport) Target() *TargetURI { return t.target }

func (t *UDPTransport) Close() error { return t.conn.Close() }
