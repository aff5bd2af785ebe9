package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

const recvBufferSize = 4096

// TCPTransport carries raw PDUs over a TCP stream. One Receive returns
// whatever the peer wrote in one burst; protocol framing on top of TCP is the
// job of DoIP or the XCP ethernet codec.
type TCPTransport struct {
	conn   net.Conn
	target *TargetURI
}

// ConnectTCP dials the target.
func ConnectTCP(ctx context.Context, target *TargetURI) (*TCPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target.HostPort())
	if err != nil {
		return nil, &ConnectionError{Target: target.String(), Err: err}
	}
	return &TCPTransport{conn: conn, target: target}, nil
}

func (t *TCPTransport) Send(ctx context.Context, pdu []byte, timeout time.Duration) error {
	if err := t.conn.SetWriteDeadline(deadline(ctx, timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := t.conn.Write(pdu); err != nil {
		return wrapTimeout("tcp send", err)
	}
	return nil
}

func (t *TCPTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(deadline(ctx, timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, recvBufferSize)
	n, err := t.conn.Read(buf)
	if err != nil {
		return nil, wrapTimeout("tcp receive", err)
	}
	return buf[:n], nil
}

func (t *TCPTransport) Target() *TargetURI { return t.target }

func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// deadline combines the per-call timeout with the context deadline, keeping
// whichever expires first.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxD, ok := ctx.Deadline(); ok && ctxD.Before(d) {
		return ctxD
	}
	return d
}
