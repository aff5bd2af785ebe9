package transport

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"
)

// UnixLinesTransport exchanges PDUs as hex-encoded lines over a unix domain
// stream socket. Useful against the virtual ECU on the same host.
type UnixLinesTransport struct {
	conn   net.Conn
	rd     *bufio.Reader
	target *TargetURI
}

// ConnectUnixLines dials the unix socket at the target path.
func ConnectUnixLines(ctx context.Context, target *TargetURI) (*UnixLinesTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", target.Path)
	if err != nil {
		return nil, &ConnectionError{Target: target.String(), Err: err}
	}
	return &UnixLinesTransport{conn: conn, rd: bufio.NewReader(conn), target: target}, nil
}

func (t *UnixLinesTransport) Send(ctx context.Context, pdu []byte, timeout time.Duration) error {
	if err := t.conn.SetWriteDeadline(deadline(ctx, timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := fmt.Fprintf(t.conn, "%x\n", pdu); err != nil {
		return wrapTimeout("unix-lines send", err)
	}
	return nil
}

func (t *UnixLinesTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(deadline(ctx, timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	line, err := t.rd.ReadString('\n')
	if err != nil {
		return nil, wrapTimeout("unix-lines receive", err)
	}
	pdu, err := hex.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return nil, &FramingError{Msg: fmt.Sprintf("invalid hex line: %v", err)}
	}
	return pdu, nil
}

func (t *UnixLinesTransport) Target() *TargetURI { return t.target }

func (t *UnixLinesTransport) Close() error { return t.conn.Close() }
