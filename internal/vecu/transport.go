package vecu

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"ecuprobe/internal/transport"
)

// serverRecvTimeout bounds one Receive on connectionless server
// transports so the serve loop can observe cancellation.
const serverRecvTimeout = time.Second

// ServerTransport binds a Server to one medium and runs its serve loop
// until the context is cancelled.
type ServerTransport interface {
	Run(ctx context.Context) error
}

// NewServerTransport selects the server transport by target scheme.
func NewServerTransport(srv Server, target *transport.TargetURI) (ServerTransport, error) {
	switch target.Scheme {
	case transport.SchemeTCP:
		return &StreamServerTransport{srv: srv, target: target, network: "tcp", address: target.HostPort()}, nil
	case transport.SchemeUnixLines:
		return &StreamServerTransport{srv: srv, target: target, network: "unix", address: target.Path, hexLines: true}, nil
	case transport.SchemeISOTP:
		return &ISOTPServerTransport{srv: srv, target: target}, nil
	default:
		return nil, &transport.UnsupportedSchemeError{Scheme: string(target.Scheme)}
	}
}

// StreamServerTransport accepts stream connections and serves each one
// concurrently with its own ECU state. TCP carries one PDU per read burst,
// unix sockets carry one hex line per PDU.
type StreamServerTransport struct {
	srv      Server
	target   *transport.TargetURI
	network  string
	address  string
	hexLines bool
}

// Run accepts connections until the context is cancelled. All connection
// handlers are drained before it returns.
func (t *StreamServerTransport) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, t.network, t.address)
	if err != nil {
		return &transport.ConnectionError{Target: t.target.String(), Err: err}
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.WithField("target", t.target.String()).Info("virtual ECU listening")

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return &transport.ConnectionError{Target: t.target.String(), Err: err}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			t.serveConn(ctx, conn)
		}()
	}
}

func (t *StreamServerTransport) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	peer := conn.RemoteAddr().String()
	log.WithField("peer", peer).Info("connection accepted")

	state := t.srv.NewState()
	reader := bufio.NewReader(conn)
	for {
		req, err := t.readPDU(reader)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.WithField("peer", peer).WithError(err).Debug("connection closed")
			}
			return
		}
		if len(req) == 0 {
			continue
		}

		resp, err := t.srv.Handle(state, req)
		if err != nil {
			log.WithField("peer", peer).WithError(err).Error("request handler failed")
			return
		}
		if resp == nil {
			continue
		}
		if err := t.writePDU(conn, resp); err != nil {
			log.WithField("peer", peer).WithError(err).Debug("write failed")
			return
		}
	}
}

func (t *StreamServerTransport) readPDU(reader *bufio.Reader) ([]byte, error) {
	if t.hexLines {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		pdu, err := hex.DecodeString(strings.TrimSpace(line))
		if err != nil {
			return nil, fmt.Errorf("invalid hex line: %w", err)
		}
		return pdu, nil
	}

	buf := make([]byte, 4096)
	n, err := reader.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (t *StreamServerTransport) writePDU(conn net.Conn, pdu []byte) error {
	if t.hexLines {
		_, err := fmt.Fprintf(conn, "%x\n", pdu)
		return err
	}
	_, err := conn.Write(pdu)
	return err
}

// ISOTPServerTransport serves a single tester over ISO-TP. The target's
// src_addr/dst_addr are given from the server's point of view: it
// transmits on src_addr and listens on dst_addr, the mirror image of the
// tester's addressing.
type ISOTPServerTransport struct {
	srv    Server
	target *transport.TargetURI
}

// Run opens the CAN interface and answers requests until cancellation.
// CAN has no connection concept, so one ECU state spans the whole run.
func (t *ISOTPServerTransport) Run(ctx context.Context) error {
	tp, err := transport.ConnectISOTP(ctx, t.target)
	if err != nil {
		return err
	}
	defer tp.Close()

	log.WithField("target", t.target.String()).Info("virtual ECU listening")

	state := t.srv.NewState()
	for {
		if ctx.Err() != nil {
			return nil
		}

		req, err := tp.Receive(ctx, serverRecvTimeout)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		var ferr *transport.FramingError
		if errors.As(err, &ferr) {
			log.WithError(err).Debug("dropping malformed frame")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		resp, err := t.srv.Handle(state, req)
		if err != nil {
			log.WithError(err).Error("request handler failed")
			continue
		}
		if resp == nil {
			continue
		}
		if err := tp.Send(ctx, resp, serverRecvTimeout); err != nil {
			log.WithError(err).Warn("response send failed")
		}
	}
}
