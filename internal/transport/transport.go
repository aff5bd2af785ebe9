// Package transport turns each supported medium into a uniform
// send/receive-with-timeout channel.
package transport

import (
	"context"
	"time"
)

// Transport is one open connection to a target. A Transport instance is
// single-owner: call sites must serialize access, there is no internal
// locking around the request/response cycle. The transport layer never
// retries; retry policy lives in the service and scan layers.
type Transport interface {
	// Send writes one PDU. The timeout applies to the write itself.
	Send(ctx context.Context, pdu []byte, timeout time.Duration) error
	// Receive returns the next PDU or ErrTimeout.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Target() *TargetURI
	Close() error
}

// Connect opens a Transport for the target, selected by scheme.
func Connect(ctx context.Context, target *TargetURI) (Transport, error) {
	switch target.Scheme {
	case SchemeTCP:
		return ConnectTCP(ctx, target)
	case SchemeUDP:
		return ConnectUDP(ctx, target)
	case SchemeUnixLines:
		return ConnectUnixLines(ctx, target)
	case SchemeDoIP:
		return ConnectDoIP(ctx, target)
	case SchemeCANRaw:
		return ConnectRawCAN(ctx, target)
	case SchemeISOTP:
		return ConnectISOTP(ctx, target)
	default:
		return nil, &UnsupportedSchemeError{Scheme: string(target.Scheme)}
	}
}
