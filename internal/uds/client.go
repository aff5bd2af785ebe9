package uds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"ecuprobe/internal/transport"
)

// DID of the ActiveDiagnosticSession data identifier.
const didActiveDiagnosticSession = 0xF186

// RequestConfig tunes the per-request retry policy. The bounds are policy,
// not protocol: every field may be adjusted per deployment.
type RequestConfig struct {
	// Timeout applies to every send and every individual response await.
	Timeout time.Duration
	// MaxPending bounds the number of responsePending (0x78) re-awaits.
	MaxPending int
	// MaxRetry bounds resends on busyRepeatRequest (0x21).
	MaxRetry int
	// RetryBackoff is the pause before a busyRepeatRequest resend.
	RetryBackoff time.Duration
}

// DefaultRequestConfig mirrors the timing the corpus of tested ECUs copes
// with.
func DefaultRequestConfig() RequestConfig {
	return RequestConfig{
		Timeout:      500 * time.Millisecond,
		MaxPending:   10,
		MaxRetry:     3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// KeyFunc derives a security-access key from a seed.
type KeyFunc func(seed []byte) ([]byte, error)

// Client drives UDS requests over one Transport and tracks the diagnostic
// session and security-access state. Not safe for concurrent use; one
// request/response cycle is in flight at a time.
type Client struct {
	tp  transport.Transport
	cfg RequestConfig

	session          byte
	securityLevel    byte
	securityUnlocked bool
	invalidKeyCount  int
}

// NewClient wraps a connected transport. State starts at the default
// session, security locked.
func NewClient(tp transport.Transport, cfg RequestConfig) *Client {
	return &Client{tp: tp, cfg: cfg, session: SessionDefault}
}

// Session returns the session the client believes is active.
func (c *Client) Session() byte { return c.session }

// SecurityUnlocked returns the unlocked level, or false.
func (c *Client) SecurityUnlocked() (byte, bool) {
	return c.securityLevel, c.securityUnlocked
}

// InvalidKeyCount counts invalidKey rejections since the last unlock.
func (c *Client) InvalidKeyCount() int { return c.invalidKeyCount }

// resetState is called when the connection is considered lost.
func (c *Client) resetState() {
	c.session = SessionDefault
	c.securityUnlocked = false
	c.securityLevel = 0
}

// SendRaw performs one request/response exchange under the retry policy:
// responsePending re-awaits with a fresh timeout up to MaxPending times,
// busyRepeatRequest resends after RetryBackoff up to MaxRetry times. Every
// other NRC is returned as a *NegativeResponse error without retry.
func (c *Client) SendRaw(ctx context.Context, pdu []byte) (*PositiveResponse, error) {
	var resp *PositiveResponse

	err := retry.Do(
		func() error {
			r, err := c.roundTrip(ctx, pdu)
			if err != nil {
				var neg *NegativeResponse
				if errors.As(err, &neg) && neg.Code == NRCBusyRepeatRequest {
					return err
				}
				return retry.Unrecoverable(err)
			}
			resp = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.MaxRetry)+1),
		retry.Delay(c.cfg.RetryBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		var cerr *transport.ConnectionError
		if errors.As(err, &cerr) {
			c.resetState()
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, pdu []byte) (*PositiveResponse, error) {
	if err := c.tp.Send(ctx, pdu, c.cfg.Timeout); err != nil {
		return nil, err
	}
	return c.awaitResponse(ctx, pdu[0])
}

func (c *Client) awaitResponse(ctx context.Context, sid byte) (*PositiveResponse, error) {
	pending := 0
	for {
		raw, err := c.tp.Receive(ctx, c.cfg.Timeout)
		if err != nil {
			return nil, err
		}

		pos, neg, err := ParseResponse(raw)
		if err != nil {
			return nil, err
		}
		if neg != nil {
			if neg.Code == NRCRequestCorrectlyReceivedRspPending {
				pending++
				if pending >= c.cfg.MaxPending {
					return nil, fmt.Errorf("%s: %d pending responses: %w",
						ServiceName(sid), pending, transport.ErrTimeout)
				}
				log.WithField("service", ServiceName(sid)).Debug("response pending, re-awaiting")
				continue
			}
			return nil, neg
		}
		if pos.Service != sid {
			return nil, fmt.Errorf("%w: response for service 0x%02x, expected 0x%02x",
				ErrMalformedResponse, pos.Service, sid)
		}
		return pos, nil
	}
}

func (c *Client) request(ctx context.Context, req Request) (*PositiveResponse, error) {
	return c.SendRaw(ctx, req.Encode())
}

// SetSession performs DiagnosticSessionControl and updates the tracked
// session on success. A session change relocks security access.
func (c *Client) SetSession(ctx context.Context, session byte) error {
	if _, err := c.request(ctx, &DiagnosticSessionControlRequest{Session: session}); err != nil {
		return err
	}
	c.session = session
	c.securityUnlocked = false
	c.securityLevel = 0
	return nil
}

// CheckAndSetSession reads the active session and switches only when the
// ECU is not already in the target session. Recovery is attempted up to
// three times.
func (c *Client) CheckAndSetSession(ctx context.Context, session byte) (bool, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		if data, err := c.ReadDataByIdentifier(ctx, didActiveDiagnosticSession); err == nil {
			if len(data) > 0 && data[0] == session {
				c.session = session
				return true, nil
			}
		}
		if err := c.SetSession(ctx, session); err != nil {
			lastErr = err
			continue
		}
		return true, nil
	}
	return false, lastErr
}

// SecurityAccess runs the seed/key exchange for the given (odd) level. An
// all-zero seed means the level is already unlocked and no key is sent.
func (c *Client) SecurityAccess(ctx context.Context, level byte, keyFn KeyFunc) error {
	seed, err := c.RequestSeed(ctx, level)
	if err != nil {
		return err
	}

	if bytes.Equal(seed, make([]byte, len(seed))) {
		log.WithField("level", level).Info("all-zero seed, ECU reports level already unlocked")
		c.securityUnlocked = true
		c.securityLevel = level
		return nil
	}

	key, err := keyFn(seed)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}

	_, err = c.request(ctx, &SecurityAccessRequest{Level: level + 1, Key: key})
	if err != nil {
		var neg *NegativeResponse
		if errors.As(err, &neg) && neg.Code == NRCInvalidKey {
			c.invalidKeyCount++
		}
		return err
	}
	c.securityUnlocked = true
	c.securityLevel = level
	c.invalidKeyCount = 0
	return nil
}

// RequestSeed asks for the security-access seed of the given level.
func (c *Client) RequestSeed(ctx context.Context, level byte) ([]byte, error) {
	resp, err := c.request(ctx, &SecurityAccessRequest{Level: level})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) < 1 {
		return nil, fmt.Errorf("%w: seed response without level echo", ErrMalformedResponse)
	}
	return resp.Data[1:], nil
}

// ReadDataByIdentifier returns the record value of the identifier.
func (c *Client) ReadDataByIdentifier(ctx context.Context, id uint16) ([]byte, error) {
	resp, err := c.request(ctx, &ReadDataByIdentifierRequest{ID: id})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) < 2 {
		return nil, fmt.Errorf("%w: ReadDataByIdentifier response without identifier echo", ErrMalformedResponse)
	}
	return resp.Data[2:], nil
}

// WriteDataByIdentifier writes the record value of the identifier.
func (c *Client) WriteDataByIdentifier(ctx context.Context, id uint16, data []byte) error {
	_, err := c.request(ctx, &WriteDataByIdentifierRequest{ID: id, Data: data})
	return err
}

// ReadMemoryByAddress reads size bytes at addr.
func (c *Client) ReadMemoryByAddress(ctx context.Context, addr uint64, size uint32) ([]byte, error) {
	resp, err := c.request(ctx, &ReadMemoryByAddressRequest{Addr: addr, Size: size})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// WriteMemoryByAddress writes data at addr.
func (c *Client) WriteMemoryByAddress(ctx context.Context, addr uint64, data []byte) error {
	_, err := c.request(ctx, &WriteMemoryByAddressRequest{Addr: addr, Data: data})
	return err
}

// RoutineControl starts, stops or queries a routine and returns the routine
// status record.
func (c *Client) RoutineControl(ctx context.Context, subFunc byte, id uint16, data []byte) ([]byte, error) {
	resp, err := c.request(ctx, &RoutineControlRequest{SubFunc: subFunc, ID: id, Data: data})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ReadDTC reports stored DTC records matching the status mask.
func (c *Client) ReadDTC(ctx context.Context, statusMask byte) ([]byte, error) {
	resp, err := c.request(ctx, &ReadDTCInformationRequest{
		SubFunc:    DTCReportByStatusMask,
		StatusMask: statusMask,
	})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ClearDTC clears the DTC group (0xFFFFFF for all groups).
func (c *Client) ClearDTC(ctx context.Context, group uint32) error {
	_, err := c.request(ctx, &ClearDiagnosticInformationRequest{Group: group})
	return err
}

// ControlDTCSetting switches DTC recording on or off.
func (c *Client) ControlDTCSetting(ctx context.Context, setting byte) error {
	_, err := c.request(ctx, &ControlDTCSettingRequest{Setting: setting})
	return err
}

// ECUReset requests a reset. The session and security state is reset on
// success, matching the ECU side.
func (c *Client) ECUReset(ctx context.Context, resetType byte) error {
	if _, err := c.request(ctx, &ECUResetRequest{ResetType: resetType}); err != nil {
		return err
	}
	c.resetState()
	return nil
}

// TesterPresent sends the keepalive. With suppress set, no response is
// awaited.
func (c *Client) TesterPresent(ctx context.Context, suppress bool) error {
	req := &TesterPresentRequest{SuppressResponse: suppress}
	if suppress {
		return c.tp.Send(ctx, req.Encode(), c.cfg.Timeout)
	}
	_, err := c.request(ctx, req)
	return err
}

// Ping probes reachability with a TesterPresent exchange.
func (c *Client) Ping(ctx context.Context) error {
	return c.TesterPresent(ctx, false)
}
