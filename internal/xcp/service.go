package xcp

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"ecuprobe/internal/transport"
)

// Service drives XCP over a stream or datagram transport using the ethernet
// framing. Each call is independently fault tolerant: callers typically wrap
// them in CatchAndLog.
type Service struct {
	tp      transport.Transport
	timeout time.Duration
	counter uint16
}

// NewService wraps a connected transport.
func NewService(tp transport.Transport, timeout time.Duration) *Service {
	return &Service{tp: tp, timeout: timeout}
}

func (s *Service) command(ctx context.Context, payload []byte) ([]byte, error) {
	frame := PackEth(payload, s.counter)
	s.counter++

	if err := s.tp.Send(ctx, frame, s.timeout); err != nil {
		return nil, err
	}
	raw, err := s.tp.Receive(ctx, s.timeout)
	if err != nil {
		return nil, err
	}
	_, resp, err := UnpackEth(raw)
	if err != nil {
		return nil, err
	}
	if !IsSlaveResponse(resp) {
		return nil, fmt.Errorf("xcp error response: % x", resp)
	}
	return resp, nil
}

// Connect issues CONNECT in normal mode.
func (s *Service) Connect(ctx context.Context) error {
	resp, err := s.command(ctx, []byte{PIDConnect, 0x00})
	if err != nil {
		return fmt.Errorf("xcp connect: %w", err)
	}
	log.WithField("resource", fmt.Sprintf("% x", resp)).Info("XCP connected")
	return nil
}

// GetStatus queries the current session status.
func (s *Service) GetStatus(ctx context.Context) error {
	resp, err := s.command(ctx, []byte{PIDGetStatus})
	if err != nil {
		return fmt.Errorf("xcp get_status: %w", err)
	}
	log.WithField("status", fmt.Sprintf("% x", resp)).Info("XCP status")
	return nil
}

// GetCommModeInfo queries the communication mode capabilities.
func (s *Service) GetCommModeInfo(ctx context.Context) error {
	resp, err := s.command(ctx, []byte{PIDGetCommMod})
	if err != nil {
		return fmt.Errorf("xcp get_comm_mode_info: %w", err)
	}
	log.WithField("info", fmt.Sprintf("% x", resp)).Info("XCP comm mode info")
	return nil
}

// Disconnect terminates the XCP session.
func (s *Service) Disconnect(ctx context.Context) error {
	if _, err := s.command(ctx, []byte{PIDDisconnect}); err != nil {
		return fmt.Errorf("xcp disconnect: %w", err)
	}
	log.Info("XCP disconnected")
	return nil
}

// CANService drives XCP over raw CAN. The master-to-slave and
// slave-to-master arbitration ids are distinct and both caller supplied;
// finding them is the discovery engine's job.
type CANService struct {
	tp       *transport.RawCANTransport
	masterID uint32 // master-to-slave: we transmit here
	slaveID  uint32 // slave-to-master: we listen here
	timeout  time.Duration
}

// NewCANService wraps a raw CAN transport with explicit addressing.
func NewCANService(tp *transport.RawCANTransport, masterID, slaveID uint32, timeout time.Duration) *CANService {
	return &CANService{tp: tp, masterID: masterID, slaveID: slaveID, timeout: timeout}
}

func (s *CANService) command(ctx context.Context, payload []byte) ([]byte, error) {
	if err := s.tp.Sendto(ctx, payload, s.masterID, s.timeout); err != nil {
		return nil, err
	}
	limit := time.Now().Add(s.timeout)
	for {
		remaining := time.Until(limit)
		if remaining <= 0 {
			return nil, fmt.Errorf("xcp can command: %w", transport.ErrTimeout)
		}
		id, resp, err := s.tp.Recvfrom(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if id != s.slaveID {
			continue
		}
		if !IsSlaveResponse(resp) {
			return nil, fmt.Errorf("xcp error response: % x", resp)
		}
		return resp, nil
	}
}

// Connect issues CONNECT in normal mode.
func (s *CANService) Connect(ctx context.Context) error {
	resp, err := s.command(ctx, []byte{PIDConnect, 0x00})
	if err != nil {
		return fmt.Errorf("xcp connect: %w", err)
	}
	log.WithField("resource", fmt.Sprintf("% x", resp)).Info("XCP connected")
	return nil
}

// GetStatus queries the current session status.
func (s *CANService) GetStatus(ctx context.Context) error {
	resp, err := s.command(ctx, []byte{PIDGetStatus})
	if err != nil {
		return fmt.Errorf("xcp get_status: %w", err)
	}
	log.WithField("status", fmt.Sprintf("% x", resp)).Info("XCP status")
	return nil
}

// GetCommModeInfo queries the communication mode capabilities.
func (s *CANService) GetCommModeInfo(ctx context.Context) error {
	resp, err := s.command(ctx, []byte{PIDGetCommMod})
	if err != nil {
		return fmt.Errorf("xcp get_comm_mode_info: %w", err)
	}
	log.WithField("info", fmt.Sprintf("% x", resp)).Info("XCP comm mode info")
	return nil
}

// Disconnect terminates the XCP session.
func (s *CANService) Disconnect(ctx context.Context) error {
	if _, err := s.command(ctx, []byte{PIDDisconnect}); err != nil {
		return fmt.Errorf("xcp disconnect: %w", err)
	}
	log.Info("XCP disconnected")
	return nil
}

// CatchAndLog runs one service call and converts its failure into a log
// line, so a failing call never aborts the remaining ones.
func CatchAndLog(name string, fn func() error) {
	if err := fn(); err != nil {
		log.WithError(err).Warnf("%s failed", name)
	}
}
