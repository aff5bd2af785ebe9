// Package scan drives the UDS and XCP service layers across identifier
// ranges: bus discovery, identifier scanning, seed dumping and PDU fuzzing.
package scan

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"ecuprobe/internal/logging"
	"ecuprobe/internal/transport"
	"ecuprobe/internal/xcp"
)

// CANBus is the raw CAN surface discovery needs. *transport.RawCANTransport
// satisfies it.
type CANBus interface {
	Sendto(ctx context.Context, pdu []byte, id uint32, timeout time.Duration) error
	Recvfrom(ctx context.Context, timeout time.Duration) (uint32, []byte, error)
	Sniff(ctx context.Context, duration time.Duration) (map[uint32]struct{}, error)
	SetFilter(ids map[uint32]struct{}, invert bool)
	Flush()
}

// XCPEndpoint is one discovered slave: the arbitration id we probed and the
// id the slave answered from.
type XCPEndpoint struct {
	SlaveID  uint32 `json:"slave_id"`
	MasterID uint32 `json:"master_id"`
}

// CANDiscoveryConfig tunes FindXCPCAN.
type CANDiscoveryConfig struct {
	// SniffTime is how long to listen for ambient traffic before probing.
	SniffTime time.Duration
	// ProbeTimeout bounds both the probe send and each response drain.
	ProbeTimeout time.Duration
	// IDs are the candidate arbitration ids, probed in the given order.
	IDs []uint32
}

// FindXCPCAN probes every candidate id with the XCP connect PDU and collects
// (slave, master) pairs from responses carrying the slave marker. The bus is
// a shared half-duplex medium, so ids are probed strictly one at a time.
func FindXCPCAN(ctx context.Context, bus CANBus, cfg CANDiscoveryConfig) ([]XCPEndpoint, error) {
	log.WithField("duration", cfg.SniffTime).Info("listening to idle bus communication")
	idle, err := bus.Sniff(ctx, cfg.SniffTime)
	if err != nil {
		return nil, err
	}
	log.WithField("count", len(idle)).Info("found CAN addresses on idle bus")

	// Ignore ambient ids from here on, drop anything already queued.
	bus.SetFilter(idle, true)
	bus.Flush()

	var endpoints []XCPEndpoint
	for _, id := range cfg.IDs {
		log.WithField("id", logging.CANIDRepr(id)).Debug("testing CAN id")
		if err := bus.Sendto(ctx, xcp.ProbePDU, id, cfg.ProbeTimeout); err != nil {
			return endpoints, err
		}

		// Drain every answer arriving before the timeout; a single probe
		// can provoke responses from several ids.
		for {
			master, data, err := bus.Recvfrom(ctx, cfg.ProbeTimeout)
			if errors.Is(err, transport.ErrTimeout) {
				break
			}
			if err != nil {
				return endpoints, err
			}
			if xcp.IsSlaveResponse(data) {
				log.WithFields(log.Fields{
					"master": logging.CANIDRepr(master),
					"slave":  logging.CANIDRepr(id),
					"data":   logging.HexField(data),
				}).Info("found XCP endpoint")
				endpoints = append(endpoints, XCPEndpoint{SlaveID: id, MasterID: master})
			} else {
				log.WithFields(log.Fields{
					"id":   logging.CANIDRepr(id),
					"from": logging.CANIDRepr(master),
					"data": logging.HexField(data),
				}).Debug("received non-XCP answer")
			}
		}
	}

	log.WithField("count", len(endpoints)).Info("CAN XCP discovery finished")
	return endpoints, nil
}
