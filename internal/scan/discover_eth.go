package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ecuprobe/internal/logging"
	"ecuprobe/internal/transport"
	"ecuprobe/internal/xcp"
)

// EthDiscoveryConfig tunes the TCP/UDP port probes.
type EthDiscoveryConfig struct {
	Host    string
	Ports   []uint32
	Timeout time.Duration
	// Parallel bounds the number of ports probed at once. Each port gets
	// its own connection, so distinct targets may overlap safely.
	Parallel int
}

func (c EthDiscoveryConfig) parallel() int {
	if c.Parallel < 1 {
		return 1
	}
	return c.Parallel
}

// probePort opens one connection, sends the XCP probe and classifies the
// answer. Successfully probed endpoints are disconnected before close.
func probePort(ctx context.Context, scheme, host string, port uint32, timeout time.Duration) (bool, error) {
	target, err := transport.ParseTargetURI(fmt.Sprintf("%s://%s:%d", scheme, host, port))
	if err != nil {
		return false, err
	}
	tp, err := transport.Connect(ctx, target)
	if err != nil {
		// An unreachable port is a normal probe outcome here, not a fatal
		// run error.
		log.WithField("target", target.String()).WithError(err).Debug("connect failed")
		return false, nil
	}
	defer tp.Close()

	if err := tp.Send(ctx, xcp.PackEth(xcp.ProbePDU, 0), timeout); err != nil {
		log.WithField("target", target.String()).WithError(err).Debug("probe send failed")
		return false, nil
	}
	raw, err := tp.Receive(ctx, timeout)
	if err != nil {
		log.WithField("target", target.String()).WithError(err).Debug("no probe answer")
		return false, nil
	}
	_, data, err := xcp.UnpackEth(raw)
	if err != nil {
		log.WithField("target", target.String()).WithError(err).Debug("malformed probe answer")
		return false, nil
	}
	if !xcp.IsSlaveResponse(data) {
		log.WithFields(log.Fields{
			"target": target.String(),
			"data":   logging.HexField(data),
		}).Debug("port is no XCP slave")
		return false, nil
	}

	log.WithFields(log.Fields{
		"target": target.String(),
		"data":   logging.HexField(data),
	}).Info("found XCP slave")

	// Leave the slave in a clean state. Best effort, the answer does not
	// matter.
	if err := tp.Send(ctx, xcp.PackEth(xcp.DisconnectPDU, 1), timeout); err == nil {
		_, _ = tp.Receive(ctx, timeout)
	}
	return true, nil
}

func findXCPEth(ctx context.Context, scheme string, cfg EthDiscoveryConfig) ([]uint32, error) {
	var (
		mu        sync.Mutex
		endpoints []uint32
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.parallel())
	for _, port := range cfg.Ports {
		port := port
		g.Go(func() error {
			ok, err := probePort(gctx, scheme, cfg.Host, port, cfg.Timeout)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				endpoints = append(endpoints, port)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i] < endpoints[j] })
	log.WithFields(log.Fields{
		"scheme": scheme,
		"count":  len(endpoints),
	}).Info("XCP port discovery finished")
	return endpoints, nil
}

// FindXCPTCP probes the configured TCP ports and returns those answering
// with the slave marker.
func FindXCPTCP(ctx context.Context, cfg EthDiscoveryConfig) ([]uint32, error) {
	return findXCPEth(ctx, string(transport.SchemeTCP), cfg)
}

// FindXCPUDP probes the configured UDP ports and returns those answering
// with the slave marker.
func FindXCPUDP(ctx context.Context, cfg EthDiscoveryConfig) ([]uint32, error) {
	return findXCPEth(ctx, string(transport.SchemeUDP), cfg)
}

// FindXCPMulticast sends the broadcast discovery PDU to the fixed XCP
// multicast group and collects every address answering before a quiet
// period of timeout elapses.
func FindXCPMulticast(ctx context.Context, timeout time.Duration) ([]string, error) {
	group, err := net.ResolveUDPAddr("udp4", xcp.MulticastGroup)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, &transport.ConnectionError{Target: xcp.MulticastGroup, Err: err}
	}
	defer conn.Close()

	log.WithField("group", xcp.MulticastGroup).Info("discovering XCP slaves via multicast")
	if _, err := conn.WriteToUDP(xcp.PackEth(xcp.MulticastProbePDU, 0), group); err != nil {
		return nil, &transport.ConnectionError{Target: xcp.MulticastGroup, Err: err}
	}

	var slaves []string
	buf := make([]byte, 64)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return slaves, err
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				break
			}
			return slaves, err
		}
		log.WithFields(log.Fields{
			"slave": from.String(),
			"data":  logging.HexField(buf[:n]),
		}).Info("found XCP slave")
		slaves = append(slaves, from.String())

		select {
		case <-ctx.Done():
			return slaves, ctx.Err()
		default:
		}
	}

	log.WithField("count", len(slaves)).Info("multicast XCP discovery finished")
	return slaves, nil
}
