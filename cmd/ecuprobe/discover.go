package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ecuprobe/internal/config"
	"ecuprobe/internal/scan"
	"ecuprobe/internal/transport"
)

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover XCP endpoints on CAN or ethernet",
	}

	cmd.PersistentFlags().String("ids", "", "CAN arbitration id range to probe, e.g. 0x000-0x7FF")
	cmd.PersistentFlags().Int("sniff-time", 0, "Idle-traffic sniff duration in milliseconds")
	cmd.PersistentFlags().Int("probe-timeout", 0, "Per-probe response timeout in milliseconds")
	cmd.PersistentFlags().String("ports", "", "Port range to probe, e.g. 5555,5557-5560")
	cmd.PersistentFlags().Int("parallel", 0, "Parallel port probes")

	cmd.AddCommand(newDiscoverXCPCANCmd())
	cmd.AddCommand(newDiscoverXCPEthCmd("xcp-tcp", "discover-xcp-tcp", "Probe TCP ports for XCP slaves", runDiscoverXCPTCP))
	cmd.AddCommand(newDiscoverXCPEthCmd("xcp-udp", "discover-xcp-udp", "Probe UDP ports for XCP slaves", runDiscoverXCPUDP))
	cmd.AddCommand(newDiscoverXCPMulticastCmd())

	return cmd
}

func applyDiscoverFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("ids") {
		cfg.Discover.IDs, _ = flags.GetString("ids")
	}
	if flags.Changed("sniff-time") {
		cfg.Discover.SniffTimeMs, _ = flags.GetInt("sniff-time")
	}
	if flags.Changed("probe-timeout") {
		cfg.Discover.ProbeTimeoutMs, _ = flags.GetInt("probe-timeout")
	}
	if flags.Changed("ports") {
		cfg.Discover.Ports, _ = flags.GetString("ports")
	}
	if flags.Changed("parallel") {
		cfg.Discover.ParallelProbes, _ = flags.GetInt("parallel")
	}
}

func newDiscoverXCPCANCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "xcp-can",
		Short: "Probe CAN arbitration ids for XCP slaves",
		Long: `Sniffs the bus to learn its idle traffic, filters those ids out, then
sends an XCP CONNECT probe at every id in the range. Each responding
(slave id, master id) pair is recorded as a discovered endpoint.

The target must be a can-raw URI naming the interface, e.g.
can-raw://can0.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			applyDiscoverFlags(cmd, cfg)
			env, err := newRunEnvFromConfig(cfg, "discover-xcp-can")
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return env.finish(runDiscoverXCPCAN(ctx, env))
		},
	}
}

func runDiscoverXCPCAN(ctx context.Context, env *runEnv) error {
	target, err := env.parseTarget()
	if err != nil {
		return err
	}
	if target.Scheme != transport.SchemeCANRaw {
		return fmt.Errorf("discover xcp-can needs a can-raw:// target, got %s", target)
	}

	canCfg, err := env.cfg.Discover.CANScan()
	if err != nil {
		return err
	}

	bus, err := transport.ConnectRawCAN(ctx, target)
	if err != nil {
		return err
	}
	defer bus.Close()

	endpoints, err := scan.FindXCPCAN(ctx, bus, canCfg)
	if err != nil {
		return err
	}

	targets := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		uri := fmt.Sprintf("can-raw://%s?dst=0x%03X&src=0x%03X",
			target.Hostname, ep.SlaveID, ep.MasterID)
		targets = append(targets, uri)
		log.WithFields(log.Fields{
			"slave_id":  fmt.Sprintf("0x%03X", ep.SlaveID),
			"master_id": fmt.Sprintf("0x%03X", ep.MasterID),
		}).Info("XCP slave found")
	}
	log.WithField("count", len(endpoints)).Info("CAN discovery finished")

	if err := env.out.WriteTargets(targets); err != nil {
		return err
	}
	return env.out.WriteResults(endpoints)
}

func newDiscoverXCPEthCmd(use, script, short string, run func(context.Context, *runEnv) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long: `Probes every port in the range with an XCP CONNECT and classifies the
answer. The host is taken from the target URI; its port is ignored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			applyDiscoverFlags(cmd, cfg)
			env, err := newRunEnvFromConfig(cfg, script)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return env.finish(run(ctx, env))
		},
	}
}

func runDiscoverXCPTCP(ctx context.Context, env *runEnv) error {
	return runDiscoverXCPEth(ctx, env, "tcp", scan.FindXCPTCP)
}

func runDiscoverXCPUDP(ctx context.Context, env *runEnv) error {
	return runDiscoverXCPEth(ctx, env, "udp", scan.FindXCPUDP)
}

func runDiscoverXCPEth(ctx context.Context, env *runEnv, scheme string,
	find func(context.Context, scan.EthDiscoveryConfig) ([]uint32, error)) error {

	target, err := env.parseTarget()
	if err != nil {
		return err
	}
	ethCfg, err := env.cfg.Discover.EthScan(target.Hostname)
	if err != nil {
		return err
	}

	ports, err := find(ctx, ethCfg)
	if err != nil {
		return err
	}

	targets := make([]string, 0, len(ports))
	for _, port := range ports {
		uri := fmt.Sprintf("%s://%s:%d", scheme, target.Hostname, port)
		targets = append(targets, uri)
		log.WithField("target", uri).Info("XCP slave found")
	}
	log.WithField("count", len(ports)).Info("port discovery finished")

	if err := env.out.WriteTargets(targets); err != nil {
		return err
	}
	return env.out.WriteResults(ports)
}

func newDiscoverXCPMulticastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "xcp-multicast",
		Short: "Find XCP slaves via the GET_SLAVE_ID multicast",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			applyDiscoverFlags(cmd, cfg)
			env, err := newRunEnvFromConfig(cfg, "discover-xcp-multicast")
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return env.finish(runDiscoverXCPMulticast(ctx, env))
		},
	}
}

func runDiscoverXCPMulticast(ctx context.Context, env *runEnv) error {
	timeout := time.Duration(env.cfg.Discover.SniffTimeMs) * time.Millisecond
	answers, err := scan.FindXCPMulticast(ctx, timeout)
	if err != nil {
		return err
	}
	for _, addr := range answers {
		log.WithField("address", addr).Info("XCP slave answered multicast")
	}
	log.WithField("count", len(answers)).Info("multicast discovery finished")

	if err := env.out.WriteTargets(answers); err != nil {
		return err
	}
	return env.out.WriteResults(answers)
}
