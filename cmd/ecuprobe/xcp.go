package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ecuprobe/internal/capture"
	"ecuprobe/internal/transport"
	"ecuprobe/internal/xcp"
)

func newXCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xcp",
		Short: "XCP interactions with a discovered slave",
	}
	cmd.AddCommand(newXCPInfoCmd())
	return cmd
}

func newXCPInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Connect to an XCP slave and query its status",
		Long: `Connects to the slave and runs GET_STATUS and GET_COMM_MODE_INFO, then
disconnects. Each call is independent; one failing query does not stop
the rest.

For CAN targets the addressing comes from the discover output's URI
parameters: dst is the id commands are sent on, src the id answers
arrive on.`,
		Example: `  ecuprobe xcp info --target tcp://10.0.2.5:5555
  ecuprobe xcp info --target "can-raw://can0?dst=0x6B1&src=0x6B2"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newRunEnv(cmd, "xcp-info")
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return env.finish(runXCPInfo(ctx, env))
		},
	}
}

func runXCPInfo(ctx context.Context, env *runEnv) error {
	target, err := env.parseTarget()
	if err != nil {
		return err
	}
	timeout := time.Duration(env.cfg.UDS.TimeoutMs) * time.Millisecond

	if target.Scheme == transport.SchemeCANRaw {
		return runXCPInfoCAN(ctx, env, target, timeout)
	}

	tp, err := transport.Connect(ctx, target)
	if err != nil {
		return err
	}
	wrapped := capture.WrapTransport(tp, env.rec)
	defer wrapped.Close()

	srv := xcp.NewService(wrapped, timeout)
	if err := srv.Connect(ctx); err != nil {
		return err
	}
	xcp.CatchAndLog("get_status", func() error { return srv.GetStatus(ctx) })
	xcp.CatchAndLog("get_comm_mode_info", func() error { return srv.GetCommModeInfo(ctx) })
	xcp.CatchAndLog("disconnect", func() error { return srv.Disconnect(ctx) })
	return nil
}

func runXCPInfoCAN(ctx context.Context, env *runEnv, target *transport.TargetURI, timeout time.Duration) error {
	txID, err := target.UintParam("dst", 0)
	if err != nil {
		return err
	}
	rxID, err := target.UintParam("src", 0)
	if err != nil {
		return err
	}
	if txID == 0 || rxID == 0 {
		return fmt.Errorf("CAN XCP needs dst and src arbitration ids in the target URI")
	}

	tp, err := transport.ConnectRawCAN(ctx, target)
	if err != nil {
		return err
	}
	defer tp.Close()

	srv := xcp.NewCANService(tp, txID, rxID, timeout)
	if err := srv.Connect(ctx); err != nil {
		return err
	}
	xcp.CatchAndLog("get_status", func() error { return srv.GetStatus(ctx) })
	xcp.CatchAndLog("get_comm_mode_info", func() error { return srv.GetCommModeInfo(ctx) })
	xcp.CatchAndLog("disconnect", func() error { return srv.Disconnect(ctx) })
	return nil
}
