package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ecuprobe/internal/config"
	"ecuprobe/internal/transport"
	"ecuprobe/internal/vecu"
)

func newVECUCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vecu",
		Short: "Host a virtual ECU for harness testing",
		Long: `Serves the ECU side of the diagnostic protocol on the listen address.

The random variant draws a reproducible behavior model from --seed:
which sessions exist, which services they offer and the security-access
key derivation are all functions of the seed. The db variant replays
request/response pairs from a yaml dataset.`,
		Example: `  # Deterministic random ECU on TCP
  ecuprobe vecu --variant random --seed 42 --listen tcp://127.0.0.1:20162

  # Replay a recorded ECU over ISO-TP
  ecuprobe vecu --variant db --dataset ecus.yaml --ecu engine \
    --listen "isotp://vcan0?src_addr=0x7E0&dst_addr=0x7E8"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			applyVECUFlags(cmd, cfg)
			env, err := newRunEnvFromConfig(cfg, "vecu")
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return env.finish(runVECU(ctx, env))
		},
	}

	cmd.Flags().String("variant", "", "ECU behavior: random or db")
	cmd.Flags().String("listen", "", "Listen target URI (tcp, unix-lines or isotp)")
	cmd.Flags().Int64("seed", 0, "Master seed for the random variant")
	cmd.Flags().String("dataset", "", "yaml dataset for the db variant")
	cmd.Flags().String("ecu", "", "ECU name within the dataset (default: first entry)")

	return cmd
}

func applyVECUFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("variant") {
		cfg.VECU.Variant, _ = flags.GetString("variant")
	}
	if flags.Changed("listen") {
		cfg.VECU.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("seed") {
		cfg.VECU.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("dataset") {
		cfg.VECU.Dataset, _ = flags.GetString("dataset")
	}
	if flags.Changed("ecu") {
		cfg.VECU.ECU, _ = flags.GetString("ecu")
	}
}

func runVECU(ctx context.Context, env *runEnv) error {
	vc := env.cfg.VECU

	var srv vecu.Server
	switch vc.Variant {
	case "random":
		srv = vecu.NewRandomServer(vc.Seed)
	case "db":
		srv = vecu.NewDBServer(vc.Dataset, vc.ECU, vc.Overrides)
	default:
		return fmt.Errorf("unknown vecu variant %q", vc.Variant)
	}

	target, err := transport.ParseTargetURI(vc.Listen)
	if err != nil {
		return fmt.Errorf("listen target: %w", err)
	}

	if err := srv.Setup(); err != nil {
		return fmt.Errorf("vecu setup: %w", err)
	}
	defer func() {
		if err := srv.Teardown(); err != nil {
			log.WithError(err).Warn("vecu teardown")
		}
	}()

	st, err := vecu.NewServerTransport(srv, target)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"listen":  vc.Listen,
		"variant": vc.Variant,
	}).Info("virtual ECU up")
	return st.Run(ctx)
}
