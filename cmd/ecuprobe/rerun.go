package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ecuprobe/internal/artifact"
	"ecuprobe/internal/config"
)

// rerunnableScripts maps a recorded script identifier to its runner.
// Primitives are excluded: their parameters live in positional
// arguments, not in the recorded configuration.
var rerunnableScripts = map[string]func(context.Context, *runEnv) error{
	"discover-xcp-can":       runDiscoverXCPCAN,
	"discover-xcp-tcp":       runDiscoverXCPTCP,
	"discover-xcp-udp":       runDiscoverXCPUDP,
	"discover-xcp-multicast": runDiscoverXCPMulticast,
	"scan-identifiers":       runScanIdentifiers,
	"dump-seeds":             runDumpSeeds,
	"fuzz":                   runFuzz,
	"xcp-info":               runXCPInfo,
	"vecu":                   runVECU,
}

func newRerunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <run.json|run-directory>",
		Short: "Repeat a prior run with its recorded configuration",
		Long: `Reads the run metadata written by a previous invocation and executes the
same script with the identical configuration, producing a fresh artifact
directory. Useful for reproducing a scan after an ECU firmware change.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := artifact.ReadRunMeta(args[0])
			if err != nil {
				return err
			}

			run, ok := rerunnableScripts[meta.Script]
			if !ok {
				return fmt.Errorf("script %q cannot be re-run", meta.Script)
			}

			cfg := config.Default()
			if err := meta.DecodeConfig(cfg); err != nil {
				return fmt.Errorf("decode recorded config: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("recorded config: %w", err)
			}

			env, err := newRunEnvFromConfig(cfg, meta.Script)
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"script":      meta.Script,
				"original_id": meta.RunID,
			}).Info("repeating run")

			ctx, cancel := signalContext()
			defer cancel()
			return env.finish(run(ctx, env))
		},
	}
}
