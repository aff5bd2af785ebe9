package main

import (
	"context"
	"encoding/hex"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ecuprobe/internal/config"
	"ecuprobe/internal/scan"
)

func newSeedsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seeds",
		Short: "Collect security-access seeds for offline analysis",
		Long: `Requests security-access seeds for the given level in a loop, building a
seed corpus. With --sessions the scan re-enters each listed session
between requests; ECUs that bind seed entropy to the session show up as
repeating corpora.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			applySeedsFlags(cmd, cfg)
			env, err := newRunEnvFromConfig(cfg, "dump-seeds")
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return env.finish(runDumpSeeds(ctx, env))
		},
	}

	cmd.Flags().Int("level", 0, "Security-access level to request seeds for (odd)")
	cmd.Flags().IntSlice("sessions", nil, "Sessions to cycle through between requests")
	cmd.Flags().Int("count", 0, "Number of seeds to collect")
	cmd.Flags().Int("interval", 0, "Pause between requests in milliseconds")
	cmd.Flags().Int("probe-retries", 0, "Re-send a timed-out seed request this many times")

	return cmd
}

func applySeedsFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("level") {
		cfg.Seeds.Level, _ = flags.GetInt("level")
	}
	if flags.Changed("sessions") {
		cfg.Seeds.Sessions, _ = flags.GetIntSlice("sessions")
	}
	if flags.Changed("count") {
		cfg.Seeds.Count, _ = flags.GetInt("count")
	}
	if flags.Changed("interval") {
		cfg.Seeds.IntervalMs, _ = flags.GetInt("interval")
	}
	if flags.Changed("probe-retries") {
		cfg.Seeds.ProbeRetries, _ = flags.GetInt("probe-retries")
	}
}

type seedRecordView struct {
	Session uint32 `json:"session,omitempty"`
	Seed    string `json:"seed"`
}

func runDumpSeeds(ctx context.Context, env *runEnv) error {
	client, closeClient, err := env.openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient()

	records, err := scan.DumpSeeds(ctx, client, env.cfg.Seeds.Scan())
	if len(records) > 0 {
		view := make([]seedRecordView, 0, len(records))
		for _, r := range records {
			view = append(view, seedRecordView{Session: r.Session, Seed: hex.EncodeToString(r.Seed)})
		}
		if werr := env.out.WriteResults(view); werr != nil && err == nil {
			err = werr
		}
	}
	log.WithField("count", len(records)).Info("seed collection finished")
	return err
}
