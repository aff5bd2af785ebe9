package main

import (
	"context"
	"encoding/hex"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ecuprobe/internal/config"
	"ecuprobe/internal/scan"
)

func newFuzzCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Mutate a PDU template against the target and record anomalies",
		Long: `Sends seeded random mutations of the template PDU, keeping the service
id fixed. Unexpected positive responses, timeouts and malformed answers
are recorded as anomalies. With --ping-every the target's liveness is
checked periodically and the run stops once the ECU goes silent.

Runs are reproducible: the same --seed yields the same mutation
sequence.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			applyFuzzFlags(cmd, cfg)
			env, err := newRunEnvFromConfig(cfg, "fuzz")
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return env.finish(runFuzz(ctx, env))
		},
	}

	cmd.Flags().String("template", "", "Hex PDU template to mutate")
	cmd.Flags().Int("iterations", 0, "Number of mutated PDUs to send")
	cmd.Flags().Int64("seed", 0, "RNG seed for the mutation sequence")
	cmd.Flags().Int("max-mutations", 0, "Maximum mutated bytes per PDU")
	cmd.Flags().Int("ping-every", 0, "Liveness check cadence (0: never)")
	cmd.Flags().Int("probe-retries", 0, "Re-send a timed-out PDU this many times before recording an anomaly")

	return cmd
}

func applyFuzzFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("template") {
		cfg.Fuzz.TemplateHex, _ = flags.GetString("template")
	}
	if flags.Changed("iterations") {
		cfg.Fuzz.Iterations, _ = flags.GetInt("iterations")
	}
	if flags.Changed("seed") {
		cfg.Fuzz.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("max-mutations") {
		cfg.Fuzz.MaxMutations, _ = flags.GetInt("max-mutations")
	}
	if flags.Changed("ping-every") {
		cfg.Fuzz.PingEvery, _ = flags.GetInt("ping-every")
	}
	if flags.Changed("probe-retries") {
		cfg.Fuzz.ProbeRetries, _ = flags.GetInt("probe-retries")
	}
}

type anomalyView struct {
	Iteration int    `json:"iteration"`
	PDU       string `json:"pdu"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
}

func runFuzz(ctx context.Context, env *runEnv) error {
	fuzzCfg, err := env.cfg.Fuzz.Scan()
	if err != nil {
		return err
	}

	client, closeClient, err := env.openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient()

	anomalies, err := scan.Fuzz(ctx, client, fuzzCfg)
	if len(anomalies) > 0 {
		view := make([]anomalyView, 0, len(anomalies))
		for _, a := range anomalies {
			view = append(view, anomalyView{
				Iteration: a.Iteration,
				PDU:       hex.EncodeToString(a.PDU),
				Kind:      a.Kind,
				Detail:    a.Detail,
			})
		}
		if werr := env.out.WriteResults(view); werr != nil && err == nil {
			err = werr
		}
	}
	log.WithField("anomalies", len(anomalies)).Info("fuzzing finished")
	return err
}
