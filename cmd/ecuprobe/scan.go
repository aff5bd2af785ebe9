package main

import (
	"context"
	"encoding/hex"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ecuprobe/internal/config"
	"ecuprobe/internal/scan"
	"ecuprobe/internal/uds"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a UDS identifier range across diagnostic sessions",
		Long: `Probes every identifier in the range against the configured service
(ReadDataByIdentifier by default) in each listed session, tallying
positive, abnormal and timed-out answers. Skip entries exclude whole
sessions ("2") or id ranges within a session ("3:0x1000-0x2000").`,
		Example: `  # Read-by-identifier sweep in the default session
  ecuprobe scan --target isotp://can0?src_addr=0x7E0&dst_addr=0x7E8

  # WriteDataByIdentifier scan in sessions 1 and 3, skipping the VIN
  ecuprobe scan --target tcp://10.0.2.5:3496 \
    --service 0x2E --sessions 1,3 --skips 3:0xF190 --payload 00`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			applyScanFlags(cmd, cfg)
			env, err := newRunEnvFromConfig(cfg, "scan-identifiers")
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return env.finish(runScanIdentifiers(ctx, env))
		},
	}

	cmd.Flags().Int("service", 0, "Service id to scan with (default ReadDataByIdentifier)")
	cmd.Flags().IntSlice("sessions", nil, "Diagnostic sessions to scan (empty: current session only)")
	cmd.Flags().String("ids", "", "Identifier range, e.g. 0x0000-0xFFFF")
	cmd.Flags().StringSlice("skips", nil, "Skip entries, session[:id-range]")
	cmd.Flags().String("payload", "", "Hex payload appended to each request")
	cmd.Flags().Int("check-session", 0, "Re-check the active session every n identifiers (0: never)")
	cmd.Flags().Bool("skip-not-supported", false, "Stop a session early on serviceNotSupported answers")
	cmd.Flags().Int("probe-retries", 0, "Re-send a timed-out probe this many times")

	return cmd
}

func applyScanFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("service") {
		cfg.Identifiers.Service, _ = flags.GetInt("service")
	}
	if flags.Changed("sessions") {
		cfg.Identifiers.Sessions, _ = flags.GetIntSlice("sessions")
	}
	if flags.Changed("ids") {
		cfg.Identifiers.IDs, _ = flags.GetString("ids")
	}
	if flags.Changed("skips") {
		cfg.Identifiers.Skips, _ = flags.GetStringSlice("skips")
	}
	if flags.Changed("payload") {
		cfg.Identifiers.PayloadHex, _ = flags.GetString("payload")
	}
	if flags.Changed("check-session") {
		cfg.Identifiers.CheckSession, _ = flags.GetInt("check-session")
	}
	if flags.Changed("skip-not-supported") {
		cfg.Identifiers.SkipNotSupported, _ = flags.GetBool("skip-not-supported")
	}
	if flags.Changed("probe-retries") {
		cfg.Identifiers.ProbeRetries, _ = flags.GetInt("probe-retries")
	}
}

// identifierFindingView is the JSON shape persisted for one finding.
type identifierFindingView struct {
	Session  uint32 `json:"session"`
	ID       uint32 `json:"id"`
	NRC      string `json:"nrc,omitempty"`
	Response string `json:"response,omitempty"`
}

type identifiersResultView struct {
	Service  string                  `json:"service"`
	Findings []identifierFindingView `json:"findings"`
	Positive int                     `json:"positive"`
	Abnormal int                     `json:"abnormal"`
	Timeouts int                     `json:"timeouts"`
}

func runScanIdentifiers(ctx context.Context, env *runEnv) error {
	scanCfg, err := env.cfg.Identifiers.Scan()
	if err != nil {
		return err
	}

	client, closeClient, err := env.openClient(ctx)
	if err != nil {
		return err
	}
	defer closeClient()

	result, err := scan.Identifiers(ctx, client, scanCfg)
	if result != nil {
		view := identifiersResultView{
			Service:  uds.ServiceName(scanCfg.Service),
			Findings: make([]identifierFindingView, 0, len(result.Findings)),
			Positive: result.Positive,
			Abnormal: result.Abnormal,
			Timeouts: result.Timeouts,
		}
		for _, f := range result.Findings {
			view.Findings = append(view.Findings, identifierFindingView{
				Session:  f.Session,
				ID:       f.ID,
				NRC:      f.NRC,
				Response: hex.EncodeToString(f.Response),
			})
		}
		if werr := env.out.WriteResults(view); werr != nil && err == nil {
			err = werr
		}
		log.WithFields(log.Fields{
			"positive": result.Positive,
			"abnormal": result.Abnormal,
			"timeouts": result.Timeouts,
		}).Info("identifier scan finished")
	}
	return err
}
