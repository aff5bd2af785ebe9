package main

// Shared per-run plumbing: configuration resolution, logging, artifact
// directory and optional pcap capture.

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ecuprobe/internal/artifact"
	"ecuprobe/internal/capture"
	"ecuprobe/internal/config"
	"ecuprobe/internal/logging"
	"ecuprobe/internal/transport"
	"ecuprobe/internal/uds"
)

// loadRunConfig resolves the effective configuration: defaults, then the
// yaml config file, then flag and environment overrides.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetEnvPrefix("ECUPROBE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindFlag(v, cmd, "target")
	bindFlag(v, cmd, "output-dir")
	bindFlag(v, cmd, "log-level")
	bindFlag(v, cmd, "log-file")
	bindFlag(v, cmd, "pcap")
	bindFlag(v, cmd, "timeout")

	if s := v.GetString("target"); s != "" {
		cfg.Target = s
	}
	if s := v.GetString("output-dir"); s != "" {
		cfg.OutputDir = s
	}
	if s := v.GetString("log-level"); s != "" {
		cfg.Logging.Level = s
	}
	if s := v.GetString("log-file"); s != "" {
		cfg.Logging.File = s
	}
	if v.GetBool("pcap") {
		cfg.PCAP = true
	}
	if ms := v.GetInt("timeout"); ms > 0 {
		cfg.UDS.TimeoutMs = ms
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, name string) {
	if f := cmd.Flags().Lookup(name); f != nil {
		_ = v.BindPFlag(name, f)
	}
}

// runEnv bundles the per-run plumbing every command shares.
type runEnv struct {
	cfg      *config.Config
	out      *artifact.OutputManager
	rec      *capture.Recorder
	logClose io.Closer
}

func newRunEnv(cmd *cobra.Command, script string) (*runEnv, error) {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newRunEnvFromConfig(cfg, script)
}

// newRunEnvFromConfig is the entry point shared with rerun, which brings
// its own already-resolved configuration.
func newRunEnvFromConfig(cfg *config.Config, script string) (*runEnv, error) {
	logClose, err := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return nil, err
	}

	out, err := artifact.NewOutputManager(cfg.OutputDir, script, cfg)
	if err != nil {
		logClose.Close()
		return nil, err
	}
	out.SetTarget(cfg.Target)

	env := &runEnv{cfg: cfg, out: out, logClose: logClose}
	if cfg.PCAP {
		rec, err := capture.NewRecorder(out.PCAPPath())
		if err != nil {
			env.close()
			return nil, err
		}
		env.rec = rec
	}

	log.WithFields(log.Fields{
		"run_id": out.RunID(),
		"dir":    out.OutputDir(),
	}).Info("run started")
	return env, nil
}

// finish writes run metadata and releases the run's resources. It hands
// runErr back so RunE can surface it.
func (e *runEnv) finish(runErr error) error {
	exitCode := 0
	if runErr != nil {
		exitCode = 1
	}
	if err := e.out.Finalize(exitCode, runErr); err != nil {
		log.WithError(err).Warn("write run metadata")
	}
	e.close()
	return runErr
}

func (e *runEnv) close() {
	if e.rec != nil {
		e.rec.Close()
	}
	if e.logClose != nil {
		e.logClose.Close()
	}
}

// parseTarget returns the configured target, rejecting runs without one.
func (e *runEnv) parseTarget() (*transport.TargetURI, error) {
	if e.cfg.Target == "" {
		return nil, fmt.Errorf("no target configured (use --target or the config file)")
	}
	return transport.ParseTargetURI(e.cfg.Target)
}

// openClient connects the transport, wrapped for capture when enabled,
// and returns a UDS client plus a closer for the connection.
func (e *runEnv) openClient(ctx context.Context) (*uds.Client, func(), error) {
	target, err := e.parseTarget()
	if err != nil {
		return nil, nil, err
	}
	tp, err := transport.Connect(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	wrapped := capture.WrapTransport(tp, e.rec)
	client := uds.NewClient(wrapped, e.cfg.UDS.RequestConfig())
	return client, func() { wrapped.Close() }, nil
}

// signalContext is cancelled on SIGINT/SIGTERM so scans shut down and
// still write their artifacts.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
