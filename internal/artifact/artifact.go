// Package artifact handles structured output artifacts for scan runs: run
// metadata for later replay, discovered targets and result tables.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunMeta describes one invocation: which script ran, against what, with
// which configuration. It is written once per run and read back by the
// rerun path to re-execute the invocation with identical parameters.
type RunMeta struct {
	RunID     string    `json:"run_id"`
	Script    string    `json:"script"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  string    `json:"duration"`

	Target string `json:"target,omitempty"`

	// Config is the script's serialized configuration, opaque to this
	// package. Read-only after creation.
	Config json.RawMessage `json:"config"`

	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`

	// Artifact paths, relative to the output directory.
	Artifacts Paths `json:"artifacts"`
}

// Paths lists the artifacts a run produced.
type Paths struct {
	RunJSON     string `json:"run_json"`
	TargetsFile string `json:"targets_file,omitempty"`
	ResultsJSON string `json:"results_json,omitempty"`
	PCAPFile    string `json:"pcap_file,omitempty"`
}

// OutputManager owns the artifact directory of one run.
type OutputManager struct {
	outputDir string
	runID     string
	meta      *RunMeta
}

// NewOutputManager creates a per-run directory under outputDir and
// records the script identifier and its serialized configuration for
// later replay.
func NewOutputManager(outputDir, script string, config any) (*OutputManager, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}

	runID := time.Now().Format("20060102-150405")
	runDir := filepath.Join(outputDir, fmt.Sprintf("%s_%s", script, runID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	return &OutputManager{
		outputDir: runDir,
		runID:     runID,
		meta: &RunMeta{
			RunID:     runID,
			Script:    script,
			StartTime: time.Now(),
			Config:    raw,
			Artifacts: Paths{RunJSON: "run.json"},
		},
	}, nil
}

// OutputDir returns the per-run directory path.
func (m *OutputManager) OutputDir() string { return m.outputDir }

// RunID returns the run identifier.
func (m *OutputManager) RunID() string { return m.runID }

// SetTarget records the probed target address.
func (m *OutputManager) SetTarget(target string) {
	m.meta.Target = target
}

// PCAPPath returns the full path for the capture file and records it in
// the metadata.
func (m *OutputManager) PCAPPath() string {
	name := fmt.Sprintf("capture_%s.pcap", m.runID)
	m.meta.Artifacts.PCAPFile = name
	return filepath.Join(m.outputDir, name)
}

// RunJSONPath returns the full path for the run.json file.
func (m *OutputManager) RunJSONPath() string {
	return filepath.Join(m.outputDir, "run.json")
}

// WriteTargets writes discovered target addresses, one per line, for
// feeding into subsequent scan invocations.
func (m *OutputManager) WriteTargets(targets []string) error {
	f, err := os.Create(filepath.Join(m.outputDir, "targets.txt"))
	if err != nil {
		return fmt.Errorf("write targets: %w", err)
	}
	defer f.Close()

	for _, target := range targets {
		if _, err := fmt.Fprintln(f, target); err != nil {
			return fmt.Errorf("write targets: %w", err)
		}
	}
	m.meta.Artifacts.TargetsFile = "targets.txt"
	return nil
}

// WriteResults writes a result table as indented JSON.
func (m *OutputManager) WriteResults(results any) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize results: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.outputDir, "results.json"), data, 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	m.meta.Artifacts.ResultsJSON = "results.json"
	return nil
}

// Finalize stamps the end time and outcome and writes run.json.
func (m *OutputManager) Finalize(exitCode int, runErr error) error {
	m.meta.EndTime = time.Now()
	m.meta.Duration = m.meta.EndTime.Sub(m.meta.StartTime).String()
	m.meta.ExitCode = exitCode
	if runErr != nil {
		m.meta.Error = runErr.Error()
	}

	data, err := json.MarshalIndent(m.meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.RunJSONPath(), data, 0o644)
}

// ReadRunMeta loads a prior run's metadata. Pass either the run.json file
// itself or its directory.
func ReadRunMeta(path string) (*RunMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		path = filepath.Join(path, "run.json")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta RunMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &meta, nil
}

// DecodeConfig deserializes the stored configuration into cfg.
func (m *RunMeta) DecodeConfig(cfg any) error {
	if err := json.Unmarshal(m.Config, cfg); err != nil {
		return fmt.Errorf("decode stored config of run %s: %w", m.RunID, err)
	}
	return nil
}
