package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfig struct {
	Target string   `json:"target"`
	IDs    string   `json:"ids"`
	Skips  []string `json:"skips,omitempty"`
}

func TestRunMetaRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := fakeConfig{Target: "tcp://192.0.2.1:6801", IDs: "0x100-0x200", Skips: []string{"2"}}

	om, err := NewOutputManager(root, "discover-xcp", cfg)
	require.NoError(t, err)
	assert.NotEqual(t, root, om.OutputDir())
	om.SetTarget(cfg.Target)
	require.NoError(t, om.Finalize(0, nil))

	meta, err := ReadRunMeta(om.OutputDir())
	require.NoError(t, err)
	assert.Equal(t, "discover-xcp", meta.Script)
	assert.Equal(t, om.RunID(), meta.RunID)
	assert.Equal(t, cfg.Target, meta.Target)
	assert.Equal(t, 0, meta.ExitCode)

	var got fakeConfig
	require.NoError(t, meta.DecodeConfig(&got))
	assert.Equal(t, cfg, got)
}

func TestRunMetaRecordsFailure(t *testing.T) {
	om, err := NewOutputManager(t.TempDir(), "scan-identifiers", fakeConfig{})
	require.NoError(t, err)
	require.NoError(t, om.Finalize(1, os.ErrDeadlineExceeded))

	meta, err := ReadRunMeta(om.RunJSONPath())
	require.NoError(t, err)
	assert.Equal(t, 1, meta.ExitCode)
	assert.Contains(t, meta.Error, "deadline")
}

func TestWriteTargets(t *testing.T) {
	om, err := NewOutputManager(t.TempDir(), "discover-xcp", fakeConfig{})
	require.NoError(t, err)

	targets := []string{"can-raw://can0?dst=0x123", "tcp://192.0.2.1:6801"}
	require.NoError(t, om.WriteTargets(targets))
	require.NoError(t, om.Finalize(0, nil))

	raw, err := os.ReadFile(filepath.Join(om.OutputDir(), "targets.txt"))
	require.NoError(t, err)
	assert.Equal(t, "can-raw://can0?dst=0x123\ntcp://192.0.2.1:6801\n", string(raw))

	meta, err := ReadRunMeta(om.OutputDir())
	require.NoError(t, err)
	assert.Equal(t, "targets.txt", meta.Artifacts.TargetsFile)
}

func TestWriteResults(t *testing.T) {
	om, err := NewOutputManager(t.TempDir(), "scan-identifiers", fakeConfig{})
	require.NoError(t, err)

	require.NoError(t, om.WriteResults(map[string]int{"positive": 3}))

	raw, err := os.ReadFile(filepath.Join(om.OutputDir(), "results.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"positive": 3`)
}
