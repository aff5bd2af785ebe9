package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.yaml")
	doc := `
target: "tcp://192.0.2.7:3496"
uds:
  timeout_ms: 500
identifiers:
  service: 0x2E
  sessions: [0x01, 0x03]
  skips: ["3:0x1000-0x2000"]
vecu:
  variant: db
  dataset: ecus.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp://192.0.2.7:3496", cfg.Target)
	assert.Equal(t, 500, cfg.UDS.TimeoutMs)
	// Untouched sections keep their defaults.
	assert.Equal(t, 120, cfg.UDS.MaxPending)
	assert.Equal(t, "0x000-0x7FF", cfg.Discover.IDs)
	assert.Equal(t, 0x2E, cfg.Identifiers.Service)
	assert.Equal(t, []int{0x01, 0x03}, cfg.Identifiers.Sessions)
	assert.Equal(t, "db", cfg.VECU.Variant)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.UDS.TimeoutMs = 0 }},
		{"negative retry", func(c *Config) { c.UDS.MaxRetry = -1 }},
		{"service out of range", func(c *Config) { c.Identifiers.Service = 0x100 }},
		{"session out of range", func(c *Config) { c.Identifiers.Sessions = []int{0x100} }},
		{"even seed level", func(c *Config) { c.Seeds.Level = 0x02 }},
		{"negative probe retries", func(c *Config) { c.Seeds.ProbeRetries = -1 }},
		{"unknown vecu variant", func(c *Config) { c.VECU.Variant = "replay" }},
		{"db without dataset", func(c *Config) { c.VECU.Variant = "db"; c.VECU.Dataset = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestRequestConfigConversion(t *testing.T) {
	rc := UDSConfig{TimeoutMs: 250, MaxPending: 5, MaxRetry: 2, RetryBackoffMs: 50}.RequestConfig()
	assert.Equal(t, 250*time.Millisecond, rc.Timeout)
	assert.Equal(t, 5, rc.MaxPending)
	assert.Equal(t, 2, rc.MaxRetry)
	assert.Equal(t, 50*time.Millisecond, rc.RetryBackoff)
}

func TestIdentifiersScanConversion(t *testing.T) {
	c := IdentifiersConfig{
		Service:      0x31,
		Sessions:     []int{0x02},
		IDs:          "0x10-0x12,0x20",
		Skips:        []string{"2:0x11"},
		PayloadHex:   "dead",
		ProbeRetries: 2,
	}
	sc, err := c.Scan()
	require.NoError(t, err)
	assert.Equal(t, byte(0x31), sc.Service)
	assert.Equal(t, []uint32{0x02}, sc.Sessions)
	assert.Equal(t, []uint32{0x10, 0x11, 0x12, 0x20}, sc.IDs)
	assert.True(t, sc.Skips.Contains(0x02, 0x11))
	assert.Equal(t, []byte{0xDE, 0xAD}, sc.Payload)
	assert.Equal(t, 2, sc.ProbeRetries)
}

func TestIdentifiersScanBadRange(t *testing.T) {
	_, err := IdentifiersConfig{IDs: "0x10-"}.Scan()
	assert.Error(t, err)
}

func TestFuzzScanBadTemplate(t *testing.T) {
	_, err := FuzzConfig{TemplateHex: "zz"}.Scan()
	assert.Error(t, err)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
