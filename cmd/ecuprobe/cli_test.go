package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecuprobe/internal/config"
)

func subcommandNames(cmd *cobra.Command) []string {
	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	return names
}

func TestDiscoverSubcommands(t *testing.T) {
	names := subcommandNames(newDiscoverCmd())
	assert.ElementsMatch(t,
		[]string{"xcp-can", "xcp-tcp", "xcp-udp", "xcp-multicast"}, names)
}

func TestPrimitiveSubcommands(t *testing.T) {
	names := subcommandNames(newPrimitiveCmd())
	assert.Contains(t, names, "read-did")
	assert.Contains(t, names, "write-memory")
	assert.Contains(t, names, "unlock")
	assert.Contains(t, names, "flash-write")
	assert.Contains(t, names, "dtc")
}

func TestScanFlagOverrides(t *testing.T) {
	cmd := newScanCmd()
	require.NoError(t, cmd.Flags().Parse([]string{
		"--service", "0x2E",
		"--sessions", "1,3",
		"--ids", "0x100-0x1FF",
		"--skips", "3:0x150",
		"--skip-not-supported",
	}))

	cfg := config.Default()
	applyScanFlags(cmd, cfg)

	assert.Equal(t, 0x2E, cfg.Identifiers.Service)
	assert.Equal(t, []int{1, 3}, cfg.Identifiers.Sessions)
	assert.Equal(t, "0x100-0x1FF", cfg.Identifiers.IDs)
	assert.Equal(t, []string{"3:0x150"}, cfg.Identifiers.Skips)
	assert.True(t, cfg.Identifiers.SkipNotSupported)
	// Untouched settings keep the defaults.
	assert.Equal(t, 16, cfg.Identifiers.CheckSession)
}

func TestVECUFlagOverrides(t *testing.T) {
	cmd := newVECUCmd()
	require.NoError(t, cmd.Flags().Parse([]string{
		"--variant", "db",
		"--dataset", "ecus.yaml",
		"--ecu", "engine",
	}))

	cfg := config.Default()
	applyVECUFlags(cmd, cfg)

	assert.Equal(t, "db", cfg.VECU.Variant)
	assert.Equal(t, "ecus.yaml", cfg.VECU.Dataset)
	assert.Equal(t, "engine", cfg.VECU.ECU)
	assert.Equal(t, "tcp://127.0.0.1:20162", cfg.VECU.Listen)
}

func TestRoutineRejectsUnknownAction(t *testing.T) {
	cmd := newRoutineCmd()
	cmd.SetArgs([]string{"pause", "0x0203"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown routine action")
}

func TestUnlockRequiresKeyDerivation(t *testing.T) {
	cmd := newUnlockCmd()
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--key-mask or --cmac-secret")
}

func TestParseByteArg(t *testing.T) {
	v, err := parseByteArg("0x7E")
	require.NoError(t, err)
	assert.Equal(t, byte(0x7E), v)

	_, err = parseByteArg("0x100")
	assert.Error(t, err)
}
