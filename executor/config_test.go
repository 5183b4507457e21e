package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfigRaw() ConfigRaw {
	return ConfigRaw{
		EntryPoints:          []string{"0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"},
		PollingIntervalMs:    1000,
		BundleMode:           "auto",
		BundlerFrequencyMs:   2000,
		MaxGasLimitPerBundle: 10_000_000,
	}
}

func TestNewConfig_Valid(t *testing.T) {
	cfg, err := NewConfig(validConfigRaw())
	require.NoError(t, err)
	require.Len(t, cfg.EntryPoints, 1)
	require.Equal(t, ModeAuto, cfg.BundleMode)
	require.Equal(t, uint64(125), cfg.AA95ResubmitMultiplier, "default multiplier applies when unset")
}

func TestNewConfig_RejectsNoEntryPoints(t *testing.T) {
	raw := validConfigRaw()
	raw.EntryPoints = nil
	_, err := NewConfig(raw)
	require.Error(t, err)
}

func TestNewConfig_RejectsInvalidEntryPointAddress(t *testing.T) {
	raw := validConfigRaw()
	raw.EntryPoints = []string{"not-an-address"}
	_, err := NewConfig(raw)
	require.Error(t, err)
}

func TestNewConfig_RejectsAutoModeWithoutFrequency(t *testing.T) {
	raw := validConfigRaw()
	raw.BundlerFrequencyMs = 0
	_, err := NewConfig(raw)
	require.Error(t, err)
}

func TestNewConfig_ManualModeAllowsZeroFrequency(t *testing.T) {
	raw := validConfigRaw()
	raw.BundleMode = "manual"
	raw.BundlerFrequencyMs = 0
	cfg, err := NewConfig(raw)
	require.NoError(t, err)
	require.Equal(t, ModeManual, cfg.BundleMode)
}

func TestNewConfig_RejectsUnknownMode(t *testing.T) {
	raw := validConfigRaw()
	raw.BundleMode = "sometimes"
	_, err := NewConfig(raw)
	require.Error(t, err)
}

func TestNewConfig_RejectsZeroPollingInterval(t *testing.T) {
	raw := validConfigRaw()
	raw.PollingIntervalMs = 0
	_, err := NewConfig(raw)
	require.Error(t, err)
}

func TestNewConfig_RejectsZeroMaxGasLimit(t *testing.T) {
	raw := validConfigRaw()
	raw.MaxGasLimitPerBundle = 0
	_, err := NewConfig(raw)
	require.Error(t, err)
}

func TestNewConfig_PreservesExplicitAA95Multiplier(t *testing.T) {
	raw := validConfigRaw()
	raw.AA95ResubmitMultiplier = 150
	cfg, err := NewConfig(raw)
	require.NoError(t, err)
	require.Equal(t, uint64(150), cfg.AA95ResubmitMultiplier)
}
