package executor

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"
)

// ConfigRaw is the yaml-tagged shape read from a config file, mirroring
// the donor's ConfigRaw-then-Config two-step used across core/config.
type ConfigRaw struct {
	EntryPoints             []string `yaml:"entry_points"`
	PollingIntervalMs       int64    `yaml:"polling_interval_ms"`
	BundleMode              string   `yaml:"bundle_mode"`
	BundlerFrequencyMs      int64    `yaml:"bundler_frequency_ms"`
	MaxGasLimitPerBundle    uint64   `yaml:"max_gas_limit_per_bundle"`
	AA95ResubmitMultiplier  uint64   `yaml:"aa95_resubmit_multiplier"`
	RPCMaxBlockRange        *uint64  `yaml:"rpc_max_block_range"`
}

// Config is the validated, in-memory configuration for a Manager.
type Config struct {
	EntryPoints            []common.Address
	PollingInterval        int64 // ms
	BundleMode             BundleMode
	BundlerFrequency       int64 // ms
	MaxGasLimitPerBundle   uint64
	AA95ResubmitMultiplier uint64 // percent, e.g. 125 == +25%
	RPCMaxBlockRange       *uint64
}

// hardCodedBundleBatchGasCap is bundle()'s per-batch gas cap; bundleNow
// uses Config.MaxGasLimitPerBundle instead. The divergence is
// intentional -- the two entry points are tuned independently -- and is
// preserved rather than unified.
const hardCodedBundleBatchGasCap = 5_000_000

// stuckTimeout is how long a transaction may sit unreplaced in
// "submitted" before the stuck-replacement pass fires.
const stuckTimeout = 5 * 60 // seconds

// LoadConfig reads and validates a yaml config file into a Config.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var configRaw ConfigRaw
	if err := yaml.Unmarshal(raw, &configRaw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return NewConfig(configRaw)
}

// NewConfig validates a ConfigRaw and builds the typed Config used by
// the Manager.
func NewConfig(raw ConfigRaw) (*Config, error) {
	if len(raw.EntryPoints) == 0 {
		return nil, fmt.Errorf("config: at least one entry point is required")
	}

	entryPoints := make([]common.Address, 0, len(raw.EntryPoints))
	for _, ep := range raw.EntryPoints {
		if !common.IsHexAddress(ep) {
			return nil, fmt.Errorf("config: invalid entry point address %q", ep)
		}
		entryPoints = append(entryPoints, common.HexToAddress(ep))
	}

	mode := BundleMode(raw.BundleMode)
	if mode == "" {
		mode = ModeAuto
	}
	if mode != ModeAuto && mode != ModeManual {
		return nil, fmt.Errorf("config: bundle_mode must be %q or %q, got %q", ModeAuto, ModeManual, raw.BundleMode)
	}

	if mode == ModeAuto && raw.BundlerFrequencyMs <= 0 {
		return nil, fmt.Errorf("config: bundler_frequency_ms must be positive in auto mode")
	}

	if raw.PollingIntervalMs <= 0 {
		return nil, fmt.Errorf("config: polling_interval_ms must be positive")
	}

	if raw.MaxGasLimitPerBundle == 0 {
		return nil, fmt.Errorf("config: max_gas_limit_per_bundle must be positive")
	}

	if raw.AA95ResubmitMultiplier == 0 {
		raw.AA95ResubmitMultiplier = 125
	}

	return &Config{
		EntryPoints:            entryPoints,
		PollingInterval:        raw.PollingIntervalMs,
		BundleMode:             mode,
		BundlerFrequency:       raw.BundlerFrequencyMs,
		MaxGasLimitPerBundle:   raw.MaxGasLimitPerBundle,
		AA95ResubmitMultiplier: raw.AA95ResubmitMultiplier,
		RPCMaxBlockRange:       raw.RPCMaxBlockRange,
	}, nil
}
