// Package latency provides the timing configuration for the accelerator's
// external collaborators.
//
// The PE itself advances one state per cycle; these values govern how long
// each collaborator keeps it in a WAIT state.
package latency

import (
	"encoding/json"
	"fmt"
	"os"
)

// TimingConfig holds latency values for the accelerator's collaborators.
type TimingConfig struct {
	// AFULatency is the activation-function unit latency in cycles for an
	// activation lookup. Default: 3 cycles.
	AFULatency uint64 `json:"afu_latency"`

	// AFUErrorLatency is the activation-function unit latency for an
	// error-function lookup. Default: 2 cycles.
	AFUErrorLatency uint64 `json:"afu_error_latency"`

	// BlockFetchHitLatency is the register-file block fetch latency when
	// the block cache hits. Default: 1 cycle.
	BlockFetchHitLatency uint64 `json:"block_fetch_hit_latency"`

	// BlockFetchMissLatency is the register-file block fetch latency when
	// the block cache misses. Default: 6 cycles.
	BlockFetchMissLatency uint64 `json:"block_fetch_miss_latency"`

	// TargetFetchLatency is the latency of fetching an expected-output or
	// accumulated-delta value on behalf of the PE. Default: 2 cycles.
	TargetFetchLatency uint64 `json:"target_fetch_latency"`
}

// DefaultTimingConfig returns a TimingConfig with default values.
func DefaultTimingConfig() *TimingConfig {
	return &TimingConfig{
		AFULatency:            3,
		AFUErrorLatency:       2,
		BlockFetchHitLatency:  1,
		BlockFetchMissLatency: 6,
		TargetFetchLatency:    2,
	}
}

// LoadConfig loads a TimingConfig from a JSON file.
func LoadConfig(path string) (*TimingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timing config file: %w", err)
	}

	config := DefaultTimingConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse timing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig writes a TimingConfig to a JSON file.
func (c *TimingConfig) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize timing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write timing config file: %w", err)
	}

	return nil
}

// Validate checks that all latency values are valid (> 0).
func (c *TimingConfig) Validate() error {
	if c.AFULatency == 0 {
		return fmt.Errorf("afu_latency must be > 0")
	}
	if c.AFUErrorLatency == 0 {
		return fmt.Errorf("afu_error_latency must be > 0")
	}
	if c.BlockFetchHitLatency == 0 {
		return fmt.Errorf("block_fetch_hit_latency must be > 0")
	}
	if c.BlockFetchMissLatency < c.BlockFetchHitLatency {
		return fmt.Errorf("block_fetch_miss_latency must be >= block_fetch_hit_latency")
	}
	if c.TargetFetchLatency == 0 {
		return fmt.Errorf("target_fetch_latency must be > 0")
	}
	return nil
}

// Clone returns a deep copy of the TimingConfig.
func (c *TimingConfig) Clone() *TimingConfig {
	clone := *c
	return &clone
}
