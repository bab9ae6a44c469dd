// Package config holds the yaml-tagged configuration for the
// vbdev-passthru daemon and the per-device create_disk option set from
// spec §6.2.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/simplyblock-io/vbdev-passthru/internal/logging"
)

// allowed metadata sizes per guest block, in bytes.
var allowedMDLen = map[uint32]bool{
	0:   true,
	8:   true,
	16:  true,
	32:  true,
	64:  true,
	128: true,
}

// VirtualDeviceConfig is the yaml-serializable shape of a single
// bdev_passthru_create call.
type VirtualDeviceConfig struct {
	// BaseBdevName names the base device this virtual device sits on top
	// of. Required.
	BaseBdevName string `yaml:"base_bdev_name"`

	// VbdevName is the unique name of the resulting virtual device.
	// Required.
	VbdevName string `yaml:"vbdev_name"`

	// UUID optionally pins the virtual device's UUID; the zero value
	// means derive it deterministically from (namespace UUID, base UUID).
	UUID uuid.UUID `yaml:"uuid"`

	// BlockSize is the guest-visible block size in bytes. Zero means
	// inherit the base device's block size (multiplier 1).
	BlockSize datasize.ByteSize `yaml:"block_sz"`

	// MDLen is the per-guest-block metadata size in bytes. Must be one of
	// 0, 8, 16, 32, 64, 128.
	MDLen uint32 `yaml:"md_sz"`

	// Mode selects hydration behaviour: true zero-fills the metadata
	// prefix, false reads it off the base device.
	Mode bool `yaml:"mode"`
}

// Validate checks the configuration against the constraints spec §3/§6.2
// place on block_sz/md_sz, independent of any particular base device's
// geometry (base-relative checks, e.g. block_sz % base.blocklen, happen at
// registration once the base device is open).
func (c *VirtualDeviceConfig) Validate() error {
	if c.BaseBdevName == "" {
		return fmt.Errorf("base_bdev_name is required")
	}
	if c.VbdevName == "" {
		return fmt.Errorf("vbdev_name is required")
	}
	if !allowedMDLen[c.MDLen] {
		return fmt.Errorf("md_sz must be one of 0, 8, 16, 32, 64, 128, got %d", c.MDLen)
	}
	if c.BlockSize != 0 && c.BlockSize%datasize.ByteSize(512) != 0 {
		return fmt.Errorf("block_sz must be a multiple of 512, got %s", c.BlockSize)
	}
	return nil
}

// DefaultConfig returns a configuration with no metadata reservation and
// block-size inherited from the base device, matching the source system's
// "off by default" passthru behaviour.
func DefaultConfig() *VirtualDeviceConfig {
	return &VirtualDeviceConfig{
		BlockSize: 0,
		MDLen:     0,
		Mode:      false,
	}
}

// Config is the top-level configuration for the vbdev-passthru daemon.
type Config config
type config struct {
	// Logging is the logging subsystem configuration.
	Logging logging.Config `yaml:"logging"`

	// Devices lists the virtual devices to create at startup. Additional
	// devices may still be created later through the control plane.
	Devices []*VirtualDeviceConfig `yaml:"devices"`
}

// DefaultDaemonConfig returns a daemon configuration with info-level logging and
// no devices configured.
func DefaultDaemonConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
	}
}

// LoadConfig loads and validates the daemon configuration from path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultDaemonConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	return cfg, nil
}

// UnmarshalYAML serves as a proxy for validation.
//
// To avoid infinite recursion, the validating wrapper casts itself to the
// private config struct. This allows the decoder to operate on it using the
// default behavior for handling Go structs without an unmarshal method.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode((*config)(c)); err != nil {
		return err
	}
	return c.Validate()
}

// Validate validates the daemon configuration and every device entry
// within it.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("device %q: %w", d.VbdevName, err)
		}
		if seen[d.VbdevName] {
			return fmt.Errorf("duplicate vbdev_name %q", d.VbdevName)
		}
		seen[d.VbdevName] = true
	}
	return nil
}
