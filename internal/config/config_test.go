package config

import (
	"net/url"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/simplyblock-io/vbdev-passthru/internal/xerror"
)

func TestVirtualDeviceConfig_ValidateRequiresNames(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate())

	cfg.BaseBdevName = "base0"
	assert.Error(t, cfg.Validate())

	cfg.VbdevName = "vbdev0"
	assert.NoError(t, cfg.Validate())
}

func TestVirtualDeviceConfig_ValidateRejectsBadMDLen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseBdevName, cfg.VbdevName = "base0", "vbdev0"
	cfg.MDLen = 13
	assert.Error(t, cfg.Validate())

	cfg.MDLen = 64
	assert.NoError(t, cfg.Validate())
}

func TestVirtualDeviceConfig_ValidateRejectsMisalignedBlockSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseBdevName, cfg.VbdevName = "base0", "vbdev0"
	cfg.BlockSize = 1000
	assert.Error(t, cfg.Validate())

	cfg.BlockSize = 4096
	assert.NoError(t, cfg.Validate())
}

func TestConfig_UnmarshalYAMLValidatesAndDetectsDuplicates(t *testing.T) {
	doc := `
logging:
  level: debug
devices:
  - base_bdev_name: base0
    vbdev_name: vbdev0
    block_sz: 4096
    md_sz: 8
  - base_bdev_name: base1
    vbdev_name: vbdev0
    md_sz: 0
`
	cfg := DefaultDaemonConfig()
	err := yaml.Unmarshal([]byte(doc), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate vbdev_name")
}

func TestConfig_UnmarshalYAMLAcceptsValidDocument(t *testing.T) {
	doc := `
logging:
  level: warn
devices:
  - base_bdev_name: base0
    vbdev_name: vbdev0
    block_sz: 4096
    md_sz: 16
    mode: true
`
	cfg := DefaultDaemonConfig()
	require.NoError(t, yaml.Unmarshal([]byte(doc), cfg))
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, datasize.ByteSize(4096), cfg.Devices[0].BlockSize)
	assert.True(t, cfg.Devices[0].Mode)
}

// xerror.Unwrap is handy wherever a test needs a value out of a call that
// can fail but is known to succeed for a fixed literal input.
func TestXerrorUnwrap_PanicsOnError(t *testing.T) {
	u := xerror.Unwrap(url.Parse("https://example.invalid/path"))
	assert.Equal(t, "example.invalid", u.Host)

	assert.Panics(t, func() {
		xerror.Unwrap(url.Parse("http://[::1"))
	})
}
