package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplyblock-io/vbdev-passthru/internal/config"
)

func TestRegistry_InsertRejectsDuplicateVbdevName(t *testing.T) {
	r := New()
	assert.True(t, r.Insert(&config.VirtualDeviceConfig{VbdevName: "vbdev0", BaseBdevName: "base0"}))
	assert.False(t, r.Insert(&config.VirtualDeviceConfig{VbdevName: "vbdev0", BaseBdevName: "base1"}))
}

func TestRegistry_GetAndRemove(t *testing.T) {
	r := New()
	r.Insert(&config.VirtualDeviceConfig{VbdevName: "vbdev0", BaseBdevName: "base0"})

	got, ok := r.Get("vbdev0")
	require.True(t, ok)
	assert.Equal(t, "base0", got.BaseBdevName)

	r.Remove("vbdev0")
	_, ok = r.Get("vbdev0")
	assert.False(t, ok)
}

func TestRegistry_MatchingBasePreservesInsertionOrder(t *testing.T) {
	r := New()
	r.Insert(&config.VirtualDeviceConfig{VbdevName: "vbdev0", BaseBdevName: "base0"})
	r.Insert(&config.VirtualDeviceConfig{VbdevName: "vbdev1", BaseBdevName: "base1"})
	r.Insert(&config.VirtualDeviceConfig{VbdevName: "vbdev2", BaseBdevName: "base0"})

	matches := r.MatchingBase("base0")
	require.Len(t, matches, 2)
	assert.Equal(t, "vbdev0", matches[0].VbdevName)
	assert.Equal(t, "vbdev2", matches[1].VbdevName)
}

func TestRegistry_DrainEmptiesAndReturns(t *testing.T) {
	r := New()
	r.Insert(&config.VirtualDeviceConfig{VbdevName: "vbdev0", BaseBdevName: "base0"})
	r.Insert(&config.VirtualDeviceConfig{VbdevName: "vbdev1", BaseBdevName: "base1"})

	drained := r.Drain()
	assert.Len(t, drained, 2)
	assert.Empty(t, r.All())
}
