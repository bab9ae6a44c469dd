package device

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simplyblock-io/vbdev-passthru/internal/blockdev"
	"github.com/simplyblock-io/vbdev-passthru/internal/config"
	"github.com/simplyblock-io/vbdev-passthru/internal/memdev"
)

// flakyReadBase wraps a memdev.Device, failing the first n ReadBlocks
// completions on the channel it hands out before letting them succeed.
type flakyReadBase struct {
	*memdev.Device
	failures int
	attempts int
}

func (b *flakyReadBase) GetIOChannel() blockdev.Channel {
	return &flakyReadChannel{Channel: b.Device.GetIOChannel(), base: b}
}

type flakyReadChannel struct {
	blockdev.Channel
	base *flakyReadBase
}

func (c *flakyReadChannel) ReadBlocks(ctx context.Context, buf []byte, lba, count uint64, cb blockdev.CompletionFunc) error {
	c.base.attempts++
	if c.base.attempts <= c.base.failures {
		return c.Channel.ReadBlocks(ctx, buf, lba, count, func(bool) { cb(false) })
	}
	return c.Channel.ReadBlocks(ctx, buf, lba, count, cb)
}

func TestRegister_DerivesGeometryFromWorkedExample(t *testing.T) {
	base := memdev.New(512, 1_000_000, 0, uuid.New())
	reg := memdev.NewRegistrar()
	cfg := &config.VirtualDeviceConfig{
		BaseBdevName: "base0",
		VbdevName:    "vbdev0",
		BlockSize:    4096,
		MDLen:        8,
	}

	d, err := Register(context.Background(), cfg, base, reg, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, uint64(8), d.Geometry().Multiplier)
	assert.Equal(t, uint64(245), d.Geometry().OffsetStart)
	assert.Equal(t, uint64(124_755), d.BlockCnt())
	assert.True(t, d.Hydrated())
}

func TestRegister_ModeFalseReadsPrefixIntoShadow(t *testing.T) {
	base := memdev.New(512, 2000, 0, uuid.New())
	reg := memdev.NewRegistrar()

	// Seed the region the metadata prefix will occupy with a known
	// pattern before the device attaches.
	ch := base.GetIOChannel()
	seed := make([]byte, 200*512)
	for i := range seed {
		seed[i] = 0xA5
	}
	require.NoError(t, ch.WriteBlocks(context.Background(), seed, 0, 200, func(bool) {}))

	cfg := &config.VirtualDeviceConfig{BaseBdevName: "base0", VbdevName: "vbdev0", MDLen: 8, Mode: false}
	d, err := Register(context.Background(), cfg, base, reg, zap.NewNop().Sugar())
	require.NoError(t, err)

	out := make([]byte, 8)
	require.NoError(t, d.Shadow().ReadOut(0, out))
	for _, b := range out {
		assert.Equal(t, byte(0xA5), b)
	}
}

func TestRegister_ModeTrueZeroesPrefix(t *testing.T) {
	base := memdev.New(512, 2000, 0, uuid.New())
	reg := memdev.NewRegistrar()

	ch := base.GetIOChannel()
	seed := make([]byte, 200*512)
	for i := range seed {
		seed[i] = 0xA5
	}
	require.NoError(t, ch.WriteBlocks(context.Background(), seed, 0, 200, func(bool) {}))

	cfg := &config.VirtualDeviceConfig{BaseBdevName: "base0", VbdevName: "vbdev0", MDLen: 8, Mode: true}
	d, err := Register(context.Background(), cfg, base, reg, zap.NewNop().Sugar())
	require.NoError(t, err)

	out := make([]byte, 8)
	require.NoError(t, d.Shadow().ReadOut(0, out))
	for _, b := range out {
		assert.Equal(t, byte(0), b)
	}
}

func TestRegister_DeterministicUUID(t *testing.T) {
	baseUUID := uuid.New()
	base1 := memdev.New(512, 2000, 0, baseUUID)
	base2 := memdev.New(512, 2000, 0, baseUUID)

	cfg := &config.VirtualDeviceConfig{BaseBdevName: "base0", VbdevName: "vbdev0"}

	d1, err := Register(context.Background(), cfg, base1, memdev.NewRegistrar(), zap.NewNop().Sugar())
	require.NoError(t, err)
	d2, err := Register(context.Background(), cfg, base2, memdev.NewRegistrar(), zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, d1.UUID(), d2.UUID())
	assert.NotEqual(t, uuid.Nil, d1.UUID())
}

func TestRegister_RejectsBadBlockSize(t *testing.T) {
	base := memdev.New(512, 2000, 0, uuid.New())
	reg := memdev.NewRegistrar()

	cfg := &config.VirtualDeviceConfig{BaseBdevName: "base0", VbdevName: "vbdev0", BlockSize: 300}
	_, err := Register(context.Background(), cfg, base, reg, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestDestruct_ReleasesAndUnregisters(t *testing.T) {
	base := memdev.New(512, 2000, 0, uuid.New())
	reg := memdev.NewRegistrar()
	cfg := &config.VirtualDeviceConfig{BaseBdevName: "base0", VbdevName: "vbdev0"}

	d, err := Register(context.Background(), cfg, base, reg, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.NoError(t, Destruct(d, reg))

	// The claim is released and the I/O device unregistered, so both can
	// be taken again.
	assert.NoError(t, reg.ClaimBdev(base, "vbdev0"))
	_, err = reg.RegisterIODevice("vbdev0", base)
	assert.NoError(t, err)
}

func TestRegister_HydrationRetriesTransientReadFailures(t *testing.T) {
	base := &flakyReadBase{Device: memdev.New(512, 2000, 0, uuid.New()), failures: 2}
	reg := memdev.NewRegistrar()
	cfg := &config.VirtualDeviceConfig{BaseBdevName: "base0", VbdevName: "vbdev0", MDLen: 64, Mode: false}

	d, err := Register(context.Background(), cfg, base, reg, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Greater(t, base.attempts, 1)
	assert.True(t, d.Hydrated())
}
