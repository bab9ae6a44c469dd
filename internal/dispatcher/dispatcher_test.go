package dispatcher

import (
	"context"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/simplyblock-io/vbdev-passthru/internal/blockdev"
	"github.com/simplyblock-io/vbdev-passthru/internal/config"
	"github.com/simplyblock-io/vbdev-passthru/internal/device"
	"github.com/simplyblock-io/vbdev-passthru/internal/memdev"
)

func newTestDevice(t *testing.T, mdLen uint32, blockSz uint32) (*device.Device, *memdev.Device) {
	t.Helper()

	base := memdev.New(512, 2000, 0, uuid.New())
	reg := memdev.NewRegistrar()

	cfg := &config.VirtualDeviceConfig{
		BaseBdevName: "base0",
		VbdevName:    "vbdev0",
		MDLen:        mdLen,
		BlockSize:    datasize.ByteSize(blockSz),
	}

	d, err := device.Register(context.Background(), cfg, base, reg, zap.NewNop().Sugar())
	require.NoError(t, err)
	return d, base
}

func TestDispatcher_ReadTranslatesAddresses(t *testing.T) {
	d, base := newTestDevice(t, 8, 0)
	geo := d.Geometry()

	// Seed base data directly at the translated address.
	ch := base.GetIOChannel()
	payload := make([]byte, geo.GuestBlockLen)
	for i := range payload {
		payload[i] = 0xAA
	}
	require.NoError(t, ch.WriteBlocks(context.Background(), payload, geo.BaseLBA(10), geo.BaseCount(1), func(bool) {}))

	buf := make([]byte, geo.GuestBlockLen)
	io := &blockdev.IO{Opcode: blockdev.OpRead, LBA: 10, Count: 1, Iovecs: [][]byte{buf}}

	var gotStatus blockdev.Status
	Submit(context.Background(), d, ch, io, func(status blockdev.Status) {
		gotStatus = status
	})

	assert.Equal(t, blockdev.StatusSuccess, gotStatus)
	assert.Equal(t, payload, buf)
}

func TestDispatcher_WriteThenReadMetadataRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t, 8, 0)
	ch := d.Base().GetIOChannel()

	data := make([]byte, d.Geometry().GuestBlockLen)
	for i := range data {
		data[i] = 0xAA
	}
	md := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}

	writeIO := &blockdev.IO{Opcode: blockdev.OpWrite, LBA: 10, Count: 1, Iovecs: [][]byte{data}, MetadataBuf: md}
	var writeStatus blockdev.Status
	Submit(context.Background(), d, ch, writeIO, func(status blockdev.Status) { writeStatus = status })
	require.Equal(t, blockdev.StatusSuccess, writeStatus)

	readBuf := make([]byte, d.Geometry().GuestBlockLen)
	readMD := make([]byte, 8)
	readIO := &blockdev.IO{Opcode: blockdev.OpRead, LBA: 10, Count: 1, Iovecs: [][]byte{readBuf}, MetadataBuf: readMD}
	var readStatus blockdev.Status
	Submit(context.Background(), d, ch, readIO, func(status blockdev.Status) { readStatus = status })

	assert.Equal(t, blockdev.StatusSuccess, readStatus)
	assert.Equal(t, data, readBuf)
	assert.Equal(t, md, readMD)
}

func TestDispatcher_MetadataOverflowFails(t *testing.T) {
	// Exactly the worked example from spec §8.3: base.blocklen=512,
	// base.blockcnt=1_000_000, block_sz=4096, md_sz=8 gives M=8,
	// offset_start=245, exposed blockcnt=124_755. The last exposed LBA's
	// conservative write-back window (start 243, span 3) reaches past the
	// reserved-prefix boundary.
	base := memdev.New(512, 1_000_000, 0, uuid.New())
	reg := memdev.NewRegistrar()
	cfg := &config.VirtualDeviceConfig{
		BaseBdevName: "base0",
		VbdevName:    "vbdev0",
		BlockSize:    4096 * datasize.B,
		MDLen:        8,
	}

	d, err := device.Register(context.Background(), cfg, base, reg, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Equal(t, uint64(245), d.Geometry().OffsetStart)
	require.Equal(t, uint64(124_755), d.BlockCnt())

	ch := base.GetIOChannel()
	data := make([]byte, d.Geometry().GuestBlockLen)
	md := make([]byte, 8)

	io := &blockdev.IO{Opcode: blockdev.OpWrite, LBA: 124_754, Count: 1, Iovecs: [][]byte{data}, MetadataBuf: md}

	var status blockdev.Status
	Submit(context.Background(), d, ch, io, func(s blockdev.Status) { status = s })
	assert.Equal(t, blockdev.StatusFailed, status)
}

// flakyChannel wraps a blockdev.Channel, failing the first n WritevExt
// submissions with ErrNoMemory before delegating.
type flakyChannel struct {
	blockdev.Channel
	failures int
	attempts int
}

func (c *flakyChannel) WritevExt(ctx context.Context, iovecs [][]byte, lba, count uint64, opts blockdev.ExtIOOpts, cb blockdev.CompletionFunc) error {
	c.attempts++
	if c.attempts <= c.failures {
		return blockdev.ErrNoMemory
	}
	return c.Channel.WritevExt(ctx, iovecs, lba, count, opts, cb)
}

func (c *flakyChannel) QueueWait(entry *blockdev.WaitEntry) error {
	entry.Resubmit()
	return nil
}

func TestDispatcher_NoMemoryRetrySucceedsEventually(t *testing.T) {
	d, _ := newTestDevice(t, 0, 0)
	ch := &flakyChannel{Channel: d.Base().GetIOChannel(), failures: 3}

	data := make([]byte, d.Geometry().GuestBlockLen)
	io := &blockdev.IO{Opcode: blockdev.OpWrite, LBA: 0, Count: 1, Iovecs: [][]byte{data}}

	var status blockdev.Status
	calls := 0
	Submit(context.Background(), d, ch, io, func(s blockdev.Status) {
		calls++
		status = s
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, blockdev.StatusSuccess, status)
	assert.Equal(t, 4, ch.attempts)
}
