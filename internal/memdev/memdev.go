// Package memdev is an in-process, memory-backed implementation of
// internal/blockdev's BaseDevice/Channel/Registrar contracts. It exists
// purely so the dispatcher, device lifecycle, and control coordinator can
// be exercised without a real NVMe/bdev stack underneath them — tests and
// the cmd/vbdev-passthru demo mode are its only consumers.
package memdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/simplyblock-io/vbdev-passthru/internal/blockdev"
	"github.com/simplyblock-io/vbdev-passthru/internal/dmabuf"
)

// Device is a fixed-size, zero-initialized block device backed by a single
// byte slice. All operations run synchronously and invoke their completion
// callback before returning, which is sufficient to exercise every
// completion-chain path in internal/dispatcher.
type Device struct {
	mu sync.Mutex

	blockLen uint32
	mdLen    uint32
	uuid     [16]byte

	buf []byte

	hotRemove []func()
	thread    blockdev.ThreadID
}

// New creates a memory-backed base device of blockCnt blocks of blockLen
// bytes each, with no metadata of its own (md_len=0) unless mdLen is
// non-zero.
func New(blockLen uint32, blockCnt uint64, mdLen uint32, uuid [16]byte) *Device {
	return &Device{
		blockLen: blockLen,
		mdLen:    mdLen,
		uuid:     uuid,
		buf:      make([]byte, uint64(blockLen)*blockCnt),
		thread:   1,
	}
}

func (d *Device) BlockLen() uint32     { return d.blockLen }
func (d *Device) BlockCnt() uint64     { return uint64(len(d.buf)) / uint64(d.blockLen) }
func (d *Device) MDLen() uint32        { return d.mdLen }
func (d *Device) UUID() [16]byte       { return d.uuid }
func (d *Device) CurrentThread() blockdev.ThreadID { return d.thread }

func (d *Device) PostToThread(_ blockdev.ThreadID, fn func()) { fn() }

func (d *Device) Close(blockdev.ThreadID) error { return nil }

func (d *Device) MemoryDomains() []blockdev.MemoryDomain { return nil }

func (d *Device) DMAAlloc(size uint64, align uint64) ([]byte, error) {
	return dmabuf.Alloc(size, align)
}

func (d *Device) SubscribeHotRemove(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hotRemove = append(d.hotRemove, fn)
}

// Remove simulates the base device disappearing: every hot-remove
// subscriber is invoked.
func (d *Device) Remove() {
	d.mu.Lock()
	subs := append([]func(){}, d.hotRemove...)
	d.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

func (d *Device) GetIOChannel() blockdev.Channel {
	return &channel{dev: d}
}

func (d *Device) byteRange(lba, count uint64) (int, int, error) {
	start := lba * uint64(d.blockLen)
	end := start + count*uint64(d.blockLen)
	if end > uint64(len(d.buf)) {
		return 0, 0, fmt.Errorf("memdev: [%d,%d) out of bounds (len=%d)", start, end, len(d.buf))
	}
	return int(start), int(end), nil
}

// channel is memdev's blockdev.Channel: every submission runs inline and
// completes before the call returns. Wait-queue entries are always refused
// (QueueWait returns ErrQueueRefused), since a memory-backed device never
// runs out of submission memory.
type channel struct {
	dev *Device
}

func (c *channel) ReadvExt(_ context.Context, iovecs [][]byte, lba, count uint64, _ blockdev.ExtIOOpts, cb blockdev.CompletionFunc) error {
	start, end, err := c.dev.byteRange(lba, count)
	if err != nil {
		return err
	}

	c.dev.mu.Lock()
	src := c.dev.buf[start:end]
	off := 0
	for _, iov := range iovecs {
		n := copy(iov, src[off:])
		off += n
	}
	c.dev.mu.Unlock()

	cb(true)
	return nil
}

func (c *channel) WritevExt(_ context.Context, iovecs [][]byte, lba, count uint64, _ blockdev.ExtIOOpts, cb blockdev.CompletionFunc) error {
	start, end, err := c.dev.byteRange(lba, count)
	if err != nil {
		return err
	}

	c.dev.mu.Lock()
	dst := c.dev.buf[start:end]
	off := 0
	for _, iov := range iovecs {
		n := copy(dst[off:], iov)
		off += n
	}
	c.dev.mu.Unlock()

	cb(true)
	return nil
}

func (c *channel) WriteBlocks(_ context.Context, buf []byte, lba, count uint64, cb blockdev.CompletionFunc) error {
	start, end, err := c.dev.byteRange(lba, count)
	if err != nil {
		return err
	}
	if uint64(len(buf)) != uint64(end-start) {
		return fmt.Errorf("memdev: write buffer is %d bytes, want %d", len(buf), end-start)
	}

	c.dev.mu.Lock()
	copy(c.dev.buf[start:end], buf)
	c.dev.mu.Unlock()

	cb(true)
	return nil
}

func (c *channel) ReadBlocks(_ context.Context, buf []byte, lba, count uint64, cb blockdev.CompletionFunc) error {
	start, end, err := c.dev.byteRange(lba, count)
	if err != nil {
		return err
	}
	if uint64(len(buf)) != uint64(end-start) {
		return fmt.Errorf("memdev: read buffer is %d bytes, want %d", len(buf), end-start)
	}

	c.dev.mu.Lock()
	copy(buf, c.dev.buf[start:end])
	c.dev.mu.Unlock()

	cb(true)
	return nil
}

func (c *channel) WriteZeroesBlocks(_ context.Context, lba, count uint64, cb blockdev.CompletionFunc) error {
	start, end, err := c.dev.byteRange(lba, count)
	if err != nil {
		return err
	}

	c.dev.mu.Lock()
	clear(c.dev.buf[start:end])
	c.dev.mu.Unlock()

	cb(true)
	return nil
}

func (c *channel) UnmapBlocks(ctx context.Context, lba, count uint64, cb blockdev.CompletionFunc) error {
	return c.WriteZeroesBlocks(ctx, lba, count, cb)
}

func (c *channel) FlushBlocks(_ context.Context, _, _ uint64, cb blockdev.CompletionFunc) error {
	cb(true)
	return nil
}

func (c *channel) Reset(_ context.Context, cb blockdev.CompletionFunc) error {
	cb(true)
	return nil
}

func (c *channel) Abort(_ context.Context, _ *blockdev.IO, cb blockdev.CompletionFunc) error {
	cb(true)
	return nil
}

func (c *channel) CopyBlocks(_ context.Context, dstLBA, srcLBA, count uint64, cb blockdev.CompletionFunc) error {
	dstStart, dstEnd, err := c.dev.byteRange(dstLBA, count)
	if err != nil {
		return err
	}
	srcStart, srcEnd, err := c.dev.byteRange(srcLBA, count)
	if err != nil {
		return err
	}

	c.dev.mu.Lock()
	copy(c.dev.buf[dstStart:dstEnd], c.dev.buf[srcStart:srcEnd])
	c.dev.mu.Unlock()

	cb(true)
	return nil
}

func (c *channel) ZcopyStart(_ context.Context, lba, count uint64, _ bool, cb blockdev.ZcopyCompletionFunc) error {
	start, end, err := c.dev.byteRange(lba, count)
	if err != nil {
		return err
	}
	cb(true, c.dev.buf[start:end])
	return nil
}

func (c *channel) QueueWait(entry *blockdev.WaitEntry) error {
	return blockdev.ErrQueueRefused
}
