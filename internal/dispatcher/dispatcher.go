// Package dispatcher maps each guest I/O opcode onto one or two
// base-device operations and drives the completion chain described in
// spec.md §4.3: plain, read-with-metadata, write-with-metadata,
// metadata-write-back, and zcopy-start.
//
// Contract: for each guest I/O, Submit (directly or through a later
// resubmission) invokes the guest-visible completion exactly once.
package dispatcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/simplyblock-io/vbdev-passthru/internal/backpressure"
	"github.com/simplyblock-io/vbdev-passthru/internal/blockdev"
	"github.com/simplyblock-io/vbdev-passthru/internal/dmabuf"
	"github.com/simplyblock-io/vbdev-passthru/internal/geometry"
	"github.com/simplyblock-io/vbdev-passthru/internal/ioctx"
	"github.com/simplyblock-io/vbdev-passthru/internal/shadow"
)

// Target is everything the dispatcher needs from a virtual device. It is
// satisfied by *internal/device.Device without the two packages needing to
// import each other.
type Target interface {
	Geometry() geometry.Geometry
	Shadow() *shadow.Shadow
	MDChannel() blockdev.Channel
	Base() blockdev.BaseDevice
	Logger() *zap.SugaredLogger
}

// Submit dispatches a guest I/O, translating addresses through dev's
// geometry and issuing it on ch (the channel the guest submitted on). done
// is invoked exactly once with the final guest-visible status.
func Submit(pctx context.Context, dev Target, ch blockdev.Channel, io *blockdev.IO, done func(status blockdev.Status)) {
	x := ioctx.New(io, ch, done)
	submit(pctx, dev, x)
}

// resubmit re-enters the submit path for a context that was parked on the
// backpressure queue, reusing the original context and channel.
func resubmit(pctx context.Context, dev Target, x *ioctx.Context) {
	submit(pctx, dev, x)
}

func submit(pctx context.Context, dev Target, x *ioctx.Context) {
	geo := dev.Geometry()
	io := x.Orig

	switch io.Opcode {
	case blockdev.OpRead:
		submitRead(pctx, dev, x, geo)
	case blockdev.OpWrite:
		submitWrite(pctx, dev, x, geo)
	case blockdev.OpWriteZeroes:
		submitSimple(pctx, dev, x, geo, func(ctx context.Context, cb blockdev.CompletionFunc) error {
			return x.Channel.WriteZeroesBlocks(ctx, geo.BaseLBA(io.LBA), geo.BaseCount(io.Count), cb)
		})
	case blockdev.OpUnmap:
		submitSimple(pctx, dev, x, geo, func(ctx context.Context, cb blockdev.CompletionFunc) error {
			return x.Channel.UnmapBlocks(ctx, geo.BaseLBA(io.LBA), geo.BaseCount(io.Count), cb)
		})
	case blockdev.OpFlush:
		submitSimple(pctx, dev, x, geo, func(ctx context.Context, cb blockdev.CompletionFunc) error {
			return x.Channel.FlushBlocks(ctx, geo.BaseLBA(io.LBA), geo.BaseCount(io.Count), cb)
		})
	case blockdev.OpCopy:
		submitSimple(pctx, dev, x, geo, func(ctx context.Context, cb blockdev.CompletionFunc) error {
			return x.Channel.CopyBlocks(ctx, geo.BaseLBA(io.LBA), geo.BaseLBA(io.CopySrcLBA), geo.BaseCount(io.Count), cb)
		})
	case blockdev.OpReset:
		submitUntranslated(pctx, dev, x, func(ctx context.Context, cb blockdev.CompletionFunc) error {
			return x.Channel.Reset(ctx, cb)
		})
	case blockdev.OpAbort:
		submitUntranslated(pctx, dev, x, func(ctx context.Context, cb blockdev.CompletionFunc) error {
			return x.Channel.Abort(ctx, io.AbortTarget, cb)
		})
	case blockdev.OpZcopy:
		submitZcopy(pctx, dev, x, geo)
	default:
		dev.Logger().Errorw("unknown opcode, failing I/O", "opcode", int(io.Opcode))
		x.Done(blockdev.StatusFailed)
	}
}

// plain completion: forward status, nothing else.
func completePlain(dev Target, x *ioctx.Context, success bool) {
	if !x.CheckMarker() {
		dev.Logger().Warnw("I/O context marker mismatch on completion", "opcode", x.Orig.Opcode.String())
	}
	x.Done(statusOf(success))
}

func statusOf(success bool) blockdev.Status {
	if success {
		return blockdev.StatusSuccess
	}
	return blockdev.StatusFailed
}

// submitSimple issues a single translated, metadata-less base operation
// (WRITE_ZEROES, UNMAP, FLUSH, COPY) and completes plainly.
func submitSimple(pctx context.Context, dev Target, x *ioctx.Context, _ geometry.Geometry, issue func(context.Context, blockdev.CompletionFunc) error) {
	err := issue(pctx, func(success bool) {
		completePlain(dev, x, success)
	})
	handleSubmitError(pctx, dev, x, err)
}

// submitUntranslated issues RESET/ABORT unchanged, with no address
// translation and no retry-on-no-memory per spec §4.3.1 (forwarded as-is).
func submitUntranslated(pctx context.Context, dev Target, x *ioctx.Context, issue func(context.Context, blockdev.CompletionFunc) error) {
	err := issue(pctx, func(success bool) {
		completePlain(dev, x, success)
	})
	if err != nil {
		dev.Logger().Warnw("base device rejected forwarded I/O", "opcode", x.Orig.Opcode.String(), "error", err)
		x.Done(blockdev.StatusFailed)
	}
}

func handleSubmitError(pctx context.Context, dev Target, x *ioctx.Context, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, blockdev.ErrNoMemory) {
		parkErr := backpressure.Park(x.Channel, func() {
			resubmit(pctx, dev, x)
		}, dev.Logger())
		if parkErr != nil {
			x.Done(blockdev.StatusFailed)
		}
		return
	}
	dev.Logger().Errorw("base device submission failed", "opcode", x.Orig.Opcode.String(), "error", err)
	x.Done(blockdev.StatusFailed)
}

// --- READ ---

func submitRead(pctx context.Context, dev Target, x *ioctx.Context, geo geometry.Geometry) {
	io := x.Orig
	opts := blockdev.ExtIOOpts{}
	if domains := dev.Base().MemoryDomains(); len(domains) > 0 {
		opts.MemoryDomain = domains[0]
	}

	err := x.Channel.ReadvExt(pctx, io.Iovecs, geo.BaseLBA(io.LBA), geo.BaseCount(io.Count), opts, func(success bool) {
		completeReadWithMetadata(dev, x, geo, success)
	})
	handleSubmitError(pctx, dev, x, err)
}

// read-with-metadata completion: plain + splice shadow into the guest's
// metadata buffer, if the guest asked for one.
func completeReadWithMetadata(dev Target, x *ioctx.Context, geo geometry.Geometry, success bool) {
	if !x.CheckMarker() {
		dev.Logger().Warnw("I/O context marker mismatch on read completion")
	}
	if !success {
		x.Done(blockdev.StatusFailed)
		return
	}

	io := x.Orig
	if io.MetadataBuf == nil {
		x.Done(blockdev.StatusSuccess)
		return
	}

	byteOff := geo.MDByteOffset(io.LBA)
	if err := dev.Shadow().ReadOut(byteOff, io.MetadataBuf); err != nil {
		dev.Logger().Errorw("failed to read metadata out of shadow", "error", err)
		x.Done(blockdev.StatusFailed)
		return
	}
	x.Done(blockdev.StatusSuccess)
}

// --- WRITE ---

func submitWrite(pctx context.Context, dev Target, x *ioctx.Context, geo geometry.Geometry) {
	io := x.Orig
	opts := blockdev.ExtIOOpts{}
	if domains := dev.Base().MemoryDomains(); len(domains) > 0 {
		opts.MemoryDomain = domains[0]
	}

	err := x.Channel.WritevExt(pctx, io.Iovecs, geo.BaseLBA(io.LBA), geo.BaseCount(io.Count), opts, func(success bool) {
		completeWriteDataPhase(pctx, dev, x, geo, success)
	})
	handleSubmitError(pctx, dev, x, err)
}

// write-with-metadata completion: trigger the write-through metadata
// protocol (spec §4.3.2), or complete plainly if no metadata is carried.
func completeWriteDataPhase(pctx context.Context, dev Target, x *ioctx.Context, geo geometry.Geometry, success bool) {
	if !x.CheckMarker() {
		dev.Logger().Warnw("I/O context marker mismatch on write completion")
	}
	if !success {
		x.Done(blockdev.StatusFailed)
		return
	}

	io := x.Orig
	if io.MetadataBuf == nil {
		x.Done(blockdev.StatusSuccess)
		return
	}

	wb := shadow.PlanWriteBack(geo, io.LBA, io.Count)
	if wb.StartLBA+wb.SpanLBA >= geo.OffsetStart {
		dev.Logger().Errorw("metadata write-back would overrun reserved prefix",
			"start_lba", wb.StartLBA, "span_lba", wb.SpanLBA, "offset_start", geo.OffsetStart)
		x.Done(blockdev.StatusFailed)
		return
	}

	bounceLen := wb.SpanLBA * uint64(geo.GuestBlockLen)
	bounce, err := dev.Base().DMAAlloc(bounceLen, uint64(dmabuf.DefaultAlign.Bytes()))
	if err != nil {
		dev.Logger().Errorw("failed to allocate metadata bounce buffer", "error", err)
		x.Done(blockdev.StatusFailed)
		return
	}

	if err := dev.Shadow().Materialise(wb, io.MetadataBuf, bounce); err != nil {
		dev.Logger().Errorw("failed to materialise metadata write-back window", "error", err)
		x.Done(blockdev.StatusFailed)
		return
	}

	x.Bounce = bounce

	mdCh := dev.MDChannel()
	submitErr := mdCh.WriteBlocks(pctx, bounce, wb.StartLBA*geo.Multiplier, wb.SpanLBA*geo.Multiplier, func(mdSuccess bool) {
		completeMetadataWriteBack(dev, x, mdSuccess)
	})
	if submitErr != nil {
		// Metadata write-backs never retry through the backpressure
		// queue: they run on the device's internal channel, not a
		// guest channel, so there is nothing meaningful to park on.
		dev.Logger().Errorw("metadata write-back submission failed", "error", submitErr)
		x.Bounce = nil
		x.Done(blockdev.StatusFailed)
	}
}

// metadata-write-back completion: free the bounce buffer, then complete
// plainly with the write-back's own status.
func completeMetadataWriteBack(dev Target, x *ioctx.Context, success bool) {
	x.Bounce = nil
	if !success {
		dev.Logger().Errorw("metadata write-back failed")
	}
	completePlain(dev, x, success)
}

// --- ZCOPY ---

func submitZcopy(pctx context.Context, dev Target, x *ioctx.Context, geo geometry.Geometry) {
	io := x.Orig
	err := x.Channel.ZcopyStart(pctx, geo.BaseLBA(io.LBA), geo.BaseCount(io.Count), io.ZcopyPopulate, func(success bool, buf []byte) {
		completeZcopy(dev, x, success, buf)
	})
	handleSubmitError(pctx, dev, x, err)
}

// zcopy-start completion: rebind the guest's iovec[0] to the base
// device's returned buffer, then complete plainly.
func completeZcopy(dev Target, x *ioctx.Context, success bool, buf []byte) {
	if success && len(x.Orig.Iovecs) > 0 {
		x.Orig.Iovecs[0] = buf
	}
	completePlain(dev, x, success)
}
