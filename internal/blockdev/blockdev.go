// Package blockdev names the host block framework contract that the
// passthrough core consumes: device/channel handles, the asynchronous
// submission surface, DMA allocation, thread identity, and the hot-remove
// event feed. None of this is implemented here for a real NVMe/bdev stack —
// that lives on the other side of these interfaces, owned by the host
// framework. internal/memdev provides the in-process implementation this
// module tests and demos against.
package blockdev

import (
	"context"
	"errors"
)

// Opcode is the guest I/O operation requested on the virtual device.
type Opcode int

const (
	OpRead Opcode = iota
	OpWrite
	OpWriteZeroes
	OpUnmap
	OpFlush
	OpCopy
	OpReset
	OpAbort
	OpZcopy
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpWriteZeroes:
		return "WRITE_ZEROES"
	case OpUnmap:
		return "UNMAP"
	case OpFlush:
		return "FLUSH"
	case OpCopy:
		return "COPY"
	case OpReset:
		return "RESET"
	case OpAbort:
		return "ABORT"
	case OpZcopy:
		return "ZCOPY"
	default:
		return "UNKNOWN"
	}
}

// Status is the guest-visible completion status of an I/O.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
)

// Sentinel errors surfaced to guest completions and control-plane callers.
var (
	ErrInvalidOpcode    = errors.New("blockdev: invalid opcode")
	ErrMetadataOverflow = errors.New("blockdev: metadata write-back would overrun the reserved prefix")
	ErrNoMemory         = errors.New("blockdev: base device out of submission memory")
	ErrFailed           = errors.New("blockdev: base device operation failed")
	ErrQueueRefused     = errors.New("blockdev: base device refused to queue the waiting I/O")
)

// ExtIOOpts mirrors the subset of the source system's
// spdk_bdev_ext_io_opts that this core actually threads through: the
// memory domain a data buffer lives in. Metadata is never carried through
// this path — it always flows through the shadow, never as an opaque
// "metadata" field on the extended options, matching the source's override
// of that field to NULL.
type ExtIOOpts struct {
	MemoryDomain MemoryDomain
}

// MemoryDomain is an opaque handle a base device may require I/O buffers to
// originate from (e.g. an RDMA or GPU memory domain). The core never
// interprets it; it queries it once per device and threads it through.
type MemoryDomain struct {
	name string
}

// NewMemoryDomain names a memory domain handle.
func NewMemoryDomain(name string) MemoryDomain { return MemoryDomain{name: name} }

func (d MemoryDomain) String() string { return d.name }

// ThreadID identifies the OS/runtime thread that owns a base device
// descriptor. A descriptor must be closed on the thread that opened it.
type ThreadID uint64

// CompletionFunc is invoked exactly once when a base-device operation
// completes, carrying the final success/failure of that single operation.
type CompletionFunc func(success bool)

// ZcopyCompletionFunc is invoked when a zero-copy start completes,
// carrying the buffer the base device populated for iovec[0] rebinding.
type ZcopyCompletionFunc func(success bool, buf []byte)

// WaitEntry is the token a dispatcher parks on a channel's wait queue when
// a submission fails with ErrNoMemory. Resubmit is invoked by the base
// device, on the channel's thread, once capacity is available; the
// dispatcher must be idempotent under this call re-entering Submit.
type WaitEntry struct {
	Resubmit func()
}

// IO is the guest-submitted I/O passed into the dispatcher.
type IO struct {
	Opcode Opcode

	LBA   uint64
	Count uint64

	// Iovecs carries the data payload for READ/WRITE/ZCOPY. It is nil for
	// opcodes that carry no data plane (WRITE_ZEROES, UNMAP, FLUSH, RESET,
	// ABORT, COPY's destination side).
	Iovecs [][]byte

	// MetadataBuf is the guest's out-of-band metadata buffer. Nil means
	// the guest I/O does not touch metadata at all.
	MetadataBuf []byte

	// CopySrcLBA is only meaningful for OpCopy.
	CopySrcLBA uint64

	// ZcopyPopulate is only meaningful for OpZcopy.
	ZcopyPopulate bool

	// AbortTarget is only meaningful for OpAbort.
	AbortTarget *IO
}

// Channel is a per-consumer I/O channel bound to a base device. Submission
// and completion on a given channel never interleave (single-threaded
// cooperative model); completions run on the same channel's thread.
type Channel interface {
	ReadvExt(ctx context.Context, iovecs [][]byte, lba, count uint64, opts ExtIOOpts, cb CompletionFunc) error
	WritevExt(ctx context.Context, iovecs [][]byte, lba, count uint64, opts ExtIOOpts, cb CompletionFunc) error
	WriteBlocks(ctx context.Context, buf []byte, lba, count uint64, cb CompletionFunc) error
	ReadBlocks(ctx context.Context, buf []byte, lba, count uint64, cb CompletionFunc) error
	WriteZeroesBlocks(ctx context.Context, lba, count uint64, cb CompletionFunc) error
	UnmapBlocks(ctx context.Context, lba, count uint64, cb CompletionFunc) error
	FlushBlocks(ctx context.Context, lba, count uint64, cb CompletionFunc) error
	Reset(ctx context.Context, cb CompletionFunc) error
	Abort(ctx context.Context, target *IO, cb CompletionFunc) error
	CopyBlocks(ctx context.Context, dstLBA, srcLBA, count uint64, cb CompletionFunc) error
	ZcopyStart(ctx context.Context, lba, count uint64, populate bool, cb ZcopyCompletionFunc) error

	// QueueWait parks entry on this channel's base-device wait queue. A
	// non-nil return means the caller must fail the originating I/O
	// immediately rather than retry.
	QueueWait(entry *WaitEntry) error
}

// Registrar is the host framework's device-registration surface: claiming
// exclusive ownership of a base device and publishing/withdrawing the
// resulting virtual device as a new I/O-capable bdev.
type Registrar interface {
	// ClaimBdev marks base as exclusively owned by the named virtual
	// device, preventing any other module from opening it for write.
	ClaimBdev(base BaseDevice, vbdevName string) error

	// ReleaseBdev reverses ClaimBdev.
	ReleaseBdev(base BaseDevice, vbdevName string)

	// RegisterIODevice publishes vbdevName as a live virtual device and
	// returns the dedicated channel it must use for internal metadata
	// write-backs.
	RegisterIODevice(vbdevName string, base BaseDevice) (Channel, error)

	// UnregisterIODevice withdraws a previously registered virtual
	// device.
	UnregisterIODevice(vbdevName string)
}

// BaseDevice is the underlying block device the passthrough layer
// virtualizes. One BaseDevice may back many virtual devices' channels.
type BaseDevice interface {
	BlockLen() uint32
	BlockCnt() uint64
	MDLen() uint32
	UUID() [16]byte

	GetIOChannel() Channel

	// DMAAlloc satisfies the DMA-aligned zero-allocation contract; align
	// is honored by the host framework, never by the core.
	DMAAlloc(size uint64, align uint64) ([]byte, error)

	MemoryDomains() []MemoryDomain

	// CurrentThread and PostToThread back the cross-thread close protocol:
	// a descriptor must be closed on the thread that opened it.
	CurrentThread() ThreadID
	PostToThread(thread ThreadID, fn func())

	Close(thread ThreadID) error

	// SubscribeHotRemove registers a callback invoked when the base
	// device is about to disappear. Only one subscriber is needed per
	// attached virtual device.
	SubscribeHotRemove(fn func())
}
