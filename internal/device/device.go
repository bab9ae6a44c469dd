// Package device implements the virtual device lifecycle: registration
// against a base device, hydration of the metadata shadow, hot-remove
// handling, and destruction, per spec §4.5.
package device

import (
	"context"
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simplyblock-io/vbdev-passthru/internal/bitset"
	"github.com/simplyblock-io/vbdev-passthru/internal/blockdev"
	"github.com/simplyblock-io/vbdev-passthru/internal/config"
	"github.com/simplyblock-io/vbdev-passthru/internal/dmabuf"
	"github.com/simplyblock-io/vbdev-passthru/internal/geometry"
	"github.com/simplyblock-io/vbdev-passthru/internal/shadow"
)

// namespaceUUID seeds the deterministic UUID derivation; any fixed value
// works as long as it never changes, since reattaching the same base device
// must always yield the same virtual device UUID.
var namespaceUUID = uuid.MustParse("7e25812e-c8c0-4d3f-8599-16d790555b85")

// maxHydrationChunk bounds how many guest blocks a single hydration
// read_blocks submission covers, keeping each I/O within typical
// base-device per-submission limits.
const maxHydrationChunk = 4096

// maxHydrationWindow bounds how many hydration chunks may be in flight at
// once; bounded by bitset.TinyBitset's fixed width.
const maxHydrationWindow = 1024

// maxHydrationRetries bounds how many times a single hydration chunk read
// is retried, with exponential backoff, before hydration gives up on it.
const maxHydrationRetries = 3

// Device is a single registered virtual device: the runtime state spec.md
// calls "V".
type Device struct {
	vbdevName    string
	baseBdevName string
	uuid         uuid.UUID

	base      blockdev.BaseDevice
	mdChannel blockdev.Channel

	geo       geometry.Geometry
	shadowBuf []byte
	shad      *shadow.Shadow

	threadAffinity blockdev.ThreadID

	hydrated chan struct{}

	log *zap.SugaredLogger
}

// Geometry implements dispatcher.Target.
func (d *Device) Geometry() geometry.Geometry { return d.geo }

// Shadow implements dispatcher.Target.
func (d *Device) Shadow() *shadow.Shadow { return d.shad }

// MDChannel implements dispatcher.Target.
func (d *Device) MDChannel() blockdev.Channel { return d.mdChannel }

// Base implements dispatcher.Target.
func (d *Device) Base() blockdev.BaseDevice { return d.base }

// Logger implements dispatcher.Target.
func (d *Device) Logger() *zap.SugaredLogger { return d.log }

// Name returns the virtual device's name.
func (d *Device) Name() string { return d.vbdevName }

// BaseName returns the name of the base device this virtual device sits on.
func (d *Device) BaseName() string { return d.baseBdevName }

// UUID returns the virtual device's UUID.
func (d *Device) UUID() uuid.UUID { return d.uuid }

// Hydrated reports whether the metadata shadow has finished its initial
// fill. It is always true by the time Register returns; retained so a
// future asynchronous-registration mode can observe the barrier without a
// field-layout change.
func (d *Device) Hydrated() bool {
	select {
	case <-d.hydrated:
		return true
	default:
		return false
	}
}

// BlockLen returns the guest-visible block length in bytes.
func (d *Device) BlockLen() uint32 { return d.geo.GuestBlockLen }

// BlockCnt returns the guest-visible block count, after metadata-prefix
// reservation.
func (d *Device) BlockCnt() uint64 {
	return d.base.BlockCnt()/d.geo.Multiplier - d.geo.OffsetStart
}

// Register performs the steps of spec §4.5 against an already-open base
// device: derive geometry, allocate the shadow, register the virtual device's
// I/O device through reg (which hands out the metadata channel), hydrate the
// shadow over that channel, derive the deterministic UUID, and claim the
// base device. It returns only once hydration has completed — see
// the decided Open Question in SPEC_FULL.md §9 on the hydration barrier.
//
// On any failure, Register rolls back everything it acquired, in reverse
// order, and returns a non-nil error; the caller must not retain the
// returned *Device.
func Register(ctx context.Context, cfg *config.VirtualDeviceConfig, base blockdev.BaseDevice, reg blockdev.Registrar, log *zap.SugaredLogger) (*Device, error) {
	log = log.With("vbdev_name", cfg.VbdevName, "base_bdev_name", cfg.BaseBdevName)

	geo, err := deriveGeometry(cfg, base)
	if err != nil {
		return nil, err
	}

	shadowLen := (geo.OffsetStart + 1) * uint64(geo.GuestBlockLen)
	shadowBuf, err := base.DMAAlloc(shadowLen, uint64(dmabuf.DefaultAlign.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("allocate metadata shadow: %w", err)
	}

	mdChannel, err := reg.RegisterIODevice(cfg.VbdevName, base)
	if err != nil {
		return nil, fmt.Errorf("register I/O device %q: %w", cfg.VbdevName, err)
	}

	d := &Device{
		vbdevName:      cfg.VbdevName,
		baseBdevName:   cfg.BaseBdevName,
		base:           base,
		mdChannel:      mdChannel,
		geo:            geo,
		shadowBuf:      shadowBuf,
		shad:           shadow.New(geo, shadowBuf),
		threadAffinity: base.CurrentThread(),
		hydrated:       make(chan struct{}),
		log:            log,
	}

	if err := hydrate(ctx, d, cfg.Mode); err != nil {
		reg.UnregisterIODevice(cfg.VbdevName)
		return nil, fmt.Errorf("hydrate metadata shadow: %w", err)
	}

	d.uuid = deriveUUID(cfg.UUID, base.UUID())

	if err := reg.ClaimBdev(base, cfg.VbdevName); err != nil {
		reg.UnregisterIODevice(cfg.VbdevName)
		return nil, fmt.Errorf("claim base device %q: %w", cfg.BaseBdevName, err)
	}

	log.Infow("registered virtual device",
		"multiplier", geo.Multiplier, "md_len", geo.MDLen, "offset_start", geo.OffsetStart,
		"block_cnt", d.BlockCnt(), "uuid", d.uuid)

	return d, nil
}

func deriveGeometry(cfg *config.VirtualDeviceConfig, base blockdev.BaseDevice) (geometry.Geometry, error) {
	baseBlockLen := base.BlockLen()
	blockSz := uint32(cfg.BlockSize.Bytes())

	multiplier := uint64(1)
	guestBlockLen := baseBlockLen
	if blockSz != 0 {
		if blockSz < baseBlockLen {
			return geometry.Geometry{}, fmt.Errorf("block_sz %d is smaller than base block length %d", blockSz, baseBlockLen)
		}
		if blockSz%baseBlockLen != 0 {
			return geometry.Geometry{}, fmt.Errorf("block_sz %d is not a multiple of base block length %d", blockSz, baseBlockLen)
		}
		multiplier = uint64(blockSz / baseBlockLen)
		guestBlockLen = blockSz
	}

	mdLen := cfg.MDLen
	if mdLen == 0 {
		mdLen = base.MDLen()
	}

	rawGuestBlockCnt := base.BlockCnt() / multiplier
	mdBytes := rawGuestBlockCnt * uint64(mdLen)
	offsetStart := mdBytes / uint64(guestBlockLen)
	if mdBytes%uint64(guestBlockLen) != 0 {
		offsetStart++
	}

	if offsetStart >= rawGuestBlockCnt {
		return geometry.Geometry{}, fmt.Errorf("metadata prefix (%d guest blocks) would consume the entire base device (%d guest blocks)", offsetStart, rawGuestBlockCnt)
	}

	return geometry.Geometry{
		Multiplier:    multiplier,
		GuestBlockLen: guestBlockLen,
		MDLen:         mdLen,
		OffsetStart:   offsetStart,
	}, nil
}

// deriveUUID returns pinned verbatim if it is non-zero, otherwise derives a
// deterministic UUID from (namespaceUUID, baseUUID) the same way
// spdk_uuid_generate_sha1 does: a SHA-1 namespace hash, i.e. UUIDv5.
func deriveUUID(pinned uuid.UUID, baseUUID [16]byte) uuid.UUID {
	if pinned != uuid.Nil {
		return pinned
	}
	return uuid.NewHash(sha1.New(), namespaceUUID, baseUUID[:], 5)
}

// hydrate fills the metadata shadow before the device is exposed: either
// zero-fills the on-disk prefix (mode=true) or reads it into the shadow in
// bounded chunks (mode=false). It returns once every chunk has completed.
func hydrate(ctx context.Context, d *Device, zeroMode bool) error {
	defer close(d.hydrated)

	if zeroMode {
		return hydrateZero(ctx, d)
	}
	return hydrateRead(ctx, d)
}

func hydrateZero(ctx context.Context, d *Device) error {
	done := make(chan error, 1)
	err := d.mdChannel.WriteZeroesBlocks(ctx, 0, d.geo.OffsetStart*d.geo.Multiplier, func(success bool) {
		if success {
			done <- nil
		} else {
			done <- blockdev.ErrFailed
		}
	})
	if err != nil {
		return err
	}
	return <-done
}

// hydrateRead reads the metadata prefix off the base device into the
// shadow, pipelining up to maxHydrationWindow chunks of at most
// maxHydrationChunk guest blocks each. in-flight tracking uses a
// TinyBitset keyed by chunk sequence number mod the window size.
func hydrateRead(ctx context.Context, d *Device) error {
	blocksRemaining := d.geo.OffsetStart

	var inFlight bitset.TinyBitset
	results := make(chan hydrationResult, maxHydrationWindow)

	var offset uint64
	var seq uint32
	var firstErr error

	for blocksRemaining > 0 || inFlight.Count() > 0 {
		for blocksRemaining > 0 && inFlight.Count() < maxHydrationWindow {
			chunk := min(blocksRemaining, maxHydrationChunk)
			slot := seq % maxHydrationWindow
			inFlight.Insert(slot)

			d.submitHydrationChunk(ctx, slot, offset, chunk, results)

			offset += chunk
			blocksRemaining -= chunk
			seq++
		}

		res := <-results
		inFlight.Remove(res.slot)
		if !res.success && firstErr == nil {
			firstErr = fmt.Errorf("hydration read at guest LBA %d failed", res.offset)
		}
	}

	return firstErr
}

type hydrationResult struct {
	slot    uint32
	offset  uint64
	success bool
}

// submitHydrationChunk issues the read for one hydration chunk, retrying a
// failed completion with exponential backoff before finally reporting the
// outcome through results. A submission that is rejected outright is
// reported as a failed result rather than retried.
func (d *Device) submitHydrationChunk(ctx context.Context, slot uint32, offset, chunk uint64, results chan<- hydrationResult) {
	blockLen := uint64(d.geo.GuestBlockLen)

	bo := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	}
	bo.Reset()

	var attempt func(retriesLeft int)
	attempt = func(retriesLeft int) {
		byteOff := offset * blockLen
		dst := d.shadowBuf[byteOff : byteOff+chunk*blockLen]

		err := d.mdChannel.ReadBlocks(ctx, dst, offset*d.geo.Multiplier, chunk*d.geo.Multiplier, func(success bool) {
			if success || retriesLeft == 0 {
				results <- hydrationResult{slot: slot, offset: offset, success: success}
				return
			}
			d.log.Warnw("hydration chunk read failed, retrying", "guest_lba", offset, "retries_left", retriesLeft)
			time.AfterFunc(bo.NextBackOff(), func() { attempt(retriesLeft - 1) })
		})
		if err != nil {
			results <- hydrationResult{slot: slot, offset: offset, success: false}
		}
	}

	attempt(maxHydrationRetries)
}

// HotRemove handles a REMOVE event from the base device: the caller
// (internal/control) is expected to drop d from its live-device list and
// invoke Destruct.
func (d *Device) HotRemove() {
	d.log.Warnw("base device removed, virtual device will be destroyed")
}

// Destruct releases the base-device claim, closes the base descriptor on
// its owning thread, and withdraws the virtual device's I/O registration.
func Destruct(d *Device, reg blockdev.Registrar) error {
	reg.ReleaseBdev(d.base, d.vbdevName)

	closeErr := make(chan error, 1)
	closeFn := func() { closeErr <- d.base.Close(d.threadAffinity) }

	if d.base.CurrentThread() == d.threadAffinity {
		closeFn()
	} else {
		d.base.PostToThread(d.threadAffinity, closeFn)
	}

	reg.UnregisterIODevice(d.vbdevName)

	if err := <-closeErr; err != nil {
		return fmt.Errorf("close base device: %w", err)
	}
	return nil
}
