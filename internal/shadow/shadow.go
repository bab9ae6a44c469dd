// Package shadow owns the in-memory mirror of the on-disk metadata prefix:
// a DMA-capable byte buffer plus the mutual-exclusion needed to keep
// concurrent guest writes from tearing each other's metadata windows.
package shadow

import (
	"fmt"
	"sync"

	"github.com/simplyblock-io/vbdev-passthru/internal/geometry"
)

// Shadow mirrors offset_start guest blocks (plus one block of slack, per
// the source system's allocation) of on-disk metadata.
type Shadow struct {
	geo geometry.Geometry

	mu  sync.Mutex
	buf []byte
}

// New wraps buf as the shadow for the given geometry. buf must already be
// sized (offset_start + 1) * guest.blocklen and DMA-allocated by the
// caller (internal/device owns the allocation call, since only it knows
// which BaseDevice to ask).
func New(geo geometry.Geometry, buf []byte) *Shadow {
	return &Shadow{geo: geo, buf: buf}
}

// Len returns the size of the backing buffer in bytes.
func (s *Shadow) Len() int {
	return len(s.buf)
}

// SpliceIn copies len(src) bytes from src into the shadow starting at
// byteOff, under shadow_lock.
func (s *Shadow) SpliceIn(byteOff uint64, src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spliceInLocked(byteOff, src)
}

func (s *Shadow) spliceInLocked(byteOff uint64, src []byte) error {
	end := byteOff + uint64(len(src))
	if end > uint64(len(s.buf)) {
		return fmt.Errorf("shadow: splice-in [%d,%d) out of bounds (len=%d)", byteOff, end, len(s.buf))
	}
	copy(s.buf[byteOff:end], src)
	return nil
}

// ReadOut copies len(dst) bytes out of the shadow starting at byteOff into
// dst. No lock is taken: the dispatcher guarantees single-writer-at-a-time
// for any given range, and torn reads of unrelated bytes are benign.
func (s *Shadow) ReadOut(byteOff uint64, dst []byte) error {
	end := byteOff + uint64(len(dst))
	if end > uint64(len(s.buf)) {
		return fmt.Errorf("shadow: read-out [%d,%d) out of bounds (len=%d)", byteOff, end, len(s.buf))
	}
	copy(dst, s.buf[byteOff:end])
	return nil
}

// WriteBack describes the shadow window that must be persisted to the base
// device's metadata prefix following a guest write.
type WriteBack struct {
	// StartLBA is the first guest block (within the reserved prefix) the
	// write-back must cover.
	StartLBA uint64
	// SpanLBA is the number of guest blocks to write back.
	SpanLBA uint64
	// ByteOff/ByteLen locate the same window in shadow byte terms.
	ByteOff uint64
	ByteLen uint64
}

// PlanWriteBack computes the write-back window for a guest write covering
// [guestLBA, guestLBA+guestCount) using the geometry translator, applying
// the zero-span tie-break.
func PlanWriteBack(geo geometry.Geometry, guestLBA, guestCount uint64) WriteBack {
	byteOff := geo.MDByteOffset(guestLBA)
	byteLen := geo.MDByteCount(guestCount)
	startLBA := geo.MDStartLBA(byteOff)
	span := geo.MDLBASpan(byteOff, byteLen)
	if span == 0 {
		span = 1
	}
	return WriteBack{
		StartLBA: startLBA,
		SpanLBA:  span,
		ByteOff:  byteOff,
		ByteLen:  byteLen,
	}
}

// Materialise splices guestMD into the shadow at wb's metadata offset and
// copies out the full write-back window into dst, which must already be
// sized wb.SpanLBA*guest.blocklen bytes. It must be called with the
// caller holding no other lock on this Shadow; Materialise takes and
// releases shadow_lock itself, for the minimal span needed to do both
// copies, never holding it across a base-device submission.
func (s *Shadow) Materialise(wb WriteBack, guestMD []byte, dst []byte) error {
	blockLen := uint64(s.geo.GuestBlockLen)
	wantLen := wb.SpanLBA * blockLen
	if uint64(len(dst)) != wantLen {
		return fmt.Errorf("shadow: bounce buffer is %d bytes, want %d", len(dst), wantLen)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.spliceInLocked(wb.ByteOff, guestMD); err != nil {
		return err
	}

	srcStart := wb.StartLBA * blockLen
	srcEnd := srcStart + wantLen
	if srcEnd > uint64(len(s.buf)) {
		return fmt.Errorf("shadow: write-back window [%d,%d) out of bounds (len=%d)", srcStart, srcEnd, len(s.buf))
	}
	copy(dst, s.buf[srcStart:srcEnd])
	return nil
}
