// Package dmabuf provides the in-process stand-in for the host framework's
// DMA-aligned allocator (spdk_zmalloc in the source system). Real DMA
// allocation and huge-page alignment are an external collaborator's job;
// this package only preserves the size/alignment contract so call sites
// keep behaving the same way if a real allocator is swapped in later.
package dmabuf

import (
	"fmt"

	"github.com/c2h5oh/datasize"
)

// DefaultAlign is the alignment the source system uses for every DMA
// allocation tied to the metadata shadow (2 MiB huge-page granularity).
const DefaultAlign = 2 * datasize.MB

// Alloc returns a zero-filled byte slice of exactly size bytes, validating
// that align is a legal power-of-two alignment request. Pure Go gives no
// portable way to place a []byte at a specific physical address, so this
// is bookkeeping only: the real alignment guarantee is the allocator's to
// provide once this contract is backed by huge pages.
func Alloc(size uint64, align uint64) ([]byte, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("dmabuf: alignment %d is not a power of two", align)
	}
	return make([]byte, size), nil
}
