// Package ioctx defines the per-in-flight-I/O context threaded through the
// dispatcher's completion chain.
package ioctx

import (
	"github.com/simplyblock-io/vbdev-passthru/internal/blockdev"
)

// Marker is the sentinel byte set at submit and checked at the entry of
// every chained completion callback. A mismatch is logged, never acted on.
const Marker = 0x5A

// Context is one per in-flight guest I/O (spec's "X").
type Context struct {
	Orig    *blockdev.IO
	Channel blockdev.Channel

	// marker guards against context corruption across the callback chain.
	marker byte

	// Bounce is the I/O-private DMA bounce buffer allocated by the
	// write-through metadata protocol. Nil unless that protocol is
	// in flight for this context.
	Bounce []byte

	// Done is the guest-visible completion callback, invoked exactly
	// once by the dispatcher regardless of how many base-device
	// operations this context triggers.
	Done func(status blockdev.Status)
}

// New creates a Context with the marker armed, as spec §4.2 ("I/O Context")
// requires at submit time.
func New(orig *blockdev.IO, ch blockdev.Channel, done func(status blockdev.Status)) *Context {
	return &Context{
		Orig:    orig,
		Channel: ch,
		marker:  Marker,
		Done:    done,
	}
}

// CheckMarker reports whether the context's marker still reads 0x5A. The
// caller logs on mismatch; this never changes completion status.
func (c *Context) CheckMarker() bool {
	return c.marker == Marker
}
