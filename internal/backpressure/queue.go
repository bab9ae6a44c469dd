// Package backpressure implements the NO_MEMORY recovery path: parking a
// guest I/O on the base device's own channel wait queue and resubmitting
// it once capacity is signalled.
package backpressure

import (
	"github.com/simplyblock-io/vbdev-passthru/internal/blockdev"
	"go.uber.org/zap"
)

// Park attaches a wait entry to the given channel and arranges for
// resubmit to run once the base device signals capacity. If the channel
// refuses to queue the wait entry, Park returns ErrQueueRefused and the
// caller must fail the guest I/O immediately — there is no retry on a
// refused enqueue.
//
// resubmit must be idempotent: the base device invokes it by re-entering
// the dispatcher's Submit on the original channel, reusing the original
// I/O context.
func Park(ch blockdev.Channel, resubmit func(), log *zap.SugaredLogger) error {
	entry := &blockdev.WaitEntry{Resubmit: resubmit}

	if err := ch.QueueWait(entry); err != nil {
		if log != nil {
			log.Warnw("failed to queue I/O for retry after NO_MEMORY", "error", err)
		}
		return blockdev.ErrQueueRefused
	}

	if log != nil {
		log.Debugw("queued I/O for retry after NO_MEMORY")
	}
	return nil
}
