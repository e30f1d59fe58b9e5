//go:build debugleak

package channel

import (
	"runtime"

	"github.com/couchbaselabs/dcp-go-core/events"
)

// leakCheckedAckHandle wraps ackHandle with a finalizer that warns if the
// handle is garbage collected before Ack was ever called — a test guard
// for embedders that forget to ack delivered bytes, never built into
// production binaries (build with -tags debugleak to enable).
type leakCheckedAckHandle struct {
	ackHandle
	acked *bool
	log   interface {
		Warn(args ...interface{})
	}
}

func (h *leakCheckedAckHandle) Ack(n int) {
	*h.acked = true
	h.ackHandle.Ack(n)
}

func newAckHandle(c *Channel) events.AckHandle {
	acked := new(bool)
	h := &leakCheckedAckHandle{ackHandle: ackHandle{fc: c.fc}, acked: acked, log: c.log}
	runtime.SetFinalizer(h, func(h *leakCheckedAckHandle) {
		if !*h.acked {
			h.log.Warn("dcp channel: ack handle garbage collected without Ack being called")
		}
	})
	return h
}
