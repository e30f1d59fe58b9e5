//go:build !debugleak

package channel

import "github.com/couchbaselabs/dcp-go-core/events"

// newAckHandle returns a bare ackHandle. The leak-checking variant lives
// behind the debugleak build tag (ackhandle_debugleak.go) — this path never
// pays for runtime.SetFinalizer in production builds.
func newAckHandle(c *Channel) events.AckHandle {
	return ackHandle{fc: c.fc}
}
