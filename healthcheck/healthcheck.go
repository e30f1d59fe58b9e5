// Package healthcheck exposes per-node DCP channel liveness through
// AppsFlyer/go-sundheit, the same health-check library dexidp/dex uses for
// its own readiness surface — repurposed here from "is the OIDC server
// healthy" to "is this DCP channel healthy" (SPEC_FULL.md's Conductor
// module).
package healthcheck

import (
	"time"

	"github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"

	"github.com/couchbaselabs/dcp-go-core/partition"
)

// ChannelState is the minimal view a health check needs of a channel —
// satisfied by *channel.Channel without healthcheck importing channel,
// to keep the dependency one-directional (the Conductor wires concrete
// channels in).
type ChannelState interface {
	Node() string
	State() partition.State
}

// Registry owns one gosundheit.Health instance and a liveness check per
// registered channel.
type Registry struct {
	health gosundheit.Health
}

// NewRegistry constructs an empty health registry.
func NewRegistry() *Registry {
	return &Registry{health: gosundheit.New()}
}

// RegisterChannel installs a liveness check for ch, reporting healthy only
// while ch.State() == partition.Connected.
func (r *Registry) RegisterChannel(ch ChannelState) error {
	check := checks.CustomCheck{
		CheckName: "dcp-channel-" + ch.Node(),
		CheckFunc: func() (details interface{}, err error) {
			if ch.State() != partition.Connected {
				return ch.State().String(), errNotConnected{node: ch.Node()}
			}
			return "connected", nil
		},
	}
	return r.health.RegisterCheck(&gosundheit.Config{
		Check:           check,
		InitialDelay:    time.Second,
		ExecutionPeriod: 10 * time.Second,
	})
}

// DeregisterChannel removes ch's liveness check, e.g. once the Conductor
// has closed an orphaned channel.
func (r *Registry) DeregisterChannel(node string) {
	r.health.Deregister("dcp-channel-" + node)
}

// IsHealthy reports the aggregate health across every registered channel.
func (r *Registry) IsHealthy() bool {
	_, healthy := r.health.Results()
	return healthy
}

type errNotConnected struct{ node string }

func (e errNotConnected) Error() string { return "dcp channel " + e.node + " is not connected" }
