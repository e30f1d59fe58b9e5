// Package conductor implements the Conductor (CO) of spec.md §4.2: the
// single authority for which channels exist and what each streams, holding
// Session State and the channel set keyed by node address.
package conductor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/couchbaselabs/dcp-go-core/channel"
	"github.com/couchbaselabs/dcp-go-core/configprovider"
	"github.com/couchbaselabs/dcp-go-core/events"
	"github.com/couchbaselabs/dcp-go-core/flowcontrol"
	"github.com/couchbaselabs/dcp-go-core/healthcheck"
	"github.com/couchbaselabs/dcp-go-core/metrics"
	"github.com/couchbaselabs/dcp-go-core/partition"
	"github.com/couchbaselabs/dcp-go-core/session"
)

// Config is the Conductor's immutable construction parameters.
type Config struct {
	Dialer              channel.Dialer
	FlowControl         flowcontrol.Config
	DeadConnectionEvery time.Duration
	ConnectAttemptTO    time.Duration
	ConnectTotalTO      time.Duration
	StreamID            uint16
	CollectionID        uint32
	OnData              channel.DataCallback
	OnControl           channel.ControlCallback
	Metrics             *metrics.Collectors
	Health              *healthcheck.Registry
	Log                 logrus.FieldLogger
}

// Conductor is the single authority over channel lifecycle and routing
// (spec.md §4.2).
type Conductor struct {
	cfg     Config
	cp      configprovider.Provider
	session *session.State
	log     logrus.FieldLogger
	outbox  chan events.SystemEvent

	// channelsLock serialises additions/removals of channels and the
	// concurrent routing decisions that read them (spec.md §4.2/§5).
	channelsLock sync.RWMutex
	channels     map[string]*channel.Channel // node -> channel

	disconnectOnce sync.Once
	disconnected   chan struct{}
}

// New constructs a Conductor over cp and sess. outboxSize bounds the
// Fixer's inbox channel capacity (spec.md §4.3 describes it as
// conceptually unbounded; Go requires a concrete buffer, sized generously
// by the embedder).
func New(cfg Config, cp configprovider.Provider, sess *session.State, outboxSize int) *Conductor {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Conductor{
		cfg:          cfg,
		cp:           cp,
		session:      sess,
		log:          cfg.Log,
		outbox:       make(chan events.SystemEvent, outboxSize),
		channels:     make(map[string]*channel.Channel),
		disconnected: make(chan struct{}),
	}
}

// Outbox returns the system-event channel the Fixer consumes.
func (co *Conductor) Outbox() chan events.SystemEvent { return co.outbox }

// Session returns the owned session state.
func (co *Conductor) Session() *session.State { return co.session }

// Connect is idempotent: it refreshes CP, then establishes channels for
// every node that currently masters a vbucket in the config (spec.md §4.2).
func (co *Conductor) Connect(ctx context.Context) error {
	if err := co.cp.Refresh(ctx); err != nil {
		return errors.Wrap(err, "conductor: initial config refresh")
	}
	return co.EstablishDCPConnections(ctx)
}

// EstablishDCPConnections ensures a connected channel exists for every
// distinct master node in the current config, fanning connect attempts out
// concurrently with golang.org/x/sync/errgroup, and closes the channels of
// nodes that no longer master any vbucket; whether such a channel still has
// open streams is not checked.
func (co *Conductor) EstablishDCPConnections(ctx context.Context) error {
	cfg := co.cp.Snapshot()
	nodes := cfg.Nodes()
	wanted := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		wanted[n] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			_, err := co.ensureChannel(gctx, node)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "conductor: establish dcp connections")
	}

	co.closeOrphans(wanted)
	co.reportMetrics()
	return nil
}

func (co *Conductor) closeOrphans(wanted map[string]bool) {
	co.channelsLock.Lock()
	var toClose []*channel.Channel
	for node, ch := range co.channels {
		if !wanted[node] {
			toClose = append(toClose, ch)
			delete(co.channels, node)
		}
	}
	co.channelsLock.Unlock()
	for _, ch := range toClose {
		ch.Close()
		if co.cfg.Health != nil {
			co.cfg.Health.DeregisterChannel(ch.Node())
		}
	}
}

// ensureChannel returns the existing channel for node, connecting a new one
// if none exists yet.
func (co *Conductor) ensureChannel(ctx context.Context, node string) (*channel.Channel, error) {
	co.channelsLock.RLock()
	ch, ok := co.channels[node]
	co.channelsLock.RUnlock()
	if ok {
		return ch, nil
	}

	ch, err := channel.New(channel.Config{
		Node:                node,
		Dialer:              co.cfg.Dialer,
		Session:             co.session,
		Outbox:              co.outbox,
		OnData:              co.cfg.OnData,
		OnControl:           co.cfg.OnControl,
		FlowControl:         co.cfg.FlowControl,
		DeadConnectionEvery: co.cfg.DeadConnectionEvery,
		StreamID:            co.cfg.StreamID,
		CollectionID:        co.cfg.CollectionID,
		Log:                 co.log.WithField("node", node),
	})
	if err != nil {
		return nil, err
	}
	if err := ch.Connect(ctx, co.cfg.ConnectAttemptTO, co.cfg.ConnectTotalTO, nil); err != nil {
		return nil, errors.Wrapf(err, "conductor: connect to %s", node)
	}

	co.channelsLock.Lock()
	co.channels[node] = ch
	co.channelsLock.Unlock()

	if co.cfg.Health != nil {
		co.cfg.Health.RegisterChannel(ch)
	}
	return ch, nil
}

// ChannelFor returns the channel currently mastering vbid, if connected.
func (co *Conductor) ChannelFor(vbid uint16) (*channel.Channel, bool) {
	node := co.cp.Snapshot().MasterOf(vbid)
	if node == "" {
		return nil, false
	}
	co.channelsLock.RLock()
	defer co.channelsLock.RUnlock()
	ch, ok := co.channels[node]
	return ch, ok
}

// EnsureChannel is the Fixer-facing equivalent of ensureChannel — exported
// so fixer.Fixer (which drives the Conductor through its own narrow
// interface rather than importing conductor) can ask the Conductor to stand
// up a channel for a newly discovered master.
func (co *Conductor) EnsureChannel(ctx context.Context, node string) (*channel.Channel, error) {
	return co.ensureChannel(ctx, node)
}

// ReconnectChannel re-dials node's existing channel in place, reusing its
// open-stream/pending-failover-log bookkeeping (channel.Channel.Connect
// replays those on success). Used by the Fixer on ChannelDropped.
func (co *Conductor) ReconnectChannel(ctx context.Context, node string) error {
	co.channelsLock.RLock()
	ch, ok := co.channels[node]
	co.channelsLock.RUnlock()
	if !ok {
		_, err := co.ensureChannel(ctx, node)
		return err
	}
	return ch.Connect(ctx, co.cfg.ConnectAttemptTO, co.cfg.ConnectTotalTO, nil)
}

// CheckDeadConnections runs every channel's dead-connection probe (each
// throttled internally to once per its own DeadConnectionEvery); driven by
// the Fixer's tick loop rather than a per-channel goroutine (spec.md
// §4.1/§4.3).
func (co *Conductor) CheckDeadConnections(now time.Time) {
	co.channelsLock.RLock()
	defer co.channelsLock.RUnlock()
	for _, ch := range co.channels {
		ch.CheckDeadConnection(now)
	}
}

// RemoveChannel closes and forgets node's channel (used by the Fixer when a
// reconnect attempt permanently fails).
func (co *Conductor) RemoveChannel(node string) {
	co.channelsLock.Lock()
	ch, ok := co.channels[node]
	if ok {
		delete(co.channels, node)
	}
	co.channelsLock.Unlock()
	if ok {
		ch.Close()
		if co.cfg.Health != nil {
			co.cfg.Health.DeregisterChannel(node)
		}
	}
}

// MasterOf exposes the current config's routing decision for vbid.
func (co *Conductor) MasterOf(vbid uint16) string {
	return co.cp.Snapshot().MasterOf(vbid)
}

// RefreshConfig re-pulls the Config Provider, used by the Fixer before
// re-routing a dropped vbucket.
func (co *Conductor) RefreshConfig(ctx context.Context) error {
	return co.cp.Refresh(ctx)
}

// StartStreamForPartition looks up vbid's current master, routes to its
// channel (connecting one if needed), and opens the stream (spec.md §4.2).
// Called on an already-streaming vbid, it is a no-op (spec.md §8).
func (co *Conductor) StartStreamForPartition(ctx context.Context, req partition.StreamRequest) error {
	switch co.session.Partition(req.VBID).State() {
	case partition.Connected, partition.Connecting:
		return nil
	}

	node := co.MasterOf(req.VBID)
	if node == "" {
		return errors.Errorf("conductor: no master known for vbucket %d", req.VBID)
	}
	ch, err := co.ensureChannel(ctx, node)
	if err != nil {
		return err
	}
	ch.OpenStream(req)
	return nil
}

// RequestStopStream closes vbid's stream on its owning channel.
func (co *Conductor) RequestStopStream(vbid uint16) error {
	ch, ok := co.ChannelFor(vbid)
	if !ok {
		return errors.Errorf("conductor: no channel for vbucket %d", vbid)
	}
	return ch.CloseStream(vbid)
}

// WaitForStop blocks until vbid's partition reaches Disconnected or ctx is
// done.
func (co *Conductor) WaitForStop(ctx context.Context, vbid uint16) error {
	return co.session.Partition(vbid).WaitForState(ctx, partition.Disconnected)
}

// RequestFailoverLog issues DCP_GET_FAILOVER_LOG for vbid.
func (co *Conductor) RequestFailoverLog(vbid uint16) error {
	ch, ok := co.ChannelFor(vbid)
	if !ok {
		return errors.Errorf("conductor: no channel for vbucket %d", vbid)
	}
	ch.GetFailoverLog(vbid)
	return nil
}

// WaitForFailoverLog blocks (with ctx's deadline) until vbid's failover log
// is non-empty, then returns it.
func (co *Conductor) WaitForFailoverLog(ctx context.Context, vbid uint16) ([]FailoverLogEntryView, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if log := co.session.FailoverLog(vbid); len(log) > 0 {
			out := make([]FailoverLogEntryView, len(log))
			for i, e := range log {
				out[i] = FailoverLogEntryView{UUID: e.UUID, Seqno: e.Seqno}
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FailoverLogEntryView mirrors wire.FailoverLogEntry without requiring
// callers outside the module to import the wire package.
type FailoverLogEntryView struct {
	UUID  uint64
	Seqno uint64
}

// RequestCollectionsManifest issues GET_COLLECTIONS_MANIFEST for vbid and
// blocks (honoring ctx's deadline) until its PartitionState.ManifestUID
// changes from before, mirroring WaitForFailoverLog's shape (spec.md §4.2,
// SPEC_FULL.md supplemented feature 1).
func (co *Conductor) RequestCollectionsManifest(ctx context.Context, vbid uint16) (uint64, error) {
	ch, ok := co.ChannelFor(vbid)
	if !ok {
		return 0, errors.Errorf("conductor: no channel for vbucket %d", vbid)
	}
	ps := co.session.Partition(vbid)
	before := ps.ManifestUID()
	ch.RequestCollectionsManifest(vbid)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if got := ps.ManifestUID(); got != before {
			return got, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetSeqnos broadcasts GET_ALL_VB_SEQNOS to every channel.
func (co *Conductor) GetSeqnos() {
	co.channelsLock.RLock()
	defer co.channelsLock.RUnlock()
	for _, ch := range co.channels {
		ch.GetSeqnos()
	}
}

// Disconnect sets a terminal state, closes every channel, and — if wait is
// true — blocks until teardown completes (spec.md §4.2). It is idempotent.
func (co *Conductor) Disconnect(wait bool) {
	co.disconnectOnce.Do(func() {
		co.channelsLock.Lock()
		chans := make([]*channel.Channel, 0, len(co.channels))
		for _, ch := range co.channels {
			chans = append(chans, ch)
		}
		co.channels = make(map[string]*channel.Channel)
		co.channelsLock.Unlock()

		for _, ch := range chans {
			ch.Close()
		}
		close(co.disconnected)
	})
	if wait {
		<-co.disconnected
	}
}

// Done returns a channel closed once Disconnect has completed.
func (co *Conductor) Done() <-chan struct{} { return co.disconnected }

// NotifyShutdownSignals spawns a goroutine that calls Disconnect(true) on
// the first SIGINT/SIGTERM/SIGQUIT, adapted from the teacher's
// client/signal.go SIGUSR1 SNMP-dump handler into a graceful-shutdown
// trigger. It returns immediately; the returned stop func cancels the
// signal subscription without tearing the Conductor down.
func (co *Conductor) NotifyShutdownSignals() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			co.log.WithField("signal", sig).Info("conductor: shutdown signal received")
			co.Disconnect(true)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func (co *Conductor) reportMetrics() {
	if co.cfg.Metrics == nil {
		return
	}
	co.channelsLock.RLock()
	open := len(co.channels)
	co.channelsLock.RUnlock()
	co.cfg.Metrics.OpenChannels.Set(float64(open))
}
