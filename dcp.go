// Package dcpcore is the only surface an embedder imports: it wires
// config.Options, a configprovider.Provider, and a channel.Dialer into a
// running Conductor + Fixer pair, and exposes the data/control/system-event
// callbacks spec.md §6 names as the sole embedder-facing surface.
package dcpcore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/couchbaselabs/dcp-go-core/channel"
	"github.com/couchbaselabs/dcp-go-core/conductor"
	"github.com/couchbaselabs/dcp-go-core/config"
	"github.com/couchbaselabs/dcp-go-core/configprovider"
	"github.com/couchbaselabs/dcp-go-core/events"
	"github.com/couchbaselabs/dcp-go-core/fixer"
	"github.com/couchbaselabs/dcp-go-core/flowcontrol"
	"github.com/couchbaselabs/dcp-go-core/healthcheck"
	"github.com/couchbaselabs/dcp-go-core/metrics"
	"github.com/couchbaselabs/dcp-go-core/partition"
	"github.com/couchbaselabs/dcp-go-core/session"
)

// Callbacks are the user-facing sinks spec.md §6 defines. OnSystemEvent is
// optional — most embedders only need data/control; it exists for
// diagnostics or custom alerting on top of the built-in Fixer recovery.
type Callbacks struct {
	OnData        channel.DataCallback
	OnControl     channel.ControlCallback
	OnSystemEvent func(events.SystemEvent)
}

// Client is the embedder-facing handle: a Conductor driving channels plus a
// Fixer consuming its event outbox, both started by Open and torn down by
// Close.
type Client struct {
	opts    config.Options
	session *session.State
	co      *conductor.Conductor
	onEvent func(events.SystemEvent)
	metrics *metrics.Collectors
	health  *healthcheck.Registry
	log     logrus.FieldLogger

	cancel context.CancelFunc
}

// New validates opts and wires a Conductor, but does not yet connect or
// start the Fixer — call Open.
func New(opts config.Options, numPartitions uint16, cp configprovider.Provider, dialer channel.Dialer, cb Callbacks, log logrus.FieldLogger) (*Client, error) {
	opts = opts.WithDefaults()
	if err := opts.Verify(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	fc, err := flowcontrol.NewConfig(true, opts.FlowControlBufferSize, opts.BufferAckWatermarkPercent)
	if err != nil {
		return nil, errors.Wrap(err, "dcpcore: flow control config")
	}

	sess := session.New(numPartitions, log.WithField("component", "session"))
	mcol := metrics.NewCollectors("dcp_core")
	health := healthcheck.NewRegistry()

	co := conductor.New(conductor.Config{
		Dialer:              dialer,
		FlowControl:         fc,
		DeadConnectionEvery: opts.DeadConnectionDetectionInterval,
		ConnectAttemptTO:    opts.DCPChannelAttemptTimeout,
		ConnectTotalTO:      opts.DCPChannelTotalTimeout,
		OnData:              cb.OnData,
		OnControl:           cb.OnControl,
		Metrics:             mcol,
		Health:              health,
		Log:                 log.WithField("component", "conductor"),
	}, cp, sess, 4096)

	return &Client{
		opts:    opts,
		session: sess,
		co:      co,
		onEvent: cb.OnSystemEvent,
		metrics: mcol,
		health:  health,
		log:     log,
	}, nil
}

// Open connects the Conductor and starts the Fixer's event loop on a
// background goroutine. If the embedder supplied OnSystemEvent, every event
// is teed to it before the Fixer consumes it.
func (c *Client) Open(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	fixerInbox := c.co.Outbox()
	if c.onEvent != nil {
		tee := make(chan events.SystemEvent, cap(c.co.Outbox()))
		go func() {
			for {
				select {
				case ev := <-c.co.Outbox():
					c.onEvent(ev)
					select {
					case tee <- ev:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
		fixerInbox = tee
	}

	fx := fixer.New(c.co, fixerInbox, c.metrics, c.log.WithField("component", "fixer"), c.onEvent)
	go fx.Run(ctx)

	return c.co.Connect(ctx)
}

// Close disconnects every channel and stops the Fixer, blocking until
// teardown completes.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.co.Disconnect(true)
}

// StartStreamForPartition opens a DCP stream for req.VBID against its
// current master node.
func (c *Client) StartStreamForPartition(ctx context.Context, req partition.StreamRequest) error {
	return c.co.StartStreamForPartition(ctx, req)
}

// RequestStopStream closes vbid's stream.
func (c *Client) RequestStopStream(vbid uint16) error {
	return c.co.RequestStopStream(vbid)
}

// WaitForStop blocks until vbid's partition reaches Disconnected.
func (c *Client) WaitForStop(ctx context.Context, vbid uint16) error {
	return c.co.WaitForStop(ctx, vbid)
}

// Session exposes the owned session state, e.g. for periodic persistence
// via session.State.SerializeCompressed.
func (c *Client) Session() *session.State { return c.session }

// MustRegisterMetrics registers the client's Prometheus collectors against
// reg.
func (c *Client) MustRegisterMetrics(reg prometheus.Registerer) {
	c.metrics.MustRegister(reg)
}

// IsHealthy reports aggregate channel liveness.
func (c *Client) IsHealthy() bool { return c.health.IsHealthy() }

// NotifyShutdownSignals wires SIGINT/SIGTERM/SIGQUIT to the Conductor's
// Disconnect(true), which closes every channel; unlike Close, it does not
// cancel the Fixer's context.
func (c *Client) NotifyShutdownSignals() (stop func()) {
	return c.co.NotifyShutdownSignals()
}

// RequestCollectionsManifest blocks (honoring ctx) until vbid's manifest uid
// changes, per spec.md §4.2 "request_collections_manifest".
func (c *Client) RequestCollectionsManifest(ctx context.Context, vbid uint16) (uint64, error) {
	return c.co.RequestCollectionsManifest(ctx, vbid)
}
