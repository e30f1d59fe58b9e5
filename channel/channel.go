// Package channel implements the DCP Channel (CH) of spec.md §4.1: one
// bidirectional memcached-binary connection to a KV node, with typed request
// operations and a frame demultiplexer feeding PartitionState and the
// embedder's callbacks.
//
// TCP dialing, SASL negotiation, TLS, and the DCP_OPEN handshake are
// external collaborators per spec.md §1/§6 — a Channel is handed an already
// negotiated connection by the Dialer the embedder supplies.
package channel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/couchbaselabs/dcp-go-core/events"
	"github.com/couchbaselabs/dcp-go-core/flowcontrol"
	"github.com/couchbaselabs/dcp-go-core/partition"
	"github.com/couchbaselabs/dcp-go-core/session"
	"github.com/couchbaselabs/dcp-go-core/wire"
)

// Dialer produces a fully negotiated (TCP+SASL+DCP_OPEN) connection to node.
// Supplying this is the embedder's responsibility (spec.md §1 Non-goals).
type Dialer interface {
	Dial(ctx context.Context, node string) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a plain function to Dialer.
type DialerFunc func(ctx context.Context, node string) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context, node string) (io.ReadWriteCloser, error) {
	return f(ctx, node)
}

// DataCallback and ControlCallback are the embedder's per-frame sinks
// (spec.md §6). Implementations MUST NOT block — they run on the channel's
// single I/O context.
type DataCallback func(events.DataEvent, events.AckHandle)
type ControlCallback func(events.ControlEvent)

// Config is a Channel's immutable construction parameters, built-then-Verify
// the way flowcontrol.Config and the teacher's std.BuildSmuxConfig are.
type Config struct {
	Node                string
	Dialer              Dialer
	Session             *session.State
	Outbox              chan<- events.SystemEvent
	OnData              DataCallback
	OnControl           ControlCallback
	FlowControl         flowcontrol.Config
	DeadConnectionEvery time.Duration
	StreamID            uint16
	CollectionID        uint32
	Log                 logrus.FieldLogger
}

func (c Config) Verify() error {
	if c.Node == "" {
		return errors.New("channel: Node is required")
	}
	if c.Dialer == nil {
		return errors.New("channel: Dialer is required")
	}
	if c.Session == nil {
		return errors.New("channel: Session is required")
	}
	if err := c.FlowControl.Verify(); err != nil {
		return errors.Wrap(err, "channel")
	}
	if c.DeadConnectionEvery <= 0 {
		return errors.New("channel: DeadConnectionEvery must be > 0")
	}
	return nil
}

// DelaySchedule returns the sleep duration before attempt n (1-based) of a
// connect retry loop.
type DelaySchedule func(attempt int) time.Duration

// DefaultDelaySchedule follows spec.md's 1s,2s,4s,...,64s connect-retry
// cadence, the same shape partition.PartitionState uses for its own backoff.
func DefaultDelaySchedule(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt && d < 64*time.Second; i++ {
		d *= 2
	}
	if d > 64*time.Second {
		d = 64 * time.Second
	}
	return d
}

// Channel is one node's connection plus demultiplexer (spec.md §3: "addr,
// state, open_streams, failover_log_pending, state_fetched,
// last_rx_monotonic, channel_dropped_reported").
type Channel struct {
	cfg Config
	log logrus.FieldLogger
	fc  *flowcontrol.Controller

	mu                     sync.Mutex
	state                  partition.State
	conn                   io.ReadWriteCloser
	writeMu                sync.Mutex
	openStreams            map[uint16]bool
	failoverLogPending     map[uint16]bool
	stateFetched           bool
	channelDroppedReported bool

	// Response opcodes carry the request's opaque, not its vbucket, in the
	// wire header (spec.md §6's status_or_vbucket field is overloaded); these
	// map opaque back to the vbid a STREAM_REQ/CLOSE_STREAM/GET_FAILOVER_LOG
	// was issued for.
	pendingStreamReq   map[uint32]uint16
	pendingCloseStream map[uint32]uint16
	pendingFailoverLog map[uint32]uint16
	pendingManifest    map[uint32]uint16

	lastRxMonotonic atomic.Int64 // unix nanoseconds
	opaque          atomic.Uint32

	closeOnce *sync.Once
	closed    chan struct{}

	deadConnLimiter *rate.Limiter
}

// New constructs a Channel. It does not connect; call Connect.
func New(cfg Config) (*Channel, error) {
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger().WithField("node", cfg.Node)
	}
	ch := &Channel{
		cfg:                cfg,
		log:                cfg.Log,
		state:              partition.Disconnected,
		openStreams:        make(map[uint16]bool),
		failoverLogPending: make(map[uint16]bool),
		pendingStreamReq:   make(map[uint32]uint16),
		pendingCloseStream: make(map[uint32]uint16),
		pendingFailoverLog: make(map[uint32]uint16),
		pendingManifest:    make(map[uint32]uint16),
		closeOnce:          &sync.Once{},
		closed:             make(chan struct{}),
		deadConnLimiter:    rate.NewLimiter(rate.Every(cfg.DeadConnectionEvery), 1),
	}
	ch.fc = flowcontrol.NewController(cfg.FlowControl, ch.writeBufferAck, ch.log)
	ch.lastRxMonotonic.Store(time.Now().UnixNano())
	return ch, nil
}

func (c *Channel) Node() string { return c.cfg.Node }

// State returns the channel's current connection sub-state.
func (c *Channel) State() partition.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s partition.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect repeatedly attempts to establish the connection, sleeping
// delay(attempt) between tries, and aborts once now-start exceeds
// totalTimeout (spec.md §4.1). On success it re-opens every previously open
// stream, re-submits pending failover-log requests, and re-samples seqnos
// if they had not yet been fetched.
func (c *Channel) Connect(ctx context.Context, attemptTimeout, totalTimeout time.Duration, delay DelaySchedule) error {
	if delay == nil {
		delay = DefaultDelaySchedule
	}
	c.setState(partition.Connecting)

	start := time.Now()
	var lastErr error
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		conn, err := c.cfg.Dialer.Dial(attemptCtx, c.cfg.Node)
		cancel()
		if err == nil {
			c.onConnected(conn)
			return nil
		}
		lastErr = err
		c.log.WithError(err).WithField("attempt", attempt).Warn("dcp channel connect attempt failed")

		if totalTimeout > 0 && time.Since(start) > totalTimeout {
			c.setState(partition.Disconnected)
			return errors.Wrapf(lastErr, "channel %s: connect total timeout exceeded", c.cfg.Node)
		}
		select {
		case <-ctx.Done():
			c.setState(partition.Disconnected)
			return ctx.Err()
		case <-time.After(delay(attempt)):
		}
	}
}

func (c *Channel) onConnected(conn io.ReadWriteCloser) {
	c.mu.Lock()
	c.conn = conn
	c.channelDroppedReported = false
	openStreams := make([]uint16, 0, len(c.openStreams))
	for vbid, open := range c.openStreams {
		if open {
			openStreams = append(openStreams, vbid)
		}
	}
	pendingFailover := make([]uint16, 0, len(c.failoverLogPending))
	for vbid := range c.failoverLogPending {
		pendingFailover = append(pendingFailover, vbid)
	}
	wasFetched := c.stateFetched
	c.state = partition.Connected
	c.closed = make(chan struct{})
	c.closeOnce = &sync.Once{}
	c.mu.Unlock()

	go c.demuxLoop(conn)

	for _, vbid := range openStreams {
		ps := c.cfg.Session.Partition(vbid)
		start, end := ps.SnapshotWindow()
		vbuuid := c.cfg.Session.LatestVBUUID(vbid)
		req := ps.PrepareNextStreamRequest(vbuuid, c.cfg.StreamID, c.cfg.CollectionID)
		req.SnapStart, req.SnapEnd = start, end
		c.writeStreamReq(req)
	}
	for _, vbid := range pendingFailover {
		c.writeGetFailoverLog(vbid)
	}
	if !wasFetched {
		c.writeGetSeqnos()
	}
}

// OpenStream writes a DCP_STREAM_REQ for req.VBID (spec.md §4.1). If the
// channel is not Connected, it synthesises StreamEnd(CHANNEL_DROPPED)
// instead of blocking on a dead socket.
func (c *Channel) OpenStream(req partition.StreamRequest) {
	ps := c.cfg.Session.Partition(req.VBID)
	ps.SetState(partition.Connecting)

	c.mu.Lock()
	c.openStreams[req.VBID] = true
	connected := c.state == partition.Connected
	c.mu.Unlock()

	if !connected {
		c.synthesizeStreamEnd(req.VBID, wire.StreamEndChannelDropped)
		return
	}
	c.writeStreamReq(req)
}

// CloseStream writes DCP_CLOSE_STREAM and transitions the partition to
// Disconnecting. Returns ErrNotConnected if the channel is not Connected.
func (c *Channel) CloseStream(vbid uint16) error {
	c.mu.Lock()
	connected := c.state == partition.Connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	c.cfg.Session.Partition(vbid).SetState(partition.Disconnecting)
	opaque := c.nextOpaque()
	c.mu.Lock()
	c.pendingCloseStream[opaque] = vbid
	c.mu.Unlock()
	c.write(wire.EncodeRequest(wire.OpDcpCloseStream, vbid, nil, nil, nil, opaque))
	return nil
}

// GetFailoverLog requests vbid's failover log; the response updates session
// state and clears the pending flag (spec.md §4.1).
func (c *Channel) GetFailoverLog(vbid uint16) {
	c.mu.Lock()
	c.failoverLogPending[vbid] = true
	c.mu.Unlock()
	c.writeGetFailoverLog(vbid)
}

// GetSeqnos requests GET_ALL_VB_SEQNOS across every vbucket this channel
// owns.
func (c *Channel) GetSeqnos() {
	c.writeGetSeqnos()
}

// RequestCollectionsManifest issues GET_COLLECTIONS_MANIFEST on behalf of
// vbid (spec.md §4.2 "request_collections_manifest"); the response updates
// vbid's PartitionState.ManifestUID.
func (c *Channel) RequestCollectionsManifest(vbid uint16) {
	opaque := c.nextOpaque()
	c.mu.Lock()
	c.pendingManifest[opaque] = vbid
	c.mu.Unlock()
	c.write(wire.EncodeRequest(wire.OpGetCollectionsManifest, 0, nil, nil, nil, opaque))
}

// AckBytes forwards n consumed bytes to the shared flow controller, which
// may in turn emit a BUFFER_ACK.
func (c *Channel) AckBytes(n int) {
	c.fc.Ack(n)
}

// Close tears down the socket and marks the channel Disconnected.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = partition.Disconnected
	c.mu.Unlock()
	c.fc.Flush()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

var ErrNotConnected = errors.New("channel: not connected")

func (c *Channel) nextOpaque() uint32 { return c.opaque.Add(1) }

func (c *Channel) write(b []byte) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == partition.Connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(b); err != nil {
		c.log.WithError(err).Warn("dcp channel write failed")
		c.handleSocketClosed()
	}
}

func (c *Channel) writeStreamReq(req partition.StreamRequest) {
	extras := make([]byte, 48)
	binary.BigEndian.PutUint32(extras[0:4], 0) // flags
	binary.BigEndian.PutUint32(extras[4:8], 0) // reserved
	binary.BigEndian.PutUint64(extras[8:16], req.StartSeqno)
	binary.BigEndian.PutUint64(extras[16:24], req.EndSeqno)
	binary.BigEndian.PutUint64(extras[24:32], req.VBUUID)
	binary.BigEndian.PutUint64(extras[32:40], req.SnapStart)
	binary.BigEndian.PutUint64(extras[40:48], req.SnapEnd)

	var value []byte
	if req.CollectionID != 0 || req.ManifestUID != 0 {
		body := map[string]interface{}{}
		if req.CollectionID != 0 {
			body["collections"] = []string{fmt.Sprintf("%x", req.CollectionID)}
		}
		if req.ManifestUID != 0 {
			body["uid"] = fmt.Sprintf("%x", req.ManifestUID)
		}
		value, _ = json.Marshal(body)
	}
	opaque := c.nextOpaque()
	c.mu.Lock()
	c.pendingStreamReq[opaque] = req.VBID
	c.mu.Unlock()
	c.write(wire.EncodeRequest(wire.OpDcpStreamReq, req.VBID, extras, nil, value, opaque))
}

func (c *Channel) writeGetFailoverLog(vbid uint16) {
	opaque := c.nextOpaque()
	c.mu.Lock()
	c.pendingFailoverLog[opaque] = vbid
	c.mu.Unlock()
	c.write(wire.EncodeRequest(wire.OpDcpGetFailoverLog, vbid, nil, nil, nil, opaque))
}

func (c *Channel) writeGetSeqnos() {
	c.write(wire.EncodeRequest(wire.OpGetAllVbSeqnos, 0, nil, nil, nil, c.nextOpaque()))
}

func (c *Channel) writeBufferAck(n uint64) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, uint32(n))
	c.write(wire.EncodeRequest(wire.OpDcpBufferAck, 0, extras, nil, nil, c.nextOpaque()))
}

// synthesizeStreamEnd publishes a local StreamEnd the way spec.md §4.1
// requires for writes attempted after disconnection.
func (c *Channel) synthesizeStreamEnd(vbid uint16, reason wire.StreamEndReason) {
	c.publish(events.SystemEvent{Kind: events.KindStreamEnd, Node: c.cfg.Node, VBID: vbid, StreamEndReason: reason})
}

func (c *Channel) publish(ev events.SystemEvent) {
	if c.cfg.Outbox == nil {
		return
	}
	select {
	case c.cfg.Outbox <- ev:
	default:
		// the Fixer's inbox is unbounded in spec.md's design; a full buffered
		// channel here means the embedder undersized it, not backpressure to
		// honor — log and drop rather than block the I/O context.
		c.log.WithField("kind", ev.Kind).Warn("dropped system event: outbox full")
	}
}

// CheckDeadConnection is called on every tick of the Fixer's fixed-period
// ticker (spec.md §4.3/§4.1); deadConnLimiter (golang.org/x/time/rate)
// throttles the actual probe to once per DeadConnectionEvery regardless of
// call frequency.
// If no bytes have arrived within that interval while Connected, publish
// ChannelDropped once.
func (c *Channel) CheckDeadConnection(now time.Time) {
	if !c.deadConnLimiter.AllowN(now, 1) {
		return
	}
	c.mu.Lock()
	connected := c.state == partition.Connected
	alreadyReported := c.channelDroppedReported
	c.mu.Unlock()
	if !connected || alreadyReported {
		return
	}
	last := time.Unix(0, c.lastRxMonotonic.Load())
	if now.Sub(last) <= c.cfg.DeadConnectionEvery {
		return
	}
	c.mu.Lock()
	c.channelDroppedReported = true
	c.mu.Unlock()
	c.publish(events.SystemEvent{Kind: events.KindChannelDropped, Node: c.cfg.Node})
}

func (c *Channel) handleSocketClosed() {
	c.mu.Lock()
	wasConnecting := c.state == partition.Connected || c.state == partition.Connecting
	alreadyReported := c.channelDroppedReported
	c.state = partition.Disconnected
	if wasConnecting && !alreadyReported {
		c.channelDroppedReported = true
	}
	c.mu.Unlock()
	if wasConnecting && !alreadyReported {
		c.publish(events.SystemEvent{Kind: events.KindChannelDropped, Node: c.cfg.Node})
	}
	c.mu.Lock()
	once, ch := c.closeOnce, c.closed
	c.mu.Unlock()
	once.Do(func() { close(ch) })
}

// Done returns a channel closed once the current connection has torn down,
// letting the Conductor wait for cleanup without polling State().
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// demuxLoop is the channel's single I/O context (spec.md §5): it owns conn
// exclusively until the socket closes.
func (c *Channel) demuxLoop(conn io.ReadWriteCloser) {
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			c.log.WithError(err).Debug("dcp channel read loop ended")
			c.handleSocketClosed()
			return
		}
		c.lastRxMonotonic.Store(time.Now().UnixNano())
		c.dispatch(frame)
	}
}

type ackHandle struct {
	fc *flowcontrol.Controller
}

func (h ackHandle) Ack(n int) { h.fc.Ack(n) }

// dispatch implements spec.md §4.1's demultiplexer table.
func (c *Channel) dispatch(f wire.Frame) {
	if n := len(f.Value); n > 0 {
		c.fc.OnFrameDelivered(n)
	}
	switch f.Header.Opcode {
	case wire.OpDcpStreamReq:
		c.onStreamReqResponse(f)
	case wire.OpDcpSnapshotMarker:
		c.onSnapshotMarker(f)
	case wire.OpDcpMutation, wire.OpDcpDeletion, wire.OpDcpExpiration:
		c.onMutation(f)
	case wire.OpDcpOsoSnapshot:
		c.onOSOSnapshot(f)
	case wire.OpDcpStreamEnd:
		c.onStreamEnd(f)
	case wire.OpDcpSystemEvent:
		c.onSystemEvent(f)
	case wire.OpDcpCloseStream:
		c.onCloseStreamResponse(f)
	case wire.OpGetAllVbSeqnos:
		c.onGetSeqnosResponse(f)
	case wire.OpDcpGetFailoverLog:
		c.onFailoverLogResponse(f)
	case wire.OpGetCollectionsManifest:
		c.onCollectionsManifestResponse(f)
	case wire.OpDcpBufferAck:
		// informational (spec.md §4.1)
	default:
		c.log.WithField("opcode", f.Header.Opcode).Debug("dcp channel dropped unknown frame")
	}
}

// lookupPending resolves a response's request vbid from its opaque, per the
// memcached binary protocol (a response's status_or_vbucket field carries
// the status, not the vbucket, so correlation must go through opaque).
func (c *Channel) lookupPending(pending map[uint32]uint16, opaque uint32) (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vbid, ok := pending[opaque]
	if ok {
		delete(pending, opaque)
	}
	return vbid, ok
}

func (c *Channel) onStreamReqResponse(f wire.Frame) {
	vbid, ok := c.lookupPending(c.pendingStreamReq, f.Header.Opaque)
	if !ok {
		c.log.WithField("opaque", f.Header.Opaque).Warn("dcp channel stream_req response with no matching request")
		return
	}
	ps := c.cfg.Session.Partition(vbid)
	status := f.Header.Status()
	switch status {
	case wire.StatusSuccess:
		entries := wire.DecodeFailoverLog(f.Value)
		c.cfg.Session.UpdateFailoverLog(vbid, entries)
		ps.SetState(partition.Connected)
		ps.ResetBackoff()
		c.publish(events.SystemEvent{Kind: events.KindOpenStreamResponse, Node: c.cfg.Node, VBID: vbid, OpenStreamResp: events.OpenStreamOK})
	case wire.StatusRollback:
		ps.SetState(partition.Disconnected)
		seqno := decodeRollbackSeqno(f.Value)
		c.publish(events.SystemEvent{Kind: events.KindRollback, Node: c.cfg.Node, VBID: vbid, RollbackSeqno: seqno})
		if c.cfg.OnControl != nil {
			c.cfg.OnControl(events.ControlEvent{VBID: vbid, Opcode: f.Header.Opcode, RollbackSeqno: seqno, IsRollback: true})
		}
	case wire.StatusNotMyVBucket:
		ps.SetState(partition.Disconnected)
		c.publish(events.SystemEvent{Kind: events.KindNotMyVBucket, Node: c.cfg.Node, VBID: vbid})
	case wire.StatusManifestIsAhead:
		c.publish(events.SystemEvent{Kind: events.KindOpenStreamResponse, Node: c.cfg.Node, VBID: vbid, OpenStreamResp: events.OpenStreamManifestAhead, Backoff: events.BackoffHint{Milliseconds: 500}})
	case wire.StatusInvalidArgs:
		c.publish(events.SystemEvent{Kind: events.KindOpenStreamResponse, Node: c.cfg.Node, VBID: vbid, OpenStreamResp: events.OpenStreamInvalidArgs})
	default:
		ps.SetState(partition.Disconnected)
		c.publish(events.SystemEvent{Kind: events.KindOpenStreamResponse, Node: c.cfg.Node, VBID: vbid, OpenStreamResp: events.OpenStreamStatus(status)})
	}
}

func decodeRollbackSeqno(value []byte) uint64 {
	if len(value) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(value[:8])
}

func (c *Channel) onSnapshotMarker(f wire.Frame) {
	vbid := f.Header.VBucket()
	m := wire.DecodeSnapshotMarker(f.Extras)
	c.cfg.Session.Partition(vbid).BeginSnapshot(m.StartSeqno, m.EndSeqno)
	c.cfg.Session.Partition(vbid).ObserveVBucketSeqnoInMaster(m.EndSeqno)
	if c.cfg.OnControl != nil {
		c.cfg.OnControl(events.ControlEvent{VBID: vbid, Opcode: f.Header.Opcode, SnapshotStart: m.StartSeqno, SnapshotEnd: m.EndSeqno})
	}
}

func (c *Channel) onMutation(f wire.Frame) {
	vbid := f.Header.VBucket()
	m := wire.DecodeMutationExtras(f.Extras)
	ps := c.cfg.Session.Partition(vbid)
	if ps.IsOutOfOrder() {
		ps.ObserveOutOfOrderSeqno(m.BySeqno)
	} else {
		ps.AdvanceSeqno(m.BySeqno)
	}
	if c.cfg.OnData != nil {
		c.cfg.OnData(events.DataEvent{
			VBID: vbid, Opcode: f.Header.Opcode, Key: f.Key, Value: f.Value,
			BySeqno: m.BySeqno, RevSeqno: m.RevSeqno, Flags: m.Flags,
			Expiration: m.Expiration, Datatype: f.Header.DataType, CAS: f.Header.CAS,
		}, newAckHandle(c))
	}
}

func (c *Channel) onOSOSnapshot(f wire.Frame) {
	vbid := f.Header.VBucket()
	ps := c.cfg.Session.Partition(vbid)
	const osoEnd = 0x01
	var flags uint32
	if len(f.Extras) >= 4 {
		flags = binary.BigEndian.Uint32(f.Extras[0:4])
	}
	if flags&osoEnd != 0 {
		ps.EndOutOfOrder()
	} else {
		ps.BeginOutOfOrder()
	}
}

func (c *Channel) onStreamEnd(f wire.Frame) {
	vbid := f.Header.VBucket()
	c.mu.Lock()
	c.openStreams[vbid] = false
	c.mu.Unlock()
	var reason wire.StreamEndReason
	if len(f.Extras) >= 4 {
		reason = wire.StreamEndReason(binary.BigEndian.Uint32(f.Extras[0:4]))
	}
	c.publish(events.SystemEvent{Kind: events.KindStreamEnd, Node: c.cfg.Node, VBID: vbid, StreamEndReason: reason})
}

func (c *Channel) onSystemEvent(f wire.Frame) {
	vbid := f.Header.VBucket()
	se := wire.DecodeSystemEventExtras(f.Extras)
	ps := c.cfg.Session.Partition(vbid)
	ps.AdvanceSeqno(se.BySeqno)
	manifestUID := ps.ManifestUID()
	if len(f.Value) >= 8 {
		// collection/scope system events carry the new manifest uid in the
		// first 8 bytes of the value
		manifestUID = binary.BigEndian.Uint64(f.Value[0:8])
		ps.SetManifestUID(manifestUID)
	}
	if c.cfg.OnControl != nil {
		c.cfg.OnControl(events.ControlEvent{VBID: vbid, Opcode: f.Header.Opcode, SystemEventID: se.Event, ManifestUID: manifestUID})
	}
}

func (c *Channel) onCloseStreamResponse(f wire.Frame) {
	vbid, ok := c.lookupPending(c.pendingCloseStream, f.Header.Opaque)
	if !ok {
		c.log.WithField("opaque", f.Header.Opaque).Warn("dcp channel close_stream response with no matching request")
		return
	}
	c.cfg.Session.Partition(vbid).SetState(partition.Disconnected)
}

func (c *Channel) onGetSeqnosResponse(f wire.Frame) {
	pairs := wire.DecodeVBSeqnos(f.Value)
	for _, p := range pairs {
		c.cfg.Session.Partition(p.VBID).ObserveVBucketSeqnoInMaster(p.Seqno)
	}
	c.mu.Lock()
	c.stateFetched = true
	c.mu.Unlock()
}

// collectionsManifestBody is the subset of a GET_COLLECTIONS_MANIFEST
// response this core cares about: its revision id.
type collectionsManifestBody struct {
	UID string `json:"uid"`
}

func (c *Channel) onCollectionsManifestResponse(f wire.Frame) {
	vbid, ok := c.lookupPending(c.pendingManifest, f.Header.Opaque)
	if !ok {
		c.log.WithField("opaque", f.Header.Opaque).Warn("dcp channel collections_manifest response with no matching request")
		return
	}
	var body collectionsManifestBody
	if err := json.Unmarshal(f.Value, &body); err != nil {
		c.log.WithError(err).Warn("dcp channel failed to decode collections manifest response")
		return
	}
	uid, err := strconv.ParseUint(body.UID, 16, 64)
	if err != nil {
		c.log.WithError(err).WithField("uid", body.UID).Warn("dcp channel failed to parse collections manifest uid")
		return
	}
	c.cfg.Session.Partition(vbid).SetManifestUID(uid)
}

func (c *Channel) onFailoverLogResponse(f wire.Frame) {
	vbid, ok := c.lookupPending(c.pendingFailoverLog, f.Header.Opaque)
	if !ok {
		c.log.WithField("opaque", f.Header.Opaque).Warn("dcp channel get_failover_log response with no matching request")
		return
	}
	entries := wire.DecodeFailoverLog(f.Value)
	c.cfg.Session.UpdateFailoverLog(vbid, entries)
	c.mu.Lock()
	delete(c.failoverLogPending, vbid)
	c.mu.Unlock()
}
