// Package fixer implements the Fixer (FX) recovery controller of spec.md
// §4.3: a single-threaded consumer of the Conductor's SystemEvent outbox
// that decides, per event kind, whether to retry (with backoff), re-route,
// or give up.
package fixer

import (
	"container/heap"
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/couchbaselabs/dcp-go-core/channel"
	"github.com/couchbaselabs/dcp-go-core/events"
	"github.com/couchbaselabs/dcp-go-core/metrics"
	"github.com/couchbaselabs/dcp-go-core/partition"
	"github.com/couchbaselabs/dcp-go-core/session"
	"github.com/couchbaselabs/dcp-go-core/wire"
)

// MaxReattempts bounds how many times the Fixer will retry a single
// partition/node recovery before giving up for good (spec.md §4.3).
const MaxReattempts = 100

// Conductor is the narrow slice of *conductor.Conductor the Fixer drives.
// Defined here rather than importing package conductor, so fixer and
// conductor stay independent of each other (the root dcpcore package wires
// them together) and tests can supply a fake: *conductor.Conductor
// satisfies this interface structurally.
type Conductor interface {
	Session() *session.State
	MasterOf(vbid uint16) string
	EnsureChannel(ctx context.Context, node string) (*channel.Channel, error)
	ReconnectChannel(ctx context.Context, node string) error
	RemoveChannel(node string)
	StartStreamForPartition(ctx context.Context, req partition.StreamRequest) error
	RequestFailoverLog(vbid uint16) error
	RefreshConfig(ctx context.Context) error
	CheckDeadConnections(now time.Time)
	Disconnect(wait bool)
}

// Fixer consumes co's outbox on a single goroutine (Run) and reacts per
// spec.md §4.3's event table.
type Fixer struct {
	co      Conductor
	inbox   <-chan events.SystemEvent
	metrics *metrics.Collectors
	log     logrus.FieldLogger

	// notify reports a terminal (give-up/rollback) event outward — to the
	// embedder's OnSystemEvent, if any — without re-entering the Fixer's own
	// inbox the way pushing onto the Conductor's outbox would.
	notify func(events.SystemEvent)

	deadConnCheckEvery time.Duration
	nodeBackoff        map[string]*backoff.ExponentialBackOff

	backlog backlogQueue
}

// New constructs a Fixer reading from inbox (typically co.Outbox()). notify,
// if non-nil, is called with the terminal UnexpectedFailure event the Fixer
// publishes when it gives up or a rollback hands control back to the user
// (spec.md §4.3/§7).
func New(co Conductor, inbox <-chan events.SystemEvent, m *metrics.Collectors, log logrus.FieldLogger, notify func(events.SystemEvent)) *Fixer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Fixer{
		co:                 co,
		inbox:              inbox,
		metrics:            m,
		log:                log,
		notify:             notify,
		deadConnCheckEvery: 5 * time.Second,
		nodeBackoff:        make(map[string]*backoff.ExponentialBackOff),
	}
}

// backlogEntry is a deferred retry: fire won't be (re)attempted before
// deadline.
type backlogEntry struct {
	deadline time.Time
	ev       events.SystemEvent
	index    int
}

// backlogQueue is a deadline-ordered min-heap of pending retries, so the
// Fixer's tick loop always wakes for the nearest one instead of polling.
type backlogQueue []*backlogEntry

func (q backlogQueue) Len() int            { return len(q) }
func (q backlogQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q backlogQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index, q[j].index = i, j }
func (q *backlogQueue) Push(x interface{}) {
	e := x.(*backlogEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *backlogQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

func (f *Fixer) schedule(ev events.SystemEvent, delay time.Duration) {
	heap.Push(&f.backlog, &backlogEntry{deadline: time.Now().Add(delay), ev: ev})
}

// Run drives the Fixer's single-threaded event loop until ctx is done or a
// KindDisconnect poison pill arrives on the inbox.
func (f *Fixer) Run(ctx context.Context) {
	ticker := time.NewTicker(f.deadConnCheckEvery)
	defer ticker.Stop()

	for {
		var timer *time.Timer
		if f.backlog.Len() > 0 {
			d := time.Until(f.backlog[0].deadline)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case ev, ok := <-f.inbox:
			stopTimer(timer)
			if !ok || ev.Kind == events.KindDisconnect {
				return
			}
			f.handle(ctx, ev)
		case <-ticker.C:
			stopTimer(timer)
			f.co.CheckDeadConnections(time.Now())
		case <-timerC(timer):
			entry := heap.Pop(&f.backlog).(*backlogEntry)
			f.handle(ctx, entry.ev)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// handle dispatches ev per spec.md §4.3's table.
func (f *Fixer) handle(ctx context.Context, ev events.SystemEvent) {
	switch ev.Kind {
	case events.KindChannelDropped:
		f.onChannelDropped(ctx, ev)
	case events.KindStreamEnd:
		f.onStreamEnd(ctx, ev)
	case events.KindOpenStreamResponse:
		f.onOpenStreamResponse(ctx, ev)
	case events.KindRollback:
		f.onRollback(ctx, ev)
	case events.KindNotMyVBucket:
		f.onNotMyVBucket(ctx, ev)
	case events.KindUnexpectedFailure:
		f.onUnexpectedFailure(ctx, ev)
	default:
		f.log.WithField("kind", ev.Kind).Warn("fixer: unhandled system event kind")
	}
}

func (f *Fixer) countMetric() {
	if f.metrics != nil {
		f.metrics.FixerRetryAttempts.Inc()
	}
}

// giveUp is the Fixer's sole "give up" decision point (spec.md §7): it
// disconnects the Conductor and publishes an UnexpectedFailure so the
// embedder learns recovery stopped, instead of silently stalling.
func (f *Fixer) giveUp(ev events.SystemEvent, reason string) {
	f.log.WithFields(logrus.Fields{"node": ev.Node, "vbid": ev.VBID, "attempts": ev.Attempts}).
		Error("fixer: giving up recovery: " + reason)
	f.co.Disconnect(false)
	if f.notify != nil {
		f.notify(events.SystemEvent{
			Kind:  events.KindUnexpectedFailure,
			Node:  ev.Node,
			VBID:  ev.VBID,
			Cause: errors.New(reason),
		})
	}
}

// nodeBackoffFor returns (creating if absent) node's exponential backoff,
// following the same 1s..64s schedule partition.PartitionState uses.
func (f *Fixer) nodeBackoffFor(node string) *backoff.ExponentialBackOff {
	b, ok := f.nodeBackoff[node]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.Multiplier = 2
		b.MaxInterval = 64 * time.Second
		b.MaxElapsedTime = 0
		b.RandomizationFactor = 0
		b.Reset()
		f.nodeBackoff[node] = b
	}
	return b
}

func (f *Fixer) onChannelDropped(ctx context.Context, ev events.SystemEvent) {
	if ev.Attempts >= MaxReattempts {
		f.giveUp(ev, "channel reconnect exceeded max reattempts")
		f.co.RemoveChannel(ev.Node)
		delete(f.nodeBackoff, ev.Node)
		return
	}
	if f.metrics != nil {
		f.metrics.ChannelDropped.Inc()
	}
	f.countMetric()

	if err := f.co.ReconnectChannel(ctx, ev.Node); err != nil {
		f.log.WithError(err).WithField("node", ev.Node).Warn("fixer: channel reconnect attempt failed")
		delay := f.nodeBackoffFor(ev.Node).NextBackOff()
		f.schedule(events.SystemEvent{Kind: events.KindChannelDropped, Node: ev.Node, Attempts: ev.Attempts + 1}, delay)
		return
	}
	f.nodeBackoffFor(ev.Node).Reset()
}

func (f *Fixer) onStreamEnd(ctx context.Context, ev events.SystemEvent) {
	switch ev.StreamEndReason {
	case wire.StreamEndOK, wire.StreamEndClosed:
		// graceful, embedder-initiated close: nothing to recover.
		return
	case wire.StreamEndFilterEmpty, wire.StreamEndLostPrivileges:
		// terminal per spec.md §4.3: the collection/bucket is gone or access
		// was revoked; retrying cannot help.
		f.giveUp(ev, ev.StreamEndReason.String())
		return
	case wire.StreamEndDisconnected:
		// the socket is already gone; a ChannelDropped event for the same
		// node will follow and drives the actual reconnect (spec.md §4.3).
		return
	case wire.StreamEndTooSlow:
		// spec.md §4.3: log only, no automatic fix.
		f.log.WithField("vbid", ev.VBID).Warn("fixer: stream end too_slow; no automatic fix")
		return
	}

	if ev.Attempts >= MaxReattempts {
		f.giveUp(ev, "stream restart exceeded max reattempts")
		return
	}
	f.countMetric()

	ps := f.co.Session().Partition(ev.VBID)
	delay := ps.NextBackoff()
	next := ev
	next.Attempts++
	f.schedule(next, delay)
	if ev.RefreshFailoverLog {
		if err := f.co.RequestFailoverLog(ev.VBID); err != nil {
			f.log.WithError(err).WithField("vbid", ev.VBID).Warn("fixer: failover log refresh before stream restart failed")
		}
	}
	f.restartStream(ctx, ev.VBID)
}

func (f *Fixer) onOpenStreamResponse(ctx context.Context, ev events.SystemEvent) {
	switch ev.OpenStreamResp {
	case events.OpenStreamOK:
		return
	case events.OpenStreamInvalidArgs:
		f.giveUp(ev, "stream request rejected with invalid arguments")
		return
	case events.OpenStreamManifestAhead:
		if ev.Attempts >= MaxReattempts {
			f.giveUp(ev, "manifest-ahead retry exceeded max reattempts")
			return
		}
		f.countMetric()
		next := ev
		next.Attempts++
		delay := time.Duration(ev.Backoff.Milliseconds) * time.Millisecond
		if delay <= 0 {
			delay = 500 * time.Millisecond
		}
		f.schedule(next, delay)
		f.restartStream(ctx, ev.VBID)
	default:
		if ev.Attempts >= MaxReattempts {
			f.giveUp(ev, "stream open retry exceeded max reattempts")
			return
		}
		f.countMetric()
		ps := f.co.Session().Partition(ev.VBID)
		delay := ps.NextBackoff()
		next := ev
		next.Attempts++
		f.schedule(next, delay)
		f.restartStream(ctx, ev.VBID)
	}
}

// onRollback never restarts the stream itself: spec.md §4.3/§7 and
// end-to-end scenario 3 make rollback a user-visible decision — the Fixer
// disconnects the Conductor and surfaces the rollback as an
// UnexpectedFailure; restarting (from the rollback seqno, after a fresh
// failover log fetch) is left to the embedder.
func (f *Fixer) onRollback(ctx context.Context, ev events.SystemEvent) {
	f.log.WithFields(logrus.Fields{"vbid": ev.VBID, "seqno": ev.RollbackSeqno}).
		Warn("fixer: rollback requested; disconnecting for user-directed restart")
	f.co.Disconnect(false)
	if f.notify != nil {
		f.notify(events.SystemEvent{
			Kind:          events.KindUnexpectedFailure,
			VBID:          ev.VBID,
			RollbackSeqno: ev.RollbackSeqno,
			Cause:         errors.Errorf("rollback required for vbucket %d to seqno %d", ev.VBID, ev.RollbackSeqno),
		})
	}
}

func (f *Fixer) onNotMyVBucket(ctx context.Context, ev events.SystemEvent) {
	if ev.Attempts >= MaxReattempts {
		f.giveUp(ev, "not-my-vbucket rerouting exceeded max reattempts")
		return
	}
	f.countMetric()
	if err := f.co.RefreshConfig(ctx); err != nil {
		f.log.WithError(err).Warn("fixer: config refresh after not-my-vbucket failed")
	}
	next := ev
	next.Attempts++
	f.schedule(next, time.Second)
	f.restartStream(ctx, ev.VBID)
}

func (f *Fixer) onUnexpectedFailure(ctx context.Context, ev events.SystemEvent) {
	f.log.WithError(ev.Cause).WithField("vbid", ev.VBID).Warn("fixer: unexpected failure reported")
	if ev.Attempts >= MaxReattempts {
		f.giveUp(ev, "unexpected failure recovery exceeded max reattempts")
		return
	}
	f.countMetric()
	ps := f.co.Session().Partition(ev.VBID)
	delay := ps.NextBackoff()
	next := ev
	next.Attempts++
	f.schedule(next, delay)
	f.restartStream(ctx, ev.VBID)
}

// restartStream re-issues a stream request for vbid against its current
// master, resuming from the partition's last delivered seqno.
func (f *Fixer) restartStream(ctx context.Context, vbid uint16) {
	node := f.co.MasterOf(vbid)
	if node == "" {
		f.log.WithField("vbid", vbid).Warn("fixer: no master known to restart stream")
		return
	}
	ps := f.co.Session().Partition(vbid)
	vbuuid := f.co.Session().LatestVBUUID(vbid)
	req := ps.PrepareNextStreamRequest(vbuuid, 0, 0)
	if err := f.co.StartStreamForPartition(ctx, req); err != nil {
		f.log.WithError(err).WithField("vbid", vbid).Warn("fixer: stream restart failed")
	}
}
