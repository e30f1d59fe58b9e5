// Package partition implements the per-vbucket durable session slice
// (spec.md §3 "Partition State"): sequence/snapshot bookkeeping, the
// Disconnected/Connecting/Connected/Disconnecting state machine, OSO
// snapshot accumulation, and per-partition retry backoff.
//
// Per spec.md's Open Questions, this package adopts the "richer" resolution
// of the two conflicting PartitionState shapes found while distilling the
// spec: failover-log entries live in session.State, not here, so a
// PartitionState never duplicates what the session already owns.
package partition

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/couchbaselabs/dcp-go-core/wire"
)

// StreamRequest is the immutable value spec.md §3 defines for a DCP stream
// open request.
type StreamRequest struct {
	VBID         uint16
	StartSeqno   uint64
	EndSeqno     uint64
	VBUUID       uint64
	SnapStart    uint64
	SnapEnd      uint64
	ManifestUID  uint64
	StreamID     uint16
	CollectionID uint32
}

// PartitionState is the mutable per-vbucket slice of session state. All
// exported mutators are intended to run on the owning channel's single I/O
// context (spec.md §5); reads are safe from any goroutine.
type PartitionState struct {
	vbid uint16

	mu                          sync.Mutex
	state                       State
	seqno                       uint64
	snapshotStart               uint64
	snapshotEnd                 uint64
	streamEndSeqno              uint64
	currentVBucketSeqnoInMaster uint64
	manifestUID                 uint64
	osoActive                   bool
	osoMaxSeqno                 uint64
	pendingStreamRequest        *StreamRequest
	stateCh                     chan struct{} // closed and replaced on every state transition

	backoff *backoff.ExponentialBackOff
}

// New creates a PartitionState for vbid, starting Disconnected with a
// backoff that follows spec.md's 1s,2s,4s,...,64s schedule (§3, §4.3, §8).
func New(vbid uint16) *PartitionState {
	return &PartitionState{
		vbid:           vbid,
		state:          Disconnected,
		stateCh:        make(chan struct{}),
		backoff:        newBackoff(),
		streamEndSeqno: wire.NoEndSeqno,
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 64 * time.Second
	b.MaxElapsedTime = 0 // unbounded elapsed time; the Fixer's attempts counter stops retries, not elapsed time
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (p *PartitionState) VBID() uint16 { return p.vbid }

// State returns the current connection sub-state.
func (p *PartitionState) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the partition and wakes every caller blocked in
// WaitForState.
func (p *PartitionState) SetState(s State) {
	p.mu.Lock()
	p.state = s
	ch := p.stateCh
	p.stateCh = make(chan struct{})
	p.mu.Unlock()
	close(ch)
}

// WaitForState blocks until the partition reaches want or ctx is done.
func (p *PartitionState) WaitForState(ctx context.Context, want State) error {
	for {
		p.mu.Lock()
		if p.state == want {
			p.mu.Unlock()
			return nil
		}
		ch := p.stateCh
		p.mu.Unlock()

		select {
		case <-ch:
			// state changed, loop and re-check
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Seqno returns the highest by-seqno delivered so far.
func (p *PartitionState) Seqno() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seqno
}

// SnapshotWindow returns the current snapshot's [start, end] bounds.
func (p *PartitionState) SnapshotWindow() (start, end uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotStart, p.snapshotEnd
}

// BeginSnapshot installs a new snapshot window on receipt of
// DCP_SNAPSHOT_MARKER, and clears any pending stream request (spec.md §4.1
// demultiplexer table).
func (p *PartitionState) BeginSnapshot(start, end uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshotStart = start
	p.snapshotEnd = end
	p.pendingStreamRequest = nil
}

// AdvanceSeqno updates Seqno for an ordinary (non-OSO) mutation/deletion/
// expiration/system-event. Go's uint64 is already an unsigned 64-bit type,
// so the "unsigned compare" spec.md calls for (§3 invariants) is just the
// language's native > on seqno — no wraparound shim is needed the way a
// signed-long implementation would require one.
func (p *PartitionState) AdvanceSeqno(seqno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.osoActive && seqno > p.seqno {
		p.seqno = seqno
	}
}

// BeginOutOfOrder enters an OSO snapshot accumulator (spec.md §4.1 "OSO_SNAPSHOT
// start"): only OSOMaxSeqno advances until EndOutOfOrder promotes it.
func (p *PartitionState) BeginOutOfOrder() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.osoActive = true
	p.osoMaxSeqno = 0
}

// ObserveOutOfOrderSeqno records a mutation's by-seqno while an OSO window
// is open, tracking only the maximum seen.
func (p *PartitionState) ObserveOutOfOrderSeqno(seqno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.osoActive {
		return
	}
	if seqno > p.osoMaxSeqno {
		p.osoMaxSeqno = seqno
	}
}

// EndOutOfOrder closes the OSO window: Seqno is atomically set to the
// observed max, and the snapshot window collapses to [max, max] (spec.md §8
// scenario 6), clearing any pending stream request.
func (p *PartitionState) EndOutOfOrder() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqno = p.osoMaxSeqno
	p.snapshotStart = p.osoMaxSeqno
	p.snapshotEnd = p.osoMaxSeqno
	p.osoActive = false
	p.pendingStreamRequest = nil
}

// OSOMaxSeqno returns the running max observed inside the current (or most
// recent) OSO window — exposed mainly for tests.
func (p *PartitionState) OSOMaxSeqno() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.osoMaxSeqno
}

// IsOutOfOrder reports whether an OSO_SNAPSHOT window is currently open, so
// a channel's demultiplexer can route a mutation's seqno to AdvanceSeqno or
// ObserveOutOfOrderSeqno without duplicating the state here.
func (p *PartitionState) IsOutOfOrder() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.osoActive
}

// StreamEndSeqno returns the requested high-watermark, or wire.NoEndSeqno
// for an open-ended stream.
func (p *PartitionState) StreamEndSeqno() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamEndSeqno
}

func (p *PartitionState) SetStreamEndSeqno(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamEndSeqno = v
}

// CurrentVBucketSeqnoInMaster returns the last sampled remote high-watermark.
func (p *PartitionState) CurrentVBucketSeqnoInMaster() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentVBucketSeqnoInMaster
}

// ObserveVBucketSeqnoInMaster applies the max-wins rule spec.md's Open
// Questions call for: both SNAPSHOT_MARKER's end-seqno and GET_SEQNOS
// responses feed this field, and under unsigned compare the higher of the
// two (current, candidate) always wins, uniformly regardless of source.
func (p *PartitionState) ObserveVBucketSeqnoInMaster(candidate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if candidate > p.currentVBucketSeqnoInMaster {
		p.currentVBucketSeqnoInMaster = candidate
	}
}

func (p *PartitionState) ManifestUID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifestUID
}

func (p *PartitionState) SetManifestUID(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifestUID = v
}

func (p *PartitionState) PendingStreamRequest() *StreamRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingStreamRequest
}

func (p *PartitionState) SetPendingStreamRequest(req *StreamRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingStreamRequest = req
}

// NextBackoff returns the next retry delay for this partition, following
// spec.md's 1s,2s,4s,...,64s,64s,... schedule.
func (p *PartitionState) NextBackoff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backoff.NextBackOff()
}

// ResetBackoff is called on any successful stream open/reconnect for this
// partition (spec.md §3 "reset to zero on success").
func (p *PartitionState) ResetBackoff() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff.Reset()
}

// PrepareNextStreamRequest builds the StreamRequest the Fixer/Conductor
// should issue to resume this partition: start=Seqno (last delivered),
// snapshot window collapsed to [seqno,seqno] the way a fresh resume does,
// vbuuid supplied by the caller (it comes from session's failover log, which
// this package does not hold — see the package doc).
func (p *PartitionState) PrepareNextStreamRequest(vbuuid uint64, streamID uint16, collectionID uint32) StreamRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	req := StreamRequest{
		VBID:         p.vbid,
		StartSeqno:   p.seqno,
		EndSeqno:     p.streamEndSeqno,
		VBUUID:       vbuuid,
		SnapStart:    p.seqno,
		SnapEnd:      p.seqno,
		ManifestUID:  p.manifestUID,
		StreamID:     streamID,
		CollectionID: collectionID,
	}
	p.pendingStreamRequest = &req
	return req
}
