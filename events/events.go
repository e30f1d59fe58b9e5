// Package events defines the statically-typed event surface the core
// publishes: the SystemEvent sum type consumed exclusively by the Fixer, and
// the data/control callback payloads handed to the embedder. This replaces
// the dynamically-typed publish/subscribe bus pattern seen in the
// DCP-domain reference clients in the pack (e.g. Trendyol go-dcp's use of
// asaskevich/EventBus) per spec.md's Design Notes: the event bus becomes a
// statically typed channel, and stream-end/system-event reasons become
// closed tagged variants instead of opaque ints.
package events

import (
	"github.com/couchbaselabs/dcp-go-core/wire"
)

// SystemEvent is the sum type consumed by the Fixer. Exactly one field is
// meaningful per Kind.
type SystemEvent struct {
	Kind Kind

	// Node-scoped events.
	Node string

	// Partition-scoped events.
	VBID uint16

	StreamEndReason wire.StreamEndReason
	OpenStreamResp  OpenStreamStatus
	RollbackSeqno   uint64
	Backoff         BackoffHint

	// Retry bookkeeping, threaded through by the Fixer as it requeues an
	// event into its backlog.
	Attempts int

	// Cause is set on UnexpectedFailure.
	Cause error

	// RefreshFailoverLog makes a StreamEnd-triggered restart reissue a
	// failover-log request before restarting the stream (spec.md §4.3).
	// RefreshSeqnos is carried on the event, but the Fixer does not act on it.
	RefreshFailoverLog bool
	RefreshSeqnos      bool
}

// Kind discriminates SystemEvent the way a closed tagged variant would in a
// language with sum types; Go's nearest idiom is an exhaustive switch over a
// small enum, which every consumer (fixer.Fixer) is expected to use.
type Kind int

const (
	KindChannelDropped Kind = iota
	KindStreamEnd
	KindOpenStreamResponse
	KindRollback
	KindNotMyVBucket
	KindUnexpectedFailure
	KindDisconnect // poison pill
)

// OpenStreamStatus mirrors wire.Status for the subset of statuses the Fixer
// distinguishes on a STREAM_REQ response.
type OpenStreamStatus uint16

const (
	OpenStreamOK              OpenStreamStatus = OpenStreamStatus(0)
	OpenStreamRollback        OpenStreamStatus = OpenStreamStatus(0x23)
	OpenStreamNotMyVBucket    OpenStreamStatus = OpenStreamStatus(0x07)
	OpenStreamManifestAhead   OpenStreamStatus = OpenStreamStatus(0x88)
	OpenStreamInvalidArgs     OpenStreamStatus = OpenStreamStatus(0x04)
)

// BackoffHint carries a server-suggested delay (e.g. MANIFEST_IS_AHEAD),
// in milliseconds, separate from the Fixer's own per-event backoff.
type BackoffHint struct {
	Milliseconds int64
}

// DataEvent is handed to the embedder's data callback for each
// MUTATION/DELETION/EXPIRATION.
type DataEvent struct {
	VBID         uint16
	Opcode       wire.Opcode
	Key          []byte
	Value        []byte
	BySeqno      uint64
	RevSeqno     uint64
	Flags        uint32
	Expiration   uint32
	CollectionID uint32
	Datatype     uint8
	CAS          uint64
}

// ControlEvent is handed to the embedder's control callback for
// SNAPSHOT_MARKER, SYSTEM_EVENT, and rollback notifications.
type ControlEvent struct {
	VBID           uint16
	Opcode         wire.Opcode
	SnapshotStart  uint64
	SnapshotEnd    uint64
	SystemEventID  uint32
	ManifestUID    uint64
	RollbackSeqno  uint64
	IsRollback     bool
}

// AckHandle is passed to the embedder with every DataEvent; the control
// callback receives ControlEvents without one. The embedder MUST call Ack
// exactly once per DataEvent, even when discarding the payload, so the
// originating channel's flow controller can credit the bytes back
// (spec.md §6).
type AckHandle interface {
	Ack(n int)
}
