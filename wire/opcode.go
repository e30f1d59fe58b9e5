// Package wire defines the slice of the memcached binary protocol that the
// DCP core needs to drive its state machines. It is deliberately small: byte
// layout and opcode/status tables only, grounded on the UPR/DCP framing in
// mendsley/gomemcached's client package and the opcode tables surfaced by the
// Couchbase secondary-index projector code in the retrieval pack
// (NightWing1998/indexing, an1310/indexing). SASL negotiation, TLS, and the
// HTTP bootstrap fetcher are external collaborators per spec.md §1/§6 and are
// not implemented here.
package wire

// Magic identifies the frame as request, response, or their flexible-framing
// variants.
type Magic uint8

const (
	MagicReq     Magic = 0x80
	MagicRes     Magic = 0x81
	MagicReqFlex Magic = 0x08
	MagicResFlex Magic = 0x18
)

// Opcode is the memcached binary protocol opcode byte.
type Opcode uint8

const (
	OpSaslListMechs      Opcode = 0x20
	OpSaslAuth           Opcode = 0x21
	OpSaslStep           Opcode = 0x22
	OpDcpOpen            Opcode = 0x50
	OpDcpAddStream       Opcode = 0x51
	OpDcpCloseStream     Opcode = 0x52
	OpDcpStreamReq       Opcode = 0x53
	OpDcpGetFailoverLog  Opcode = 0x54
	OpDcpStreamEnd       Opcode = 0x55
	OpDcpSnapshotMarker  Opcode = 0x56
	OpDcpMutation        Opcode = 0x57
	OpDcpDeletion        Opcode = 0x58
	OpDcpExpiration      Opcode = 0x59
	OpDcpFlush           Opcode = 0x5a
	OpDcpSetVbucketState Opcode = 0x5b
	OpDcpNoop            Opcode = 0x5c
	OpDcpBufferAck       Opcode = 0x5d
	OpDcpControl         Opcode = 0x5e
	OpDcpSystemEvent     Opcode = 0x5f
	OpDcpOsoSnapshot     Opcode = 0x61
	OpDcpSeqnoAdvanced   Opcode = 0x64
	OpGetAllVbSeqnos     Opcode = 0x48
	OpGetCollectionsManifest Opcode = 0xba
)

// Status is the memcached binary protocol response status.
type Status uint16

const (
	StatusSuccess         Status = 0x00
	StatusKeyNotFound     Status = 0x01
	StatusNotMyVBucket    Status = 0x07
	StatusAuthError       Status = 0x20
	StatusRollback        Status = 0x23
	StatusInvalidArgs     Status = 0x04
	StatusNotSupported    Status = 0x83
	StatusManifestIsAhead Status = 0x88
	StatusUnknownCollection Status = 0x89
)

// DataType bits in the header's data_type byte.
const (
	DataTypeJSON   uint8 = 0x01
	DataTypeSnappy uint8 = 0x02
	DataTypeXattr  uint8 = 0x04
)

// StreamEndReason is the status carried in a DCP_STREAM_END body.
type StreamEndReason uint32

const (
	StreamEndOK             StreamEndReason = 0x00
	StreamEndClosed         StreamEndReason = 0x01
	StreamEndStateChanged   StreamEndReason = 0x02
	StreamEndDisconnected   StreamEndReason = 0x03
	StreamEndTooSlow        StreamEndReason = 0x04
	StreamEndBackfillFail   StreamEndReason = 0x05
	StreamEndFilterEmpty    StreamEndReason = 0x06
	StreamEndLostPrivileges StreamEndReason = 0x07
	// StreamEndChannelDropped is synthesised locally — it never arrives on
	// the wire — when a stream open is requested on a channel that is not
	// connected. CloseStream returns an error instead, and a socket drop is
	// reported as a ChannelDropped system event.
	StreamEndChannelDropped StreamEndReason = 0xffff0001
	StreamEndUnknown        StreamEndReason = 0xffff0002
)

func (r StreamEndReason) String() string {
	switch r {
	case StreamEndOK:
		return "ok"
	case StreamEndClosed:
		return "closed"
	case StreamEndStateChanged:
		return "state_changed"
	case StreamEndDisconnected:
		return "disconnected"
	case StreamEndTooSlow:
		return "too_slow"
	case StreamEndBackfillFail:
		return "backfill_fail"
	case StreamEndFilterEmpty:
		return "filter_empty"
	case StreamEndLostPrivileges:
		return "lost_privileges"
	case StreamEndChannelDropped:
		return "channel_dropped"
	default:
		return "unknown"
	}
}

// NoEndSeqno is the sentinel high-watermark for an open-ended stream.
const NoEndSeqno uint64 = 0xFFFFFFFFFFFFFFFF
