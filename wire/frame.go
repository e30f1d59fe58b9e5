package wire

import (
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// HeaderLen is the fixed size of a memcached binary protocol frame header.
const HeaderLen = 24

// Header is the 24-byte memcached binary protocol header, shared by requests
// and responses. For responses StatusOrVBucket carries the Status; for
// requests (notably DCP_STREAM_REQ, DCP_MUTATION, ...) it carries the VBucket
// id.
type Header struct {
	Magic           Magic
	Opcode          Opcode
	KeyLen          uint16
	ExtrasLen       uint8
	DataType        uint8
	StatusOrVBucket uint16
	TotalBodyLen    uint32
	Opaque          uint32
	CAS             uint64
}

// VBucket interprets StatusOrVBucket as a vbucket id (request frames).
func (h Header) VBucket() uint16 { return h.StatusOrVBucket }

// Status interprets StatusOrVBucket as a response status (response frames).
func (h Header) Status() Status { return Status(h.StatusOrVBucket) }

func (h Header) isResponse() bool {
	return h.Magic == MagicRes || h.Magic == MagicResFlex
}

// Frame is a fully decoded header plus its body, with the extras/key/value
// sub-slices of Body already carved out by offset.
type Frame struct {
	Header Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// ReadFrame reads one complete frame from r, decompressing the value when
// DataTypeSnappy is set. It never blocks past the data actually required: a
// caller driving this from a single I/O context can safely treat this as the
// whole per-frame read.
func ReadFrame(r io.Reader) (Frame, error) {
	var raw [HeaderLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Frame{}, errors.Wrap(err, "read header")
	}
	h := decodeHeader(raw)

	body := make([]byte, h.TotalBodyLen)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Frame{}, errors.Wrap(err, "read body")
		}
	}

	extras := body[:h.ExtrasLen]
	key := body[h.ExtrasLen : uint32(h.ExtrasLen)+uint32(h.KeyLen)]
	value := body[uint32(h.ExtrasLen)+uint32(h.KeyLen):]

	if h.DataType&DataTypeSnappy != 0 && len(value) > 0 {
		decoded, err := snappy.Decode(nil, value)
		if err != nil {
			return Frame{}, errors.Wrap(err, "snappy decode value")
		}
		value = decoded
	}

	return Frame{Header: h, Extras: extras, Key: key, Value: value}, nil
}

func decodeHeader(raw [HeaderLen]byte) Header {
	return Header{
		Magic:           Magic(raw[0]),
		Opcode:          Opcode(raw[1]),
		KeyLen:          binary.BigEndian.Uint16(raw[2:4]),
		ExtrasLen:       raw[4],
		DataType:        raw[5],
		StatusOrVBucket: binary.BigEndian.Uint16(raw[6:8]),
		TotalBodyLen:    binary.BigEndian.Uint32(raw[8:12]),
		Opaque:          binary.BigEndian.Uint32(raw[12:16]),
		CAS:             binary.BigEndian.Uint64(raw[16:24]),
	}
}

// EncodeRequest serialises a request frame (magic 0x80) with the given
// opcode, vbucket, extras/key/value, and opaque.
func EncodeRequest(opcode Opcode, vbucket uint16, extras, key, value []byte, opaque uint32) []byte {
	return encode(MagicReq, opcode, vbucket, extras, key, value, opaque, 0)
}

func encode(magic Magic, opcode Opcode, statusOrVBucket uint16, extras, key, value []byte, opaque uint32, cas uint64) []byte {
	bodyLen := len(extras) + len(key) + len(value)
	buf := make([]byte, HeaderLen+bodyLen)
	buf[0] = byte(magic)
	buf[1] = byte(opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(key)))
	buf[4] = byte(len(extras))
	buf[5] = 0
	binary.BigEndian.PutUint16(buf[6:8], statusOrVBucket)
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], opaque)
	binary.BigEndian.PutUint64(buf[16:24], cas)
	n := HeaderLen
	n += copy(buf[n:], extras)
	n += copy(buf[n:], key)
	copy(buf[n:], value)
	return buf
}

// FailoverLogEntry is one (uuid, seqno) pair from a DCP_GET_FAILOVER_LOG or
// DCP_STREAM_REQ success body.
type FailoverLogEntry struct {
	UUID  uint64
	Seqno uint64
}

// DecodeFailoverLog parses a failover log body: a sequence of 16-byte
// (vbuuid, seqno) big-endian pairs, newest entry first on the wire, but
// returned oldest-to-newest per spec.md §3.
func DecodeFailoverLog(body []byte) []FailoverLogEntry {
	n := len(body) / 16
	out := make([]FailoverLogEntry, n)
	for i := 0; i < n; i++ {
		off := i * 16
		out[n-1-i] = FailoverLogEntry{
			UUID:  binary.BigEndian.Uint64(body[off : off+8]),
			Seqno: binary.BigEndian.Uint64(body[off+8 : off+16]),
		}
	}
	return out
}

// VBSeqno is one (vbid, seqno) pair from a GET_ALL_VB_SEQNOS response.
type VBSeqno struct {
	VBID  uint16
	Seqno uint64
}

// DecodeVBSeqnos parses a GET_ALL_VB_SEQNOS response body: repeated
// (vbid:u16, seqno:u64) entries.
func DecodeVBSeqnos(body []byte) []VBSeqno {
	const entryLen = 10
	n := len(body) / entryLen
	out := make([]VBSeqno, 0, n)
	for i := 0; i < n; i++ {
		off := i * entryLen
		out = append(out, VBSeqno{
			VBID:  binary.BigEndian.Uint16(body[off : off+2]),
			Seqno: binary.BigEndian.Uint64(body[off+2 : off+10]),
		})
	}
	return out
}

// SnapshotMarkerExtras is the decoded extras of a DCP_SNAPSHOT_MARKER.
type SnapshotMarkerExtras struct {
	StartSeqno uint64
	EndSeqno   uint64
	Flags      uint32
}

func DecodeSnapshotMarker(extras []byte) SnapshotMarkerExtras {
	return SnapshotMarkerExtras{
		StartSeqno: binary.BigEndian.Uint64(extras[0:8]),
		EndSeqno:   binary.BigEndian.Uint64(extras[8:16]),
		Flags:      binary.BigEndian.Uint32(extras[16:20]),
	}
}

// MutationExtras is the decoded extras of a DCP_MUTATION/DELETION/EXPIRATION.
type MutationExtras struct {
	BySeqno      uint64
	RevSeqno     uint64
	Flags        uint32
	Expiration   uint32
	LockTime     uint32
	CollectionID uint32
}

func DecodeMutationExtras(extras []byte) MutationExtras {
	m := MutationExtras{
		BySeqno:  binary.BigEndian.Uint64(extras[0:8]),
		RevSeqno: binary.BigEndian.Uint64(extras[8:16]),
	}
	if len(extras) >= 28 {
		m.Flags = binary.BigEndian.Uint32(extras[16:20])
		m.Expiration = binary.BigEndian.Uint32(extras[20:24])
		m.LockTime = binary.BigEndian.Uint32(extras[24:28])
	}
	return m
}

// SystemEventExtras is the decoded extras of a DCP_SYSTEM_EVENT.
type SystemEventExtras struct {
	BySeqno uint64
	Event   uint32
	Version uint8
}

func DecodeSystemEventExtras(extras []byte) SystemEventExtras {
	return SystemEventExtras{
		BySeqno: binary.BigEndian.Uint64(extras[0:8]),
		Event:   binary.BigEndian.Uint32(extras[8:12]),
		Version: extras[12],
	}
}
