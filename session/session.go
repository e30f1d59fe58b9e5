// Package session implements the Session State (SS) component of spec.md
// §3: a fixed-size array of partition.PartitionState indexed by vbucket id,
// the per-stream filter/collection metadata, and the failover log per
// vbucket. Per spec.md's Open Questions, the failover log lives here rather
// than duplicated inside PartitionState.
package session

import (
	"bytes"
	"context"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/couchbaselabs/dcp-go-core/partition"
	"github.com/couchbaselabs/dcp-go-core/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StreamState is the per-stream-id metadata spec.md §3 defines: an optional
// collection filter alongside the stream identifier.
type StreamState struct {
	StreamID     uint16
	CollectionID uint32
	Filter       string
}

// State owns the fixed-size partition array and derived stream/failover-log
// maps for one bucket. It is exclusively owned by the Conductor (spec.md
// §3 "Ownership").
type State struct {
	partitions []*partition.PartitionState

	mu           sync.RWMutex
	failoverLogs map[uint16][]wire.FailoverLogEntry
	streams      map[uint16]StreamState

	log logrus.FieldLogger
}

// New allocates a State with numPartitions partitions (64 or 1024 per
// spec.md's GLOSSARY), each starting Disconnected.
func New(numPartitions uint16, log logrus.FieldLogger) *State {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &State{
		partitions:   make([]*partition.PartitionState, numPartitions),
		failoverLogs: make(map[uint16][]wire.FailoverLogEntry, numPartitions),
		streams:      make(map[uint16]StreamState),
		log:          log,
	}
	for i := range s.partitions {
		s.partitions[i] = partition.New(uint16(i))
	}
	return s
}

func (s *State) NumPartitions() uint16 { return uint16(len(s.partitions)) }

// Partition returns the PartitionState for vbid. Panics on an out-of-range
// vbid, the same way indexing a fixed-size array would — this is a
// programmer error, not a runtime condition to recover from.
func (s *State) Partition(vbid uint16) *partition.PartitionState {
	return s.partitions[vbid]
}

// FailoverLog returns the current oldest-to-newest failover log for vbid.
func (s *State) FailoverLog(vbid uint16) []wire.FailoverLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.failoverLogs[vbid]
	out := make([]wire.FailoverLogEntry, len(log))
	copy(out, log)
	return out
}

// LatestVBUUID returns the vbuuid from the newest failover log entry — the
// value new stream requests must present (spec.md GLOSSARY "failover log").
func (s *State) LatestVBUUID(vbid uint16) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.failoverLogs[vbid]
	if len(log) == 0 {
		return 0
	}
	return log[len(log)-1].UUID
}

// UpdateFailoverLog replaces vbid's failover log wholesale, as a
// DCP_GET_FAILOVER_LOG or successful DCP_STREAM_REQ response would (spec.md
// §4.1). Apart from this replacement, only an explicit ClearFailoverLog
// removes entries (spec.md §3 invariants).
func (s *State) UpdateFailoverLog(vbid uint16, entries []wire.FailoverLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failoverLogs[vbid] = entries
	s.log.WithFields(logrus.Fields{"vbid": vbid, "entries": len(entries)}).Debug("failover log updated")
}

// ClearFailoverLog discards vbid's failover log. No code path in this
// module calls it; rollback handling leaves the log in place.
func (s *State) ClearFailoverLog(vbid uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failoverLogs, vbid)
}

// SetStream records (or replaces) the collection filter for streamID.
func (s *State) SetStream(streamID uint16, st StreamState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[streamID] = st
}

func (s *State) Stream(streamID uint16) (StreamState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[streamID]
	return st, ok
}

// persistedPartition/persistedState mirror the JSON shape spec.md §6 fixes:
// {partitions:[{vbid,maxSeq,uuid,seqno,state,failoverLog:[{uuid,seqno}...]}...],
//  streams:[{streamId,collectionId}...]}
type persistedFailoverEntry struct {
	UUID  uint64 `json:"uuid"`
	Seqno uint64 `json:"seqno"`
}

type persistedPartition struct {
	VBID        uint16                   `json:"vbid"`
	MaxSeq      uint64                   `json:"maxSeq"`
	UUID        uint64                   `json:"uuid"`
	Seqno       uint64                   `json:"seqno"`
	State       string                   `json:"state"`
	FailoverLog []persistedFailoverEntry `json:"failoverLog"`
}

type persistedStream struct {
	StreamID     uint16 `json:"streamId"`
	CollectionID uint32 `json:"collectionId"`
}

type persisted struct {
	Partitions []persistedPartition `json:"partitions"`
	Streams    []persistedStream    `json:"streams"`
}

// Serialize renders the session as the JSON shape spec.md §6 specifies.
func (s *State) Serialize() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := persisted{Partitions: make([]persistedPartition, len(s.partitions))}
	for i, ps := range s.partitions {
		vbid := ps.VBID()
		log := s.failoverLogs[vbid]
		entries := make([]persistedFailoverEntry, len(log))
		for j, e := range log {
			entries[j] = persistedFailoverEntry{UUID: e.UUID, Seqno: e.Seqno}
		}
		p.Partitions[i] = persistedPartition{
			VBID:        vbid,
			MaxSeq:      ps.StreamEndSeqno(),
			UUID:        s.latestVBUUIDLocked(vbid),
			Seqno:       ps.Seqno(),
			State:       ps.State().String(),
			FailoverLog: entries,
		}
	}
	for id, st := range s.streams {
		p.Streams = append(p.Streams, persistedStream{StreamID: id, CollectionID: st.CollectionID})
	}

	return json.Marshal(p)
}

func parseState(s string) partition.State {
	switch s {
	case partition.Connecting.String():
		return partition.Connecting
	case partition.Connected.String():
		return partition.Connected
	case partition.Disconnecting.String():
		return partition.Disconnecting
	default:
		return partition.Disconnected
	}
}

func (s *State) latestVBUUIDLocked(vbid uint16) uint64 {
	log := s.failoverLogs[vbid]
	if len(log) == 0 {
		return 0
	}
	return log[len(log)-1].UUID
}

// Deserialize loads session state from the JSON shape Serialize produces,
// resuming each partition at its persisted seqno using its persisted uuid
// (spec.md §6 "round-trippable").
func Deserialize(data []byte, log logrus.FieldLogger) (*State, error) {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal session state")
	}

	s := New(uint16(len(p.Partitions)), log)
	for i, pp := range p.Partitions {
		ps := partition.New(pp.VBID)
		ps.SetStreamEndSeqno(pp.MaxSeq)
		ps.AdvanceSeqno(pp.Seqno)
		ps.SetState(parseState(pp.State))
		s.partitions[i] = ps

		entries := make([]wire.FailoverLogEntry, len(pp.FailoverLog))
		for j, e := range pp.FailoverLog {
			entries[j] = wire.FailoverLogEntry{UUID: e.UUID, Seqno: e.Seqno}
		}
		if len(entries) == 0 && pp.UUID != 0 {
			entries = []wire.FailoverLogEntry{{UUID: pp.UUID, Seqno: pp.Seqno}}
		}
		s.failoverLogs[pp.VBID] = entries
	}
	for _, ps := range p.Streams {
		s.streams[ps.StreamID] = StreamState{StreamID: ps.StreamID, CollectionID: ps.CollectionID}
	}
	return s, nil
}

// SerializeCompressed gzip-compresses the persisted snapshot with
// klauspost/compress, the same library n-backup uses to compress its own
// periodic archives, repurposed here for a (typically much smaller) DCP
// checkpoint file.
func (s *State) SerializeCompressed() ([]byte, error) {
	raw, err := s.Serialize()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, errors.Wrap(err, "gzip write session state")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip close session state")
	}
	return buf.Bytes(), nil
}

// DeserializeCompressed reverses SerializeCompressed.
func DeserializeCompressed(ctx context.Context, data []byte, log logrus.FieldLogger) (*State, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "gzip reader session state")
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "gzip read session state")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return Deserialize(raw, log)
}
