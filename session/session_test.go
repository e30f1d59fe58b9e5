package session

import (
	"context"
	"testing"

	"github.com/couchbaselabs/dcp-go-core/wire"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s := New(4, nil)
	s.Partition(0).AdvanceSeqno(42)
	s.Partition(0).SetState(3) // Disconnecting, exercised through SetState directly
	s.UpdateFailoverLog(0, []wire.FailoverLogEntry{{UUID: 111, Seqno: 0}, {UUID: 222, Seqno: 42}})
	s.SetStream(7, StreamState{StreamID: 7, CollectionID: 9})

	raw, err := s.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	restored, err := Deserialize(raw, nil)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if restored.NumPartitions() != 4 {
		t.Fatalf("expected 4 partitions, got %d", restored.NumPartitions())
	}
	if restored.Partition(0).Seqno() != 42 {
		t.Fatalf("expected seqno 42, got %d", restored.Partition(0).Seqno())
	}
	if restored.LatestVBUUID(0) != 222 {
		t.Fatalf("expected latest vbuuid 222, got %d", restored.LatestVBUUID(0))
	}
	st, ok := restored.Stream(7)
	if !ok || st.CollectionID != 9 {
		t.Fatalf("expected stream 7 with collection 9, got %+v ok=%v", st, ok)
	}

	raw2, err := restored.Serialize()
	if err != nil {
		t.Fatalf("Serialize (2nd): %v", err)
	}
	if string(raw) != string(raw2) {
		t.Fatalf("round-trip mismatch:\n%s\nvs\n%s", raw, raw2)
	}
}

func TestSerializeCompressedRoundTrip(t *testing.T) {
	s := New(2, nil)
	s.Partition(1).AdvanceSeqno(100)
	s.UpdateFailoverLog(1, []wire.FailoverLogEntry{{UUID: 5, Seqno: 100}})

	compressed, err := s.SerializeCompressed()
	if err != nil {
		t.Fatalf("SerializeCompressed: %v", err)
	}

	restored, err := DeserializeCompressed(context.Background(), compressed, nil)
	if err != nil {
		t.Fatalf("DeserializeCompressed: %v", err)
	}
	if restored.Partition(1).Seqno() != 100 {
		t.Fatalf("expected seqno 100, got %d", restored.Partition(1).Seqno())
	}
}

func TestClearFailoverLog(t *testing.T) {
	s := New(1, nil)
	s.UpdateFailoverLog(0, []wire.FailoverLogEntry{{UUID: 1, Seqno: 0}})
	s.ClearFailoverLog(0)
	if got := s.FailoverLog(0); len(got) != 0 {
		t.Fatalf("expected empty failover log after clear, got %+v", got)
	}
}
