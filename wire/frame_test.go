package wire

import (
	"bytes"
	"testing"

	"github.com/golang/snappy"
)

func TestReadFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		opcode Opcode
		vbid   uint16
		extras []byte
		key    []byte
		value  []byte
	}{
		{"no-body", OpDcpNoop, 0, nil, nil, nil},
		{"stream-req", OpDcpStreamReq, 5, make([]byte, 48), nil, nil},
		{"mutation", OpDcpMutation, 3, make([]byte, 16), []byte("doc-1"), []byte(`{"a":1}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := EncodeRequest(tc.opcode, tc.vbid, tc.extras, tc.key, tc.value, 0)
			f, err := ReadFrame(bytes.NewReader(raw))
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if f.Header.Opcode != tc.opcode || f.Header.VBucket() != tc.vbid {
				t.Fatalf("header mismatch: %+v", f.Header)
			}
			if !bytes.Equal(f.Key, tc.key) {
				t.Fatalf("key mismatch: got %q want %q", f.Key, tc.key)
			}
			if !bytes.Equal(f.Value, tc.value) {
				t.Fatalf("value mismatch: got %q want %q", f.Value, tc.value)
			}
		})
	}
}

func TestReadFrameSnappyValue(t *testing.T) {
	plain := []byte(`{"hello":"world","n":42}`)
	compressed := snappy.Encode(nil, plain)

	raw := EncodeRequest(OpDcpMutation, 1, make([]byte, 16), []byte("k"), compressed, 0)
	raw[5] = DataTypeSnappy // data_type byte

	f, err := ReadFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(f.Value, plain) {
		t.Fatalf("expected decompressed value %q, got %q", plain, f.Value)
	}
}

func TestDecodeFailoverLogOldestFirst(t *testing.T) {
	// Wire order is newest-first; two entries, newest (uuid=2) first.
	body := make([]byte, 32)
	// entry 0 (newest): uuid=2, seqno=20
	putU64(body[0:8], 2)
	putU64(body[8:16], 20)
	// entry 1 (oldest): uuid=1, seqno=0
	putU64(body[16:24], 1)
	putU64(body[24:32], 0)

	log := DecodeFailoverLog(body)
	if len(log) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(log))
	}
	if log[0].UUID != 1 || log[1].UUID != 2 {
		t.Fatalf("expected oldest-to-newest order, got %+v", log)
	}
}

func putU64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func TestDecodeVBSeqnos(t *testing.T) {
	body := make([]byte, 20)
	body[0], body[1] = 0, 1 // vbid=1
	putU64(body[2:10], 100)
	body[10], body[11] = 0, 2 // vbid=2
	putU64(body[12:20], 200)

	got := DecodeVBSeqnos(body)
	if len(got) != 2 || got[0].VBID != 1 || got[0].Seqno != 100 || got[1].VBID != 2 || got[1].Seqno != 200 {
		t.Fatalf("unexpected decode: %+v", got)
	}
}
