package channel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/couchbaselabs/dcp-go-core/events"
	"github.com/couchbaselabs/dcp-go-core/flowcontrol"
	"github.com/couchbaselabs/dcp-go-core/partition"
	"github.com/couchbaselabs/dcp-go-core/session"
	"github.com/couchbaselabs/dcp-go-core/wire"
)

func newTestChannel(t *testing.T, flowControlEnabled bool, watermark int) (*Channel, net.Conn, chan events.SystemEvent, *[]events.DataEvent) {
	t.Helper()
	client, server := net.Pipe()

	outbox := make(chan events.SystemEvent, 16)
	data := &[]events.DataEvent{}
	fc, err := flowcontrol.NewConfig(flowControlEnabled, 1024, watermark)
	if err != nil {
		t.Fatalf("flowcontrol.NewConfig: %v", err)
	}
	sess := session.New(4, nil)
	cfg := Config{
		Node:    "127.0.0.1:11210",
		Dialer:  DialerFunc(func(ctx context.Context, node string) (io.ReadWriteCloser, error) { return client, nil }),
		Session: sess,
		Outbox:  outbox,
		OnData: func(ev events.DataEvent, h events.AckHandle) {
			*data = append(*data, ev)
			h.Ack(len(ev.Value))
		},
		FlowControl:         fc,
		DeadConnectionEvery: time.Hour,
	}
	ch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Connect sends GET_ALL_VB_SEQNOS on first connect and net.Pipe is
	// unbuffered, so drain that request for it.
	go wire.ReadFrame(server)
	if err := ch.Connect(context.Background(), time.Second, time.Second, func(int) time.Duration { return 0 }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { ch.Close(); server.Close() })
	return ch, server, outbox, data
}

func writeFrame(t *testing.T, conn net.Conn, magic wire.Magic, opcode wire.Opcode, statusOrVBucket uint16, extras, key, value []byte) {
	t.Helper()
	writeFrameOpaque(t, conn, magic, opcode, statusOrVBucket, extras, key, value, 0)
}

func writeFrameOpaque(t *testing.T, conn net.Conn, magic wire.Magic, opcode wire.Opcode, statusOrVBucket uint16, extras, key, value []byte, opaque uint32) {
	t.Helper()
	body := len(extras) + len(key) + len(value)
	buf := make([]byte, wire.HeaderLen+body)
	buf[0] = byte(magic)
	buf[1] = byte(opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(key)))
	buf[4] = byte(len(extras))
	binary.BigEndian.PutUint16(buf[6:8], statusOrVBucket)
	binary.BigEndian.PutUint32(buf[8:12], uint32(body))
	binary.BigEndian.PutUint32(buf[12:16], opaque)
	n := wire.HeaderLen
	n += copy(buf[n:], extras)
	n += copy(buf[n:], key)
	copy(buf[n:], value)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestSnapshotThenMutationUpdatesPartitionAndDeliversData(t *testing.T) {
	ch, server, _, data := newTestChannel(t, false, 0)

	snapExtras := make([]byte, 20)
	binary.BigEndian.PutUint64(snapExtras[0:8], 10)
	binary.BigEndian.PutUint64(snapExtras[8:16], 20)
	writeFrame(t, server, wire.MagicReq, wire.OpDcpSnapshotMarker, 2, snapExtras, nil, nil)

	mutExtras := make([]byte, 28)
	binary.BigEndian.PutUint64(mutExtras[0:8], 15) // by_seqno
	writeFrame(t, server, wire.MagicReq, wire.OpDcpMutation, 2, mutExtras, []byte("k"), []byte("v"))

	waitUntil(t, func() bool { return len(*data) == 1 })

	ps := ch.cfg.Session.Partition(2)
	if ps.Seqno() != 15 {
		t.Fatalf("expected seqno 15, got %d", ps.Seqno())
	}
	start, end := ps.SnapshotWindow()
	if start != 10 || end != 20 {
		t.Fatalf("expected snapshot [10,20], got [%d,%d]", start, end)
	}
	if (*data)[0].BySeqno != 15 || string((*data)[0].Key) != "k" {
		t.Fatalf("unexpected data event: %+v", (*data)[0])
	}
}

func TestStreamEndPublishesSystemEvent(t *testing.T) {
	ch, server, outbox, _ := newTestChannel(t, false, 0)
	ch.cfg.Session.Partition(3).SetState(partition.Connected)
	ch.mu.Lock()
	ch.openStreams[3] = true
	ch.mu.Unlock()

	reasonExtras := make([]byte, 4)
	binary.BigEndian.PutUint32(reasonExtras, uint32(wire.StreamEndClosed))
	writeFrame(t, server, wire.MagicReq, wire.OpDcpStreamEnd, 3, reasonExtras, nil, nil)

	ev := waitForEvent(t, outbox)
	if ev.Kind != events.KindStreamEnd || ev.VBID != 3 || ev.StreamEndReason != wire.StreamEndClosed {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestStreamReqRollbackPublishesRollbackEvent(t *testing.T) {
	ch, server, outbox, _ := newTestChannel(t, false, 0)

	// OpenStream's write blocks on the unbuffered pipe until the read below.
	go ch.OpenStream(partition.StreamRequest{VBID: 2})

	req, err := wire.ReadFrame(server)
	if err != nil {
		t.Fatalf("read stream_req: %v", err)
	}
	if req.Header.Opcode != wire.OpDcpStreamReq {
		t.Fatalf("expected DCP_STREAM_REQ, got %v", req.Header.Opcode)
	}

	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, 42)
	writeFrameOpaque(t, server, wire.MagicRes, wire.OpDcpStreamReq, uint16(wire.StatusRollback), nil, nil, value, req.Header.Opaque)

	ev := waitForEvent(t, outbox)
	if ev.Kind != events.KindRollback || ev.RollbackSeqno != 42 || ev.VBID != 2 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestAckBytesFlushesBufferAckOnWatermark(t *testing.T) {
	ch, server, _, _ := newTestChannel(t, true, 50)

	mutExtras := make([]byte, 28)
	binary.BigEndian.PutUint64(mutExtras[0:8], 1)
	writeFrame(t, server, wire.MagicReq, wire.OpDcpMutation, 0, mutExtras, nil, make([]byte, 600))

	read := make(chan wire.Frame, 1)
	go func() {
		f, err := wire.ReadFrame(server)
		if err == nil {
			read <- f
		}
	}()

	select {
	case f := <-read:
		if f.Header.Opcode != wire.OpDcpBufferAck {
			t.Fatalf("expected a BUFFER_ACK frame, got opcode %v", f.Header.Opcode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for BUFFER_ACK")
	}
	_ = ch
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitForEvent(t *testing.T, outbox chan events.SystemEvent) events.SystemEvent {
	t.Helper()
	select {
	case ev := <-outbox:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for system event")
		return events.SystemEvent{}
	}
}
