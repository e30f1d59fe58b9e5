package conductor

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/couchbaselabs/dcp-go-core/channel"
	"github.com/couchbaselabs/dcp-go-core/configprovider"
	"github.com/couchbaselabs/dcp-go-core/flowcontrol"
	"github.com/couchbaselabs/dcp-go-core/partition"
	"github.com/couchbaselabs/dcp-go-core/session"
	"github.com/couchbaselabs/dcp-go-core/wire"
)

// pipeDialer hands out one end of a net.Pipe per node, remembering the
// server ends so tests can drive the wire protocol directly.
type pipeDialer struct {
	servers map[string]net.Conn
}

func newPipeDialer() *pipeDialer { return &pipeDialer{servers: make(map[string]net.Conn)} }

func (d *pipeDialer) Dial(ctx context.Context, node string) (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	d.servers[node] = server
	// The channel sends GET_ALL_VB_SEQNOS on first connect and net.Pipe is
	// unbuffered, so drain that request for it.
	go wire.ReadFrame(server)
	return client, nil
}

func newTestConductor(t *testing.T, nodes ...string) (*Conductor, *pipeDialer) {
	t.Helper()
	pd := newPipeDialer()
	master := make(map[uint16]string)
	for i, n := range nodes {
		master[uint16(i)] = n
	}
	cp := configprovider.NewStaticProvider(configprovider.BucketConfig{
		NumPartitions: uint16(len(nodes)),
		VBucketMaster: master,
	})
	sess := session.New(uint16(len(nodes)), nil)

	fc, err := flowcontrol.NewConfig(false, 1024, 0)
	if err != nil {
		t.Fatalf("flowcontrol.NewConfig: %v", err)
	}

	co := New(Config{
		Dialer:              pd,
		FlowControl:         fc,
		DeadConnectionEvery: time.Hour,
		ConnectAttemptTO:    time.Second,
		ConnectTotalTO:      time.Second,
	}, cp, sess, 16)
	t.Cleanup(func() { co.Disconnect(true) })
	return co, pd
}

func TestEstablishDCPConnectionsConnectsEveryMasterNode(t *testing.T) {
	co, pd := newTestConductor(t, "node-a:11210", "node-b:11210")
	if err := co.EstablishDCPConnections(context.Background()); err != nil {
		t.Fatalf("EstablishDCPConnections: %v", err)
	}
	if len(pd.servers) != 2 {
		t.Fatalf("expected 2 dialed nodes, got %d", len(pd.servers))
	}
	ch, ok := co.ChannelFor(0)
	if !ok || ch.State() != partition.Connected {
		t.Fatalf("expected vbucket 0's channel connected, got ok=%v", ok)
	}
}

func TestStartStreamForPartitionRoutesToMasterChannel(t *testing.T) {
	co, pd := newTestConductor(t, "node-a:11210")
	if err := co.EstablishDCPConnections(context.Background()); err != nil {
		t.Fatalf("EstablishDCPConnections: %v", err)
	}

	// The STREAM_REQ write blocks on the unbuffered pipe until it is read.
	errc := make(chan error, 1)
	go func() { errc <- co.StartStreamForPartition(context.Background(), partition.StreamRequest{VBID: 0}) }()

	server := pd.servers["node-a:11210"]
	frame, err := wire.ReadFrame(server)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("StartStreamForPartition: %v", err)
	}
	if frame.Header.Opcode != wire.OpDcpStreamReq {
		t.Fatalf("expected DCP_STREAM_REQ, got %v", frame.Header.Opcode)
	}
}

func TestStartStreamForPartitionIsNoOpWhenAlreadyStreaming(t *testing.T) {
	co, pd := newTestConductor(t, "node-a:11210")
	if err := co.EstablishDCPConnections(context.Background()); err != nil {
		t.Fatalf("EstablishDCPConnections: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- co.StartStreamForPartition(context.Background(), partition.StreamRequest{VBID: 0}) }()
	server := pd.servers["node-a:11210"]
	if _, err := wire.ReadFrame(server); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("StartStreamForPartition: %v", err)
	}

	co.Session().Partition(0).SetState(partition.Connected)

	if err := co.StartStreamForPartition(context.Background(), partition.StreamRequest{VBID: 0}); err != nil {
		t.Fatalf("StartStreamForPartition (already streaming): %v", err)
	}

	server.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := wire.ReadFrame(server); err == nil {
		t.Fatal("expected no second DCP_STREAM_REQ for an already-streaming vbucket")
	}
}

func TestDisconnectClosesAllChannels(t *testing.T) {
	co, _ := newTestConductor(t, "node-a:11210", "node-b:11210")
	if err := co.EstablishDCPConnections(context.Background()); err != nil {
		t.Fatalf("EstablishDCPConnections: %v", err)
	}
	co.Disconnect(true)

	if _, ok := co.ChannelFor(0); ok {
		t.Fatal("expected no channel after Disconnect")
	}
	select {
	case <-co.Done():
	default:
		t.Fatal("expected Done() to be closed after Disconnect(true)")
	}
}
