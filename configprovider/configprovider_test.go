package configprovider

import (
	"context"
	"testing"
)

func TestStaticProviderSnapshot(t *testing.T) {
	cfg := BucketConfig{NumPartitions: 2, VBucketMaster: map[uint16]string{0: "a:11210", 1: "b:11210"}}
	p := NewStaticProvider(cfg)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got := p.Snapshot()
	if got.MasterOf(0) != "a:11210" || got.MasterOf(1) != "b:11210" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	nodes := got.Nodes()
	if len(nodes) != 2 {
		t.Fatalf("expected 2 distinct nodes, got %v", nodes)
	}
}

func TestPolledProviderRefreshesInner(t *testing.T) {
	inner := NewStaticProvider(BucketConfig{VBucketMaster: map[uint16]string{0: "a:11210"}})
	p, err := NewPolledProvider(inner, "@every 1h", nil)
	if err != nil {
		t.Fatalf("NewPolledProvider: %v", err)
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if p.Snapshot().MasterOf(0) != "a:11210" {
		t.Fatalf("unexpected snapshot: %+v", p.Snapshot())
	}
}

func TestNewPolledProviderRejectsBadCronSpec(t *testing.T) {
	inner := NewStaticProvider(BucketConfig{})
	if _, err := NewPolledProvider(inner, "not a cron spec", nil); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}
