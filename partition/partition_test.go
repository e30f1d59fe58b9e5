package partition

import (
	"context"
	"math/rand"
	"testing"
	"time"
)

// TestSeqnoStrictlyIncreasingOutsideOSO exercises spec.md §8's first
// property: across any sequence of snapshot+mutation frames with no OSO
// involved, PS.seqno is strictly increasing.
func TestSeqnoStrictlyIncreasingOutsideOSO(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		p := New(0)
		var last uint64
		seqno := uint64(0)
		for i := 0; i < 20; i++ {
			start := seqno
			end := start + uint64(rng.Intn(10)+1)
			p.BeginSnapshot(start, end)
			for s := start; s <= end; s++ {
				seqno = s
				p.AdvanceSeqno(seqno)
				if p.Seqno() <= last && i > 0 {
					t.Fatalf("seqno did not strictly increase: last=%d now=%d", last, p.Seqno())
				}
				last = p.Seqno()
			}
			seqno++
		}
	}
}

// TestOSOWindowPromotesMax covers spec.md §8's second property and scenario
// 6: after an OSO window with max M, seqno==M and the snapshot collapses to
// [M,M].
func TestOSOWindowPromotesMax(t *testing.T) {
	p := New(0)
	p.BeginOutOfOrder()
	for _, seqno := range []uint64{7, 5, 9} {
		p.ObserveOutOfOrderSeqno(seqno)
		if p.Seqno() != 0 {
			t.Fatalf("seqno must not move during OSO window, got %d", p.Seqno())
		}
	}
	if p.OSOMaxSeqno() != 9 {
		t.Fatalf("expected oso max 9, got %d", p.OSOMaxSeqno())
	}
	p.EndOutOfOrder()
	if p.Seqno() != 9 {
		t.Fatalf("expected seqno==9 after OSO end, got %d", p.Seqno())
	}
	start, end := p.SnapshotWindow()
	if start != 9 || end != 9 {
		t.Fatalf("expected snapshot collapsed to [9,9], got [%d,%d]", start, end)
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := New(0)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 64 * time.Second, 64 * time.Second}
	for i, w := range want {
		got := p.NextBackoff()
		if got != w {
			t.Fatalf("step %d: expected %v, got %v", i, w, got)
		}
	}
	p.ResetBackoff()
	if got := p.NextBackoff(); got != time.Second {
		t.Fatalf("expected reset backoff to restart at 1s, got %v", got)
	}
}

func TestWaitForStateTimeout(t *testing.T) {
	p := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.WaitForState(ctx, Connected); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestWaitForStateSignalled(t *testing.T) {
	p := New(0)
	done := make(chan error, 1)
	go func() {
		done <- p.WaitForState(context.Background(), Connected)
	}()
	time.Sleep(5 * time.Millisecond)
	p.SetState(Connected)
	if err := <-done; err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestMaxWinsVBucketSeqnoInMaster(t *testing.T) {
	p := New(0)
	p.ObserveVBucketSeqnoInMaster(10)
	p.ObserveVBucketSeqnoInMaster(5) // from a stale GET_SEQNOS response
	if p.CurrentVBucketSeqnoInMaster() != 10 {
		t.Fatalf("expected max-wins to keep 10, got %d", p.CurrentVBucketSeqnoInMaster())
	}
	p.ObserveVBucketSeqnoInMaster(20) // fresher SNAPSHOT_MARKER end-seqno
	if p.CurrentVBucketSeqnoInMaster() != 20 {
		t.Fatalf("expected max-wins to advance to 20, got %d", p.CurrentVBucketSeqnoInMaster())
	}
}

func TestWaiterCancel(t *testing.T) {
	w := NewWaiter()
	w.Cancel()
	if err := w.Wait(context.Background()); err != ErrWaitCancelled {
		t.Fatalf("expected ErrWaitCancelled, got %v", err)
	}
}
