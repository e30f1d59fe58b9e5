package flowcontrol

import "testing"

func TestVerifyRejectsZeroWatermarkWhenEnabled(t *testing.T) {
	if _, err := NewConfig(true, 1024, 0); err == nil {
		t.Fatal("expected error for watermark=0 with flow control enabled")
	}
	if _, err := NewConfig(true, 1024, 101); err == nil {
		t.Fatal("expected error for watermark>100")
	}
	if _, err := NewConfig(false, 0, 0); err != nil {
		t.Fatalf("disabled config should not be verified: %v", err)
	}
}

func TestWatermarkFlushScenario(t *testing.T) {
	cfg, err := NewConfig(true, 1024, 50)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	var acked []uint64
	c := NewController(cfg, func(n uint64) { acked = append(acked, n) }, nil)

	c.OnFrameDelivered(600)
	c.Ack(600)

	if len(acked) != 1 || acked[0] != 600 {
		t.Fatalf("expected exactly one BUFFER_ACK(600), got %v", acked)
	}
	if c.Outstanding() != 0 {
		t.Fatalf("expected outstanding 0, got %d", c.Outstanding())
	}
}

func TestFlushForcesRemainderBelowWatermark(t *testing.T) {
	cfg, err := NewConfig(true, 1024, 90)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	var acked []uint64
	c := NewController(cfg, func(n uint64) { acked = append(acked, n) }, nil)

	c.OnFrameDelivered(100)
	c.Ack(100) // 100/1024 ~ 9.7%, below 90% watermark: no flush yet
	if len(acked) != 0 {
		t.Fatalf("expected no flush before watermark, got %v", acked)
	}

	c.Flush()
	if len(acked) != 1 || acked[0] != 100 {
		t.Fatalf("expected forced flush of remainder 100, got %v", acked)
	}

	var total uint64
	for _, n := range acked {
		total += n
	}
	if total != 100 {
		t.Fatalf("lifetime acked sum mismatch: got %d want 100", total)
	}
}

func TestDisabledNeverFlushes(t *testing.T) {
	cfg, err := NewConfig(false, 0, 0)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	var calls int
	c := NewController(cfg, func(uint64) { calls++ }, nil)
	c.OnFrameDelivered(10000)
	c.Ack(10000)
	c.Flush()
	if calls != 0 {
		t.Fatalf("expected no BUFFER_ACK emission when disabled, got %d calls", calls)
	}
}
