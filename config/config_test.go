package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSuccess(t *testing.T) {
	path := writeTempConfig(t, `
bucket: travel-sample
cluster_seeds: ["node-a:8091"]
buffer_ack_watermark_percent: 75
flow_control_buffer_size: 1048576
`)
	o, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if o.Bucket != "travel-sample" || len(o.ClusterSeeds) != 1 || o.ClusterSeeds[0] != "node-a:8091" {
		t.Fatalf("unexpected options: %+v", o)
	}
	if o.BufferAckWatermarkPercent != 75 || o.FlowControlBufferSize != 1048576 {
		t.Fatalf("unexpected watermark/buffer size: %+v", o)
	}
	if o.ConnectionName == "" {
		t.Fatal("expected a generated connection name")
	}
	if o.DeadConnectionDetectionInterval != 60*time.Second {
		t.Fatalf("expected default dead-connection interval, got %v", o.DeadConnectionDetectionInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := Load(missing); err == nil {
		t.Fatal("Load expected error for missing file")
	}
}

func TestVerifyRejectsInvalidOptions(t *testing.T) {
	cases := []struct {
		name string
		o    Options
	}{
		{"missing bucket", Options{ClusterSeeds: []string{"a:1"}, BufferAckWatermarkPercent: 50, FlowControlBufferSize: 1, DeadConnectionDetectionInterval: time.Second, NetworkResolution: NetworkDefault}},
		{"missing cluster seeds", Options{Bucket: "b", BufferAckWatermarkPercent: 50, FlowControlBufferSize: 1, DeadConnectionDetectionInterval: time.Second, NetworkResolution: NetworkDefault}},
		{"zero watermark", Options{Bucket: "b", ClusterSeeds: []string{"a:1"}, FlowControlBufferSize: 1, DeadConnectionDetectionInterval: time.Second, NetworkResolution: NetworkDefault}},
		{"watermark over 100", Options{Bucket: "b", ClusterSeeds: []string{"a:1"}, BufferAckWatermarkPercent: 101, FlowControlBufferSize: 1, DeadConnectionDetectionInterval: time.Second, NetworkResolution: NetworkDefault}},
		{"zero buffer size", Options{Bucket: "b", ClusterSeeds: []string{"a:1"}, BufferAckWatermarkPercent: 50, DeadConnectionDetectionInterval: time.Second, NetworkResolution: NetworkDefault}},
		{"bad network resolution", Options{Bucket: "b", ClusterSeeds: []string{"a:1"}, BufferAckWatermarkPercent: 50, FlowControlBufferSize: 1, DeadConnectionDetectionInterval: time.Second, NetworkResolution: "bogus"}},
		{"zero dead connection interval", Options{Bucket: "b", ClusterSeeds: []string{"a:1"}, BufferAckWatermarkPercent: 50, FlowControlBufferSize: 1, NetworkResolution: NetworkDefault}},
	}
	for _, tc := range cases {
		if err := tc.o.Verify(); err == nil {
			t.Errorf("%s: expected Verify to reject %+v", tc.name, tc.o)
		}
	}
}

func TestWithDefaultsPreservesExplicitConnectionName(t *testing.T) {
	o := Options{ConnectionName: "my-client"}.WithDefaults()
	if o.ConnectionName != "my-client" {
		t.Fatalf("expected explicit connection name preserved, got %q", o.ConnectionName)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
