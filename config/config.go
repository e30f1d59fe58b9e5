// Package config defines the core's single immutable Options value
// (spec.md §6 "Configuration options"; Design Notes §9 "inject an
// immutable Config value at construction; no process-wide state"). It
// covers every embedder-facing knob spec.md enumerates; everything
// connecting those knobs to TCP/TLS/SASL/bootstrap-HTTP stays external
// (spec.md §1 Non-goals).
package config

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// NetworkResolution selects which address family Couchbase Server reports
// for each node (spec.md §6 "network_resolution").
type NetworkResolution string

const (
	NetworkDefault  NetworkResolution = "default"
	NetworkExternal NetworkResolution = "external"
)

// CredentialsProvider supplies SASL credentials at connect time. The core
// never inspects the mechanism dance itself (spec.md §1 Non-goals) — this
// is purely the value the embedder's Dialer is expected to consult.
type CredentialsProvider interface {
	Credentials(ctx string) (username, password string, err error)
}

// SSLOptions bundles the TLS knobs spec.md §6 names (`ssl_*`); the core
// treats keystore/TLS plumbing as external (spec.md §1 Non-goals) and only
// carries these values through to the embedder's Dialer.
type SSLOptions struct {
	Enabled           bool   `yaml:"enabled"`
	Keystore          string `yaml:"keystore"`
	KeystorePassword  string `yaml:"keystore_password,omitempty"`
}

// Options is the core's complete, immutable configuration surface — every
// knob spec.md §6 enumerates, plus YAML (de)serialization via
// gopkg.in/yaml.v3, the format Trendyol/go-dcp's own config loader uses.
type Options struct {
	Bucket              string   `yaml:"bucket"`
	CollectionIDs       []uint32 `yaml:"cids"`
	ClusterSeeds        []string `yaml:"cluster_seeds"`
	ConnectionName      string   `yaml:"connection_name"`
	NetworkResolution   NetworkResolution `yaml:"network_resolution"`

	SSL SSLOptions `yaml:"ssl"`

	BootstrapHTTPPort  int `yaml:"bootstrap_http_port"`
	BootstrapHTTPSPort int `yaml:"bootstrap_https_port"`

	// VBuckets is carried in Options only: channels open to every master
	// node in the config, and streams open only for the vbuckets passed to
	// StartStreamForPartition.
	VBuckets []uint16 `yaml:"vbuckets"`

	BufferAckWatermarkPercent int    `yaml:"buffer_ack_watermark_percent"`
	PoolBuffers               bool   `yaml:"pool_buffers"`
	FlowControlBufferSize     uint64 `yaml:"flow_control_buffer_size"`

	ConfigProviderAttemptTimeout time.Duration `yaml:"config_provider_attempt_timeout"`
	ConfigProviderTotalTimeout   time.Duration `yaml:"config_provider_total_timeout"`
	ConfigProviderReconnectDelay time.Duration `yaml:"config_provider_reconnect_delay"`

	DCPChannelAttemptTimeout  time.Duration `yaml:"dcp_channel_attempt_timeout"`
	DCPChannelTotalTimeout    time.Duration `yaml:"dcp_channel_total_timeout"`
	DCPChannelsReconnectDelay time.Duration `yaml:"dcp_channels_reconnect_delay"`

	DeadConnectionDetectionInterval time.Duration `yaml:"dead_connection_detection_interval"`

	// DCPControlParams is the opt-name -> string-value map sent via
	// DCP_CONTROL during the (externally handled) DCP_OPEN handshake.
	DCPControlParams map[string]string `yaml:"dcp_control_params"`

	// CredentialsProvider is never YAML-serializable; it is always supplied
	// programmatically, the way the teacher's own config never round-trips
	// its runtime callback fields through JSON either.
	CredentialsProvider CredentialsProvider `yaml:"-"`
}

// Default returns the zero-value-safe baseline: the 1s..64s-class timeouts
// spec.md's backoff schedule assumes, a 50% watermark, and a freshly
// generated connection_name.
func Default() Options {
	return Options{
		NetworkResolution:                NetworkDefault,
		BufferAckWatermarkPercent:        50,
		FlowControlBufferSize:            20 * 1024 * 1024,
		ConfigProviderAttemptTimeout:     5 * time.Second,
		ConfigProviderTotalTimeout:       30 * time.Second,
		ConfigProviderReconnectDelay:     time.Second,
		DCPChannelAttemptTimeout:         5 * time.Second,
		DCPChannelTotalTimeout:           30 * time.Second,
		DCPChannelsReconnectDelay:        time.Second,
		DeadConnectionDetectionInterval: 60 * time.Second,
		DCPControlParams:                map[string]string{},
	}
}

// Verify checks Options for internal consistency, following the
// build-then-Verify shape used throughout this module
// (flowcontrol.Config, channel.Config).
func (o Options) Verify() error {
	if o.Bucket == "" {
		return errors.New("config: Bucket is required")
	}
	if len(o.ClusterSeeds) == 0 {
		return errors.New("config: at least one cluster seed is required")
	}
	if o.BufferAckWatermarkPercent <= 0 || o.BufferAckWatermarkPercent > 100 {
		return errors.New("config: BufferAckWatermarkPercent must be in (0,100]")
	}
	if o.FlowControlBufferSize == 0 {
		return errors.New("config: FlowControlBufferSize must be > 0")
	}
	if o.NetworkResolution != NetworkDefault && o.NetworkResolution != NetworkExternal {
		return errors.Errorf("config: unknown NetworkResolution %q", o.NetworkResolution)
	}
	if o.DeadConnectionDetectionInterval <= 0 {
		return errors.New("config: DeadConnectionDetectionInterval must be > 0")
	}
	return nil
}

// WithDefaults fills ConnectionName with a generated google/uuid value
// (matching Trendyol/go-dcp's own use of google/uuid for client/session
// identifiers) when the embedder left it blank, and returns the result —
// Options itself stays otherwise immutable once Verify has passed.
func (o Options) WithDefaults() Options {
	if o.ConnectionName == "" {
		o.ConnectionName = "dcp-go-core-" + uuid.NewString()
	}
	if o.DCPControlParams == nil {
		o.DCPControlParams = map[string]string{}
	}
	return o
}

// Load reads YAML-encoded Options from path, applies WithDefaults, then
// Verify — the teacher's own parseJSONConfig-from-file pattern
// (client/config.go), generalized to YAML and to this richer option set.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, errors.Wrap(err, "config: read file")
	}
	o := Default()
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Options{}, errors.Wrap(err, "config: parse yaml")
	}
	o = o.WithDefaults()
	if err := o.Verify(); err != nil {
		return Options{}, err
	}
	return o, nil
}
