// Package configprovider defines the Config Provider (CP) boundary
// spec.md treats as wholly external: the core only consumes a refresh
// method and a snapshot accessor over the current cluster topology. The
// HTTP cluster-map fetcher, SASL, and TLS keystore plumbing that would
// populate a real BucketConfig are non-goals (spec.md §1/§6).
package configprovider

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// BucketConfig is the slice of cluster topology the Conductor needs: which
// node masters which vbucket.
type BucketConfig struct {
	NumPartitions uint16
	// VBucketMaster maps vbid -> node address of its current master.
	VBucketMaster map[uint16]string
	// ManifestUID is the collections manifest revision this snapshot was
	// taken under, if known.
	ManifestUID uint64
}

// MasterOf returns the node currently mastering vbid, or "" if unknown.
func (b BucketConfig) MasterOf(vbid uint16) string {
	return b.VBucketMaster[vbid]
}

// Nodes returns the distinct set of master node addresses in this config.
func (b BucketConfig) Nodes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, node := range b.VBucketMaster {
		if !seen[node] {
			seen[node] = true
			out = append(out, node)
		}
	}
	return out
}

// Provider is the external collaborator the Conductor drives: Refresh pulls
// a fresh topology (over HTTP, a sidecar, or a test double); Snapshot
// returns the latest one without blocking.
type Provider interface {
	Refresh(ctx context.Context) error
	Snapshot() BucketConfig
}

// StaticProvider is a constant-topology Provider, useful for embedding
// against a single known node set and for tests — Refresh is a no-op.
type StaticProvider struct {
	cfg BucketConfig
}

func NewStaticProvider(cfg BucketConfig) *StaticProvider { return &StaticProvider{cfg: cfg} }

func (s *StaticProvider) Refresh(ctx context.Context) error { return nil }
func (s *StaticProvider) Snapshot() BucketConfig            { return s.cfg }

// PolledProvider wraps a Provider and schedules its Refresh on a
// robfig/cron/v3 schedule, for embedders who want interval-based (rather
// than push-based) bootstrap refresh — the same scheduling library used
// elsewhere in the pack to drive periodic external calls.
type PolledProvider struct {
	inner Provider
	cron  *cron.Cron
	log   func(error)

	mu      sync.RWMutex
	lastErr error
}

// NewPolledProvider wraps inner and refreshes it according to spec, a
// standard cron expression (e.g. "@every 30s"). onError, if non-nil, is
// invoked with every failed Refresh.
func NewPolledProvider(inner Provider, spec string, onError func(error)) (*PolledProvider, error) {
	p := &PolledProvider{inner: inner, cron: cron.New(), log: onError}
	_, err := p.cron.AddFunc(spec, p.refreshOnce)
	if err != nil {
		return nil, errors.Wrap(err, "configprovider: invalid cron spec")
	}
	return p, nil
}

func (p *PolledProvider) refreshOnce() {
	if err := p.inner.Refresh(context.Background()); err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		if p.log != nil {
			p.log(err)
		}
	}
}

// Start begins the polling schedule; it does not block.
func (p *PolledProvider) Start() { p.cron.Start() }

// Stop ends the polling schedule; in-flight refreshes are allowed to finish.
func (p *PolledProvider) Stop() { <-p.cron.Stop().Done() }

func (p *PolledProvider) Refresh(ctx context.Context) error { return p.inner.Refresh(ctx) }
func (p *PolledProvider) Snapshot() BucketConfig            { return p.inner.Snapshot() }

// LastError returns the most recent polling failure, if any.
func (p *PolledProvider) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}
