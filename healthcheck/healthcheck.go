// Package healthcheck thin-wraps lnd/healthcheck's periodic Observation
// monitor, adapted from watching a Lightning node's chain backend and
// disk space to watching escrowcore's own externally-dependent
// subsystems: the chain adapter's backend connection, the loan store's
// database, and the rpcserver TLS certificate's expiry.
package healthcheck

import (
	"context"
	"time"

	"github.com/btcsuite/btclog"
	lndhealthcheck "github.com/lightningnetwork/lnd/healthcheck"

	"github.com/reconquest-labs/escrowcore/build"
	"github.com/reconquest-labs/escrowcore/chainadapter"
)

var log = build.DisabledLog

// UseLogger installs a logger for this package.
func UseLogger(l btclog.Logger) { log = l }

// Defaults mirror the teacher's own health-check cadence: frequent
// enough to notice an outage quickly, with enough retries and backoff
// that a single slow response doesn't flap the status.
const (
	defaultInterval = 1 * time.Minute
	defaultAttempts = 2
	defaultTimeout  = 5 * time.Second
	defaultBackoff  = 5 * time.Second
)

// ChainPing is satisfied by chainadapter.BlockchainAdapter directly,
// used here only as a cheap round-trip to the backend.
type ChainPing interface {
	GetFeeRate(ctx context.Context, priority chainadapter.FeePriority) (int64, error)
}

// StorePing is satisfied by (*store.DB).Ping.
type StorePing interface {
	Ping(ctx context.Context) error
}

// Config bundles the subsystems Monitor watches. Any field left nil
// skips that observation entirely.
type Config struct {
	Chain ChainPing
	Store StorePing

	// CertExpiry, when set, is called on every cycle; a non-nil error
	// from it means the rpcserver TLS certificate needs rotating. The
	// returned time itself is not inspected.
	CertExpiry func() (time.Time, error)
}

// Monitor runs lnd/healthcheck's Observation loop over escrowcore's own
// external dependencies. It never drives business logic itself, only
// reports degradation — the same separation lnd's healthcheck package
// draws between observing and acting.
type Monitor struct {
	inner *lndhealthcheck.Monitor
}

// New builds a Monitor from cfg. Call Start to begin the periodic
// checks and Stop to halt them.
func New(cfg Config) *Monitor {
	var observations []*lndhealthcheck.Observation

	if cfg.Chain != nil {
		observations = append(observations, lndhealthcheck.NewObservation(
			"chain backend",
			func() error {
				_, err := cfg.Chain.GetFeeRate(context.Background(), chainadapter.Economy)
				return err
			},
			defaultInterval, defaultTimeout, defaultBackoff, defaultAttempts,
		))
	}
	if cfg.Store != nil {
		observations = append(observations, lndhealthcheck.NewObservation(
			"loan store",
			func() error {
				return cfg.Store.Ping(context.Background())
			},
			defaultInterval, defaultTimeout, defaultBackoff, defaultAttempts,
		))
	}
	if cfg.CertExpiry != nil {
		observations = append(observations, lndhealthcheck.NewObservation(
			"tls certificate",
			func() error {
				_, err := cfg.CertExpiry()
				return err
			},
			defaultInterval, defaultTimeout, defaultBackoff, defaultAttempts,
		))
	}

	return &Monitor{inner: lndhealthcheck.NewMonitor(&lndhealthcheck.Config{
		Checks: observations,
	})}
}

// Start begins running every configured observation on its own cadence.
func (m *Monitor) Start() error {
	log.Infof("healthcheck: starting monitor")
	return m.inner.Start()
}

// Stop halts every observation.
func (m *Monitor) Stop() error {
	log.Infof("healthcheck: stopping monitor")
	return m.inner.Stop()
}
