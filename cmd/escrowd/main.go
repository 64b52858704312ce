// escrowd is the daemon entry point wiring every escrowcore subsystem
// together: config load, logging, the loan store, the chain adapter,
// the ceremony coordinator, the funding-confirmation watcher, the LTV
// monitor, the collateral releaser, the audit log, and the JSON/gRPC
// front door.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	flags "github.com/jessevdk/go-flags"

	"github.com/reconquest-labs/escrowcore/auditlog"
	"github.com/reconquest-labs/escrowcore/bitcoinutil"
	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/certutil"
	"github.com/reconquest-labs/escrowcore/chainadapter"
	"github.com/reconquest-labs/escrowcore/config"
	"github.com/reconquest-labs/escrowcore/fundingwatcher"
	"github.com/reconquest-labs/escrowcore/healthcheck"
	"github.com/reconquest-labs/escrowcore/ltvmonitor"
	"github.com/reconquest-labs/escrowcore/ratefeed"
	"github.com/reconquest-labs/escrowcore/releaser"
	"github.com/reconquest-labs/escrowcore/rpcserver"
	"github.com/reconquest-labs/escrowcore/store"
)

// shutdownChannel is closed once by the interrupt handler, waking the
// blocking wait at the bottom of escrowdMain. Mirrors the teacher's own
// lnd.go module-level shutdownChannel, fed by a single signal.Notify
// call site.
var shutdownChannel = make(chan struct{})

// escrowdMain is the real entry point; defers registered here still run
// on a clean interrupt shutdown, unlike defers in main itself if an
// early path called os.Exit.
func escrowdMain() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Println(version())
		return nil
	}

	initLogging()
	if err := initLogRotator(cfg.LogFilePath(), cfg.Logging.MaxLogFileMB, cfg.Logging.MaxLogFiles); err != nil {
		return err
	}
	defer logRotatorCloser.Close()
	log.Infof("escrowd: version %s starting, network=%s", version(), cfg.Network)

	net, chainParams := networkParams(cfg.Network)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("escrowd: creating datadir: %w", err)
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("escrowd: opening loan store: %w", err)
	}
	defer db.Close()

	auditLog, err := auditlog.Open(context.Background(), cfg.DB.DSN())
	if err != nil {
		return fmt.Errorf("escrowd: opening audit log: %w", err)
	}
	defer auditLog.Close()

	chain, err := openChainAdapter(cfg, net, chainParams)
	if err != nil {
		return fmt.Errorf("escrowd: opening chain adapter: %w", err)
	}

	coordinator := ceremony.New(net, auditLog, currentFeeRate(chain))
	coordinator.SetLTVThresholds(cfg.Thresholds())

	rel := releaser.New(releaser.Config{
		Loans:  coordinator,
		Chain:  chain,
		Audit:  auditLog,
		Policy: cfg.BroadcastRetry.Policy(),
	})

	rates := ratefeed.New()
	monitor := ltvmonitor.New(ltvmonitor.Config{
		Loans:    coordinator,
		Rates:    rates,
		Releaser: rel,
		Sink:     auditLog,
	})
	monitor.Start()
	defer monitor.Stop()

	watcher := fundingwatcher.New(fundingwatcher.Config{
		Loans:                 coordinator,
		Chain:                 chain,
		Rates:                 rates,
		Coord:                 coordinator,
		ConfirmationsRequired: cfg.ConfirmationsRequired,
		GracePeriodDays:       cfg.GracePeriodDays,
	})
	watcher.Start()
	defer watcher.Stop()

	health := healthcheck.New(healthcheck.Config{
		Chain: chain,
		Store: db,
	})
	if err := health.Start(); err != nil {
		return fmt.Errorf("escrowd: starting healthcheck: %w", err)
	}
	defer health.Stop()

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("escrowd: loading TLS config: %w", err)
	}

	rpc := rpcserver.New(rpcserver.Config{
		Coordinator: coordinator,
		Releaser:    rel,
		Rates:       rates,
		Height:      chain,
		Thresholds:  cfg.Thresholds(),
		HTTPAddr:    cfg.RPC.HTTPAddr,
		GRPCAddr:    cfg.RPC.GRPCAddr,
		TLS:         tlsConfig,
	})
	if err := rpc.Start(); err != nil {
		return fmt.Errorf("escrowd: starting rpcserver: %w", err)
	}
	defer rpc.Stop()

	addInterruptHandler()
	log.Infof("escrowd: ready, http=%s grpc=%s", cfg.RPC.HTTPAddr, cfg.RPC.GRPCAddr)
	<-shutdownChannel
	log.Infof("escrowd: shutdown complete")
	return nil
}

// openChainAdapter builds the real neutrino-backed BlockchainAdapter,
// rooted at a bbolt-backed walletdb database alongside the loan store,
// following chainregistry.go's NeutrinoMode branch.
func openChainAdapter(cfg *config.Config, net bitcoinutil.Network, chainParams chaincfg.Params) (*chainadapter.NeutrinoAdapter, error) {
	dbPath := filepath.Join(cfg.DataDir, "neutrino.db")
	neutrinoDB, err := walletdb.Create("bdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening neutrino database: %w", err)
	}

	return chainadapter.NewNeutrinoAdapter(chainadapter.NeutrinoConfig{
		DataDir:     cfg.DataDir,
		ChainParams: chainParams,
	}, net, neutrinoDB, nil)
}

// currentFeeRate adapts chain's richer GetFeeRate(ctx, priority) into
// the single-sample ceremony.ChainFeeRate closure ConfirmFunding uses
// to build pre-signed templates, always asking for the Normal priority
// tier and falling back to chain's own static fallback on error.
func currentFeeRate(chain *chainadapter.NeutrinoAdapter) ceremony.ChainFeeRate {
	return func() int64 {
		rate, err := chain.GetFeeRate(context.Background(), chainadapter.Normal)
		if err != nil {
			log.Warnf("escrowd: fee rate estimate failed, using fallback: %v", err)
			return 10
		}
		return rate
	}
}

func loadTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.RPC.NoTLS {
		return nil, nil
	}
	certPath := cfg.RPC.TLSCertPath
	keyPath := cfg.RPC.TLSKeyPath
	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "tls.cert")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "tls.key")
	}
	return certutil.Load([]string{"localhost"}, certPath, keyPath)
}

func networkParams(network string) (bitcoinutil.Network, chaincfg.Params) {
	switch network {
	case "testnet":
		return bitcoinutil.Testnet, chaincfg.TestNet3Params
	case "regtest":
		// escrowcore's own address encoding only distinguishes
		// Mainnet/Testnet (see DESIGN.md); regtest reuses the
		// testnet HRP since it is never used in production.
		return bitcoinutil.Testnet, chaincfg.RegressionNetParams
	default:
		return bitcoinutil.Mainnet, chaincfg.MainNetParams
	}
}

// addInterruptHandler registers a SIGINT/SIGTERM handler that closes
// shutdownChannel exactly once, the same single-notification discipline
// lnd's own signal handling relies on.
func addInterruptHandler() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Infof("escrowd: received interrupt signal, shutting down")
		close(shutdownChannel)
	}()
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := escrowdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
