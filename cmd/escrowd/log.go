package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/reconquest-labs/escrowcore/auditlog"
	"github.com/reconquest-labs/escrowcore/build"
	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/chainadapter"
	"github.com/reconquest-labs/escrowcore/fundingwatcher"
	"github.com/reconquest-labs/escrowcore/healthcheck"
	"github.com/reconquest-labs/escrowcore/keyderivation"
	"github.com/reconquest-labs/escrowcore/ltvmonitor"
	"github.com/reconquest-labs/escrowcore/releaser"
	"github.com/reconquest-labs/escrowcore/rpcserver"
	"github.com/reconquest-labs/escrowcore/sigvault"
	"github.com/reconquest-labs/escrowcore/store"
)

// subsystems lists every package with its own UseLogger hook, the same
// per-subsystem registration lnd's log.go keeps so -debuglevel can raise
// one subsystem's verbosity without the rest.
var subsystems = map[string]func(btclog.Logger){
	"CEMY": ceremony.UseLogger,
	"CHAD": chainadapter.UseLogger,
	"KEYD": keyderivation.UseLogger,
	"SGVT": sigvault.UseLogger,
	"LTVM": ltvmonitor.UseLogger,
	"FUND": fundingwatcher.UseLogger,
	"RELS": releaser.UseLogger,
	"STOR": store.UseLogger,
	"ALOG": auditlog.UseLogger,
	"RPCS": rpcserver.UseLogger,
	"HLCK": healthcheck.UseLogger,
}

var backendLog = build.NewBackend(&logWriter)
var logWriter build.LogWriter
var log = build.NewSubLogger("ESCD", backendLog)
var logRotatorCloser io.Closer

func initLogging() {
	logWriter.SetSink(os.Stdout)
	for subsystem, use := range subsystems {
		use(build.NewSubLogger(subsystem, backendLog))
	}
}

// initLogRotator additionally tees every log line into logFile, rolling it
// once it exceeds maxSizeMB megabytes and keeping at most maxBackups past
// rotations.
// Grounded on breez-lightninglib/daemon/log.go's initLogRotator, adapted
// from its package-global RotatorPipe field to build.LogWriter's SetSink.
func initLogRotator(logFile string, maxSizeMB, maxBackups int) error {
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("escrowd: creating log directory: %w", err)
	}

	r, err := rotator.New(logFile, int64(maxSizeMB*1024), false, maxBackups)
	if err != nil {
		return fmt.Errorf("escrowd: opening log rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	logWriter.SetSink(io.MultiWriter(os.Stdout, pw))
	logRotatorCloser = r
	return nil
}
