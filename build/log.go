// Package build wires up the subsystem loggers shared across escrowcore's
// packages, following the same per-subsystem btclog.Backend pattern the
// lnd daemon uses.
package build

import (
	"io"
	"sync"

	"github.com/btcsuite/btclog"
)

// LogWriter wraps an underlying io.Writer that may be swapped out after
// loggers have already been created, so callers don't need to re-wire the
// backend once a rotator file is opened.
type LogWriter struct {
	mu   sync.Mutex
	sink io.Writer
}

// SetSink installs the writer that subsequent Write calls are forwarded to.
// Until SetSink is called, writes are silently dropped, matching lnd's
// behaviour of buffering nothing before the log rotator is initialized.
func (w *LogWriter) SetSink(sink io.Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sink = sink
}

// Write implements io.Writer.
func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	sink := w.sink
	w.mu.Unlock()

	if sink == nil {
		return len(p), nil
	}
	return sink.Write(p)
}

// NewSubLogger creates a new logger for a subsystem which writes to the
// given backend.
func NewSubLogger(subsystem string, backend *btclog.Backend) btclog.Logger {
	logger := backend.Logger(subsystem)
	logger.SetLevel(btclog.LevelInfo)
	return logger
}

// NewBackend is a thin re-export so callers outside this package don't need
// a second import of btclog just to construct the process-wide backend.
func NewBackend(w io.Writer) *btclog.Backend {
	return btclog.NewBackend(w)
}

// DisabledLog is the logger every package-level `log` var is initialized to
// before the daemon's UseLogger wiring runs, matching lnd's convention that
// a package must be usable (and silent) even if no one ever calls
// UseLogger on it, e.g. from within a unit test.
var DisabledLog = btclog.Disabled

// redactedFields lists field names whose values must never reach a log
// line verbatim. submitSignature, requestRecovery and the key derivation
// path are the callers most likely to hold one of these in scope.
var redactedFields = map[string]struct{}{
	"passphrase": {},
	"privkey":    {},
	"scalar":     {},
	"signature":  {},
	"der_sig":    {},
	"sig":        {},
}

// IsRedactedField reports whether the named field must be scrubbed before
// it is written to any AuditEntry or log line.
func IsRedactedField(field string) bool {
	_, redacted := redactedFields[field]
	return redacted
}

// Redact returns "<redacted>" when field must never be logged, and value
// otherwise. Central choke point so no call site has to remember the list.
func Redact(field, value string) string {
	if IsRedactedField(field) {
		return "<redacted>"
	}
	return value
}
