// Package chainadapter abstracts the Bitcoin chain backend behind the four
// operations the rest of escrowcore actually needs: looking up the UTXOs
// sitting at an escrow address, estimating a fee rate, broadcasting a
// finalised transaction, and checking a transaction's confirmation depth.
// The real implementation is backed by a neutrino light client, following
// chainregistry.go's wiring of lnwallet.BlockChainIO; a deterministic mock
// is provided for everything upstream that should not depend on the
// network.
package chainadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btclog"

	"github.com/reconquest-labs/escrowcore/build"
)

var log = build.DisabledLog

// UseLogger installs a logger for this package.
func UseLogger(l btclog.Logger) { log = l }

// Default deadlines per spec.md §4.9's cancellation table. Callers that
// don't supply their own context deadline get these.
const (
	DefaultRateTimeout      = 10 * time.Second
	DefaultUTXOTimeout      = 15 * time.Second
	DefaultBroadcastTimeout = 30 * time.Second
)

// Sentinel errors Broadcast distinguishes, per spec.md §4.8. Callers use
// errors.Is against these rather than string-matching messages.
var (
	// ErrMempoolConflict means the UTXO is already spent by a
	// transaction the mempool or chain already knows about. Releaser
	// treats this as success (see spec.md §4.8's idempotency note).
	ErrMempoolConflict = errors.New("chainadapter: mempool conflict")

	// ErrFeeTooLow means the backend rejected the transaction for
	// paying below the minimum relay fee.
	ErrFeeTooLow = errors.New("chainadapter: fee too low")

	// ErrRejected means the backend rejected the transaction for any
	// other policy or consensus reason (bad witness, non-standard,
	// etc).
	ErrRejected = errors.New("chainadapter: transaction rejected")

	// ErrNetwork means the call could not reach the chain backend at
	// all (peer unavailable, connection reset).
	ErrNetwork = errors.New("chainadapter: network error")

	// ErrNotFound means GetTransaction was asked about a txid the
	// backend has never seen.
	ErrNotFound = errors.New("chainadapter: transaction not found")

	// ErrTimeout is returned when the caller's context deadline expires
	// before the backend replies. No partial state is committed.
	ErrTimeout = errors.New("chainadapter: timed out")
)

// FeePriority selects a point on the fee/confirmation-time curve, per
// spec.md §4.8.
type FeePriority int

const (
	Economy FeePriority = iota
	Slow
	Normal
	Fast
)

func (p FeePriority) String() string {
	switch p {
	case Economy:
		return "economy"
	case Slow:
		return "slow"
	case Normal:
		return "normal"
	case Fast:
		return "fast"
	default:
		return "unknown"
	}
}

// UTXO is one unspent output observed at a watched address.
type UTXO struct {
	Txid          string
	Vout          uint32
	ValueSats     int64
	Confirmations int64
}

// TxStatus is the confirmation state of a previously broadcast
// transaction.
type TxStatus struct {
	Confirmations int64
	BlockHeight   int32 // -1 when unconfirmed
}

// BlockchainAdapter is the abstract interface over the chain described in
// spec.md §4.8. Every method accepts a context so a caller can impose the
// deadlines above; implementations must translate a context cancellation
// into ErrTimeout rather than leaving the caller to guess.
type BlockchainAdapter interface {
	// GetUTXOs returns every UTXO currently sitting at pkScript, most
	// commonly an escrow address awaiting a funding deposit.
	GetUTXOs(ctx context.Context, pkScript []byte) ([]UTXO, error)

	// GetFeeRate estimates a sats/vbyte rate for the given priority.
	// Implementations fall back to the static table in feerate.go when
	// the live rate source is unavailable.
	GetFeeRate(ctx context.Context, priority FeePriority) (int64, error)

	// Broadcast relays a fully-signed raw transaction and returns its
	// txid. errors.Is(err, ErrMempoolConflict) signals the UTXO was
	// already spent and the operation should be treated as successful.
	Broadcast(ctx context.Context, rawTx []byte) (string, error)

	// GetTransaction reports the confirmation depth of a previously
	// broadcast transaction. Returns ErrNotFound if the backend has
	// never observed it.
	GetTransaction(ctx context.Context, txid string) (TxStatus, error)
}

// withTimeout derives a context bounded by d when the caller's context
// carries no deadline of its own; callers translate its expiry into
// ErrTimeout with classifyCtxErr. Every adapter method funnels its backend
// call through this so the Timeout contract in spec.md §4.9 holds
// regardless of backend.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// classifyCtxErr maps a context error from a bounded call into
// ErrTimeout, leaving any other error (including nil) untouched.
func classifyCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout
	}
	return err
}

// wrapf is a small formatting helper kept at package scope so every
// adapter file wraps backend errors the same way.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
}
