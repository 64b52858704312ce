// Package fundingwatcher closes the gap declareFunding deliberately
// leaves open: a borrower's declared txid/vout is a hint the ceremony
// records but never acts on (spec.md §6: "hint only; the adapter still
// verifies on-chain"). Watcher is that adapter-side verification — a
// periodic poll of every loan sitting in AwaitingDeposit, checking the
// escrow address for a UTXO with enough confirmations, and only then
// calling Coordinator.ConfirmFunding to advance the loan and build its
// pre-signed templates. Modeled on ltvmonitor.Monitor's ticker-driven
// scan loop, narrowed to a single concern: confirmation depth instead of
// loan-to-value.
package fundingwatcher

import (
	"context"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/reconquest-labs/escrowcore/build"
	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/chainadapter"
)

// blocksPerDay assumes Bitcoin's ~10 minute target block interval, the
// same constant the ceremony package's own tests feed ConfirmFunding.
const blocksPerDay = 144

const (
	defaultPollInterval          = 30 * time.Second
	defaultConfirmationsRequired = 3
)

var log = build.DisabledLog

// UseLogger installs a logger for this package.
func UseLogger(l btclog.Logger) { log = l }

// LoanSource supplies every loan currently waiting on its funding
// deposit. Satisfied by ceremony.Coordinator.AwaitingDepositLoans.
type LoanSource interface {
	AwaitingDepositLoans() []ceremony.Loan
}

// Confirmer is the single ceremony call this package drives. Satisfied
// by ceremony.Coordinator.ConfirmFunding.
type Confirmer interface {
	ConfirmFunding(loanID int64, txid string, vout uint32, confirmedSats, debtSats int64, fundingBlock, blocksPerDay uint32, gracePeriodDays int) error
}

// RateSource answers the current EUR-per-BTC spot price, used to convert
// a loan's EUR-denominated principal into the debtSats figure
// ConfirmFunding's fair-split templates are built against. Satisfied by
// ratefeed.CoinGecko, the same source ltvmonitor polls.
type RateSource interface {
	SpotRateEUR(ctx context.Context) (float64, error)
}

// Watcher runs the periodic funding-confirmation scan.
type Watcher struct {
	loans LoanSource
	chain chainadapter.BlockchainAdapter
	rates RateSource
	coord Confirmer
	tick  ticker.Ticker

	confirmationsRequired int
	gracePeriodDays       int

	quit chan struct{}
	done chan struct{}
}

// Config bundles a Watcher's collaborators and policy.
type Config struct {
	Loans LoanSource
	Chain chainadapter.BlockchainAdapter
	Rates RateSource
	Coord Confirmer

	// ConfirmationsRequired is the depth a deposit must reach before
	// ConfirmFunding is called. Zero uses the default of 3, matching
	// config.DefaultConfirmationsRequired.
	ConfirmationsRequired int
	// GracePeriodDays feeds ConfirmFunding's locktime computation,
	// matching config.DefaultGracePeriodDays when zero... except zero
	// is itself a valid grace period, so callers should always set
	// this explicitly from the loaded Config rather than rely on the
	// zero value.
	GracePeriodDays int

	Ticker ticker.Ticker // nil uses a real 30s wall-clock ticker
}

// New constructs a Watcher.
func New(cfg Config) *Watcher {
	t := cfg.Ticker
	if t == nil {
		t = ticker.New(defaultPollInterval)
	}
	confirmations := cfg.ConfirmationsRequired
	if confirmations == 0 {
		confirmations = defaultConfirmationsRequired
	}
	return &Watcher{
		loans:                 cfg.Loans,
		chain:                 cfg.Chain,
		rates:                 cfg.Rates,
		coord:                 cfg.Coord,
		tick:                  t,
		confirmationsRequired: confirmations,
		gracePeriodDays:       cfg.GracePeriodDays,
		quit:                  make(chan struct{}),
		done:                  make(chan struct{}),
	}
}

// Start launches the scan loop in the background. Stop must be called to
// release the ticker.
func (w *Watcher) Start() {
	w.tick.Resume()
	go w.loop()
}

// Stop halts the scan loop and releases the underlying ticker.
func (w *Watcher) Stop() {
	close(w.quit)
	w.tick.Stop()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.tick.Ticks():
			w.scanOnce(context.Background())
		case <-w.quit:
			return
		}
	}
}

// scanOnce checks every AwaitingDeposit loan's escrow address once.
// Kept as a separate method so tests can drive deterministic ticks directly
// rather than waiting on a real timer.
func (w *Watcher) scanOnce(ctx context.Context) {
	for _, loan := range w.loans.AwaitingDepositLoans() {
		w.evaluate(ctx, loan)
	}
}

// evaluate checks one loan's escrow address for a sufficiently confirmed
// deposit and, if found, confirms funding. Every failure is logged and
// skipped rather than returned, so one loan's chain-backend error never
// stalls the scan of the rest — the next tick retries automatically.
func (w *Watcher) evaluate(ctx context.Context, loan ceremony.Loan) {
	if loan.Escrow == nil {
		return // keys not yet registered; nothing to watch
	}

	utxos, err := w.chain.GetUTXOs(ctx, loan.Escrow.PkScript)
	if err != nil {
		log.Warnf("fundingwatcher: loan %d: GetUTXOs failed: %v", loan.ID, err)
		return
	}
	if len(utxos) == 0 {
		return // no deposit observed yet
	}
	if len(utxos) > 1 {
		// Every pre-signed template spends exactly one input
		// (psbtbuilder.EscrowUTXO is a single outpoint); a second
		// deposit to the same escrow address can't be represented by
		// ConfirmFunding's single-outpoint contract, and silently
		// picking one UTXO while reporting the combined total would
		// sign templates against an amount the chosen outpoint
		// doesn't actually hold. Surface it instead of guessing.
		log.Warnf("fundingwatcher: loan %d: %d UTXOs observed at escrow address, expected at most 1; needs manual review", loan.ID, len(utxos))
		return
	}

	utxo := utxos[0]
	if utxo.ValueSats < loan.Terms.RequiredCollateralSats {
		log.Debugf("fundingwatcher: loan %d: %d sats observed, %d required",
			loan.ID, utxo.ValueSats, loan.Terms.RequiredCollateralSats)
		return
	}
	if utxo.Confirmations < int64(w.confirmationsRequired) {
		log.Debugf("fundingwatcher: loan %d: %d/%d confirmations",
			loan.ID, utxo.Confirmations, w.confirmationsRequired)
		return
	}

	status, err := w.chain.GetTransaction(ctx, utxo.Txid)
	if err != nil {
		log.Warnf("fundingwatcher: loan %d: GetTransaction failed: %v", loan.ID, err)
		return
	}
	if status.BlockHeight < 0 {
		return // backend hasn't surfaced a confirming block yet
	}

	debtSats, err := w.debtSats(ctx, loan)
	if err != nil {
		log.Warnf("fundingwatcher: loan %d: rate source unavailable, deferring confirmation: %v", loan.ID, err)
		return
	}

	if err := w.coord.ConfirmFunding(loan.ID, utxo.Txid, utxo.Vout, utxo.ValueSats, debtSats,
		uint32(status.BlockHeight), blocksPerDay, w.gracePeriodDays); err != nil {
		log.Errorf("fundingwatcher: loan %d: ConfirmFunding failed: %v", loan.ID, err)
		return
	}
	log.Infof("fundingwatcher: loan %d funded: %d sats at %d confirmations", loan.ID, utxo.ValueSats, utxo.Confirmations)
}

// debtSats converts a loan's EUR-denominated principal into satoshis at
// the current spot rate, the same conversion ceremony's own doc comment
// on buildTemplates describes the caller as responsible for. Non-EUR
// principals are treated as zero debt, the same simplification
// ceremony.Coordinator.ActiveLoans already makes.
func (w *Watcher) debtSats(ctx context.Context, loan ceremony.Loan) (int64, error) {
	if loan.Terms.PrincipalCurrency != "EUR" {
		return 0, nil
	}
	rate, err := w.rates.SpotRateEUR(ctx)
	if err != nil {
		return 0, err
	}
	if rate <= 0 {
		return 0, nil
	}
	return int64(loan.Terms.PrincipalAmount / rate * 1e8), nil
}
