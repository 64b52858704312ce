// Package releaser implements CollateralReleaser (spec.md §4.9): the
// driver that, on a repayment or liquidation signal, consults
// OutcomeEngine, finalises the matching pre-signed template through the
// signature vault, and broadcasts it with exponential back-off.
package releaser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/cenkalti/backoff/v4"

	"github.com/reconquest-labs/escrowcore/build"
	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/chainadapter"
	"github.com/reconquest-labs/escrowcore/outcome"
	"github.com/reconquest-labs/escrowcore/psbtbuilder"
	"github.com/reconquest-labs/escrowcore/sigvault"
)

var log = build.DisabledLog

// UseLogger installs a logger for this package.
func UseLogger(l btclog.Logger) { log = l }

// RetryPolicy mirrors config's `broadcastRetry` block (spec.md §9):
// initial delay, multiplier, jitter fraction, and the hard attempt cap.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryPolicy matches spec.md §9's documented defaults: 60s → 5
// attempts total → ×3 multiplier → 0.2 jitter.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  5,
	InitialDelay: 60 * time.Second,
	Multiplier:   3,
	Jitter:       0.2,
}

func (p RetryPolicy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0 // attempt count is the cap, not elapsed wall time
	return b
}

// LoanAccessor is the slice of ceremony.Coordinator CollateralReleaser
// needs: read a loan's facts and vault, and record the settled outcome.
type LoanAccessor interface {
	Facts(loanID int64, now time.Time, ltv, liquidationThreshold float64, timelockExpired bool) (outcome.LoanFacts, error)
	Loan(loanID int64) (ceremony.Loan, error)
	ApplyOutcome(loanID int64, act outcome.Action, releaseTxid string) error
}

// AuditSink records every broadcast attempt, successful or not, per
// spec.md §4.11. Never passed a signature or private key, only the
// template name, txid (if any), and error (if any).
type AuditSink interface {
	RecordBroadcastAttempt(loanID int64, template string, attempt int, txid string, err error)
}

// Notifier tells the borrower a release has settled. Kept minimal and
// best-effort: a notification failure never blocks or reverses a
// successful broadcast.
type Notifier interface {
	NotifyBorrower(loanID int64, action outcome.Action, txid string)
}

// Releaser drives the finalize-then-broadcast flow described above.
type Releaser struct {
	loans  LoanAccessor
	chain  chainadapter.BlockchainAdapter
	audit  AuditSink
	notify Notifier
	policy RetryPolicy
}

// Config bundles Releaser's collaborators.
type Config struct {
	Loans    LoanAccessor
	Chain    chainadapter.BlockchainAdapter
	Audit    AuditSink
	Notify   Notifier
	Policy   RetryPolicy // zero value uses DefaultRetryPolicy
}

// New constructs a Releaser.
func New(cfg Config) *Releaser {
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy
	}
	return &Releaser{
		loans:  cfg.Loans,
		chain:  cfg.Chain,
		audit:  cfg.Audit,
		notify: cfg.Notify,
		policy: policy,
	}
}

// Release is the entry point for a repayment signal (spec.md §4.9 step
// 1): given the loan's facts, it asks OutcomeEngine for the action, and if that action spends a template, finalizes and
// broadcasts it with back-off. A NoAction or non-spending outcome
// (UnderReview, a bare Cancellation with no template) is a no-op.
func (r *Releaser) Release(ctx context.Context, loanID int64, facts outcome.LoanFacts) error {
	act := outcome.Decide(facts)
	if act.Template == "" {
		log.Debugf("releaser: loan %d outcome %v carries no template, nothing to do", loanID, act.Action)
		return nil
	}
	return r.releaseTemplate(ctx, loanID, act)
}

// TriggerLiquidation satisfies ltvmonitor.Releaser: LtvMonitor has
// already determined the loan crossed its liquidation threshold, so
// this skips straight to finalizing the liquidation template rather
// than re-running Decide (LtvMonitor's facts aren't ceremony's to
// reconstruct here).
func (r *Releaser) TriggerLiquidation(ctx context.Context, loanID int64) error {
	return r.releaseTemplate(ctx, loanID, outcome.Outcome{
		Action:   outcome.Liquidation,
		Template: psbtbuilder.Liquidation.String(),
	})
}

func (r *Releaser) releaseTemplate(ctx context.Context, loanID int64, act outcome.Outcome) error {
	templateType, err := parseTemplateType(act.Template)
	if err != nil {
		return fmt.Errorf("releaser: %w", err)
	}

	loan, err := r.loans.Loan(loanID)
	if err != nil {
		return fmt.Errorf("releaser: %w", err)
	}
	if loan.Vault == nil {
		return fmt.Errorf("releaser: loan %d has no vault yet", loanID)
	}

	finalized, err := loan.Vault.Finalize(templateType)
	if err != nil {
		return fmt.Errorf("releaser: finalize loan %d template %s: %w", loanID, act.Template, err)
	}

	txid, err := r.broadcastWithRetry(ctx, loanID, act.Template, finalized)
	if err != nil {
		return err
	}

	if err := r.loans.ApplyOutcome(loanID, act.Action, txid); err != nil {
		return fmt.Errorf("releaser: applying outcome for loan %d: %w", loanID, err)
	}
	if r.notify != nil {
		r.notify.NotifyBorrower(loanID, act.Action, txid)
	}
	return nil
}

// broadcastWithRetry implements spec.md §4.9 step 3: broadcast, and on
// failure back off per r.policy, halting after MaxAttempts and
// surfacing the last error for admin. A MempoolConflict is treated as
// success using the template's own precomputed txid, since the UTXO
// being already spent means some prior attempt (or a race with another
// process) already landed this exact transaction.
func (r *Releaser) broadcastWithRetry(ctx context.Context, loanID int64, template string, finalized *sigvault.Finalized) (string, error) {
	b := r.policy.backoff()

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		txid, err := r.chain.Broadcast(ctx, finalized.RawTx)
		if err == nil {
			r.recordAttempt(loanID, template, attempt, txid, nil)
			return txid, nil
		}

		if errors.Is(err, chainadapter.ErrMempoolConflict) {
			r.recordAttempt(loanID, template, attempt, finalized.TxID, nil)
			return finalized.TxID, nil
		}

		lastErr = err
		r.recordAttempt(loanID, template, attempt, "", err)
		log.Warnf("releaser: broadcast attempt %d/%d for loan %d failed: %v",
			attempt, r.policy.MaxAttempts, loanID, err)

		if attempt == r.policy.MaxAttempts {
			break
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", fmt.Errorf("releaser: %w", ctx.Err())
		}
	}

	return "", fmt.Errorf("releaser: broadcast exhausted %d attempts for loan %d, surfaced to admin: %w",
		r.policy.MaxAttempts, loanID, lastErr)
}

func (r *Releaser) recordAttempt(loanID int64, template string, attempt int, txid string, err error) {
	if r.audit == nil {
		return
	}
	r.audit.RecordBroadcastAttempt(loanID, template, attempt, txid, err)
}

func parseTemplateType(name string) (psbtbuilder.TemplateType, error) {
	for _, t := range []psbtbuilder.TemplateType{
		psbtbuilder.Repayment, psbtbuilder.Default, psbtbuilder.Liquidation, psbtbuilder.Recovery,
	} {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown template name %q", name)
}
