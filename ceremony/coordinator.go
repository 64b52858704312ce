package ceremony

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btclog"

	"github.com/reconquest-labs/escrowcore/bitcoinutil"
	"github.com/reconquest-labs/escrowcore/build"
	"github.com/reconquest-labs/escrowcore/escrowscript"
	"github.com/reconquest-labs/escrowcore/ltvmonitor"
	"github.com/reconquest-labs/escrowcore/outcome"
	"github.com/reconquest-labs/escrowcore/psbtbuilder"
	"github.com/reconquest-labs/escrowcore/sigvault"
)

const sigvaultComplete = sigvault.Complete

var log = build.DisabledLog

// UseLogger installs a logger for this package.
func UseLogger(l btclog.Logger) { log = l }

// Errors returned by Coordinator operations, named to match spec.md §7's
// kind taxonomy at the call site (each is wrapped with its Kind by the
// rpcserver boundary, not here).
var (
	ErrUnknownLoan       = fmt.Errorf("ceremony: unknown loan id")
	ErrWrongState        = fmt.Errorf("ceremony: operation not valid in current state")
	ErrKeyAlreadySet     = fmt.Errorf("ceremony: role key already registered and immutable")
	ErrKeysIncomplete    = fmt.Errorf("ceremony: all three roles must register a key first")
	ErrInsufficientFunds = fmt.Errorf("ceremony: confirmed collateral below required amount")
)

// AuditSink receives one record per ceremony transition. auditlog.Log
// implements it; tests may supply a stub.
type AuditSink interface {
	RecordTransition(loanID int64, from, to State, actor string)
}

// ChainFeeRate abstracts the single piece of chain data the ceremony
// needs directly when building templates (everything else flows through
// chainadapter at a higher layer); kept narrow so ceremony's tests don't
// need a full BlockchainAdapter.
type ChainFeeRate func() (satsPerVByte int64)

// Coordinator owns every in-flight Loan and serializes mutation of each
// one individually. It has no direct analog in the teacher repo's
// connection-oriented concurrency model (there is no single shared
// "coordinator" for all channels); this follows the general discipline
// channeldb applies to the whole store — no concurrent writers touch the
// same logical record — narrowed here to per-loan granularity because
// spec.md requires parallelism *across* loans.
type Coordinator struct {
	mu            sync.Mutex
	loans         map[int64]*Loan
	locks         map[int64]*sync.Mutex
	nextID        int64
	net           bitcoinutil.Network
	audit         AuditSink
	feeRate       ChainFeeRate
	ltvThresholds ltvmonitor.Thresholds
}

// New constructs an empty coordinator for the given network, writing
// transitions to audit and sourcing the fee rate for template
// construction from feeRate.
func New(net bitcoinutil.Network, audit AuditSink, feeRate ChainFeeRate) *Coordinator {
	return &Coordinator{
		loans:         make(map[int64]*Loan),
		locks:         make(map[int64]*sync.Mutex),
		net:           net,
		audit:         audit,
		feeRate:       feeRate,
		ltvThresholds: ltvmonitor.DefaultThresholds,
	}
}

// SetLTVThresholds installs the warn/alert/liquidation percentages
// ActiveLoans stamps onto every loan it reports, per spec.md §9's
// global (not per-loan) LTV policy. Call before starting LtvMonitor.
func (c *Coordinator) SetLTVThresholds(t ltvmonitor.Thresholds) {
	c.mu.Lock()
	c.ltvThresholds = t
	c.mu.Unlock()
}

// withLoan runs fn with the exclusive per-loan lock held, the same
// single-writer-per-loan discipline spec.md §5 requires.
func (c *Coordinator) withLoan(id int64, fn func(*Loan) error) error {
	c.mu.Lock()
	loan, ok := c.loans[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownLoan
	}
	lock := c.locks[id]
	c.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(loan)
}

func (c *Coordinator) transition(loan *Loan, to State, actor string) {
	from := loan.State
	loan.State = to
	if c.audit != nil {
		c.audit.RecordTransition(loan.ID, from, to, actor)
	}
}

// PostLoan creates a new Draft loan and immediately advances it to
// Posted (spec.md's postLoan operation folds draft creation and posting
// into one call at the API boundary).
func (c *Coordinator) PostLoan(terms Terms, borrowerUserID int64, now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	loan := newLoan(id, terms, borrowerUserID, now)
	loan.DueAt = now.AddDate(0, terms.TermMonths, 0)
	loan.State = Posted

	c.loans[id] = loan
	c.locks[id] = &sync.Mutex{}

	if c.audit != nil {
		c.audit.RecordTransition(id, Draft, Posted, "borrower")
	}
	return id
}

// CommitLender assigns a lender to a Posted loan and advances it to
// Committed.
func (c *Coordinator) CommitLender(loanID, lenderUserID int64) error {
	return c.withLoan(loanID, func(loan *Loan) error {
		if loan.State != Posted {
			return ErrWrongState
		}
		loan.LenderUserID = lenderUserID
		c.transition(loan, Committed, "lender")
		return nil
	})
}

// RegisterKey records role's pubkey. Once all three roles have
// registered, derives the escrow and advances to KeysRegistered.
// Matches spec.md §3's invariant: keys are immutable once set.
func (c *Coordinator) RegisterKey(loanID int64, role Role, pubkey []byte) error {
	return c.withLoan(loanID, func(loan *Loan) error {
		if loan.State != Committed && loan.State != KeysRegistered {
			return ErrWrongState
		}
		if _, exists := loan.PubKeys[role]; exists {
			return ErrKeyAlreadySet
		}

		loan.PubKeys[role] = pubkey

		if len(loan.PubKeys) == 3 {
			escrow, err := escrowscript.Build(c.net,
				loan.PubKeys[RoleBorrower], loan.PubKeys[RoleLender], loan.PubKeys[RolePlatform])
			if err != nil {
				delete(loan.PubKeys, role) // roll back so the caller can retry with a corrected key
				return fmt.Errorf("ceremony: %w", err)
			}
			loan.Escrow = escrow
			c.transition(loan, KeysRegistered, string(role))
		}
		return nil
	})
}

// DeriveAddress returns the escrow address and witness script once all
// three keys are registered, and advances the loan to AwaitingDeposit.
func (c *Coordinator) DeriveAddress(loanID int64) (string, string, error) {
	var address, witnessScriptHex string
	walkErr := c.withLoan(loanID, func(loan *Loan) error {
		if loan.State == AwaitingDeposit {
			address = loan.Escrow.Address
			witnessScriptHex = bitcoinutil.HexEncode(loan.Escrow.WitnessScript)
			return nil // idempotent re-read
		}
		if loan.State != KeysRegistered {
			return ErrKeysIncomplete
		}

		address = loan.Escrow.Address
		witnessScriptHex = bitcoinutil.HexEncode(loan.Escrow.WitnessScript)
		c.transition(loan, AwaitingDeposit, "system")
		return nil
	})
	if walkErr != nil {
		return "", "", walkErr
	}
	return address, witnessScriptHex, nil
}

// DeclareFunding records a hinted funding outpoint; it never advances
// state on its own (spec.md: "hint only; the adapter still verifies
// on-chain").
func (c *Coordinator) DeclareFunding(loanID int64, txid string, vout uint32) error {
	return c.withLoan(loanID, func(loan *Loan) error {
		if loan.State != AwaitingDeposit {
			return ErrWrongState
		}
		loan.FundingTxid = txid
		loan.FundingVout = vout
		return nil
	})
}

// ConfirmFunding is called once the chain adapter independently observes
// the required number of confirmations on the escrow address. It builds
// the four pre-signed templates, registers them with the loan's vault,
// and advances to Funded.
func (c *Coordinator) ConfirmFunding(loanID int64, txid string, vout uint32, confirmedSats, debtSats int64, fundingBlock, blocksPerDay uint32, gracePeriodDays int) error {
	return c.withLoan(loanID, func(loan *Loan) error {
		if loan.State != AwaitingDeposit {
			return ErrWrongState
		}
		if confirmedSats < loan.Terms.RequiredCollateralSats {
			return ErrInsufficientFunds
		}

		loan.FundingTxid = txid
		loan.FundingVout = vout
		loan.ConfirmedSats = confirmedSats

		if err := c.buildTemplates(loan, debtSats, fundingBlock, blocksPerDay, gracePeriodDays); err != nil {
			return err
		}

		c.transition(loan, Funded, "system")
		return nil
	})
}

// buildTemplates constructs and registers all four pre-signed templates
// for loan. Called with the loan's lock already held. debtSats is the
// borrower's outstanding debt, converted to satoshis at the funding-time
// BTC/fiat rate by the caller (the same rate source ltvmonitor polls
// continuously); the default template's fair-split rule consumes it
// directly.
func (c *Coordinator) buildTemplates(loan *Loan, debtSats int64, fundingBlock, blocksPerDay uint32, gracePeriodDays int) error {
	rate := c.feeRate()

	locktime := fundingBlock + uint32(loan.Terms.TermMonths*30+gracePeriodDays)*blocksPerDay
	loan.TimelockExpiryBlock = locktime

	hash, err := bitcoinutil.ParseTxid(loan.FundingTxid)
	if err != nil {
		return fmt.Errorf("ceremony: %w", err)
	}
	utxo := psbtbuilder.EscrowUTXO{Txid: hash, Vout: loan.FundingVout, Value: loan.ConfirmedSats}

	borrowerPkScript, err := bitcoinutil.P2WPKHScript(loan.PubKeys[RoleBorrower])
	if err != nil {
		return fmt.Errorf("ceremony: %w", err)
	}
	lenderPkScript, err := bitcoinutil.P2WPKHScript(loan.PubKeys[RoleLender])
	if err != nil {
		return fmt.Errorf("ceremony: %w", err)
	}

	base := psbtbuilder.Params{
		UTXO:                 utxo,
		WitnessScript:        loan.Escrow.WitnessScript,
		FeeRate:              btcutil.Amount(rate),
		Net:                  c.net,
		BorrowerAddrPkScript: borrowerPkScript,
		LenderAddrPkScript:   lenderPkScript,
		DebtSats:             debtSats,
		Locktime:             locktime,
	}

	for _, t := range allTemplateTypes {
		var tmpl *psbtbuilder.Template
		var err error

		switch t {
		case psbtbuilder.Repayment:
			tmpl, err = psbtbuilder.BuildRepayment(base, 1)
		case psbtbuilder.Default:
			tmpl, err = psbtbuilder.BuildDefault(base, 1)
		case psbtbuilder.Liquidation:
			tmpl, err = psbtbuilder.BuildLiquidation(base, 1)
		case psbtbuilder.Recovery:
			tmpl, err = psbtbuilder.BuildRecovery(base, 1)
		}
		if err != nil {
			return fmt.Errorf("ceremony: building %s template: %w", t, err)
		}

		loan.Vault.Register(t, tmpl, loan.Escrow, loan.PubKeys)
	}
	return nil
}

// AdvanceIfTemplatesComplete checks whether every completion-gate
// template has reached Complete and, if so, advances Funded → Active.
// Callers invoke this after each submitSignature call.
func (c *Coordinator) AdvanceIfTemplatesComplete(loanID int64) error {
	return c.withLoan(loanID, func(loan *Loan) error {
		if loan.State != Funded {
			return nil
		}
		for _, t := range completionGateTemplates {
			status, err := loan.Vault.Status(t)
			if err != nil {
				return fmt.Errorf("ceremony: %w", err)
			}
			if status != sigvaultComplete {
				return nil
			}
		}
		c.transition(loan, Active, "system")
		return nil
	})
}

// SubmitSignature hands role's partial signature for template type t to
// loan's vault and reports the resulting status. Callers (rpcserver)
// should follow a successful call with AdvanceIfTemplatesComplete, since
// reaching Complete on the last gating template is what moves Funded to
// Active.
func (c *Coordinator) SubmitSignature(loanID int64, t psbtbuilder.TemplateType, role Role, pubkey, derSigWithHashType []byte) (sigvault.Status, error) {
	var status sigvault.Status
	err := c.withLoan(loanID, func(loan *Loan) error {
		if loan.Vault == nil {
			return fmt.Errorf("ceremony: loan %d has no vault yet", loanID)
		}
		var submitErr error
		status, submitErr = loan.Vault.Submit(t, role, pubkey, derSigWithHashType)
		return submitErr
	})
	return status, err
}

// DeclareRepaid records a repayment declaration by the given role.
func (c *Coordinator) DeclareRepaid(loanID int64, by Role) error {
	return c.withLoan(loanID, func(loan *Loan) error {
		if loan.State != Active && loan.State != Repaying {
			return ErrWrongState
		}
		loan.RepaidDeclared = true
		loan.RepaidAt = time.Now()
		if loan.State == Active {
			c.transition(loan, Repaying, string(by))
		}
		return nil
	})
}

// DeclareFiatConfirmed records the lender's fiat confirmation.
func (c *Coordinator) DeclareFiatConfirmed(loanID int64) error {
	return c.withLoan(loanID, func(loan *Loan) error {
		if loan.State != Active && loan.State != Repaying {
			return ErrWrongState
		}
		loan.FiatConfirmed = true
		return nil
	})
}

// Facts projects the loan's current state into outcome.LoanFacts. ltv,
// liquidationThreshold, and timelockExpired are supplied by the caller
// (ltvmonitor prices collateral, rpcserver/a chain watcher knows the
// current block height); ceremony only knows its own fields, including
// the operator's recorded AdminDecision.
func (c *Coordinator) Facts(loanID int64, now time.Time, ltv, liquidationThreshold float64, timelockExpired bool) (outcome.LoanFacts, error) {
	var facts outcome.LoanFacts
	err := c.withLoan(loanID, func(loan *Loan) error {
		facts = outcome.LoanFacts{
			Now:                  now,
			DueDate:              loan.DueAt,
			Funded:               loan.State >= Funded,
			RepaidDeclared:       loan.RepaidDeclared,
			FiatConfirmed:        loan.FiatConfirmed,
			CollateralLTV:        ltv,
			LiquidationThreshold: liquidationThreshold,
			DisputeOpen:          loan.DisputeOpen,
			TimelockExpired:      timelockExpired,
			FundedReleased:       loan.ReleaseTxid != "",
			Active:               loan.State == Active || loan.State == Repaying,
			LenderCancelled:      loan.LenderCancelled,
			AdminDecision:        loan.AdminDecision,
		}
		return nil
	})
	return facts, err
}

// ApplyOutcome transitions loan to the terminal state matching a settled
// outcome, after CollateralReleaser has successfully broadcast.
func (c *Coordinator) ApplyOutcome(loanID int64, act outcome.Action, releaseTxid string) error {
	return c.withLoan(loanID, func(loan *Loan) error {
		loan.ReleaseTxid = releaseTxid

		switch act {
		case outcome.CooperativeClose:
			c.transition(loan, Repaid, "system")
			c.transition(loan, Completed, "system")
		case outcome.Default:
			c.transition(loan, Defaulted, "system")
		case outcome.Liquidation:
			c.transition(loan, Liquidated, "system")
		case outcome.Recovery:
			c.transition(loan, Recovered, "system")
		case outcome.Cancellation:
			c.transition(loan, Cancelled, "system")
		case outcome.UnderReview:
			c.transition(loan, UnderReview, "admin")
		default:
			return fmt.Errorf("ceremony: no terminal state for action %s", act)
		}
		return nil
	})
}

// AdminDecide records the operator's override per spec.md §6's
// adminDecide(loan-id, decision ∈ {BORROWER_NOT_DEFAULTED,
// BORROWER_DEFAULTED, TIMEOUT_DEFAULT}). A decision always resolves the
// dispute it answers (AdminDecide clears DisputeOpen when it records the
// decision), so it does not also move the loan to UnderReview; UnderReview is
// reached only by an unresolved DisputeOpen flag raised independently
// (a borrower or lender contesting the outcome ahead of any admin ruling).
func (c *Coordinator) AdminDecide(loanID int64, decision outcome.AdminDecision) error {
	return c.withLoan(loanID, func(loan *Loan) error {
		loan.AdminDecision = decision
		loan.DisputeOpen = false
		return nil
	})
}

// OpenDispute flags the loan as contested ahead of any admin ruling,
// advancing it to UnderReview so OutcomeEngine halts further spending
// actions until AdminDecide resolves it.
func (c *Coordinator) OpenDispute(loanID int64) error {
	return c.withLoan(loanID, func(loan *Loan) error {
		loan.DisputeOpen = true
		if loan.State != UnderReview {
			c.transition(loan, UnderReview, "dispute")
		}
		return nil
	})
}

// Loan returns a snapshot copy of loan state for read-only callers
// (rpcserver). Mutating the returned value has no effect on the
// coordinator's state.
func (c *Coordinator) Loan(loanID int64) (Loan, error) {
	var snapshot Loan
	err := c.withLoan(loanID, func(loan *Loan) error {
		snapshot = *loan
		return nil
	})
	return snapshot, err
}

// AwaitingDepositLoans satisfies fundingwatcher.LoanSource: every loan
// currently waiting on its funding deposit, snapshotted for a watcher to
// poll the chain backend against without holding any loan lock across
// that I/O.
func (c *Coordinator) AwaitingDepositLoans() []Loan {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.loans))
	for id, loan := range c.loans {
		if loan.State == AwaitingDeposit {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	out := make([]Loan, 0, len(ids))
	for _, id := range ids {
		_ = c.withLoan(id, func(loan *Loan) error {
			if loan.State == AwaitingDeposit {
				out = append(out, *loan)
			}
			return nil
		})
	}
	return out
}

// ActiveLoans satisfies ltvmonitor.LoanSource: every loan currently in
// Active state, projected to the debt/collateral figures LtvMonitor's
// pricing formula needs. Every loan is stamped with the same
// SetLTVThresholds value, since spec.md §9 defines the LTV warning/
// alert/liquidation percentages as a single global policy rather than
// a per-loan setting.
func (c *Coordinator) ActiveLoans() []ltvmonitor.ActiveLoan {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.loans))
	for id, loan := range c.loans {
		if loan.State == Active {
			ids = append(ids, id)
		}
	}
	thresholds := c.ltvThresholds
	c.mu.Unlock()

	out := make([]ltvmonitor.ActiveLoan, 0, len(ids))
	for _, id := range ids {
		_ = c.withLoan(id, func(loan *Loan) error {
			if loan.State != Active {
				return nil
			}
			debtEur := 0.0
			if loan.Terms.PrincipalCurrency == "EUR" {
				debtEur = loan.Terms.PrincipalAmount
			}
			out = append(out, ltvmonitor.ActiveLoan{
				ID:             loan.ID,
				DebtEur:        debtEur,
				CollateralSats: loan.ConfirmedSats,
				Thresholds:     thresholds,
			})
			return nil
		})
	}
	return out
}

