// Package ceremony implements the loan lifecycle state machine: the
// single authority that advances a Loan through registration, funding,
// signing, and settlement, serialising every mutation of a given loan
// while leaving unrelated loans free to progress concurrently.
package ceremony

import (
	"time"

	"github.com/reconquest-labs/escrowcore/escrowscript"
	"github.com/reconquest-labs/escrowcore/outcome"
	"github.com/reconquest-labs/escrowcore/psbtbuilder"
	"github.com/reconquest-labs/escrowcore/sigvault"
)

// State enumerates every lifecycle stage a Loan passes through, per
// spec.md §3.
type State int

const (
	Draft State = iota
	Posted
	Committed
	KeysRegistered
	AwaitingDeposit
	Funded
	Active
	Repaying
	Repaid
	Defaulted
	Liquidated
	Cancelled
	Recovered
	UnderReview
	Completed
)

func (s State) String() string {
	names := [...]string{
		"draft", "posted", "committed", "keys_registered",
		"awaiting_deposit", "funded", "active", "repaying", "repaid",
		"defaulted", "liquidated", "cancelled", "recovered",
		"under_review", "completed",
	}
	if int(s) < 0 || int(s) >= len(names) {
		return "unknown"
	}
	return names[s]
}

// Terms are the economic parameters fixed at posting time.
type Terms struct {
	PrincipalAmount   float64
	PrincipalCurrency string
	AnnualRatePct     float64
	TermMonths        int
	RequiredCollateralSats int64
}

// Role mirrors sigvault.Role; re-exported here so callers at the
// ceremony boundary don't need to import sigvault just to name a role.
type Role = sigvault.Role

const (
	RoleBorrower = sigvault.RoleBorrower
	RoleLender   = sigvault.RoleLender
	RolePlatform = sigvault.RolePlatform
)

// Loan is the durable unit of coordination described in spec.md §3.
type Loan struct {
	ID    int64
	Terms Terms

	BorrowerUserID int64
	LenderUserID   int64 // 0 until committed

	PubKeys map[Role][]byte // immutable once State >= KeysRegistered

	Escrow *escrowscript.Escrow // set once all three keys are registered

	FundingTxid       string
	FundingVout       uint32
	ConfirmedSats     int64
	ReleaseTxid       string
	ReleaseError      string

	State State

	RequestedAt time.Time
	FundedAt    time.Time
	DueAt       time.Time
	RepaidAt    time.Time
	TimelockExpiryBlock uint32

	RepaidDeclared bool
	FiatConfirmed  bool
	LenderCancelled bool
	DisputeOpen     bool
	AdminDecision   outcome.AdminDecision

	Vault *sigvault.Vault
}

// newLoan constructs a Draft loan. Called only from Coordinator.PostLoan.
func newLoan(id int64, terms Terms, borrowerUserID int64, now time.Time) *Loan {
	return &Loan{
		ID:             id,
		Terms:          terms,
		BorrowerUserID: borrowerUserID,
		PubKeys:        make(map[Role][]byte),
		State:          Draft,
		RequestedAt:    now,
		Vault:          sigvault.New(),
	}
}

// allTemplateTypes lists every template the ceremony builds and
// registers with the vault at the AwaitingDeposit → Funded transition
// (ConfirmFunding).
var allTemplateTypes = []psbtbuilder.TemplateType{
	psbtbuilder.Repayment,
	psbtbuilder.Default,
	psbtbuilder.Liquidation,
	psbtbuilder.Recovery,
}

// completionGateTemplates are the templates whose Complete status gates
// the Funded → Active transition, per spec.md §4.7: "the ceremony
// completes only when the vault reports Complete for repayment, default,
// and recovery". Liquidation is still built and signed alongside the
// others (the ceremony collects all four atomically in practice) but is
// not itself a member of the literal completion gate.
var completionGateTemplates = []psbtbuilder.TemplateType{
	psbtbuilder.Repayment,
	psbtbuilder.Default,
	psbtbuilder.Recovery,
}
