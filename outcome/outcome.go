// Package outcome implements the pure decision function at the center
// of the escrow's lifecycle: given the current facts about a loan, which
// of the four pre-signed templates (if any) should be broadcast. It is
// intentionally a total, side-effect-free function in the style of
// contractcourt's resolver decision tables, which also reduce a bundle
// of chain/contract facts to a single next action without touching
// storage or the network themselves.
package outcome

import "time"

// AdminDecision is the operator override recorded during dispute
// resolution. Its presence always wins over every other fact (spec.md
// §4.6 rule 1).
type AdminDecision int

const (
	AdminNone AdminDecision = iota
	AdminBorrowerNotDefaulted
	AdminBorrowerDefaulted
	AdminTimeoutDefault
)

// Action names the template (or non-template disposition) decide selects.
type Action int

const (
	NoAction Action = iota
	CooperativeClose
	Recovery
	Liquidation
	Default
	UnderReview
	Cancellation
)

func (a Action) String() string {
	switch a {
	case NoAction:
		return "no_action"
	case CooperativeClose:
		return "cooperative_close"
	case Recovery:
		return "recovery"
	case Liquidation:
		return "liquidation"
	case Default:
		return "default"
	case UnderReview:
		return "under_review"
	case Cancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// LoanFacts is the complete set of inputs decide considers. All fields
// are plain data; nothing here is fetched by the engine itself.
type LoanFacts struct {
	Now                 time.Time
	DueDate              time.Time
	Funded               bool
	RepaidDeclared       bool
	FiatConfirmed        bool
	CollateralLTV        float64 // same units as LiquidationThreshold; rpcserver passes percentages (82 for 82%)
	LiquidationThreshold float64
	DisputeOpen          bool
	TimelockExpired      bool
	FundedReleased       bool
	Active               bool
	LenderCancelled      bool
	AdminDecision        AdminDecision
}

// Outcome is decide's result: the action to take and, for spending
// actions, which pre-signed template realizes it.
type Outcome struct {
	Action   Action
	Template string // "repayment", "default", "liquidation", "recovery", "" for non-spending actions
}

// Decide applies spec.md §4.6's first-match-wins rule table. It is pure:
// the same facts always produce the same outcome, and calling it has no
// observable side effect, which is what lets CollateralReleaser,
// LtvMonitor, and a dispute-resolution preview UI all call it directly
// without coordinating through a lock.
func Decide(facts LoanFacts) Outcome {
	if outcome, ok := decideAdminOverride(facts); ok {
		return outcome
	}
	if facts.DisputeOpen {
		return Outcome{Action: UnderReview}
	}
	if facts.RepaidDeclared && facts.FiatConfirmed {
		return Outcome{Action: CooperativeClose, Template: "repayment"}
	}
	if facts.TimelockExpired && !facts.FundedReleased {
		return Outcome{Action: Recovery, Template: "recovery"}
	}
	if facts.CollateralLTV >= facts.LiquidationThreshold {
		return Outcome{Action: Liquidation, Template: "liquidation"}
	}
	if facts.Now.After(facts.DueDate) && !facts.RepaidDeclared {
		return Outcome{Action: Default, Template: "default"}
	}
	if facts.Funded && !facts.Active && facts.LenderCancelled {
		return Outcome{Action: Cancellation, Template: "repayment"}
	}
	return Outcome{Action: NoAction}
}

// decideAdminOverride isolates rule 1 so its three-way mapping reads as a
// single table rather than being interleaved with the rest of Decide's
// if-chain.
func decideAdminOverride(facts LoanFacts) (Outcome, bool) {
	switch facts.AdminDecision {
	case AdminBorrowerNotDefaulted:
		return Outcome{Action: CooperativeClose, Template: "repayment"}, true
	case AdminBorrowerDefaulted:
		return Outcome{Action: Default, Template: "default"}, true
	case AdminTimeoutDefault:
		return Outcome{Action: Liquidation, Template: "liquidation"}, true
	default:
		return Outcome{}, false
	}
}
