package rpcserver

import (
	"fmt"

	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/psbtbuilder"
)

// parseRole validates s against the three roles spec.md §3 names. Kept
// local to rpcserver rather than added to ceremony/sigvault, since
// parsing a wire string is a boundary concern, not a domain one.
func parseRole(s string) (ceremony.Role, error) {
	switch ceremony.Role(s) {
	case ceremony.RoleBorrower, ceremony.RoleLender, ceremony.RolePlatform:
		return ceremony.Role(s), nil
	default:
		return "", fmt.Errorf("rpcserver: unknown role %q", s)
	}
}

// parseTemplateType validates s against the four template names
// psbtbuilder.TemplateType.String() produces.
func parseTemplateType(s string) (psbtbuilder.TemplateType, error) {
	for _, t := range []psbtbuilder.TemplateType{
		psbtbuilder.Repayment, psbtbuilder.Default, psbtbuilder.Liquidation, psbtbuilder.Recovery,
	} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("rpcserver: unknown template type %q", s)
}

// parseAdminDecision validates s against the three decisions spec.md §6
// names for adminDecide.
func parseAdminDecision(s string) (adminDecisionWire, error) {
	switch s {
	case "BORROWER_NOT_DEFAULTED", "BORROWER_DEFAULTED", "TIMEOUT_DEFAULT":
		return adminDecisionWire(s), nil
	default:
		return "", fmt.Errorf("rpcserver: unknown admin decision %q", s)
	}
}

type adminDecisionWire string

// --- request/response wire shapes, one pair per spec.md §6 operation ---

type postLoanRequest struct {
	BorrowerUserID    int64   `json:"borrower_user_id"`
	PrincipalAmount   float64 `json:"principal_amount"`
	PrincipalCurrency string  `json:"principal_currency"`
	AnnualRatePct     float64 `json:"annual_rate_pct"`
	TermMonths        int     `json:"term_months"`
	RequiredCollateralSats int64 `json:"required_collateral_sats"`
}

type postLoanResponse struct {
	LoanID int64 `json:"loan_id"`
}

type commitLenderRequest struct {
	LenderUserID int64 `json:"lender_user_id"`
}

type registerKeyRequest struct {
	Role      string `json:"role"`
	PubkeyHex string `json:"pubkey_hex"`
}

type deriveAddressResponse struct {
	Address          string `json:"address"`
	WitnessScriptHex string `json:"witness_script_hex"`
}

type declareFundingRequest struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type submitSignatureRequest struct {
	TxType    string `json:"tx_type"`
	Role      string `json:"role"`
	PubkeyHex string `json:"pubkey_hex"`
	DerSigHex string `json:"der_sig_hex"`
}

type submitSignatureResponse struct {
	Status string `json:"status"`
}

type declareRepaidRequest struct {
	ByRole string `json:"by_role"`
}

type outcomeResponse struct {
	Action   string `json:"action"`
	Template string `json:"template,omitempty"`
}

type requestRecoveryRequest struct {
	Passphrase string `json:"passphrase"`
}

type requestRecoveryResponse struct {
	Txid string `json:"txid,omitempty"`
	// Status explains the outcome when no txid was produced yet: the
	// recovery template needs another role's signature before it can be
	// finalised and broadcast.
	Status string `json:"status,omitempty"`
}

type adminDecideRequest struct {
	Decision string `json:"decision"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
