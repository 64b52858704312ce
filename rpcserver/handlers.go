package rpcserver

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/txscript"

	"github.com/reconquest-labs/escrowcore/bitcoinutil"
	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/cryptoprimitives"
	"github.com/reconquest-labs/escrowcore/keyderivation"
	"github.com/reconquest-labs/escrowcore/outcome"
	"github.com/reconquest-labs/escrowcore/psbtbuilder"
	"github.com/reconquest-labs/escrowcore/sigvault"
)

// pathLoanID extracts and parses the {loan_id} path parameter every
// per-loan route carries.
func pathLoanID(params map[string]string) (int64, error) {
	raw, ok := params["loan_id"]
	if !ok {
		return 0, fmt.Errorf("rpcserver: missing loan_id path parameter")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rpcserver: malformed loan_id %q: %w", raw, err)
	}
	return id, nil
}

// handlePostLoan implements spec.md §6's postLoan(terms) -> loan-id.
func (s *Server) handlePostLoan(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req postLoanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	terms := ceremony.Terms{
		PrincipalAmount:        req.PrincipalAmount,
		PrincipalCurrency:      req.PrincipalCurrency,
		AnnualRatePct:          req.AnnualRatePct,
		TermMonths:             req.TermMonths,
		RequiredCollateralSats: req.RequiredCollateralSats,
	}

	id := s.cfg.Coordinator.PostLoan(terms, req.BorrowerUserID, time.Now())
	writeJSON(w, http.StatusOK, postLoanResponse{LoanID: id})
}

// handleCommitLender implements commitLender(loan-id, lender-user-id).
func (s *Server) handleCommitLender(w http.ResponseWriter, r *http.Request, params map[string]string) {
	loanID, err := pathLoanID(params)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req commitLenderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := s.cfg.Coordinator.CommitLender(loanID, req.LenderUserID); err != nil {
		writeError(w, err, kindStateViolation)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleRegisterKey implements registerKey(loan-id, role, pubkey-hex).
func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request, params map[string]string) {
	loanID, err := pathLoanID(params)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req registerKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	role, err := parseRole(req.Role)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	pubkey, err := bitcoinutil.HexDecode(req.PubkeyHex)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("rpcserver: malformed pubkey hex: %w", err))
		return
	}

	if err := s.cfg.Coordinator.RegisterKey(loanID, role, pubkey); err != nil {
		writeError(w, err, kindUserInput)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleDeriveAddress implements deriveAddress(loan-id).
func (s *Server) handleDeriveAddress(w http.ResponseWriter, r *http.Request, params map[string]string) {
	loanID, err := pathLoanID(params)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	address, witnessScriptHex, err := s.cfg.Coordinator.DeriveAddress(loanID)
	if err != nil {
		writeError(w, err, kindStateViolation)
		return
	}
	writeJSON(w, http.StatusOK, deriveAddressResponse{Address: address, WitnessScriptHex: witnessScriptHex})
}

// handleDeclareFunding implements declareFunding(loan-id, txid, vout).
func (s *Server) handleDeclareFunding(w http.ResponseWriter, r *http.Request, params map[string]string) {
	loanID, err := pathLoanID(params)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req declareFundingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := s.cfg.Coordinator.DeclareFunding(loanID, req.Txid, req.Vout); err != nil {
		writeError(w, err, kindStateViolation)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleSubmitSignature implements submitSignature(loan-id, tx-type,
// role, pubkey-hex, der-sig-hex). On reaching Complete for the last
// gating template it also advances Funded -> Active.
func (s *Server) handleSubmitSignature(w http.ResponseWriter, r *http.Request, params map[string]string) {
	loanID, err := pathLoanID(params)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req submitSignatureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	t, err := parseTemplateType(req.TxType)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	role, err := parseRole(req.Role)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	pubkey, err := bitcoinutil.HexDecode(req.PubkeyHex)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("rpcserver: malformed pubkey hex: %w", err))
		return
	}
	derSig, err := bitcoinutil.HexDecode(req.DerSigHex)
	if err != nil {
		writeBadRequest(w, fmt.Errorf("rpcserver: malformed signature hex: %w", err))
		return
	}

	status, err := s.cfg.Coordinator.SubmitSignature(loanID, t, role, pubkey, derSig)
	if err != nil {
		writeError(w, err, kindCryptoFailure)
		return
	}
	if err := s.cfg.Coordinator.AdvanceIfTemplatesComplete(loanID); err != nil {
		writeError(w, err, kindInternal)
		return
	}

	writeJSON(w, http.StatusOK, submitSignatureResponse{Status: status.String()})
}

// handleDeclareRepaid implements declareRepaid(loan-id, by-role).
func (s *Server) handleDeclareRepaid(w http.ResponseWriter, r *http.Request, params map[string]string) {
	loanID, err := pathLoanID(params)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req declareRepaidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	role, err := parseRole(req.ByRole)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := s.cfg.Coordinator.DeclareRepaid(loanID, role); err != nil {
		writeError(w, err, kindStateViolation)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleDeclareFiatConfirmed implements declareFiatConfirmed(loan-id).
func (s *Server) handleDeclareFiatConfirmed(w http.ResponseWriter, r *http.Request, params map[string]string) {
	loanID, err := pathLoanID(params)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := s.cfg.Coordinator.DeclareFiatConfirmed(loanID); err != nil {
		writeError(w, err, kindStateViolation)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleTriggerOutcome implements triggerOutcome(loan-id) -> Outcome. It
// is idempotent and safe to poll: deciding never mutates state, and
// releasing a template that already settled is a no-op at the vault
// layer (Submit/Finalize) and the chain layer (mempool-conflict is
// treated as success).
func (s *Server) handleTriggerOutcome(w http.ResponseWriter, r *http.Request, params map[string]string) {
	loanID, err := pathLoanID(params)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	facts, act, err := s.decideOutcome(r, loanID)
	if err != nil {
		writeError(w, err, kindStateViolation)
		return
	}

	if act.Template != "" {
		if err := s.cfg.Releaser.Release(r.Context(), loanID, facts); err != nil {
			writeError(w, err, kindExternal)
			return
		}
	}

	writeJSON(w, http.StatusOK, outcomeResponse{Action: act.Action.String(), Template: act.Template})
}

// decideOutcome projects loanID's current facts (pricing its collateral
// against the configured rate source and, when a height source is
// configured, checking the recovery timelock) and runs OutcomeEngine.
func (s *Server) decideOutcome(r *http.Request, loanID int64) (outcome.LoanFacts, outcome.Outcome, error) {
	loan, err := s.cfg.Coordinator.Loan(loanID)
	if err != nil {
		return outcome.LoanFacts{}, outcome.Outcome{}, err
	}

	ltv := 0.0
	if s.cfg.Rates != nil && loan.ConfirmedSats > 0 {
		rate, rateErr := s.cfg.Rates.SpotRateEUR(r.Context())
		if rateErr == nil && rate > 0 {
			ltv = computeLTV(loan.Terms.PrincipalAmount, loan.ConfirmedSats, rate)
		}
	}

	timelockExpired := s.timelockExpired(r, loan)

	facts, err := s.cfg.Coordinator.Facts(loanID, time.Now(), ltv, s.cfg.Thresholds[2], timelockExpired)
	if err != nil {
		return outcome.LoanFacts{}, outcome.Outcome{}, err
	}
	return facts, outcome.Decide(facts), nil
}

// timelockExpired checks loan's recovery timelock against the
// configured chain-height source. triggerOutcome polls automatically
// and unattended, so with no height source wired it defaults to "not
// expired" rather than risk every funded loan picking Recovery on its
// very first poll; requestRecovery, by contrast, is a one-off call a
// borrower makes deliberately, and passes true explicitly regardless of
// this helper (the recovery template's own nLockTime still enforces the
// real constraint at broadcast time either way).
func (s *Server) timelockExpired(r *http.Request, loan ceremony.Loan) bool {
	if s.cfg.Height == nil || loan.TimelockExpiryBlock == 0 {
		return false
	}
	height, err := s.cfg.Height.BlockHeight(r.Context())
	if err != nil {
		return false
	}
	return height >= loan.TimelockExpiryBlock
}

// computeLTV mirrors ltvmonitor's collateral-pricing formula, rounded
// half up at the basis-point boundary per DESIGN.md's LTV-rounding
// decision, so a loan sitting exactly on a threshold trips it here the
// same way it would on LtvMonitor's own periodic scan.
func computeLTV(debtEur float64, collateralSats int64, rateEUR float64) float64 {
	btc := float64(collateralSats) / 1e8
	if btc <= 0 {
		return 0
	}
	pct := debtEur / (btc * rateEUR) * 100
	return math.Floor(pct*100+0.5) / 100
}

// handleRequestRecovery implements requestRecovery(loan-id, passphrase)
// -> {txid}. It re-derives the borrower's scalar from the supplied
// passphrase, signs the recovery template, submits that signature to the
// vault, and — if that submission alone completes the template (a
// platform signature was already on file) — finalises and broadcasts it.
func (s *Server) handleRequestRecovery(w http.ResponseWriter, r *http.Request, params map[string]string) {
	loanID, err := pathLoanID(params)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req requestRecoveryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	loan, err := s.cfg.Coordinator.Loan(loanID)
	if err != nil {
		writeError(w, err, kindUserInput)
		return
	}
	if loan.Vault == nil {
		writeError(w, fmt.Errorf("rpcserver: loan %d has no vault yet", loanID), kindStateViolation)
		return
	}

	scalar, err := keyderivation.Derive([]byte(req.Passphrase), loanID, loan.BorrowerUserID, keyderivation.RoleBorrower)
	if err != nil {
		writeError(w, err, kindCryptoFailure)
		return
	}
	defer scalar.Release()

	pubkey := scalar.PubKey().SerializeCompressed()
	if registered, ok := loan.PubKeys[ceremony.RoleBorrower]; !ok || !bytesEqual(registered, pubkey) {
		writeError(w, fmt.Errorf("rpcserver: passphrase produced a different pubkey than the one registered"), kindCryptoFailure)
		return
	}

	digest, err := loan.Vault.SighashDigest(psbtbuilder.Recovery)
	if err != nil {
		writeError(w, err, kindStateViolation)
		return
	}

	sig := cryptoprimitives.Sign(scalar.PrivateKeyRef(), digest)
	derSig := append(sig.Serialize(), byte(txscript.SigHashAll))

	status, err := s.cfg.Coordinator.SubmitSignature(loanID, psbtbuilder.Recovery, ceremony.RoleBorrower, pubkey, derSig)
	if err != nil && !errors.Is(err, sigvault.ErrDuplicateRole) {
		writeError(w, err, kindCryptoFailure)
		return
	}

	if status != sigvault.Complete {
		writeJSON(w, http.StatusOK, requestRecoveryResponse{
			Status: "awaiting_additional_signature",
		})
		return
	}

	facts, err := s.cfg.Coordinator.Facts(loanID, time.Now(), 0, s.cfg.Thresholds[2], true)
	if err != nil {
		writeError(w, err, kindInternal)
		return
	}
	if err := s.cfg.Releaser.Release(r.Context(), loanID, facts); err != nil {
		writeError(w, err, kindExternal)
		return
	}

	released, err := s.cfg.Coordinator.Loan(loanID)
	if err != nil {
		writeError(w, err, kindInternal)
		return
	}
	writeJSON(w, http.StatusOK, requestRecoveryResponse{Txid: released.ReleaseTxid})
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// handleAdminDecide implements adminDecide(loan-id, decision).
func (s *Server) handleAdminDecide(w http.ResponseWriter, r *http.Request, params map[string]string) {
	loanID, err := pathLoanID(params)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req adminDecideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	wire, err := parseAdminDecision(req.Decision)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	var decision outcome.AdminDecision
	switch wire {
	case "BORROWER_NOT_DEFAULTED":
		decision = outcome.AdminBorrowerNotDefaulted
	case "BORROWER_DEFAULTED":
		decision = outcome.AdminBorrowerDefaulted
	case "TIMEOUT_DEFAULT":
		decision = outcome.AdminTimeoutDefault
	}

	if err := s.cfg.Coordinator.AdminDecide(loanID, decision); err != nil {
		writeError(w, err, kindStateViolation)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
