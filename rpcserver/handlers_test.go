package rpcserver

import (
	"context"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/reconquest-labs/escrowcore/bitcoinutil"
	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/chainadapter"
	"github.com/reconquest-labs/escrowcore/cryptoprimitives"
	"github.com/reconquest-labs/escrowcore/keyderivation"
	"github.com/reconquest-labs/escrowcore/ltvmonitor"
	"github.com/reconquest-labs/escrowcore/psbtbuilder"
	"github.com/reconquest-labs/escrowcore/releaser"
)

func fixedFeeRate() int64 { return 10 }

func genKey(t *testing.T, seed byte) (*btcec.PrivateKey, []byte) {
	t.Helper()
	var raw [32]byte
	for i := range raw {
		raw[i] = seed
	}
	raw[31] ^= 0x01
	priv := btcec.PrivKeyFromBytes(raw[:])
	return priv, priv.PubKey().SerializeCompressed()
}

// fakeChain is a minimal chainadapter.BlockchainAdapter that always
// broadcasts successfully, for exercising releaser.Releaser end to end
// without a real node.
type fakeChain struct{}

func (fakeChain) GetUTXOs(context.Context, []byte) ([]chainadapter.UTXO, error) { return nil, nil }
func (fakeChain) GetFeeRate(context.Context, chainadapter.FeePriority) (int64, error) {
	return 10, nil
}
func (fakeChain) Broadcast(context.Context, []byte) (string, error) { return "deadbeef", nil }
func (fakeChain) GetTransaction(context.Context, string) (chainadapter.TxStatus, error) {
	return chainadapter.TxStatus{}, chainadapter.ErrNotFound
}
func (fakeChain) BlockHeight(context.Context) (uint32, error) { return 0, nil }

// fakeRates always reports a fixed EUR/BTC spot rate.
type fakeRates struct{ rate float64 }

func (f fakeRates) SpotRateEUR(context.Context) (float64, error) { return f.rate, nil }

func newTestServer(t *testing.T) (*Server, *ceremony.Coordinator) {
	t.Helper()
	coord := ceremony.New(bitcoinutil.Mainnet, nil, fixedFeeRate)
	rel := releaser.New(releaser.Config{
		Loans: coord,
		Chain: fakeChain{},
	})
	srv := New(Config{
		Coordinator: coord,
		Releaser:    rel,
		Rates:       fakeRates{rate: 30_000},
		Thresholds:  ltvmonitor.DefaultThresholds,
	})
	return srv, coord
}

// fundedLoan carries a loan through posting, key registration, and
// funding confirmation so its vault holds all four registered
// templates, ready for signature submission.
func fundedLoan(t *testing.T, coord *ceremony.Coordinator, borrowerPriv *btcec.PrivateKey, borrowerPub, lenderPub, platformPub []byte) int64 {
	t.Helper()

	id := coord.PostLoan(ceremony.Terms{
		PrincipalAmount:        100,
		PrincipalCurrency:      "EUR",
		TermMonths:             3,
		RequiredCollateralSats: 1_000_000,
	}, 1, time.Now())
	require.NoError(t, coord.CommitLender(id, 2))
	require.NoError(t, coord.RegisterKey(id, ceremony.RoleBorrower, borrowerPub))
	require.NoError(t, coord.RegisterKey(id, ceremony.RoleLender, lenderPub))
	require.NoError(t, coord.RegisterKey(id, ceremony.RolePlatform, platformPub))

	_, _, err := coord.DeriveAddress(id)
	require.NoError(t, err)
	require.NoError(t, coord.DeclareFunding(id, "00112233445566778899aabbccddeeff00112233445566778899aabbccddee", 0))
	require.NoError(t, coord.ConfirmFunding(id,
		"00112233445566778899aabbccddeeff00112233445566778899aabbccddee", 0,
		1_000_000, 500_000, 800_000, 144, 14))

	return id
}

func params(loanID int64) map[string]string {
	return map[string]string{"loan_id": strconv.FormatInt(loanID, 10)}
}

func TestHandlePostLoanAndCommitLender(t *testing.T) {
	t.Parallel()

	srv, coord := newTestServer(t)

	body := `{"borrower_user_id":1,"principal_amount":5000,"principal_currency":"EUR","annual_rate_pct":8,"term_months":6,"required_collateral_sats":1000000}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/loans", stringsReader(body))
	srv.handlePostLoan(w, r, nil)
	require.Equal(t, 200, w.Code)

	var resp postLoanResponse
	decodeBody(t, w, &resp)
	require.NotZero(t, resp.LoanID)

	w = httptest.NewRecorder()
	r = httptest.NewRequest("POST", "/v1/loans/1/commit-lender", stringsReader(`{"lender_user_id":2}`))
	srv.handleCommitLender(w, r, params(resp.LoanID))
	require.Equal(t, 200, w.Code)

	loan, err := coord.Loan(resp.LoanID)
	require.NoError(t, err)
	require.Equal(t, ceremony.Committed, loan.State)
}

func TestHandleRegisterKeyAndDeriveAddress(t *testing.T) {
	t.Parallel()

	srv, coord := newTestServer(t)
	id := coord.PostLoan(ceremony.Terms{TermMonths: 3, RequiredCollateralSats: 1_000_000}, 1, time.Now())
	require.NoError(t, coord.CommitLender(id, 2))

	_, borrowerPub := genKey(t, 0x01)
	_, lenderPub := genKey(t, 0x02)
	_, platformPub := genKey(t, 0x03)

	for role, pub := range map[string][]byte{
		"borrower": borrowerPub, "lender": lenderPub, "platform": platformPub,
	} {
		w := httptest.NewRecorder()
		body := `{"role":"` + role + `","pubkey_hex":"` + hexOf(pub) + `"}`
		r := httptest.NewRequest("POST", "/v1/loans/x/keys", stringsReader(body))
		srv.handleRegisterKey(w, r, params(id))
		require.Equal(t, 200, w.Code, role)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/loans/x/address", nil)
	srv.handleDeriveAddress(w, r, params(id))
	require.Equal(t, 200, w.Code)

	var resp deriveAddressResponse
	decodeBody(t, w, &resp)
	require.NotEmpty(t, resp.Address)
	require.NotEmpty(t, resp.WitnessScriptHex)
}

func TestHandleRegisterKeyRejectsUnknownLoan(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	_, pub := genKey(t, 0x01)

	w := httptest.NewRecorder()
	body := `{"role":"borrower","pubkey_hex":"` + hexOf(pub) + `"}`
	r := httptest.NewRequest("POST", "/v1/loans/999/keys", stringsReader(body))
	srv.handleRegisterKey(w, r, params(999))

	require.Equal(t, 400, w.Code) // ErrUnknownLoan classifies as UserInput
	var resp errorResponse
	decodeBody(t, w, &resp)
	require.Equal(t, "user_input", resp.Kind)
}

func TestHandleSubmitSignatureReachesCompleteAndAdvancesActive(t *testing.T) {
	t.Parallel()

	srv, coord := newTestServer(t)
	borrowerPriv, borrowerPub := genKey(t, 0x01)
	platformPriv, platformPub := genKey(t, 0x03)
	_, lenderPub := genKey(t, 0x02)

	id := fundedLoan(t, coord, borrowerPriv, borrowerPub, lenderPub, platformPub)

	loan, err := coord.Loan(id)
	require.NoError(t, err)
	require.Equal(t, ceremony.Funded, loan.State)

	digest, err := loan.Vault.SighashDigest(psbtbuilder.Repayment)
	require.NoError(t, err)

	submit := func(priv *btcec.PrivateKey, pub []byte, role string) int {
		sig := cryptoprimitives.Sign(priv, digest)
		derSig := append(sig.Serialize(), byte(0x01)) // SIGHASH_ALL
		body := `{"tx_type":"repayment","role":"` + role + `","pubkey_hex":"` + hexOf(pub) + `","der_sig_hex":"` + hexOf(derSig) + `"}`
		w := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/v1/loans/x/signatures", stringsReader(body))
		srv.handleSubmitSignature(w, r, params(id))
		require.Equal(t, 200, w.Code)
		return w.Code
	}

	submit(borrowerPriv, borrowerPub, "borrower")
	submit(platformPriv, platformPub, "platform")

	for _, tt := range []psbtbuilder.TemplateType{psbtbuilder.Default, psbtbuilder.Recovery} {
		digest, err := loan.Vault.SighashDigest(tt)
		require.NoError(t, err)
		sig := cryptoprimitives.Sign(borrowerPriv, digest)
		_, err = coord.SubmitSignature(id, tt, ceremony.RoleBorrower, borrowerPub, append(sig.Serialize(), 0x01))
		require.NoError(t, err)
		sig2 := cryptoprimitives.Sign(platformPriv, digest)
		_, err = coord.SubmitSignature(id, tt, ceremony.RolePlatform, platformPub, append(sig2.Serialize(), 0x01))
		require.NoError(t, err)
		require.NoError(t, coord.AdvanceIfTemplatesComplete(id))
	}

	loan, err = coord.Loan(id)
	require.NoError(t, err)
	require.Equal(t, ceremony.Active, loan.State)
}

func TestHandleTriggerOutcomeCooperativeClose(t *testing.T) {
	t.Parallel()

	srv, coord := newTestServer(t)
	borrowerPriv, borrowerPub := genKey(t, 0x01)
	platformPriv, platformPub := genKey(t, 0x03)
	_, lenderPub := genKey(t, 0x02)

	id := fundedLoan(t, coord, borrowerPriv, borrowerPub, lenderPub, platformPub)
	loan, err := coord.Loan(id)
	require.NoError(t, err)

	for _, tt := range []psbtbuilder.TemplateType{psbtbuilder.Repayment, psbtbuilder.Default, psbtbuilder.Recovery} {
		digest, derr := loan.Vault.SighashDigest(tt)
		require.NoError(t, derr)
		sig := cryptoprimitives.Sign(borrowerPriv, digest)
		_, serr := coord.SubmitSignature(id, tt, ceremony.RoleBorrower, borrowerPub, append(sig.Serialize(), 0x01))
		require.NoError(t, serr)
		sig2 := cryptoprimitives.Sign(platformPriv, digest)
		_, serr = coord.SubmitSignature(id, tt, ceremony.RolePlatform, platformPub, append(sig2.Serialize(), 0x01))
		require.NoError(t, serr)
	}
	require.NoError(t, coord.AdvanceIfTemplatesComplete(id))

	require.NoError(t, coord.DeclareRepaid(id, ceremony.RoleBorrower))
	require.NoError(t, coord.DeclareFiatConfirmed(id))

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/loans/x/outcome", nil)
	srv.handleTriggerOutcome(w, r, params(id))
	require.Equal(t, 200, w.Code)

	var resp outcomeResponse
	decodeBody(t, w, &resp)
	require.Equal(t, "cooperative_close", resp.Action)

	loan, err = coord.Loan(id)
	require.NoError(t, err)
	require.Equal(t, ceremony.Completed, loan.State)
	require.Equal(t, "deadbeef", loan.ReleaseTxid)
}

func TestHandleTriggerOutcomeNoActionWhenNothingHasHappened(t *testing.T) {
	t.Parallel()

	srv, coord := newTestServer(t)
	borrowerPriv, borrowerPub := genKey(t, 0x01)
	_, lenderPub := genKey(t, 0x02)
	_, platformPub := genKey(t, 0x03)

	id := fundedLoan(t, coord, borrowerPriv, borrowerPub, lenderPub, platformPub)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/loans/x/outcome", nil)
	srv.handleTriggerOutcome(w, r, params(id))
	require.Equal(t, 200, w.Code)

	var resp outcomeResponse
	decodeBody(t, w, &resp)
	require.Equal(t, "no_action", resp.Action)
}

func TestHandleAdminDecideOverridesOutcome(t *testing.T) {
	t.Parallel()

	srv, coord := newTestServer(t)
	borrowerPriv, borrowerPub := genKey(t, 0x01)
	_, lenderPub := genKey(t, 0x02)
	platformPriv, platformPub := genKey(t, 0x03)
	id := fundedLoan(t, coord, borrowerPriv, borrowerPub, lenderPub, platformPub)

	funded, err := coord.Loan(id)
	require.NoError(t, err)
	digest, err := funded.Vault.SighashDigest(psbtbuilder.Default)
	require.NoError(t, err)
	sig := cryptoprimitives.Sign(borrowerPriv, digest)
	_, err = coord.SubmitSignature(id, psbtbuilder.Default, ceremony.RoleBorrower, borrowerPub, append(sig.Serialize(), 0x01))
	require.NoError(t, err)
	sig2 := cryptoprimitives.Sign(platformPriv, digest)
	_, err = coord.SubmitSignature(id, psbtbuilder.Default, ceremony.RolePlatform, platformPub, append(sig2.Serialize(), 0x01))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/loans/x/admin-decision", stringsReader(`{"decision":"BORROWER_DEFAULTED"}`))
	srv.handleAdminDecide(w, r, params(id))
	require.Equal(t, 200, w.Code)

	loan, err := coord.Loan(id)
	require.NoError(t, err)
	require.False(t, loan.DisputeOpen)

	w = httptest.NewRecorder()
	r = httptest.NewRequest("POST", "/v1/loans/x/outcome", nil)
	srv.handleTriggerOutcome(w, r, params(id))

	var resp outcomeResponse
	decodeBody(t, w, &resp)
	require.Equal(t, "default", resp.Action)
}

func TestHandleRequestRecoveryRejectsWrongPassphrase(t *testing.T) {
	t.Parallel()

	srv, coord := newTestServer(t)

	scalar, err := keyderivation.Derive([]byte("correct horse battery staple"), 1, 1, keyderivation.RoleBorrower)
	require.NoError(t, err)
	borrowerPub := scalar.PubKey().SerializeCompressed()
	scalar.Release()

	_, lenderPub := genKey(t, 0x02)
	_, platformPub := genKey(t, 0x03)

	id := coord.PostLoan(ceremony.Terms{TermMonths: 3, RequiredCollateralSats: 1_000_000}, 1, time.Now())
	require.NoError(t, coord.CommitLender(id, 2))
	require.NoError(t, coord.RegisterKey(id, ceremony.RoleBorrower, borrowerPub))
	require.NoError(t, coord.RegisterKey(id, ceremony.RoleLender, lenderPub))
	require.NoError(t, coord.RegisterKey(id, ceremony.RolePlatform, platformPub))
	_, _, err = coord.DeriveAddress(id)
	require.NoError(t, err)
	require.NoError(t, coord.DeclareFunding(id, "00112233445566778899aabbccddeeff00112233445566778899aabbccddee", 0))
	require.NoError(t, coord.ConfirmFunding(id,
		"00112233445566778899aabbccddeeff00112233445566778899aabbccddee", 0,
		1_000_000, 500_000, 800_000, 144, 14))

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/loans/x/recovery", stringsReader(`{"passphrase":"wrong passphrase"}`))
	srv.handleRequestRecovery(w, r, params(id))

	require.Equal(t, 422, w.Code) // CryptoFailure: derived a different pubkey
}

func TestHandleRequestRecoveryAwaitsSecondSignature(t *testing.T) {
	t.Parallel()

	srv, coord := newTestServer(t)

	scalar, err := keyderivation.Derive([]byte("correct horse battery staple"), 1, 1, keyderivation.RoleBorrower)
	require.NoError(t, err)
	borrowerPub := scalar.PubKey().SerializeCompressed()
	scalar.Release()

	_, lenderPub := genKey(t, 0x02)
	_, platformPub := genKey(t, 0x03)

	id := coord.PostLoan(ceremony.Terms{TermMonths: 3, RequiredCollateralSats: 1_000_000}, 1, time.Now())
	require.NoError(t, coord.CommitLender(id, 2))
	require.NoError(t, coord.RegisterKey(id, ceremony.RoleBorrower, borrowerPub))
	require.NoError(t, coord.RegisterKey(id, ceremony.RoleLender, lenderPub))
	require.NoError(t, coord.RegisterKey(id, ceremony.RolePlatform, platformPub))
	_, _, err = coord.DeriveAddress(id)
	require.NoError(t, err)
	require.NoError(t, coord.DeclareFunding(id, "00112233445566778899aabbccddeeff00112233445566778899aabbccddee", 0))
	require.NoError(t, coord.ConfirmFunding(id,
		"00112233445566778899aabbccddeeff00112233445566778899aabbccddee", 0,
		1_000_000, 500_000, 800_000, 144, 14))

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/loans/x/recovery", stringsReader(`{"passphrase":"correct horse battery staple"}`))
	srv.handleRequestRecovery(w, r, params(id))
	require.Equal(t, 200, w.Code)

	var resp requestRecoveryResponse
	decodeBody(t, w, &resp)
	require.Empty(t, resp.Txid)
	require.Equal(t, "awaiting_additional_signature", resp.Status)

	status, err := coord.SubmitSignature(id, psbtbuilder.Recovery, ceremony.RolePlatform, platformPub, nil)
	_ = status
	require.Error(t, err) // a nil signature is rejected
}

func TestServerStartStopIsIdempotent(t *testing.T) {
	t.Parallel()

	coord := ceremony.New(bitcoinutil.Mainnet, nil, fixedFeeRate)
	rel := releaser.New(releaser.Config{Loans: coord, Chain: fakeChain{}})
	srv := New(Config{
		Coordinator: coord,
		Releaser:    rel,
		HTTPAddr:    "127.0.0.1:0",
		GRPCAddr:    "127.0.0.1:0",
	})

	require.NoError(t, srv.Start())
	require.NoError(t, srv.Start()) // second call is a no-op
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop()) // second call is a no-op
}
