package sigvault

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"

	"github.com/reconquest-labs/escrowcore/bitcoinutil"
	"github.com/reconquest-labs/escrowcore/escrowscript"
	"github.com/reconquest-labs/escrowcore/psbtbuilder"
)

type ceremonyFixture struct {
	escrow        *escrowscript.Escrow
	borrowerPriv  *btcec.PrivateKey
	lenderPriv    *btcec.PrivateKey
	platformPriv  *btcec.PrivateKey
	roleKeys      map[Role][]byte
	repaymentTmpl *psbtbuilder.Template
}

func newCeremonyFixture(t *testing.T) *ceremonyFixture {
	t.Helper()

	borrowerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	lenderPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	platformPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	borrowerPub := borrowerPriv.PubKey().SerializeCompressed()
	lenderPub := lenderPriv.PubKey().SerializeCompressed()
	platformPub := platformPriv.PubKey().SerializeCompressed()

	escrow, err := escrowscript.Build(bitcoinutil.Mainnet, borrowerPub, lenderPub, platformPub)
	require.NoError(t, err)

	txid, err := chainhash.NewHashFromStr(
		"00112233445566778899aabbccddeeff00112233445566778899aabbccddee")
	require.NoError(t, err)

	params := psbtbuilder.Params{
		UTXO: psbtbuilder.EscrowUTXO{
			Txid:  *txid,
			Vout:  0,
			Value: 1_000_000,
		},
		WitnessScript:        escrow.WitnessScript,
		FeeRate:              10,
		Net:                  bitcoinutil.Mainnet,
		BorrowerAddrPkScript: escrow.PkScript,
		LenderAddrPkScript:   escrow.PkScript,
	}

	tmpl, err := psbtbuilder.BuildRepayment(params, 1)
	require.NoError(t, err)

	return &ceremonyFixture{
		escrow:       escrow,
		borrowerPriv: borrowerPriv,
		lenderPriv:   lenderPriv,
		platformPriv: platformPriv,
		roleKeys: map[Role][]byte{
			RoleBorrower: borrowerPub,
			RoleLender:   lenderPub,
			RolePlatform: platformPub,
		},
		repaymentTmpl: tmpl,
	}
}

func signDigest(priv *btcec.PrivateKey, digest [32]byte) []byte {
	sig := ecdsa.Sign(priv, digest[:])
	der := sig.Serialize()
	return append(der, byte(txscript.SigHashAll))
}

func TestSubmitTwoRolesReachesComplete(t *testing.T) {
	t.Parallel()

	f := newCeremonyFixture(t)
	vault := New()
	vault.Register(psbtbuilder.Repayment, f.repaymentTmpl, f.escrow, f.roleKeys)

	borrowerSig := signDigest(f.borrowerPriv, f.repaymentTmpl.SighashDigest)
	status, err := vault.Submit(psbtbuilder.Repayment, RoleBorrower,
		f.roleKeys[RoleBorrower], borrowerSig)
	require.NoError(t, err)
	require.Equal(t, BorrowerSigned, status)

	lenderSig := signDigest(f.lenderPriv, f.repaymentTmpl.SighashDigest)
	status, err = vault.Submit(psbtbuilder.Repayment, RoleLender,
		f.roleKeys[RoleLender], lenderSig)
	require.NoError(t, err)
	require.Equal(t, Complete, status)
}

func TestSubmitRejectsWrongPubkeyForRole(t *testing.T) {
	t.Parallel()

	f := newCeremonyFixture(t)
	vault := New()
	vault.Register(psbtbuilder.Repayment, f.repaymentTmpl, f.escrow, f.roleKeys)

	borrowerSig := signDigest(f.borrowerPriv, f.repaymentTmpl.SighashDigest)
	_, err := vault.Submit(psbtbuilder.Repayment, RoleBorrower,
		f.roleKeys[RoleLender], borrowerSig)
	require.ErrorIs(t, err, ErrPubKeyMismatch)
}

func TestSubmitRejectsForgedSignature(t *testing.T) {
	t.Parallel()

	f := newCeremonyFixture(t)
	vault := New()
	vault.Register(psbtbuilder.Repayment, f.repaymentTmpl, f.escrow, f.roleKeys)

	// Signed by the platform's key but submitted under the borrower's role.
	forged := signDigest(f.platformPriv, f.repaymentTmpl.SighashDigest)
	_, err := vault.Submit(psbtbuilder.Repayment, RoleBorrower,
		f.roleKeys[RoleBorrower], forged)
	require.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestSubmitRejectsBadSighashByte(t *testing.T) {
	t.Parallel()

	f := newCeremonyFixture(t)
	vault := New()
	vault.Register(psbtbuilder.Repayment, f.repaymentTmpl, f.escrow, f.roleKeys)

	sig := signDigest(f.borrowerPriv, f.repaymentTmpl.SighashDigest)
	sig[len(sig)-1] = 0x02 // SIGHASH_NONE, not supported

	_, err := vault.Submit(psbtbuilder.Repayment, RoleBorrower,
		f.roleKeys[RoleBorrower], sig)
	require.ErrorIs(t, err, ErrBadSighashByte)
}

func TestSubmitRejectsDuplicateRole(t *testing.T) {
	t.Parallel()

	f := newCeremonyFixture(t)
	vault := New()
	vault.Register(psbtbuilder.Repayment, f.repaymentTmpl, f.escrow, f.roleKeys)

	sig := signDigest(f.borrowerPriv, f.repaymentTmpl.SighashDigest)
	_, err := vault.Submit(psbtbuilder.Repayment, RoleBorrower, f.roleKeys[RoleBorrower], sig)
	require.NoError(t, err)

	_, err = vault.Submit(psbtbuilder.Repayment, RoleBorrower, f.roleKeys[RoleBorrower], sig)
	require.ErrorIs(t, err, ErrDuplicateRole)
}

func TestFinalizeRefusesBeforeComplete(t *testing.T) {
	t.Parallel()

	f := newCeremonyFixture(t)
	vault := New()
	vault.Register(psbtbuilder.Repayment, f.repaymentTmpl, f.escrow, f.roleKeys)

	sig := signDigest(f.borrowerPriv, f.repaymentTmpl.SighashDigest)
	_, err := vault.Submit(psbtbuilder.Repayment, RoleBorrower, f.roleKeys[RoleBorrower], sig)
	require.NoError(t, err)

	_, err = vault.Finalize(psbtbuilder.Repayment)
	require.ErrorIs(t, err, ErrNotComplete)
}

func TestFinalizeAssemblesWitnessAndSerializes(t *testing.T) {
	t.Parallel()

	f := newCeremonyFixture(t)
	vault := New()
	vault.Register(psbtbuilder.Repayment, f.repaymentTmpl, f.escrow, f.roleKeys)

	borrowerSig := signDigest(f.borrowerPriv, f.repaymentTmpl.SighashDigest)
	_, err := vault.Submit(psbtbuilder.Repayment, RoleBorrower, f.roleKeys[RoleBorrower], borrowerSig)
	require.NoError(t, err)

	lenderSig := signDigest(f.lenderPriv, f.repaymentTmpl.SighashDigest)
	status, err := vault.Submit(psbtbuilder.Repayment, RoleLender, f.roleKeys[RoleLender], lenderSig)
	require.NoError(t, err)
	require.Equal(t, Complete, status)

	finalized, err := vault.Finalize(psbtbuilder.Repayment)
	require.NoError(t, err)
	require.NotEmpty(t, finalized.RawTx)
	require.NotEmpty(t, finalized.TxID)
}

func TestFinalizeIsRepeatable(t *testing.T) {
	t.Parallel()

	f := newCeremonyFixture(t)
	vault := New()
	vault.Register(psbtbuilder.Repayment, f.repaymentTmpl, f.escrow, f.roleKeys)

	borrowerSig := signDigest(f.borrowerPriv, f.repaymentTmpl.SighashDigest)
	_, err := vault.Submit(psbtbuilder.Repayment, RoleBorrower, f.roleKeys[RoleBorrower], borrowerSig)
	require.NoError(t, err)
	lenderSig := signDigest(f.lenderPriv, f.repaymentTmpl.SighashDigest)
	_, err = vault.Submit(psbtbuilder.Repayment, RoleLender, f.roleKeys[RoleLender], lenderSig)
	require.NoError(t, err)

	f1, err := vault.Finalize(psbtbuilder.Repayment)
	require.NoError(t, err)
	f2, err := vault.Finalize(psbtbuilder.Repayment)
	require.NoError(t, err)
	require.Equal(t, f1.TxID, f2.TxID)
}
