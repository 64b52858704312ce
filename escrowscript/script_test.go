package escrowscript

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/reconquest-labs/escrowcore/bitcoinutil"
)

func genCompressedPub(t *testing.T, seed byte) []byte {
	t.Helper()
	var raw [32]byte
	for i := range raw {
		raw[i] = seed
	}
	raw[31] ^= 0x01 // avoid the all-zero scalar
	priv := btcec.PrivKeyFromBytes(raw[:])
	return priv.PubKey().SerializeCompressed()
}

func TestBuildIsOrderIndependent(t *testing.T) {
	t.Parallel()

	a := genCompressedPub(t, 0x01)
	b := genCompressedPub(t, 0x02)
	c := genCompressedPub(t, 0x03)

	e1, err := Build(bitcoinutil.Mainnet, a, b, c)
	require.NoError(t, err)

	e2, err := Build(bitcoinutil.Mainnet, c, a, b)
	require.NoError(t, err)

	e3, err := Build(bitcoinutil.Mainnet, b, c, a)
	require.NoError(t, err)

	require.Equal(t, e1.WitnessScript, e2.WitnessScript)
	require.Equal(t, e1.WitnessScript, e3.WitnessScript)
	require.Equal(t, e1.Address, e2.Address)
	require.Equal(t, e1.Address, e3.Address)
}

func TestBuildRejectsDuplicateKeys(t *testing.T) {
	t.Parallel()

	a := genCompressedPub(t, 0x01)
	b := genCompressedPub(t, 0x02)

	_, err := Build(bitcoinutil.Mainnet, a, b, a)
	require.ErrorIs(t, err, ErrDuplicateKeys)
}

func TestBuildRejectsInvalidPubKey(t *testing.T) {
	t.Parallel()

	a := genCompressedPub(t, 0x01)
	b := genCompressedPub(t, 0x02)
	garbage := make([]byte, 33)

	_, err := Build(bitcoinutil.Mainnet, a, b, garbage)
	require.Error(t, err)
}

func TestWitnessScriptShape(t *testing.T) {
	t.Parallel()

	a := genCompressedPub(t, 0x01)
	b := genCompressedPub(t, 0x02)
	c := genCompressedPub(t, 0x03)

	escrow, err := Build(bitcoinutil.Mainnet, a, b, c)
	require.NoError(t, err)

	// OP_2 <33 bytes * 3 with push opcodes> OP_3 OP_CHECKMULTISIG
	require.Equal(t, 1+3*34+2, len(escrow.WitnessScript))
	require.Equal(t, byte(0x52), escrow.WitnessScript[0]) // OP_2
	require.Equal(t, byte(0xae), escrow.WitnessScript[len(escrow.WitnessScript)-1]) // OP_CHECKMULTISIG
}

func TestOrderedSigningKeysSortsAscending(t *testing.T) {
	t.Parallel()

	a := genCompressedPub(t, 0x01)
	b := genCompressedPub(t, 0x02)
	c := genCompressedPub(t, 0x03)

	escrow, err := Build(bitcoinutil.Mainnet, a, b, c)
	require.NoError(t, err)

	ordered, err := OrderedSigningKeys(escrow, [][]byte{b, a})
	require.NoError(t, err)
	require.Len(t, ordered, 2)

	// Whichever of a/b sorts first lexicographically must come first.
	if string(a) < string(b) {
		require.Equal(t, a, ordered[0])
	} else {
		require.Equal(t, b, ordered[0])
	}
}

func TestOrderedSigningKeysRequiresTwo(t *testing.T) {
	t.Parallel()

	a := genCompressedPub(t, 0x01)
	b := genCompressedPub(t, 0x02)
	c := genCompressedPub(t, 0x03)

	escrow, err := Build(bitcoinutil.Mainnet, a, b, c)
	require.NoError(t, err)

	_, err = OrderedSigningKeys(escrow, [][]byte{a})
	require.Error(t, err)
}
