// Package escrowscript constructs the 2-of-3 P2WSH escrow output the rest
// of the ceremony spends from. It generalizes
// lnwallet/script_utils.go's genMultiSigScript/witnessScriptHash (a 2-of-2
// funding output) to three BIP-67-sorted keys, and additionally enforces
// the pairwise-distinctness invariant spec.md §4.2 calls
// security-critical.
package escrowscript

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"

	"github.com/reconquest-labs/escrowcore/bitcoinutil"
)

// ErrDuplicateKeys is returned when two of the three supplied pubkeys are
// byte-identical. Spec.md calls this security-critical: two identical
// keys collapse the 2-of-3 policy to 2-of-2 and can strand funds if the
// collapsed party goes missing.
var ErrDuplicateKeys = fmt.Errorf("escrowscript: pubkeys must be pairwise distinct")

// Escrow bundles everything derived from the three participant keys:
// the sorted pubkeys, the witness script, the P2WSH scriptPubKey, and the
// bech32 address. All fields are immutable once constructed.
type Escrow struct {
	SortedPubKeys [3][]byte
	WitnessScript []byte
	PkScript      []byte
	ScriptHash    [32]byte
	Address       string
}

// Build validates, BIP-67-sorts, and assembles the escrow from three
// compressed 33-byte public keys (borrower, lender, platform, in any
// order). It is pure and deterministic: any permutation of the same three
// distinct keys yields byte-identical output (spec.md §8
// "Script canonicalisation").
func Build(net bitcoinutil.Network, borrowerPub, lenderPub, platformPub []byte) (*Escrow, error) {
	keys := [][]byte{borrowerPub, lenderPub, platformPub}

	for _, k := range keys {
		if _, err := bitcoinutil.ParseCompressedPubKey(k); err != nil {
			return nil, fmt.Errorf("escrowscript: %w", err)
		}
	}

	if bytes.Equal(keys[0], keys[1]) || bytes.Equal(keys[0], keys[2]) ||
		bytes.Equal(keys[1], keys[2]) {
		return nil, ErrDuplicateKeys
	}

	sorted := sortKeysBIP67(keys)

	witnessScript, err := buildWitnessScript(sorted)
	if err != nil {
		return nil, fmt.Errorf("escrowscript: building witness script: %w", err)
	}

	scriptHash := sha256.Sum256(witnessScript)

	pkScript, err := witnessScriptHashOutput(scriptHash)
	if err != nil {
		return nil, fmt.Errorf("escrowscript: building p2wsh output: %w", err)
	}

	addr, err := bitcoinutil.EncodeP2WSHAddress(net, scriptHash)
	if err != nil {
		return nil, fmt.Errorf("escrowscript: encoding address: %w", err)
	}

	var arr [3][]byte
	copy(arr[:], sorted)

	return &Escrow{
		SortedPubKeys: arr,
		WitnessScript: witnessScript,
		PkScript:      pkScript,
		ScriptHash:    scriptHash,
		Address:       addr,
	}, nil
}

// sortKeysBIP67 sorts compressed pubkeys lexicographically over their raw
// bytes, per BIP-67. This is what makes the witness script (and therefore
// the address) independent of registration order.
func sortKeysBIP67(keys [][]byte) [][]byte {
	sorted := make([][]byte, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})
	return sorted
}

// buildWitnessScript emits OP_2 <pk1> <pk2> <pk3> OP_3 OP_CHECKMULTISIG,
// mirroring genMultiSigScript's use of txscript.ScriptBuilder but for
// three keys and a fixed 2-of-3 threshold.
func buildWitnessScript(sortedPubKeys [][]byte) ([]byte, error) {
	if len(sortedPubKeys) != 3 {
		return nil, fmt.Errorf("escrow script requires exactly 3 keys, got %d",
			len(sortedPubKeys))
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	for _, pk := range sortedPubKeys {
		bldr.AddData(pk)
	}
	bldr.AddOp(txscript.OP_3)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

// witnessScriptHashOutput builds the P2WSH scriptPubKey: OP_0 <32-byte
// script hash>, matching lnwallet's witnessScriptHash.
func witnessScriptHashOutput(scriptHash [32]byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	bldr.AddData(scriptHash[:])
	return bldr.Script()
}

// OrderedSigningKeys returns the two pubkeys, among the three registered
// on the escrow, that participated in signing — ordered smallest-first as
// CHECKMULTISIG requires them to appear on the witness stack (spec.md
// §4.5 step 2).
func OrderedSigningKeys(escrow *Escrow, signingPubKeys [][]byte) ([][]byte, error) {
	if len(signingPubKeys) < 2 {
		return nil, fmt.Errorf("need at least 2 signing pubkeys, got %d", len(signingPubKeys))
	}

	ordered := make([][]byte, len(signingPubKeys))
	copy(ordered, signingPubKeys)
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i], ordered[j]) < 0
	})
	return ordered, nil
}

// ValidatePubKeyOnCurve re-validates a raw compressed pubkey, returning the
// parsed point. Exposed for callers (e.g. SignatureVault) that need the
// point for ECDSA verification rather than just syntactic validation.
func ValidatePubKeyOnCurve(raw []byte) (*btcec.PublicKey, error) {
	return bitcoinutil.ParseCompressedPubKey(raw)
}
