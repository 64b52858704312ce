// Package bitcoinutil collects the low-level encode/decode primitives the
// rest of escrowcore builds on: hex helpers, DER<->compact signature
// conversion, and bech32 P2WSH address assembly. It mirrors the role
// lnwallet/script_utils.go plays for the teacher's channel funding output,
// generalized to work from a raw 32-byte witness program rather than a
// 2-of-2 redeem script.
package bitcoinutil

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/crypto/ripemd160"
)

// Network selects the HRP and other network-dependent encoding constants.
// It is the Go type behind spec's `network` config option.
type Network int

const (
	Mainnet Network = iota
	Testnet
)

// HRP returns the bech32 human-readable part for P2WSH addresses on this
// network: "bc" for mainnet, "tb" for testnet, per BIP-173.
func (n Network) HRP() string {
	if n == Mainnet {
		return "bc"
	}
	return "tb"
}

// DustLimit is the standard relay dust threshold for a P2WSH/P2WPKH output,
// 546 sats, pinned by this spec's expansion rather than left configurable
// (see DESIGN.md open-question decision).
const DustLimit = 546

// HexEncode and HexDecode wrap encoding/hex so call sites never construct
// ad hoc hex codecs; kept here rather than inlined so test doubles can
// assert on a single choke point if that's ever needed.
func HexEncode(b []byte) string { return hex.EncodeToString(b) }

func HexDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

// EncodeP2WSHAddress bech32-encodes a 32-byte witness program (the
// SHA-256 of a witness script) as a segwit v0 P2WSH address.
func EncodeP2WSHAddress(net Network, scriptHash [32]byte) (string, error) {
	converted, err := bech32.ConvertBits(scriptHash[:], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("unable to convert bits for bech32 address: %w", err)
	}

	// The witness version (0) is pushed as the first 5-bit group ahead
	// of the converted program, per BIP-173/141.
	combined := make([]byte, len(converted)+1)
	combined[0] = 0x00
	copy(combined[1:], converted)

	addr, err := bech32.Encode(net.HRP(), combined)
	if err != nil {
		return "", fmt.Errorf("unable to bech32 encode address: %w", err)
	}
	return addr, nil
}

// DERToSignature parses a strict DER-encoded ECDSA signature (without the
// trailing sighash-type byte) into btcec's Signature type, the inverse of
// Signature.Serialize().
func DERToSignature(der []byte) (*ecdsa.Signature, error) {
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return nil, fmt.Errorf("invalid DER signature: %w", err)
	}
	return sig, nil
}

// SplitSighashByte separates the trailing SIGHASH_ALL byte required on
// every Bitcoin script-spend signature from the DER payload itself, per
// spec.md §4.5 step 3.
func SplitSighashByte(sigWithHashType []byte) (der []byte, hashType byte, err error) {
	if len(sigWithHashType) < 2 {
		return nil, 0, fmt.Errorf("signature too short to carry a sighash byte")
	}
	n := len(sigWithHashType)
	return sigWithHashType[:n-1], sigWithHashType[n-1], nil
}

// ParseTxid parses a big-endian hex transaction id, as received from a
// user-facing declareFunding call, into the wire-order chainhash.Hash
// every tx-building call site expects.
func ParseTxid(hexTxid string) (chainhash.Hash, error) {
	hash, err := chainhash.NewHashFromStr(hexTxid)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid txid: %w", err)
	}
	return *hash, nil
}

// P2WPKHScript builds the OP_0 <hash160(pubkey)> scriptPubKey a
// borrower or lender's single-sig payout address resolves to. The
// ceremony uses each party's own registered escrow pubkey as their
// payout key as well, since spec.md's Loan model carries no separate
// payout-address field.
func P2WPKHScript(pubkey []byte) ([]byte, error) {
	if _, err := ParseCompressedPubKey(pubkey); err != nil {
		return nil, err
	}

	sha := chainhash.HashB(pubkey)
	ripe := ripemd160.New()
	ripe.Write(sha)
	hash160 := ripe.Sum(nil)

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	bldr.AddData(hash160)
	return bldr.Script()
}

// ParseCompressedPubKey decodes and validates a 33-byte compressed SEC1
// public key, rejecting anything not on the secp256k1 curve.
func ParseCompressedPubKey(raw []byte) (*btcec.PublicKey, error) {
	if len(raw) != 33 {
		return nil, fmt.Errorf("compressed pubkey must be 33 bytes, got %d", len(raw))
	}
	if raw[0] != 0x02 && raw[0] != 0x03 {
		return nil, fmt.Errorf("invalid compressed pubkey prefix 0x%02x", raw[0])
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("pubkey not on curve: %w", err)
	}
	return pub, nil
}
