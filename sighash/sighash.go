// Package sighash computes the BIP-143 signature digest for the P2WSH
// escrow input, the same primitive sweep/txgenerator.go leans on via
// txscript.NewTxSigHashes when it builds witnesses for CSV/CLTV sweep
// inputs. Exposing it as a pure function lets SignatureVault and every
// signer compute byte-identical digests independently.
package sighash

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SighashAll is the only sighash type this spec supports (spec.md §1
// Non-goals: "does not support ... SIGHASH variants beyond ALL").
const SighashAll = txscript.SigHashAll

// Digest computes the BIP-143 sighash for spending a P2WSH input of tx at
// inputIndex, given the witness script that output commits to and the
// value (in satoshis) locked in that output.
//
//	sighash = dSHA256( nVersion || hashPrevouts || hashSequence ||
//	                   outpoint || scriptCode || amount || nSequence ||
//	                   hashOutputs || nLocktime || sighashType )
//
// All escrow templates have exactly one input, so inputIndex is always 0
// in practice, but the parameter is kept general to match the shape a
// conforming BIP-143 implementation would expose.
func Digest(tx *wire.MsgTx, inputIndex int, witnessScript []byte, inputValue int64) ([32]byte, error) {
	hashCache := txscript.NewTxSigHashes(tx, emptyPrevOutputFetcher(tx))

	digest, err := txscript.CalcWitnessSigHash(
		witnessScript, hashCache, SighashAll, tx, inputIndex, inputValue,
	)
	if err != nil {
		return [32]byte{}, err
	}

	var out [32]byte
	copy(out[:], digest)
	return out, nil
}

// emptyPrevOutputFetcher builds a PrevOutputFetcher that knows nothing
// beyond the amounts callers already hand to Digest directly; BIP-143
// only needs the spent output's *value*, which CalcWitnessSigHash takes
// as an explicit argument, so the fetcher itself never needs to resolve
// anything and exists only to satisfy the txscript v0.23+ API shape.
func emptyPrevOutputFetcher(tx *wire.MsgTx) txscript.PrevOutputFetcher {
	return txscript.NewCannedPrevOutputFetcher(nil, 0)
}
