// Package cryptoprimitives wraps the secp256k1 signing/verification
// surface escrowcore needs: low-S, RFC 6979 deterministic-nonce ECDSA
// (the default and only mode btcec/v2's ecdsa package offers, which is
// exactly why it's the one curve library used throughout — see
// DESIGN.md), plus the abstract Signer interface that lets the
// platform's own key live behind an HSM boundary (spec.md §9).
package cryptoprimitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Signer abstracts over "something that can produce a low-S ECDSA
// signature for a given 32-byte digest without exposing the private
// scalar to the caller". keyderivation.Scalar implements it directly;
// an HSM-backed platform signer implements it without ever materializing
// the key in process memory.
type Signer interface {
	PubKey() *btcec.PublicKey
	Sign(digest [32]byte) (*ecdsa.Signature, error)
}

// localSigner adapts a raw private key (held only transiently by the
// caller) to the Signer interface.
type localSigner struct {
	priv *btcec.PrivateKey
}

// NewLocalSigner wraps priv as a Signer. Callers that derived priv via
// keyderivation should prefer calling Scalar.Sign-style helpers instead so
// the zeroisation discipline stays centralized; this constructor exists
// for the platform signer path and for tests.
func NewLocalSigner(priv *btcec.PrivateKey) Signer {
	return &localSigner{priv: priv}
}

func (s *localSigner) PubKey() *btcec.PublicKey { return s.priv.PubKey() }

func (s *localSigner) Sign(digest [32]byte) (*ecdsa.Signature, error) {
	return ecdsa.Sign(s.priv, digest[:]), nil
}

// Sign produces a low-S signature over digest using priv. btcec/v2's
// ecdsa.Sign is low-S and RFC 6979 by construction, so there is no
// separate "canonicalize" step the way some libraries require.
func Sign(priv *btcec.PrivateKey, digest [32]byte) *ecdsa.Signature {
	return ecdsa.Sign(priv, digest[:])
}

// Verify checks sig against digest under pub. It does not check the S
// form itself; callers that require low-S (SignatureVault) call IsLowS
// first, which gives that rejection a named, testable reason distinct
// from "signature didn't verify".
func Verify(pub *btcec.PublicKey, digest [32]byte, sig *ecdsa.Signature) bool {
	return sig.Verify(digest[:], pub)
}

// halfOrder is n/2 for the secp256k1 group order n, the threshold BIP-62
// canonical signatures' S value must not exceed.
var halfOrder = func() *btcec.ModNScalar {
	// secp256k1 order n = FFFFFFFF FFFFFFFF FFFFFFFF FFFFFFFE
	//                      BAAEDCE6 AF48A03B BFD25E8C D0364141
	// n/2, rounded down:
	var half btcec.ModNScalar
	half.SetByteSlice([]byte{
		0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0x5d, 0x57, 0x6e, 0x73, 0x57, 0xa4, 0x50, 0x1d,
		0xdf, 0xe9, 0x2f, 0x46, 0x68, 0x1b, 0x20, 0xa0,
	})
	return &half
}()

// IsLowS reports whether sig's S value is in the canonical (lower) half
// of the curve order, the form every wire signature in this system must
// carry. Signatures produced by Sign are always low-S; this check exists
// for signatures arriving from a third party (SignatureVault.submit).
func IsLowS(sig *ecdsa.Signature) bool {
	sBytes, err := derSValue(sig.Serialize())
	if err != nil {
		return false
	}
	var s btcec.ModNScalar
	s.SetByteSlice(sBytes)
	return s.LessThanOrEqual(halfOrder)
}

// derSValue extracts the big-endian S integer from a DER-encoded ECDSA
// signature of the form 0x30 len 0x02 rlen r... 0x02 slen s..., without
// pulling in a general ASN.1 decoder for two fixed-shape integers.
func derSValue(der []byte) ([]byte, error) {
	if len(der) < 8 || der[0] != 0x30 {
		return nil, fmt.Errorf("not a DER sequence")
	}
	i := 2 // skip sequence tag + length byte
	if der[i] != 0x02 {
		return nil, fmt.Errorf("expected integer tag for R")
	}
	rLen := int(der[i+1])
	i += 2 + rLen
	if i+1 >= len(der) || der[i] != 0x02 {
		return nil, fmt.Errorf("expected integer tag for S")
	}
	sLen := int(der[i+1])
	start := i + 2
	if start+sLen > len(der) {
		return nil, fmt.Errorf("truncated S value")
	}
	return der[start : start+sLen], nil
}

// SealWithAESGCM encrypts plaintext under key using AES-256-GCM with a
// fresh random nonce prepended to the ciphertext. Not used by the
// core escrow flow (no lender-side key escrow exists yet), but kept
// available per spec.md §9's note that any future key-escrow feature
// must come from a reviewed AEAD; stdlib crypto/cipher's GCM mode is
// exactly that, so no additional third-party AEAD library is pulled in
// for a feature that is not otherwise built (see DESIGN.md).
func SealWithAESGCM(key, plaintext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("AES-256-GCM requires a 32-byte key, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing GCM mode: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenWithAESGCM is the inverse of SealWithAESGCM.
func OpenWithAESGCM(key, sealed []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("AES-256-GCM requires a 32-byte key, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing GCM mode: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
