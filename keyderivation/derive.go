// Package keyderivation reproduces a user's ephemeral escrow scalar from
// their passphrase on demand. No component in escrowcore is allowed to
// persist the scalar between calls (see spec.md §9 "localStorage as key
// store"); every signing event re-derives it and the caller is handed a
// scoped handle that zeroises its backing array on release.
package keyderivation

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btclog"
	"golang.org/x/crypto/pbkdf2"

	"github.com/reconquest-labs/escrowcore/build"
)

var log = build.DisabledLog

// UseLogger installs a logger for this package, wired from the daemon's
// log.go the same way lnwallet.UseLogger is wired from lnd's.
func UseLogger(l btclog.Logger) {
	log = l
}

// Role identifies which party in the ceremony a derived key belongs to.
// The platform's key is never derived this way — it lives behind the
// abstract Signer interface so it can be HSM-backed (spec.md §9).
type Role string

const (
	RoleBorrower Role = "borrower"
	RoleLender   Role = "lender"
)

// Iterations is the PBKDF2 round count. spec.md §4.1/§6 pin this at
// 100,000 and forbid ever lowering it once loans have been derived against
// it, since doing so would change every future derivation for existing
// users.
const Iterations = 100000

// scalarLen is the output length of PBKDF2-HMAC-SHA256 used here: 32
// bytes, matching the size of a secp256k1 scalar.
const scalarLen = 32

// ErrDerivationFailed is returned in the cryptographically negligible case
// that the derived material, read as a big-endian scalar, falls outside
// [1, n-1] for the secp256k1 group order n.
var ErrDerivationFailed = fmt.Errorf("keyderivation: derived scalar out of range, passphrase must change")

// Scalar is a scoped handle over a derived private key. The zero value is
// not usable; always obtain one through Derive. Release must be called on
// every exit path (a deferred call right after a successful Derive is the
// expected pattern) and zeroises the backing array so the secret cannot
// be recovered from a later heap scan.
//
//	handle, err := keyderivation.Derive(passphrase, loanID, userID, role)
//	if err != nil {
//		return err
//	}
//	defer handle.Release()
//	sig, err := handle.Sign(digest)
type Scalar struct {
	raw      [32]byte
	priv     *btcec.PrivateKey
	released bool
}

// PubKey returns the compressed SEC1 public key corresponding to this
// scalar. Safe to call any number of times before Release.
func (s *Scalar) PubKey() *btcec.PublicKey {
	return s.priv.PubKey()
}

// PrivateKeyRef exposes a read-only reference to the underlying key for
// signing operations. Per spec.md §4.1, downstream callers must not copy
// out of this reference or retain it past the Scalar's lifetime; the
// signing call itself (cryptoprimitives.Sign) takes the key by reference
// and returns only the signature bytes.
func (s *Scalar) PrivateKeyRef() *btcec.PrivateKey {
	return s.priv
}

// Sign produces a low-S, RFC 6979 ECDSA signature over digest with this
// scalar's key, so a Scalar satisfies cryptoprimitives.Signer. It fails
// once Release has been called.
func (s *Scalar) Sign(digest [32]byte) (*ecdsa.Signature, error) {
	if s.released {
		return nil, fmt.Errorf("keyderivation: scalar already released")
	}
	return ecdsa.Sign(s.priv, digest[:]), nil
}

// Release zeroises the scalar's backing storage. Calling Release more
// than once is a no-op, so deferring it is always safe even if a caller
// also releases early on an error path.
func (s *Scalar) Release() {
	if s.released {
		return
	}
	for i := range s.raw {
		s.raw[i] = 0
	}
	// btcec.PrivateKey embeds a *big.Int-backed scalar (via the
	// ModNScalar) that we can't reach into without an unsafe cast, so we
	// drop our only reference and let the allocator reclaim it; the copy
	// we control directly (s.raw) is the one guaranteed zeroised.
	s.priv = nil
	s.released = true
}

// Derive computes the deterministic scalar for (passphrase, loanID,
// userID, role) per spec.md §4.1: PBKDF2-HMAC-SHA256 over the passphrase
// with salt `reconquest:{loanId}:{userId}:{role}:escrow-key-v1`, 100,000
// iterations, 32-byte output, validated to lie in [1, n-1].
//
// The returned Scalar must be released by the caller; Derive never
// retains a copy of its own.
func Derive(passphrase []byte, loanID, userID int64, role Role) (*Scalar, error) {
	salt := []byte(fmt.Sprintf("reconquest:%d:%d:%s:escrow-key-v1", loanID, userID, role))

	derived := pbkdf2.Key(passphrase, salt, Iterations, scalarLen, sha256.New)
	defer zero(derived)

	var raw [32]byte
	copy(raw[:], derived)

	if !isValidScalar(raw[:]) {
		zero(raw[:])
		log.Errorf("derived scalar out of range for loan=%d user=%d role=%s",
			loanID, userID, role)
		return nil, ErrDerivationFailed
	}

	priv := btcec.PrivKeyFromBytes(raw[:])

	return &Scalar{raw: raw, priv: priv}, nil
}

// isValidScalar reports whether b, read big-endian, lies in [1, n-1] for
// the secp256k1 group order. PBKDF2 output landing outside that range is
// cryptographically negligible but spec.md requires handling it anyway.
func isValidScalar(b []byte) bool {
	allZero := true
	for _, v := range b {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return false
	}

	var s btcec.ModNScalar
	overflow := s.SetByteSlice(b)
	return !overflow
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
