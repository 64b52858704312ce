// Package sigvault stores and verifies the partial signatures submitted
// by the borrower, lender, and platform over each pre-signed template,
// and assembles the final witness once two distinct roles have signed.
// It generalizes the verify-then-persist discipline channeldb applies to
// every piece of durable channel state: nothing is written until it has
// been checked against the exact cryptographic condition that makes it
// valid.
package sigvault

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/reconquest-labs/escrowcore/bitcoinutil"
	"github.com/reconquest-labs/escrowcore/build"
	"github.com/reconquest-labs/escrowcore/cryptoprimitives"
	"github.com/reconquest-labs/escrowcore/escrowscript"
	"github.com/reconquest-labs/escrowcore/psbtbuilder"
)

var log = build.DisabledLog

// UseLogger installs a logger for this package.
func UseLogger(l btclog.Logger) { log = l }

// Status tracks which roles have signed a given template.
type Status int

const (
	Pending Status = iota
	BorrowerSigned
	LenderSigned
	PlatformSigned
	Complete
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case BorrowerSigned:
		return "borrower_signed"
	case LenderSigned:
		return "lender_signed"
	case PlatformSigned:
		return "platform_signed"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Role identifies who submitted a partial signature.
type Role string

const (
	RoleBorrower Role = "borrower"
	RoleLender   Role = "lender"
	RolePlatform Role = "platform"
)

// Errors returned by submit/finalize. Names match spec.md's own naming so
// callers (rpcserver, ceremony) can type-switch or errors.Is against them
// directly.
var (
	ErrTemplateNotFound    = fmt.Errorf("sigvault: template not found")
	ErrTemplateNotSignable = fmt.Errorf("sigvault: template is not in a signable state")
	ErrPubKeyMismatch      = fmt.Errorf("sigvault: pubkey does not match the role's registered key")
	ErrBadSighashByte      = fmt.Errorf("sigvault: signature must carry SIGHASH_ALL")
	ErrSignatureInvalid    = fmt.Errorf("sigvault: signature failed verification")
	ErrHighS               = fmt.Errorf("sigvault: signature is not in canonical low-S form")
	ErrNotComplete         = fmt.Errorf("sigvault: template has not reached Complete")
	ErrDuplicateRole       = fmt.Errorf("sigvault: role has already signed this template")
)

// partialSig is one verified signature held in the vault.
type partialSig struct {
	role   Role
	pubkey []byte // compressed, 33 bytes
	der    []byte // DER-encoded, without the trailing sighash byte
}

// entry is the vault's record for a single (loan, tx-type) template.
type entry struct {
	mu       sync.Mutex
	template *psbtbuilder.Template
	escrow   *escrowscript.Escrow
	roleKeys map[Role][]byte // registered pubkey per role, set at entry creation
	sigs     map[Role]partialSig
	status   Status
}

// Vault is the in-memory signature store for one loan's set of
// templates, keyed by template type. The ceremony coordinator creates one
// Vault per loan and keys entries by psbtbuilder.TemplateType.
type Vault struct {
	mu      sync.Mutex
	entries map[psbtbuilder.TemplateType]*entry
}

// New constructs an empty vault.
func New() *Vault {
	return &Vault{entries: make(map[psbtbuilder.TemplateType]*entry)}
}

// Register associates a freshly-built template with the escrow it spends
// from and the three roles' registered keys. Must be called once per
// template before any Submit.
func (v *Vault) Register(t psbtbuilder.TemplateType, tmpl *psbtbuilder.Template,
	escrow *escrowscript.Escrow, roleKeys map[Role][]byte) {

	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries[t] = &entry{
		template: tmpl,
		escrow:   escrow,
		roleKeys: roleKeys,
		sigs:     make(map[Role]partialSig),
		status:   Pending,
	}
}

func (v *Vault) get(t psbtbuilder.TemplateType) (*entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[t]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return e, nil
}

// Submit validates and stores a partial signature over template t for
// role, following spec.md §4.5's submit steps in order: locate, verify
// pubkey matches the registered role key, strip and validate the sighash
// byte, enforce low-S, verify ECDSA against the template's precomputed
// digest, then persist and recompute status.
func (v *Vault) Submit(t psbtbuilder.TemplateType, role Role, pubkey, derSigWithHashType []byte) (Status, error) {
	e, err := v.get(t)
	if err != nil {
		return Pending, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == Complete {
		return Complete, nil // idempotent: already-complete templates accept replays as no-ops
	}

	registered, ok := e.roleKeys[role]
	if !ok || !bytes.Equal(registered, pubkey) {
		return e.status, ErrPubKeyMismatch
	}

	if _, alreadySigned := e.sigs[role]; alreadySigned {
		return e.status, ErrDuplicateRole
	}

	der, hashType, err := bitcoinutil.SplitSighashByte(derSigWithHashType)
	if err != nil {
		return e.status, fmt.Errorf("sigvault: %w", err)
	}
	if txscript.SigHashType(hashType) != txscript.SigHashAll {
		return e.status, ErrBadSighashByte
	}

	sig, err := bitcoinutil.DERToSignature(der)
	if err != nil {
		return e.status, fmt.Errorf("sigvault: parsing DER signature: %w", err)
	}

	if !cryptoprimitives.IsLowS(sig) {
		return e.status, ErrHighS
	}

	pub, err := escrowscript.ValidatePubKeyOnCurve(pubkey)
	if err != nil {
		return e.status, fmt.Errorf("sigvault: %w", err)
	}

	if !cryptoprimitives.Verify(pub, e.template.SighashDigest, sig) {
		log.Warnf("rejected invalid signature for template=%s role=%s", t, role)
		return e.status, ErrSignatureInvalid
	}

	e.sigs[role] = partialSig{role: role, pubkey: pubkey, der: der}
	e.status = statusAfter(role)
	if len(e.sigs) >= 2 {
		e.status = Complete
	}

	return e.status, nil
}

// statusAfter maps the role that just signed onto the single-signer
// status labels spec.md's state diagram uses; a second signature always
// promotes straight to Complete regardless of which role supplied it
// first (handled by the caller).
func statusAfter(role Role) Status {
	switch role {
	case RoleBorrower:
		return BorrowerSigned
	case RoleLender:
		return LenderSigned
	case RolePlatform:
		return PlatformSigned
	default:
		return Pending
	}
}

// Finalized is the fully assembled, serialized spending transaction.
type Finalized struct {
	RawTx []byte
	TxID  string
}

// Finalize assembles the witness stack and returns the serialized
// transaction for template t. Refuses unless the vault reports Complete.
func (v *Vault) Finalize(t psbtbuilder.TemplateType) (*Finalized, error) {
	e, err := v.get(t)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != Complete {
		return nil, ErrNotComplete
	}

	signingPubkeys := make([][]byte, 0, len(e.sigs))
	for _, s := range e.sigs {
		signingPubkeys = append(signingPubkeys, s.pubkey)
	}

	ordered, err := escrowscript.OrderedSigningKeys(e.escrow, signingPubkeys)
	if err != nil {
		return nil, fmt.Errorf("sigvault: %w", err)
	}

	sigByPubkey := make(map[string]partialSig, len(e.sigs))
	for _, s := range e.sigs {
		sigByPubkey[string(s.pubkey)] = s
	}

	// CHECKMULTISIG consumes an extra, unused stack element ahead of the
	// signatures due to the historical off-by-one bug preserved in
	// consensus rules.
	witness := wire.TxWitness{nil}
	for _, pk := range ordered {
		s, ok := sigByPubkey[string(pk)]
		if !ok {
			return nil, fmt.Errorf("sigvault: no stored signature for signing pubkey")
		}
		witness = append(witness, append(append([]byte{}, s.der...), byte(txscript.SigHashAll)))
	}
	witness = append(witness, e.escrow.WitnessScript)

	tx := e.template.Packet.UnsignedTx.Copy()
	tx.TxIn[0].Witness = witness

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("sigvault: serializing finalized tx: %w", err)
	}

	return &Finalized{RawTx: buf.Bytes(), TxID: tx.TxHash().String()}, nil
}

// Status returns the current signing status of template t.
func (v *Vault) Status(t psbtbuilder.TemplateType) (Status, error) {
	e, err := v.get(t)
	if err != nil {
		return Pending, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, nil
}

// SighashDigest returns the precomputed BIP-143 digest template t's
// signers sign over, so a caller that derives a key out-of-band (the
// recovery flow's passphrase re-derivation) can produce a signature
// without reaching into the template itself.
func (v *Vault) SighashDigest(t psbtbuilder.TemplateType) ([32]byte, error) {
	e, err := v.get(t)
	if err != nil {
		return [32]byte{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.template.SighashDigest, nil
}

// verifyWithKey is exposed for tests that want to check a detached
// signature without going through Submit's stateful bookkeeping.
func verifyWithKey(pub *btcec.PublicKey, digest [32]byte, sig *ecdsa.Signature) bool {
	return cryptoprimitives.Verify(pub, digest, sig)
}
