package rpcserver

import (
	"errors"
	"net/http"

	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/chainadapter"
	"github.com/reconquest-labs/escrowcore/escrowscript"
	"github.com/reconquest-labs/escrowcore/keyderivation"
	"github.com/reconquest-labs/escrowcore/sigvault"
)

// kind names the error taxonomy spec.md §7 defines, independent of which
// package actually returned the underlying error. rpcserver is the one
// place that needs to turn a domain error into an HTTP status, so the
// classification lives here rather than scattered across callers.
type kind int

const (
	kindInternal kind = iota
	kindUserInput
	kindCryptoFailure
	kindStateViolation
	kindExternal
	kindConflict
)

// classify maps a domain error onto its spec.md §7 kind. Order matters:
// more specific sentinels are checked before the generic ones they might
// otherwise be mistaken for (e.g. ErrDuplicateRole before ErrPubKeyMismatch
// would both satisfy errors.Is against a loosely-typed wrapper).
func classify(err error) kind {
	switch {
	case errors.Is(err, ceremony.ErrUnknownLoan),
		errors.Is(err, ceremony.ErrKeyAlreadySet),
		errors.Is(err, ceremony.ErrKeysIncomplete),
		errors.Is(err, ceremony.ErrInsufficientFunds),
		errors.Is(err, escrowscript.ErrDuplicateKeys):
		return kindUserInput

	case errors.Is(err, ceremony.ErrWrongState):
		return kindStateViolation

	case errors.Is(err, sigvault.ErrDuplicateRole):
		return kindConflict

	case errors.Is(err, sigvault.ErrPubKeyMismatch),
		errors.Is(err, sigvault.ErrBadSighashByte),
		errors.Is(err, sigvault.ErrTemplateNotFound),
		errors.Is(err, sigvault.ErrTemplateNotSignable),
		errors.Is(err, sigvault.ErrNotComplete):
		return kindUserInput

	case errors.Is(err, sigvault.ErrSignatureInvalid),
		errors.Is(err, sigvault.ErrHighS),
		errors.Is(err, keyderivation.ErrDerivationFailed):
		return kindCryptoFailure

	case errors.Is(err, chainadapter.ErrMempoolConflict):
		return kindConflict

	case errors.Is(err, chainadapter.ErrFeeTooLow),
		errors.Is(err, chainadapter.ErrRejected),
		errors.Is(err, chainadapter.ErrNetwork),
		errors.Is(err, chainadapter.ErrNotFound),
		errors.Is(err, chainadapter.ErrTimeout):
		return kindExternal

	default:
		return kindInternal
	}
}

// httpStatus maps a kind to the HTTP status rpcserver's JSON boundary
// reports. External errors are already retried locally (releaser,
// chainadapter) before ever reaching here, so by the time one surfaces
// at this boundary it is reported, not retried again.
func (k kind) httpStatus() int {
	switch k {
	case kindUserInput:
		return http.StatusBadRequest
	case kindCryptoFailure:
		return http.StatusUnprocessableEntity
	case kindStateViolation:
		return http.StatusConflict
	case kindExternal:
		return http.StatusBadGateway
	case kindConflict:
		return http.StatusOK // idempotent: resulting state already matches the request
	default:
		return http.StatusInternalServerError
	}
}

func (k kind) String() string {
	switch k {
	case kindUserInput:
		return "user_input"
	case kindCryptoFailure:
		return "crypto_failure"
	case kindStateViolation:
		return "state_violation"
	case kindExternal:
		return "external"
	case kindConflict:
		return "conflict"
	default:
		return "internal"
	}
}
