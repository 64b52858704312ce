package rpcserver

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reconquest-labs/escrowcore/ceremony"
	"github.com/reconquest-labs/escrowcore/chainadapter"
	"github.com/reconquest-labs/escrowcore/escrowscript"
	"github.com/reconquest-labs/escrowcore/keyderivation"
	"github.com/reconquest-labs/escrowcore/sigvault"
)

func TestClassifyMapsNamedSentinels(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want kind
	}{
		{"unknown loan", ceremony.ErrUnknownLoan, kindUserInput},
		{"key already set", ceremony.ErrKeyAlreadySet, kindUserInput},
		{"keys incomplete", ceremony.ErrKeysIncomplete, kindUserInput},
		{"insufficient funds", ceremony.ErrInsufficientFunds, kindUserInput},
		{"duplicate escrow keys", escrowscript.ErrDuplicateKeys, kindUserInput},
		{"wrong state", ceremony.ErrWrongState, kindStateViolation},
		{"duplicate role", sigvault.ErrDuplicateRole, kindConflict},
		{"pubkey mismatch", sigvault.ErrPubKeyMismatch, kindUserInput},
		{"bad sighash byte", sigvault.ErrBadSighashByte, kindUserInput},
		{"template not found", sigvault.ErrTemplateNotFound, kindUserInput},
		{"template not signable", sigvault.ErrTemplateNotSignable, kindUserInput},
		{"not complete", sigvault.ErrNotComplete, kindUserInput},
		{"signature invalid", sigvault.ErrSignatureInvalid, kindCryptoFailure},
		{"high s", sigvault.ErrHighS, kindCryptoFailure},
		{"derivation failed", keyderivation.ErrDerivationFailed, kindCryptoFailure},
		{"mempool conflict", chainadapter.ErrMempoolConflict, kindConflict},
		{"fee too low", chainadapter.ErrFeeTooLow, kindExternal},
		{"rejected", chainadapter.ErrRejected, kindExternal},
		{"network", chainadapter.ErrNetwork, kindExternal},
		{"not found", chainadapter.ErrNotFound, kindExternal},
		{"timeout", chainadapter.ErrTimeout, kindExternal},
		{"unrecognized", fmt.Errorf("some other failure"), kindInternal},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, classify(tc.err))
		})
	}
}

func TestClassifyUnwrapsWrappedErrors(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("ceremony: registering key: %w", ceremony.ErrKeyAlreadySet)
	require.Equal(t, kindUserInput, classify(wrapped))
	require.True(t, errors.Is(wrapped, ceremony.ErrKeyAlreadySet))
}

func TestKindHTTPStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusBadRequest, kindUserInput.httpStatus())
	require.Equal(t, http.StatusUnprocessableEntity, kindCryptoFailure.httpStatus())
	require.Equal(t, http.StatusConflict, kindStateViolation.httpStatus())
	require.Equal(t, http.StatusBadGateway, kindExternal.httpStatus())
	require.Equal(t, http.StatusOK, kindConflict.httpStatus())
	require.Equal(t, http.StatusInternalServerError, kindInternal.httpStatus())
}

func TestKindString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "user_input", kindUserInput.String())
	require.Equal(t, "crypto_failure", kindCryptoFailure.String())
	require.Equal(t, "state_violation", kindStateViolation.String())
	require.Equal(t, "external", kindExternal.String())
	require.Equal(t, "conflict", kindConflict.String())
	require.Equal(t, "internal", kindInternal.String())
}
