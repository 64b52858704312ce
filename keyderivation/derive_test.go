package keyderivation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveIsDeterministic(t *testing.T) {
	t.Parallel()

	pass := []byte("correct horse battery staple")

	s1, err := Derive(pass, 42, 7, RoleBorrower)
	require.NoError(t, err)
	defer s1.Release()

	s2, err := Derive(pass, 42, 7, RoleBorrower)
	require.NoError(t, err)
	defer s2.Release()

	require.Equal(t, s1.PubKey().SerializeCompressed(), s2.PubKey().SerializeCompressed())
}

func TestDeriveDiffersByRole(t *testing.T) {
	t.Parallel()

	pass := []byte("correct horse battery staple")

	borrower, err := Derive(pass, 42, 7, RoleBorrower)
	require.NoError(t, err)
	defer borrower.Release()

	lender, err := Derive(pass, 42, 7, RoleLender)
	require.NoError(t, err)
	defer lender.Release()

	require.NotEqual(t, borrower.PubKey().SerializeCompressed(), lender.PubKey().SerializeCompressed())
}

func TestDeriveDiffersByLoanAndUser(t *testing.T) {
	t.Parallel()

	pass := []byte("correct horse battery staple")

	a, err := Derive(pass, 1, 7, RoleBorrower)
	require.NoError(t, err)
	defer a.Release()

	b, err := Derive(pass, 2, 7, RoleBorrower)
	require.NoError(t, err)
	defer b.Release()

	c, err := Derive(pass, 1, 8, RoleBorrower)
	require.NoError(t, err)
	defer c.Release()

	require.NotEqual(t, a.PubKey().SerializeCompressed(), b.PubKey().SerializeCompressed())
	require.NotEqual(t, a.PubKey().SerializeCompressed(), c.PubKey().SerializeCompressed())
}

func TestReleaseZeroizesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	s, err := Derive([]byte("passphrase"), 1, 1, RoleLender)
	require.NoError(t, err)

	s.Release()
	require.True(t, s.released)
	for _, b := range s.raw {
		require.Equal(t, byte(0), b)
	}
	require.Nil(t, s.priv)

	// Second call must not panic.
	require.NotPanics(t, func() { s.Release() })
}

func TestIsValidScalarRejectsAllZero(t *testing.T) {
	t.Parallel()

	var zero [32]byte
	require.False(t, isValidScalar(zero[:]))
}
