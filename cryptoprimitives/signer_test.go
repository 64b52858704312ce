package cryptoprimitives

import (
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	priv := genKey(t)
	digest := sha256.Sum256([]byte("escrow ceremony digest"))

	sig := Sign(priv, digest)
	require.True(t, Verify(priv.PubKey(), digest, sig))
}

func TestVerifyRejectsWrongDigest(t *testing.T) {
	t.Parallel()

	priv := genKey(t)
	digest := sha256.Sum256([]byte("correct"))
	wrong := sha256.Sum256([]byte("tampered"))

	sig := Sign(priv, digest)
	require.False(t, Verify(priv.PubKey(), wrong, sig))
}

func TestSignIsAlwaysLowS(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		priv := genKey(t)
		var digest [32]byte
		_, err := rand.Read(digest[:])
		require.NoError(t, err)

		sig := Sign(priv, digest)
		require.True(t, IsLowS(sig))
	}
}

func TestLocalSignerImplementsSigner(t *testing.T) {
	t.Parallel()

	priv := genKey(t)
	signer := NewLocalSigner(priv)

	digest := sha256.Sum256([]byte("ceremony"))
	sig, err := signer.Sign(digest)
	require.NoError(t, err)
	require.True(t, Verify(signer.PubKey(), digest, sig))
	require.Equal(t, priv.PubKey().SerializeCompressed(), signer.PubKey().SerializeCompressed())
}

func TestAESGCMSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	plaintext := []byte("lender key escrow payload")
	sealed, err := SealWithAESGCM(key, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := OpenWithAESGCM(key, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestAESGCMOpenRejectsWrongKey(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	wrongKey := make([]byte, 32)
	_, err = rand.Read(wrongKey)
	require.NoError(t, err)

	sealed, err := SealWithAESGCM(key, []byte("secret"))
	require.NoError(t, err)

	_, err = OpenWithAESGCM(wrongKey, sealed)
	require.Error(t, err)
}

func TestAESGCMRejectsBadKeyLength(t *testing.T) {
	t.Parallel()

	_, err := SealWithAESGCM([]byte("too short"), []byte("data"))
	require.Error(t, err)
}
