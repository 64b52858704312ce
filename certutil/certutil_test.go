package certutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateWritesLoadableKeyPair(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.cert")
	keyPath := filepath.Join(dir, "tls.key")

	cfg, err := Generate([]string{"localhost", "127.0.0.1"}, certPath, keyPath)
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)

	loaded, err := Load([]string{"localhost", "127.0.0.1"}, certPath, keyPath)
	require.NoError(t, err)
	require.Len(t, loaded.Certificates, 1)
	require.Equal(t, cfg.Certificates[0].Certificate, loaded.Certificates[0].Certificate)
}

func TestLoadGeneratesWhenFilesAreMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.cert")
	keyPath := filepath.Join(dir, "tls.key")

	cfg, err := Load([]string{"localhost"}, certPath, keyPath)
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
}

func TestParseLeafRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := parseLeaf([]byte("not a certificate"))
	require.Error(t, err)
}
