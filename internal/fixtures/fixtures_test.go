package fixtures

import (
	"crypto/rsa"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoad(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Generate(dir))
	assert.True(t, Exists(dir))

	cert, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	require.True(t, ok, "expected an RSA key")
	assert.Equal(t, 2048, pub.N.BitLen())
	assert.Equal(t, leaf.Subject.String(), leaf.Issuer.String(), "expected a self-signed certificate")

	info, err := os.Stat(KeyPath(dir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrMissing)
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(CertPath(dir), []byte("not a cert"), 0644))
	require.NoError(t, os.WriteFile(KeyPath(dir), []byte("not a key"), 0600))

	_, err := Load(dir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissing)
}

func TestEnsure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	created, err := Ensure(dir)
	require.NoError(t, err)
	assert.True(t, created)

	before, err := os.ReadFile(CertPath(dir))
	require.NoError(t, err)

	created, err = Ensure(dir)
	require.NoError(t, err)
	assert.False(t, created)

	after, err := os.ReadFile(CertPath(dir))
	require.NoError(t, err)
	assert.Equal(t, before, after, "existing fixtures must not be replaced")
}
