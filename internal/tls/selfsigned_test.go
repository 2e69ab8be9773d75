package tls

import (
	cryptotls "crypto/tls"
	"crypto/x509"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCert(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	generated, err := EnsureCert(certPath, keyPath, []string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	assert.True(t, generated)

	pair, err := cryptotls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.True(t, leaf.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))

	generated, err = EnsureCert(certPath, keyPath, []string{"localhost"})
	require.NoError(t, err)
	assert.False(t, generated)
}

func TestEnsureCertRequiresPaths(t *testing.T) {
	_, err := EnsureCert("", "", []string{"localhost"})
	assert.Error(t, err)

	dir := t.TempDir()
	_, err = EnsureCert(filepath.Join(dir, "c.pem"), filepath.Join(dir, "k.pem"), nil)
	assert.Error(t, err)
}
