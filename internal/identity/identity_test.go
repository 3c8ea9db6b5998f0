package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSelfSignedRoundTrip(t *testing.T) {
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	cert, err := NewSelfSigned(certKey, []string{"example.sovereign.internal", "127.0.0.1", "localhost"})
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(cert.CertDER)
	require.NoError(t, err)
	require.Contains(t, parsed.DNSNames, "example.sovereign.internal")
	require.Contains(t, parsed.DNSNames, "localhost")
	require.Len(t, parsed.DNSNames, 2)
	require.Len(t, parsed.IPAddresses, 1)

	pub, ok := parsed.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	require.True(t, pub.Equal(&certKey.PublicKey))

	_, err = x509.ParsePKCS8PrivateKey(cert.KeyDER)
	require.NoError(t, err)
}

func TestNewSelfSignedDedupesLocalhost(t *testing.T) {
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	cert, err := NewSelfSigned(certKey, []string{"localhost"})
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(cert.CertDER)
	require.NoError(t, err)
	require.Equal(t, []string{"localhost"}, parsed.DNSNames)
}
