package attestation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

// buildTestChain generates a self-signed P-384 root CA and a leaf
// certificate signed by it, mirroring the structure of a real Nitro
// attestation certificate chain for test purposes.
func buildTestChain(t *testing.T) (rootPEM string, leafDER []byte, leafKey *ecdsa.PrivateKey) {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)
	rootPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER}))

	leafKey, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err = x509.CreateCertificate(rand.Reader, leafTemplate, rootCert, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)
	return rootPEM, leafDER, leafKey
}

// buildCOSEDocument signs a Document payload into a COSE_Sign1 envelope
// using ES384 over the given leaf key, mirroring NitroAttestationDocument::cose_create.
func buildCOSEDocument(t *testing.T, leafDER []byte, leafKey *ecdsa.PrivateKey, doc *Document) []byte {
	t.Helper()

	doc.Certificate = leafDER
	payload, err := cbor.Marshal(doc)
	require.NoError(t, err)

	protected, err := cbor.Marshal(map[int64]interface{}{algLabel: int64(algES384)})
	require.NoError(t, err)

	env := &coseSign1{Protected: protected, Payload: payload}
	toSign, err := env.sigStructure()
	require.NoError(t, err)

	digest := sha512.Sum384(toSign)
	r, s, err := ecdsa.Sign(rand.Reader, leafKey, digest[:])
	require.NoError(t, err)

	sig := make([]byte, 96)
	rb := r.Bytes()
	sb := s.Bytes()
	copy(sig[48-len(rb):48], rb)
	copy(sig[96-len(sb):96], sb)

	raw := []interface{}{protected, map[interface{}]interface{}{}, payload, sig}
	out, err := cbor.Marshal(raw)
	require.NoError(t, err)
	return out
}

func TestFromCOSERoundTrip(t *testing.T) {
	rootPEM, leafDER, leafKey := buildTestChain(t)

	doc := &Document{
		ModuleID:       "test-module",
		Digest:         "test-digest",
		Timestamp:      1234567890,
		PCRs:           map[uint8][]byte{0: make([]byte, 48)},
		CABundle:       nil,
		PublicKeyValue: []byte("test-public-key"),
		UserDataValue:  []byte("test-user-data"),
		NonceValue:     []byte("test-nonce"),
	}
	coseDoc := buildCOSEDocument(t, leafDER, leafKey, doc)

	parsed, err := FromCOSE(coseDoc, rootPEM)
	require.NoError(t, err)
	require.Equal(t, "test-module", parsed.ModuleID)
	require.Equal(t, []byte("test-public-key"), parsed.PublicKey())
	require.Equal(t, []byte("test-user-data"), parsed.UserData())
	require.Equal(t, []byte("test-nonce"), parsed.Nonce())

	require.NoError(t, parsed.Verify(
		[]byte("test-nonce"), []byte("test-public-key"), []byte("test-user-data"),
		map[uint8][]byte{0: make([]byte, 48)},
	))

	require.Error(t, parsed.Verify(nil, nil, nil, map[uint8][]byte{0: {1}}))
}

func TestFromCOSETamperedSignatureFails(t *testing.T) {
	rootPEM, leafDER, leafKey := buildTestChain(t)
	doc := &Document{ModuleID: "m", PCRs: map[uint8][]byte{}}
	coseDoc := buildCOSEDocument(t, leafDER, leafKey, doc)

	tampered := append([]byte(nil), coseDoc...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err := FromCOSE(tampered, rootPEM)
	require.Error(t, err)
}
