// Package identity builds the self-signed X.509 certificate a sovereign
// presents on its HTTPS attestation endpoint, binding the certificate's
// public key to the key material the orchestrator measures into a PCR at
// startup.
package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// DefaultValidity mirrors the original implementation's long-lived,
// single-certificate-for-process-lifetime approach: the enclave never
// rotates its own cert, it just runs until replaced.
const DefaultValidity = 10 * 365 * 24 * time.Hour

// Certificate is a self-signed identity: the DER-encoded certificate plus
// the DER-encoded PKCS8 private key it was signed with.
type Certificate struct {
	CertDER []byte
	KeyDER  []byte
}

// NewSelfSigned builds a self-signed certificate for certKey, valid for the
// given altNames plus "localhost" (deduplicated, matching the original's
// alt_names.push("localhost"); dedup() behavior).
func NewSelfSigned(certKey *ecdsa.PrivateKey, altNames []string) (*Certificate, error) {
	names := dedupeNames(append(append([]string{}, altNames...), "localhost"))

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "sovereign"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(DefaultValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     nil,
		IPAddresses:  nil,
	}
	for _, name := range names {
		if ip := net.ParseIP(name); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, name)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &certKey.PublicKey, certKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshal certificate key: %w", err)
	}

	return &Certificate{CertDER: certDER, KeyDER: keyDER}, nil
}

// dedupeNames preserves first-seen order while dropping repeats, matching
// the "push then dedup" idiom the original uses for SAN assembly.
func dedupeNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
