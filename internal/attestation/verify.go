package attestation

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
)

// FromCOSE decodes a COSE_Sign1-wrapped Nitro attestation document and
// authenticates it against rootCAPEM (typically AWSNitroRootCAPEM, or a
// test root in non-production deployments).
//
// Because the signing certificate lives inside the signed payload, the
// payload must be decoded before the signature can be checked at all:
// this function (1) unwraps the COSE envelope, (2) CBOR-decodes the
// payload into a Document, (3) verifies the leaf/intermediate chain against
// the pinned root, then (4) verifies the COSE signature using the leaf
// certificate's public key. A Document returned from here has passed all
// four steps.
func FromCOSE(coseDocument []byte, rootCAPEM string) (*Document, error) {
	envelope, err := parseCoseSign1(coseDocument)
	if err != nil {
		return nil, err
	}

	doc, err := decodeDocumentCBOR(envelope.Payload)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	intermediates := x509.NewCertPool()
	for _, der := range doc.CABundle {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse CA bundle certificate: %w", err)
		}
		intermediates.AddCert(cert)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(rootCAPEM)) {
		return nil, fmt.Errorf("failed to parse root CA PEM")
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("certificate chain verification failed: %w", err)
	}

	leafPub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("leaf certificate public key is not ECDSA")
	}
	if err := envelope.verifySignature(leafPub); err != nil {
		return nil, err
	}

	return doc, nil
}
