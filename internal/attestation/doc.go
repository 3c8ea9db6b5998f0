// Package attestation parses and verifies AWS Nitro Enclaves attestation
// documents: a CBOR payload wrapped in a COSE_Sign1 envelope, whose signing
// certificate is itself embedded in the signed payload. That layering
// inversion means a document cannot be verified without first parsing it,
// so FromCOSE both decodes and authenticates a document in one step.
package attestation

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/sovereign-tee/sovereign/internal/secmod"
)

// Document is a parsed AWS Nitro attestation document. Its fields mirror
// the CBOR payload signed by the enclave's NSM.
type Document struct {
	ModuleID  string           `cbor:"module_id"`
	Digest    string           `cbor:"digest"`
	Timestamp uint64           `cbor:"timestamp"`
	PCRs      map[uint8][]byte `cbor:"pcrs"`
	// Certificate is the DER-encoded leaf certificate that signed this
	// document's COSE envelope.
	Certificate []byte `cbor:"certificate"`
	// CABundle is the DER-encoded intermediate certificate chain up to
	// (but excluding) the AWS Nitro root.
	CABundle       [][]byte `cbor:"cabundle"`
	PublicKeyValue []byte   `cbor:"public_key"`
	UserDataValue  []byte   `cbor:"user_data"`
	NonceValue     []byte   `cbor:"nonce"`
}

var _ secmod.AttestationDocument = (*Document)(nil)

func pcrHex(pcrs map[uint8][]byte, idx uint8) string {
	v, ok := pcrs[idx]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%x", v)
}

// CodeMeasurement returns "AWS-CODE:{pcr0}:{pcr1}:{pcr2}" in hex.
func (d *Document) CodeMeasurement() string {
	return fmt.Sprintf("AWS-CODE:%s:%s:%s", pcrHex(d.PCRs, 0), pcrHex(d.PCRs, 1), pcrHex(d.PCRs, 2))
}

// InstanceMeasurement returns "AWS-INSTANCE:{pcr4}" in hex.
func (d *Document) InstanceMeasurement() string {
	return fmt.Sprintf("AWS-INSTANCE:%s", pcrHex(d.PCRs, 4))
}

func (d *Document) Nonce() []byte     { return d.NonceValue }
func (d *Document) PublicKey() []byte { return d.PublicKeyValue }
func (d *Document) UserData() []byte  { return d.UserDataValue }

// Verify checks the document's nonce/public-key/user-data/PCR fields
// against the expected values. A nil expected value skips that check.
func (d *Document) Verify(expectedNonce, expectedPublicKey, expectedUserData []byte, expectedPCRs map[uint8][]byte) error {
	for idx, want := range expectedPCRs {
		got, ok := d.PCRs[idx]
		if !ok || string(got) != string(want) {
			return fmt.Errorf("PCR%d mismatch or not found", idx)
		}
	}
	if expectedPublicKey != nil && string(d.PublicKeyValue) != string(expectedPublicKey) {
		return fmt.Errorf("public key mismatch")
	}
	if expectedUserData != nil && string(d.UserDataValue) != string(expectedUserData) {
		return fmt.Errorf("user data mismatch")
	}
	if expectedNonce != nil && string(d.NonceValue) != string(expectedNonce) {
		return fmt.Errorf("nonce mismatch")
	}
	return nil
}

func decodeDocumentCBOR(payload []byte) (*Document, error) {
	var d Document
	if err := cbor.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decode attestation payload: %w", err)
	}
	return &d, nil
}
