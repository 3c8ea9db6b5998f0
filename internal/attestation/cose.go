package attestation

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

// coseSign1 is the decoded shape of a COSE_Sign1 envelope: a 4-element
// array of [protected header bstr, unprotected header map, payload bstr,
// signature bstr]. The envelope may or may not carry the CBOR tag 18 that
// the COSE spec assigns to Sign1 messages — AWS Nitro emits it untagged.
type coseSign1 struct {
	Protected   []byte
	Unprotected map[interface{}]interface{}
	Payload     []byte
	Signature   []byte
}

// algES256 and algES384 are the COSE algorithm identifiers used for ECDSA
// over P-256 and P-384 respectively (RFC 8152 §8.1).
const (
	algES256 = -7
	algES384 = -35
	algLabel = int64(1)
)

func parseCoseSign1(raw []byte) (*coseSign1, error) {
	var generic interface{}
	if err := cbor.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode COSE envelope: %w", err)
	}

	arr, ok := generic.([]interface{})
	if !ok {
		if tag, isTag := generic.(cbor.Tag); isTag {
			arr, ok = tag.Content.([]interface{})
		}
	}
	if !ok || len(arr) != 4 {
		return nil, fmt.Errorf("COSE_Sign1 envelope must be a 4-element array")
	}

	protected, ok := arr[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("COSE_Sign1 protected header must be a byte string")
	}
	unprotected, _ := arr[1].(map[interface{}]interface{})
	payload, ok := arr[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("COSE_Sign1 payload must be a byte string")
	}
	signature, ok := arr[3].([]byte)
	if !ok {
		return nil, fmt.Errorf("COSE_Sign1 signature must be a byte string")
	}

	return &coseSign1{Protected: protected, Unprotected: unprotected, Payload: payload, Signature: signature}, nil
}

func (c *coseSign1) algorithm() (int64, error) {
	if len(c.Protected) == 0 {
		return 0, fmt.Errorf("COSE_Sign1 protected header is empty")
	}
	var hdr map[int64]interface{}
	if err := cbor.Unmarshal(c.Protected, &hdr); err != nil {
		return 0, fmt.Errorf("decode COSE protected header: %w", err)
	}
	raw, ok := hdr[algLabel]
	if !ok {
		return 0, fmt.Errorf("COSE protected header missing algorithm (label 1)")
	}
	switch v := raw.(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("COSE algorithm has unexpected type %T", raw)
	}
}

// sigStructure builds the COSE "Signature1" structure that is the actual
// signed payload, per RFC 8152 §4.4: ["Signature1", protected, external_aad, payload].
func (c *coseSign1) sigStructure() ([]byte, error) {
	items := []interface{}{"Signature1", c.Protected, []byte{}, c.Payload}
	return cbor.Marshal(items)
}

// verifySignature checks the envelope's ECDSA signature against pub,
// dispatching the hash/curve pair based on the protected header's
// algorithm identifier.
func (c *coseSign1) verifySignature(pub *ecdsa.PublicKey) error {
	alg, err := c.algorithm()
	if err != nil {
		return err
	}

	toSign, err := c.sigStructure()
	if err != nil {
		return fmt.Errorf("build COSE Sig_structure: %w", err)
	}

	var digest []byte
	var curveSize int
	switch alg {
	case algES256:
		sum := sha256.Sum256(toSign)
		digest = sum[:]
		curveSize = 32
	case algES384:
		sum := sha512.Sum384(toSign)
		digest = sum[:]
		curveSize = 48
	default:
		return fmt.Errorf("unsupported COSE algorithm %d", alg)
	}

	if len(c.Signature) != 2*curveSize {
		return fmt.Errorf("COSE signature has wrong length %d (expected %d)", len(c.Signature), 2*curveSize)
	}
	r := new(big.Int).SetBytes(c.Signature[:curveSize])
	s := new(big.Int).SetBytes(c.Signature[curveSize:])

	if !ecdsa.Verify(pub, digest, r, s) {
		return fmt.Errorf("COSE signature does not verify")
	}
	return nil
}
