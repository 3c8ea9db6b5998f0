// Package secmod abstracts over the security module a sovereign runs on top
// of: the substrate that produces attestation documents, extends integrity
// registers, and accepts peer connections. Two implementations exist —
// mock (plain TCP, JSON-encoded documents, for tests and local development)
// and nitro (AF_VSOCK, CBOR/COSE-encoded documents, for production) — behind
// the same Module interface, so the key-sync, governance and orchestrator
// packages never need to know which one they are talking to.
package secmod

import (
	"context"
	"fmt"
	"net"
)

// Attestor is an opaque handle to the security module's attestation
// capability, obtained once at startup via Module.InitAttestor and passed
// back into NewAttestation/MeasureEnclave. Concrete modules define their own
// underlying type (an NSM file descriptor, a mock marker value, ...).
type Attestor interface{}

// AttestationDocument is a parsed, already-authenticated attestation
// document: the security module's Parse has already checked the document's
// signature and certificate chain by the time a caller holds one of these.
type AttestationDocument interface {
	// CodeMeasurement returns a stable string encoding of the registers
	// that cover the running code (PCR0/1/2 on Nitro).
	CodeMeasurement() string
	// InstanceMeasurement returns a stable string encoding of the
	// register that covers the host instance identity (PCR4 on Nitro).
	InstanceMeasurement() string
	Nonce() []byte
	PublicKey() []byte
	UserData() []byte
	// Verify checks the document's nonce/public-key/user-data/PCR fields
	// against the expected values, when provided (nil skips that check).
	Verify(expectedNonce, expectedPublicKey, expectedUserData []byte, expectedPCRs map[uint8][]byte) error
}

// Module is the security-module abstraction. A Module value itself is
// stateless; per-process attestation state lives behind the Attestor it
// hands back from InitAttestor.
type Module interface {
	// Listen opens a listener for peer connections on the given port,
	// using whatever transport this module's substrate provides.
	Listen(ctx context.Context, port uint32) (net.Listener, error)
	// Connect dials a peer sovereign on the given port.
	Connect(ctx context.Context, port uint32) (net.Conn, error)

	// MeasureCode returns the expected CodeMeasurement() string for the
	// given raw code identifier (e.g. "pcr0:pcr1:pcr2" in hex).
	MeasureCode(code string) string
	// MeasureDebugCode returns the expected CodeMeasurement() string for
	// an enclave running in debug mode (all-zero registers on Nitro).
	MeasureDebugCode() string
	// MeasureInstance returns the expected InstanceMeasurement() string
	// for the given host instance identifier.
	MeasureInstance(instance string) string

	InitAttestor() (Attestor, error)
	// NewAttestation produces a freshly signed attestation document
	// embedding the given optional nonce/public-key/user-data fields.
	NewAttestation(attestor Attestor, nonce, publicKey, userData []byte) ([]byte, error)
	// Parse decodes and authenticates a raw attestation document.
	Parse(doc []byte) (AttestationDocument, error)
	// MeasureEnclave extends the module's integrity registers with the
	// given measurement values, in order, and locks each one. At most 16
	// measurements are supported.
	MeasureEnclave(attestor Attestor, measurements [][]byte) error
}

// MaxMeasurements is the largest number of measurement values MeasureEnclave
// will accept in a single call.
const MaxMeasurements = 16

// ErrTooManyMeasurements is returned by MeasureEnclave implementations when
// more than MaxMeasurements values are supplied.
func ErrTooManyMeasurements(n int) error {
	return fmt.Errorf("at most %d measurements supported, was %d", MaxMeasurements, n)
}
