// Package mock implements a secmod.Module substrate over plain TCP with
// JSON-encoded attestation documents. It produces no real security
// guarantees and exists so the key-sync, governance and orchestrator
// packages can be exercised in tests and in local development without a
// Nitro enclave.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/sovereign-tee/sovereign/internal/secmod"
)

// Attestor selects which canned measurement this module reports.
type Attestor int

const (
	// ProdLike reports a non-zero, non-debug measurement.
	ProdLike Attestor = iota
	// Debug reports the all-zero measurement MeasureDebugCode expects,
	// so TestingOnly governance accepts it. Intended for tests only.
	Debug
)

// Module is a secmod.Module backed by loopback TCP connections.
type Module struct{}

var _ secmod.Module = Module{}

// Document is the JSON wire shape of a mock attestation document.
type Document struct {
	ModuleID       string           `json:"module_id"`
	Digest         string           `json:"digest"`
	Timestamp      uint64           `json:"timestamp"`
	PCRs           map[uint8][]byte `json:"pcrs"`
	PublicKeyValue []byte           `json:"public_key,omitempty"`
	UserDataValue  []byte           `json:"user_data,omitempty"`
	NonceValue     []byte           `json:"nonce,omitempty"`
}

var _ secmod.AttestationDocument = (*Document)(nil)

func pcrHex(pcrs map[uint8][]byte, idx uint8) string {
	v, ok := pcrs[idx]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%x", v)
}

// CodeMeasurement implements secmod.AttestationDocument.
func (d *Document) CodeMeasurement() string {
	return fmt.Sprintf("MOCK-CODE:%s:%s:%s", pcrHex(d.PCRs, 0), pcrHex(d.PCRs, 1), pcrHex(d.PCRs, 2))
}

// InstanceMeasurement implements secmod.AttestationDocument.
func (d *Document) InstanceMeasurement() string {
	return fmt.Sprintf("MOCK-INSTANCE:%s", pcrHex(d.PCRs, 4))
}

// Nonce implements secmod.AttestationDocument.
func (d *Document) Nonce() []byte { return d.NonceValue }

// PublicKey implements secmod.AttestationDocument.
func (d *Document) PublicKey() []byte { return d.PublicKeyValue }

// UserData implements secmod.AttestationDocument.
func (d *Document) UserData() []byte { return d.UserDataValue }

// Verify implements secmod.AttestationDocument.
func (d *Document) Verify(expectedNonce, expectedPublicKey, expectedUserData []byte, expectedPCRs map[uint8][]byte) error {
	if expectedPCRs != nil {
		for idx, want := range expectedPCRs {
			got, ok := d.PCRs[idx]
			if !ok || string(got) != string(want) {
				return fmt.Errorf("PCR%d mismatch or not found", idx)
			}
		}
	}
	if expectedPublicKey != nil {
		if string(d.PublicKeyValue) != string(expectedPublicKey) {
			return fmt.Errorf("public key mismatch")
		}
	}
	if expectedUserData != nil {
		if string(d.UserDataValue) != string(expectedUserData) {
			return fmt.Errorf("user data mismatch")
		}
	}
	if expectedNonce != nil {
		if string(d.NonceValue) != string(expectedNonce) {
			return fmt.Errorf("nonce mismatch")
		}
	}
	return nil
}

// Listen implements secmod.Module.
func (Module) Listen(ctx context.Context, port uint32) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// Connect implements secmod.Module.
func (Module) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// MeasureCode implements secmod.Module.
func (Module) MeasureCode(code string) string { return fmt.Sprintf("MOCK-CODE:%s", code) }

// MeasureDebugCode implements secmod.Module.
func (Module) MeasureDebugCode() string { return "MOCK-CODE:00:00:00" }

// MeasureInstance implements secmod.Module.
func (Module) MeasureInstance(instance string) string {
	return fmt.Sprintf("MOCK-INSTANCE:%s", instance)
}

// InitAttestor implements secmod.Module, returning a ProdLike attestor.
// Use InitDebugAttestor in tests that need TestingOnly governance to pass.
func (Module) InitAttestor() (secmod.Attestor, error) {
	return ProdLike, nil
}

// InitDebugAttestor returns an attestor reporting the all-zero debug
// measurement. Tests only.
func InitDebugAttestor() secmod.Attestor {
	return Debug
}

// NewAttestation implements secmod.Module.
func (Module) NewAttestation(attestor secmod.Attestor, nonce, publicKey, userData []byte) ([]byte, error) {
	a, _ := attestor.(Attestor)
	var pcr byte = 0xff
	if a == Debug {
		pcr = 0x00
	}
	doc := Document{
		ModuleID:  "mock module ID",
		Digest:    "mock digest",
		Timestamp: 1066,
		PCRs: map[uint8][]byte{
			0: {pcr},
			1: {pcr},
			2: {pcr},
			4: {0xab},
		},
		PublicKeyValue: publicKey,
		UserDataValue:  userData,
		NonceValue:     nonce,
	}
	return json.Marshal(doc)
}

// Parse implements secmod.Module.
func (Module) Parse(raw []byte) (secmod.AttestationDocument, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// MeasureEnclave implements secmod.Module. The mock substrate does not
// actually maintain integrity registers; it only validates the measurement
// count so callers exercise the same limits as production.
func (Module) MeasureEnclave(attestor secmod.Attestor, measurements [][]byte) error {
	if len(measurements) > secmod.MaxMeasurements {
		return secmod.ErrTooManyMeasurements(len(measurements))
	}
	return nil
}
