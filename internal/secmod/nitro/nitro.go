// Package nitro implements secmod.Module on top of a real AWS Nitro
// Enclave: attestation documents come from the kernel's NSM device,
// integrity registers are extended through the same device, and peer
// connections use AF_VSOCK. The raw ioctl/vsock calls are isolated behind
// the nsmDriver interface and the vsockListen/vsockConnect functions so the
// protocol logic above them is platform-independent and testable.
package nitro

import (
	"context"
	"crypto/sha512"
	"fmt"
	"net"

	"github.com/sovereign-tee/sovereign/internal/attestation"
	"github.com/sovereign-tee/sovereign/internal/secmod"
)

// Module is a secmod.Module backed by a real Nitro enclave's NSM device.
type Module struct {
	// RootCAPEM is the trust anchor used to authenticate peer attestation
	// documents. Production deployments use attestation.AWSNitroRootCAPEM.
	RootCAPEM string
}

var _ secmod.Module = Module{}

// attestor holds the open NSM device handle plus the driver used to talk
// to it (a real ioctl driver in production).
type attestor struct {
	handle int
	driver nsmDriver
}

// Listen implements secmod.Module.
func (Module) Listen(ctx context.Context, port uint32) (net.Listener, error) {
	return vsockListen(ctx, port)
}

// Connect implements secmod.Module.
func (Module) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	return vsockConnect(ctx, port)
}

// MeasureCode implements secmod.Module. code is expected in the form
// "{pcr0-hex}:{pcr1-hex}:{pcr2-hex}".
func (Module) MeasureCode(code string) string {
	return fmt.Sprintf("AWS-CODE:%s", code)
}

// MeasureDebugCode implements secmod.Module: a debug enclave's PCR0/1/2 are
// each 48 zero bytes.
func (m Module) MeasureDebugCode() string {
	zero := fmt.Sprintf("%x", make([]byte, 48))
	return m.MeasureCode(fmt.Sprintf("%s:%s:%s", zero, zero, zero))
}

// MeasureInstance implements secmod.Module: PCR4 = SHA384([0;48] || instanceID).
func (Module) MeasureInstance(instance string) string {
	h := sha512.New384()
	h.Write(make([]byte, 48))
	h.Write([]byte(instance))
	return fmt.Sprintf("AWS-INSTANCE:%x", h.Sum(nil))
}

// InitAttestor implements secmod.Module, opening the NSM device.
func (Module) InitAttestor() (secmod.Attestor, error) {
	d := newDriver()
	handle, err := d.init()
	if err != nil {
		return nil, fmt.Errorf("initialize NSM: %w", err)
	}
	return &attestor{handle: handle, driver: d}, nil
}

// NewAttestation implements secmod.Module.
func (Module) NewAttestation(a secmod.Attestor, nonce, publicKey, userData []byte) ([]byte, error) {
	att, ok := a.(*attestor)
	if !ok {
		return nil, fmt.Errorf("attestor is not a Nitro attestor")
	}
	return nsmAttestation(att.driver, att.handle, publicKey, userData, nonce)
}

// Parse implements secmod.Module: decodes and authenticates a COSE_Sign1
// attestation document against m.RootCAPEM.
func (m Module) Parse(doc []byte) (secmod.AttestationDocument, error) {
	parsed, err := attestation.FromCOSE(doc, m.RootCAPEM)
	if err != nil {
		return nil, err
	}
	return parsed, nil
}

// MeasureEnclave implements secmod.Module: extends PCRs 16..16+len(measurements)
// with each measurement value in order, locking each register afterward.
func (Module) MeasureEnclave(a secmod.Attestor, measurements [][]byte) error {
	if len(measurements) > secmod.MaxMeasurements {
		return secmod.ErrTooManyMeasurements(len(measurements))
	}
	att, ok := a.(*attestor)
	if !ok {
		return fmt.Errorf("attestor is not a Nitro attestor")
	}
	for i, data := range measurements {
		index := uint16(i + 16)
		if err := extendPCR(att.driver, att.handle, index, data); err != nil {
			return err
		}
	}
	return nil
}

// extendPCR extends register index with data, per the fail-fast policy: if
// any register in a multi-register measurement batch fails to extend or
// lock, the whole operation returns an error immediately rather than
// attempting to roll back registers already extended (PCR extension is not
// reversible on real hardware).
func extendPCR(d nsmDriver, handle int, index uint16, data []byte) error {
	locked, old, err := nsmDescribePCR(d, handle, index)
	if err != nil {
		return fmt.Errorf("describe PCR#%d: %w", index, err)
	}
	if locked {
		return fmt.Errorf("PCR#%d is locked", index)
	}
	if len(old) != 48 {
		return fmt.Errorf("PCR#%d wrong length %d (expected 48)", index, len(old))
	}
	for _, b := range old {
		if b != 0 {
			return fmt.Errorf("PCR#%d already in use (non-zero)", index)
		}
	}

	newHash, err := nsmExtendPCR(d, handle, index, data)
	if err != nil {
		return fmt.Errorf("extend PCR#%d: %w", index, err)
	}
	h := sha512.New384()
	h.Write(make([]byte, 48))
	h.Write(data)
	expected := h.Sum(nil)
	if string(newHash) != string(expected) {
		return fmt.Errorf("extension incorrect for PCR#%d", index)
	}

	if err := nsmLockPCR(d, handle, index); err != nil {
		return fmt.Errorf("lock PCR#%d: %w", index, err)
	}
	return nil
}
