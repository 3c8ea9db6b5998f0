package nitro

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// nsmDriver isolates the raw ioctl calls into the kernel's NSM (Nitro
// Security Module) character device behind a narrow interface, so the rest
// of this package only deals with typed requests/responses. The real
// implementation lives in driver_linux.go; everything else in this package
// is platform-independent.
type nsmDriver interface {
	// init opens the NSM device and returns a handle (file descriptor).
	init() (int, error)
	// process sends a CBOR-encoded request and returns the raw
	// CBOR-encoded response.
	process(handle int, request []byte) ([]byte, error)
}

// request variant names, matching the upstream NSM API's CBOR enum tags.
const (
	reqAttestation = "Attestation"
	reqDescribePCR = "DescribePCR"
	reqExtendPCR   = "ExtendPCR"
	reqLockPCR     = "LockPCR"
)

func encodeRequest(variant string, fields interface{}) ([]byte, error) {
	return cbor.Marshal(map[string]interface{}{variant: fields})
}

// decodeResponse unwraps the single-key CBOR map the NSM API uses to encode
// its response enum, returning the variant name and its raw field bytes.
func decodeResponse(raw []byte) (string, cbor.RawMessage, error) {
	var generic map[string]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &generic); err != nil {
		return "", nil, fmt.Errorf("decode NSM response: %w", err)
	}
	for variant, fields := range generic {
		return variant, fields, nil
	}
	return "", nil, fmt.Errorf("NSM response had no variant")
}

type attestationRequest struct {
	PublicKey []byte `cbor:"PublicKey,omitempty"`
	UserData  []byte `cbor:"UserData,omitempty"`
	Nonce     []byte `cbor:"Nonce,omitempty"`
}

type attestationResponse struct {
	Document []byte `cbor:"document"`
}

type describePCRRequest struct {
	Index uint16 `cbor:"index"`
}

type describePCRResponse struct {
	Lock bool   `cbor:"lock"`
	Data []byte `cbor:"data"`
}

type extendPCRRequest struct {
	Index uint16 `cbor:"index"`
	Data  []byte `cbor:"data"`
}

type extendPCRResponse struct {
	Data []byte `cbor:"data"`
}

type lockPCRRequest struct {
	Index uint16 `cbor:"index"`
}

func nsmAttestation(d nsmDriver, handle int, publicKey, userData, nonce []byte) ([]byte, error) {
	reqBytes, err := encodeRequest(reqAttestation, attestationRequest{PublicKey: publicKey, UserData: userData, Nonce: nonce})
	if err != nil {
		return nil, err
	}
	respBytes, err := d.process(handle, reqBytes)
	if err != nil {
		return nil, err
	}
	variant, fields, err := decodeResponse(respBytes)
	if err != nil {
		return nil, err
	}
	if variant != reqAttestation {
		return nil, fmt.Errorf("unexpected NSM response variant %q for attestation request", variant)
	}
	var resp attestationResponse
	if err := cbor.Unmarshal(fields, &resp); err != nil {
		return nil, fmt.Errorf("decode attestation response: %w", err)
	}
	return resp.Document, nil
}

func nsmDescribePCR(d nsmDriver, handle int, index uint16) (locked bool, data []byte, err error) {
	reqBytes, err := encodeRequest(reqDescribePCR, describePCRRequest{Index: index})
	if err != nil {
		return false, nil, err
	}
	respBytes, err := d.process(handle, reqBytes)
	if err != nil {
		return false, nil, err
	}
	variant, fields, err := decodeResponse(respBytes)
	if err != nil {
		return false, nil, err
	}
	if variant != reqDescribePCR {
		return false, nil, fmt.Errorf("cannot describe PCR#%d: got variant %q", index, variant)
	}
	var resp describePCRResponse
	if err := cbor.Unmarshal(fields, &resp); err != nil {
		return false, nil, fmt.Errorf("decode describe-PCR response: %w", err)
	}
	return resp.Lock, resp.Data, nil
}

func nsmExtendPCR(d nsmDriver, handle int, index uint16, data []byte) ([]byte, error) {
	reqBytes, err := encodeRequest(reqExtendPCR, extendPCRRequest{Index: index, Data: data})
	if err != nil {
		return nil, err
	}
	respBytes, err := d.process(handle, reqBytes)
	if err != nil {
		return nil, err
	}
	variant, fields, err := decodeResponse(respBytes)
	if err != nil {
		return nil, err
	}
	if variant != reqExtendPCR {
		return nil, fmt.Errorf("cannot extend PCR#%d: got variant %q", index, variant)
	}
	var resp extendPCRResponse
	if err := cbor.Unmarshal(fields, &resp); err != nil {
		return nil, fmt.Errorf("decode extend-PCR response: %w", err)
	}
	return resp.Data, nil
}

func nsmLockPCR(d nsmDriver, handle int, index uint16) error {
	reqBytes, err := encodeRequest(reqLockPCR, lockPCRRequest{Index: index})
	if err != nil {
		return err
	}
	respBytes, err := d.process(handle, reqBytes)
	if err != nil {
		return err
	}
	variant, _, err := decodeResponse(respBytes)
	if err != nil {
		return err
	}
	if variant != reqLockPCR {
		return fmt.Errorf("cannot lock PCR#%d: got variant %q", index, variant)
	}
	return nil
}
