// Package ethtx builds and signs the legacy Ethereum transaction encoding
// a sovereign's secp256k1 signing keys are exercised against: RLP-encode
// the transaction fields, hash them, sign with the EIP-155 (or pre-155
// legacy) "v" convention, and re-assemble the signed RLP payload.
package ethtx

import (
	"fmt"
	"math/big"

	"github.com/sovereign-tee/sovereign/internal/keymaterial"
	"github.com/sovereign-tee/sovereign/internal/rlp"
	"golang.org/x/crypto/sha3"
)

// LegacyTx is the field set of a pre-EIP-2718 Ethereum transaction.
type LegacyTx struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       [20]byte // zero address means contract creation
	Value    *big.Int
	Data     []byte
}

func (tx *LegacyTx) toField() []byte {
	if tx.To != ([20]byte{}) {
		return tx.To[:]
	}
	return nil
}

func (tx *LegacyTx) encodeFields(v uint64, r, s []byte) []byte {
	return rlp.EncodeList(
		rlp.EncodeUint64(tx.Nonce),
		rlp.EncodeBigInt(tx.GasPrice),
		rlp.EncodeUint64(tx.GasLimit),
		rlp.EncodeBytes(tx.toField()),
		rlp.EncodeBigInt(tx.Value),
		rlp.EncodeBytes(tx.Data),
		rlp.EncodeUint64(v),
		rlp.EncodeBytes(r),
		rlp.EncodeBytes(s),
	)
}

// UnsignedRLP RLP-encodes the six core fields with no v/r/s slots at all,
// the pre-EIP-155 form a remote signer (internal/rpcsign's
// sign-ethereum-transaction, given a 6-item payload) hashes directly.
func (tx *LegacyTx) UnsignedRLP() []byte {
	return rlp.EncodeList(
		rlp.EncodeUint64(tx.Nonce),
		rlp.EncodeBigInt(tx.GasPrice),
		rlp.EncodeUint64(tx.GasLimit),
		rlp.EncodeBytes(tx.toField()),
		rlp.EncodeBigInt(tx.Value),
		rlp.EncodeBytes(tx.Data),
	)
}

// EIP155UnsignedRLP RLP-encodes the nine-item placeholder form EIP-155
// defines for signing: v holds the bare chainID, r and s are empty. A
// remote signer hashes this encoding verbatim and replaces v/r/s with the
// real signature.
func (tx *LegacyTx) EIP155UnsignedRLP(chainID uint64) []byte {
	return tx.encodeFields(chainID, nil, nil)
}

// SigningHash returns the Keccak-256 hash signed to produce a legacy
// (pre-EIP-155) transaction signature: the field list with v/r/s omitted.
func (tx *LegacyTx) SigningHash() [32]byte {
	return keccak256Array(tx.UnsignedRLP())
}

// EIP155SigningHash returns the Keccak-256 hash signed under EIP-155,
// which folds chainID into the v slot (and leaves r/s empty) before
// hashing, binding the signature to one chain so it cannot be replayed on
// another.
func (tx *LegacyTx) EIP155SigningHash(chainID uint64) [32]byte {
	return keccak256Array(tx.encodeFields(chainID, nil, nil))
}

func keccak256Array(data []byte) [32]byte {
	var out [32]byte
	copy(out[:], keccak256(data))
	return out
}

// keccak256 is re-declared locally rather than imported from governance to
// avoid a dependency cycle between the two packages.
func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// SignedLegacyTx is the RLP-encodable result of signing a LegacyTx.
type SignedLegacyTx struct {
	Tx  *LegacyTx
	V   uint64
	R   [32]byte
	S   [32]byte
}

// Encode RLP-encodes the fully signed transaction.
func (s *SignedLegacyTx) Encode() []byte {
	return s.Tx.encodeFields(s.V, trimLeadingZeros(s.R[:]), trimLeadingZeros(s.S[:]))
}

func trimLeadingZeros(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}

// SignLegacy signs tx with pair using the pre-EIP-155 "v = 27 + recoveryID"
// convention.
func SignLegacy(tx *LegacyTx, pair *keymaterial.SecretPubKeyPair) (*SignedLegacyTx, error) {
	sig, err := pair.ECDSASignPrehash(tx.SigningHash())
	if err != nil {
		return nil, fmt.Errorf("sign legacy tx: %w", err)
	}
	v := uint64(27)
	if sig.IsYOdd {
		v = 28
	}
	return &SignedLegacyTx{Tx: tx, V: v, R: sig.R, S: sig.S}, nil
}

// SignEIP155 signs tx with pair using the EIP-155 "v = chainID*2 + 35 +
// recoveryID" convention, which also replay-protects the signature to
// chainID.
func SignEIP155(tx *LegacyTx, chainID uint64, pair *keymaterial.SecretPubKeyPair) (*SignedLegacyTx, error) {
	hash := tx.EIP155SigningHash(chainID)
	sig, err := pair.ECDSASignPrehash(hash)
	if err != nil {
		return nil, fmt.Errorf("sign EIP-155 tx: %w", err)
	}
	v := chainID*2 + 35
	if sig.IsYOdd {
		v++
	}
	return &SignedLegacyTx{Tx: tx, V: v, R: sig.R, S: sig.S}, nil
}
