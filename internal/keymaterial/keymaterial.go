// Package keymaterial owns the lifecycle of a sovereign's signing keys: the
// P-256 key backing its TLS/attestation certificate, and the pool of
// secp256k1 keys it signs user transactions with. Keys are generated once
// at startup (or received over key-sync) and held only in memory for the
// life of the process.
package keymaterial

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

const (
	// MinKeys and MaxKeys bound how many secp256k1 keys GenerateRandom will
	// produce in one call.
	MinKeys = 2
	MaxKeys = 100000

	secretKeyLen = 32
)

// SecretKeyMaterial is the raw secret key bytes a sovereign needs to
// reconstruct its identity: the P-256 scalar backing its certificate, and
// the secp256k1 scalars backing its signing key pool. It crosses the wire
// during key-sync and is otherwise only ever held in process memory.
type SecretKeyMaterial struct {
	CertSecretKey [secretKeyLen]byte
	SecretKeys    [][secretKeyLen]byte
}

// GenerateRandom produces fresh, uniformly random key material: a P-256
// certificate key and numKeys secp256k1 signing keys, read from rng.
// numKeys must be in [MinKeys, MaxKeys] — fewer than two keys gives no
// redundancy if one is ever retired, and more than MaxKeys has never been a
// realistic deployment shape.
func GenerateRandom(numKeys uint32, rng io.Reader) (*SecretKeyMaterial, error) {
	if numKeys < MinKeys || numKeys > MaxKeys {
		return nil, fmt.Errorf("numKeys must be between %d and %d, was %d", MinKeys, MaxKeys, numKeys)
	}

	m := &SecretKeyMaterial{SecretKeys: make([][secretKeyLen]byte, numKeys)}
	if err := readFullScalar(rng, m.CertSecretKey[:]); err != nil {
		return nil, fmt.Errorf("generate cert key: %w", err)
	}
	for i := range m.SecretKeys {
		if err := readFullScalar(rng, m.SecretKeys[i][:]); err != nil {
			return nil, fmt.Errorf("generate signing key %d: %w", i, err)
		}
	}
	return m, nil
}

// readFullScalar fills out with random bytes suitable as a secp256k1/P-256
// private scalar. Rejecting all-zero draws costs nothing at these odds and
// avoids ever handing back a degenerate key.
func readFullScalar(rng io.Reader, out []byte) error {
	for {
		if _, err := io.ReadFull(rng, out); err != nil {
			return err
		}
		nonZero := false
		for _, b := range out {
			if b != 0 {
				nonZero = true
				break
			}
		}
		if nonZero {
			return nil
		}
	}
}

// EcdsaSignature is a secp256k1 signature together with the bits needed to
// recover the signer's public key from it, matching Ethereum's recovery-id
// convention: v = 27 + isYOdd + 2*isXReduced (isXReduced is the rare case
// where the R point's x-coordinate exceeded the curve order and was
// reduced mod n).
type EcdsaSignature struct {
	R          [32]byte
	S          [32]byte
	IsYOdd     bool
	IsXReduced bool
}

// SecretPubKeyPair is one secp256k1 signing key together with its derived
// public key and Ethereum address.
type SecretPubKeyPair struct {
	secretKey *secp256k1.PrivateKey
	publicKey *secp256k1.PublicKey
}

// NewSecretPubKeyPair derives the public key for a raw secp256k1 secret
// scalar.
func NewSecretPubKeyPair(secretKey [secretKeyLen]byte) *SecretPubKeyPair {
	priv := secp256k1.PrivKeyFromBytes(secretKey[:])
	return &SecretPubKeyPair{secretKey: priv, publicKey: priv.PubKey()}
}

// SecretKey returns the raw 32-byte private scalar.
func (p *SecretPubKeyPair) SecretKey() [secretKeyLen]byte {
	var out [secretKeyLen]byte
	copy(out[:], p.secretKey.Serialize())
	return out
}

// CompressedPublicKey returns the 33-byte SEC1-compressed public key, the
// form used on the wire for key-sync and attestation user-data.
func (p *SecretPubKeyPair) CompressedPublicKey() []byte {
	return p.publicKey.SerializeCompressed()
}

// EthereumAddress derives the 20-byte Ethereum address for this key:
// Keccak-256 of the uncompressed public key (minus its leading 0x04
// prefix byte), keeping only the last 20 bytes.
func (p *SecretPubKeyPair) EthereumAddress() [20]byte {
	uncompressed := p.publicKey.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	digest := h.Sum(nil)

	var addr [20]byte
	copy(addr[:], digest[len(digest)-20:])
	return addr
}

// ECDSASignPrehash signs a pre-hashed 32-byte digest, returning a signature
// in the compact r/s/recovery-bits form EIP-155/legacy Ethereum
// transaction signing needs.
func (p *SecretPubKeyPair) ECDSASignPrehash(prehash [32]byte) (EcdsaSignature, error) {
	compact := dcrecdsa.SignCompact(p.secretKey, prehash[:], false)
	if len(compact) != 65 {
		return EcdsaSignature{}, fmt.Errorf("unexpected compact signature length %d", len(compact))
	}
	recoveryID := compact[0] - 27

	var sig EcdsaSignature
	copy(sig.R[:], compact[1:33])
	copy(sig.S[:], compact[33:65])
	sig.IsYOdd = recoveryID&1 == 1
	sig.IsXReduced = recoveryID&2 == 2
	return sig, nil
}

// KeyServer is the live, in-memory state of a sovereign's key pool: the
// certificate key plus the ordered pool of signing keys, with an index
// into the pool that callers currently treat as "active" for newly issued
// work. Versioned this way so a future key can be appended without
// invalidating signatures already produced under an earlier one.
type KeyServer struct {
	mu            sync.RWMutex
	certSecretKey *ecdsa.PrivateKey
	pairs         []*SecretPubKeyPair
	activeVersion int
}

// NewKeyServer builds a KeyServer from SecretKeyMaterial extracted locally
// or received via key-sync.
func NewKeyServer(material *SecretKeyMaterial) (*KeyServer, error) {
	if len(material.SecretKeys) == 0 {
		return nil, fmt.Errorf("key material has no signing keys")
	}
	certKey, err := certKeyFromBytes(material.CertSecretKey)
	if err != nil {
		return nil, fmt.Errorf("derive certificate key: %w", err)
	}

	pairs := make([]*SecretPubKeyPair, len(material.SecretKeys))
	for i, sk := range material.SecretKeys {
		pairs[i] = NewSecretPubKeyPair(sk)
	}
	return &KeyServer{certSecretKey: certKey, pairs: pairs, activeVersion: 0}, nil
}

// certKeyFromBytes interprets raw as a P-256 private scalar, matching
// the byte width secp256k1 and P-256 scalars share (32 bytes).
func certKeyFromBytes(raw [secretKeyLen]byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = new(big.Int).SetBytes(raw[:])
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(raw[:])
	if priv.D.Sign() == 0 {
		return nil, fmt.Errorf("certificate scalar is zero")
	}
	return priv, nil
}

// CertKey returns the P-256 certificate private key.
func (s *KeyServer) CertKey() *ecdsa.PrivateKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certSecretKey
}

// ExtractSecretKeyMaterial reassembles the raw SecretKeyMaterial this
// server was built from (or an equivalent of it), for re-export over
// key-sync to a new follower.
func (s *KeyServer) ExtractSecretKeyMaterial() *SecretKeyMaterial {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &SecretKeyMaterial{SecretKeys: make([][secretKeyLen]byte, len(s.pairs))}
	copy(m.CertSecretKey[:], s.certSecretKey.D.FillBytes(make([]byte, secretKeyLen)))
	for i, p := range s.pairs {
		m.SecretKeys[i] = p.SecretKey()
	}
	return m
}

// Pairs returns the signing-key pool.
func (s *KeyServer) Pairs() []*SecretPubKeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairs
}

// ActivePair returns the key pool's current active signing key.
func (s *KeyServer) ActivePair() *SecretPubKeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairs[s.activeVersion]
}

// RandReader is the source of randomness GenerateRandom uses outside of
// tests; exposed so callers don't need to import crypto/rand themselves.
var RandReader io.Reader = rand.Reader

// wireSecretKeyMaterial is SecretKeyMaterial's JSON wire shape: fixed-size
// byte arrays re-expressed as slices so they marshal as base64 strings
// instead of verbose per-byte number arrays.
type wireSecretKeyMaterial struct {
	CertSecretKey []byte   `json:"cert_secret_key"`
	SecretKeys    [][]byte `json:"secret_keys"`
}

// Marshal serializes m for transport over key-sync.
func (m *SecretKeyMaterial) Marshal() ([]byte, error) {
	wire := wireSecretKeyMaterial{
		CertSecretKey: m.CertSecretKey[:],
		SecretKeys:    make([][]byte, len(m.SecretKeys)),
	}
	for i, sk := range m.SecretKeys {
		wire.SecretKeys[i] = sk[:]
	}
	return json.Marshal(wire)
}

// UnmarshalSecretKeyMaterial is the inverse of Marshal.
func UnmarshalSecretKeyMaterial(data []byte) (*SecretKeyMaterial, error) {
	var wire wireSecretKeyMaterial
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal key material: %w", err)
	}
	if len(wire.CertSecretKey) != secretKeyLen {
		return nil, fmt.Errorf("cert secret key has wrong length %d", len(wire.CertSecretKey))
	}

	m := &SecretKeyMaterial{SecretKeys: make([][secretKeyLen]byte, len(wire.SecretKeys))}
	copy(m.CertSecretKey[:], wire.CertSecretKey)
	for i, sk := range wire.SecretKeys {
		if len(sk) != secretKeyLen {
			return nil, fmt.Errorf("signing key %d has wrong length %d", i, len(sk))
		}
		copy(m.SecretKeys[i][:], sk)
	}
	return m, nil
}
