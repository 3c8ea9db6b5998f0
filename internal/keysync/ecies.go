package keysync

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sovereign-tee/sovereign/internal/crypto"
)

const (
	// compressedPubKeyLen is the length of a SEC1-compressed secp256k1 public key.
	compressedPubKeyLen = 33
	eciesHKDFInfo        = "sovereign-ecies-v1"
	eciesAESKeyLen       = 32
)

// eciesEncrypt implements the ECIES hybrid-encryption scheme used to
// transfer key material to a follower's ephemeral public key: an ephemeral
// secp256k1 keypair is generated, ECDH'd against the recipient's public
// key, and the resulting shared secret is stretched via HKDF-SHA256 into an
// AES-256-GCM key. The wire format is ephemeralPubKey(33) || aesGcmSealed.
func eciesEncrypt(recipientPubKey []byte, plaintext []byte) ([]byte, error) {
	recipient, err := secp256k1.ParsePubKey(recipientPubKey)
	if err != nil {
		return nil, fmt.Errorf("parse recipient public key: %w", err)
	}

	ephemeralPriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephemeralPub := ephemeralPriv.PubKey().SerializeCompressed()

	shared := secp256k1.GenerateSharedSecret(ephemeralPriv, recipient)
	aesKey, err := crypto.DeriveKey(shared, ephemeralPub, eciesHKDFInfo, eciesAESKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive ECIES key: %w", err)
	}

	sealed, err := crypto.Encrypt(aesKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal ECIES payload: %w", err)
	}

	out := make([]byte, 0, compressedPubKeyLen+len(sealed))
	out = append(out, ephemeralPub...)
	out = append(out, sealed...)
	return out, nil
}

// eciesDecrypt is the inverse of eciesEncrypt, using the recipient's own
// secp256k1 private key.
func eciesDecrypt(recipientPrivKey []byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < compressedPubKeyLen {
		return nil, fmt.Errorf("ECIES ciphertext too short")
	}
	ephemeralPub, err := secp256k1.ParsePubKey(ciphertext[:compressedPubKeyLen])
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral public key: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(recipientPrivKey)

	shared := secp256k1.GenerateSharedSecret(priv, ephemeralPub)
	aesKey, err := crypto.DeriveKey(shared, ciphertext[:compressedPubKeyLen], eciesHKDFInfo, eciesAESKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive ECIES key: %w", err)
	}

	return crypto.Decrypt(aesKey, ciphertext[compressedPubKeyLen:])
}
