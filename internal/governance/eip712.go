package governance

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// keccak256 returns the Keccak-256 digest of data (NOT the SHA3-256
// variant — Ethereum's "keccak256" predates the final SHA-3 padding change).
func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

const (
	domainTypeString  = "EIP712Domain(uint256 chainId,address verifyingContract)"
	messageTypeString = "SafeMessage(bytes message)"
)

// safeMessageHash computes the EIP-712 digest Safe{Wallet} uses to index a
// proposed message: keccak256(0x1901 || domainSeparator || structHash),
// where the struct being hashed is SafeMessage{message: keccak256("\x19Ethereum
// Signed Message:\n"+len+message)}.
func safeMessageHash(chainID uint64, walletAddress, message string) (string, error) {
	innerDigest := personalMessageHash(message)

	domainHash := keccak256(append(keccak256([]byte(domainTypeString)), encodeDomainParams(chainID, walletAddress)...))

	messageHash := keccak256(append(keccak256([]byte(messageTypeString)), keccak256(mustHexDecode(innerDigest))...))

	digestInput := append([]byte{0x19, 0x01}, domainHash...)
	digestInput = append(digestInput, messageHash...)
	return "0x" + hex.EncodeToString(keccak256(digestInput)), nil
}

// personalMessageHash implements the "\x19Ethereum Signed Message:\n{len}{message}" prefix hash.
func personalMessageHash(message string) string {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	sum := keccak256(append([]byte(prefix), []byte(message)...))
	return "0x" + hex.EncodeToString(sum)
}

func encodeDomainParams(chainID uint64, verifyingContract string) []byte {
	var out []byte
	var chainIDWord [32]byte
	putUint64BigEndian(chainIDWord[24:], chainID)
	out = append(out, chainIDWord[:]...)
	out = append(out, padHexLeft32(verifyingContract)...)
	return out
}

func putUint64BigEndian(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// padHexLeft32 left-pads a "0x..."-prefixed hex string to 32 bytes, matching
// the original implementation's abi-parameter encoding for address-shaped values.
func padHexLeft32(hexStr string) []byte {
	trimmed := strings.TrimPrefix(hexStr, "0x")
	padded := strings.Repeat("0", 64-len(trimmed)) + trimmed
	decoded, _ := hex.DecodeString(padded)
	return decoded
}

func mustHexDecode(hexStr string) []byte {
	trimmed := strings.TrimPrefix(hexStr, "0x")
	decoded, _ := hex.DecodeString(trimmed)
	return decoded
}
