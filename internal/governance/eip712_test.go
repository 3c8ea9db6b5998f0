package governance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSafeMessageHashIsStable checks the EIP-712 digest governance indexes
// Safe lookups by is deterministic for identical inputs, and a well-formed
// 32-byte "0x"-prefixed hex digest.
func TestSafeMessageHashIsStable(t *testing.T) {
	hash1, err := safeMessageHash(1, "0x1111111111111111111111111111111111111111", "MOCK-CODE:aa:bb:cc")
	require.NoError(t, err)
	hash2, err := safeMessageHash(1, "0x1111111111111111111111111111111111111111", "MOCK-CODE:aa:bb:cc")
	require.NoError(t, err)

	require.Equal(t, hash1, hash2)
	require.True(t, len(hash1) == 66, "expected 0x + 64 hex chars, got %d chars", len(hash1))
	require.Equal(t, "0x", hash1[:2])
}

func TestSafeMessageHashDiffersByChainID(t *testing.T) {
	wallet := "0x1111111111111111111111111111111111111111"
	h1, err := safeMessageHash(1, wallet, "message")
	require.NoError(t, err)
	h2, err := safeMessageHash(5, wallet, "message")
	require.NoError(t, err)

	require.NotEqual(t, h1, h2)
}

func TestSafeMessageHashDiffersByMessage(t *testing.T) {
	wallet := "0x1111111111111111111111111111111111111111"
	h1, err := safeMessageHash(1, wallet, "message-a")
	require.NoError(t, err)
	h2, err := safeMessageHash(1, wallet, "message-b")
	require.NoError(t, err)

	require.NotEqual(t, h1, h2)
}

func TestSafeMessageHashDiffersByWallet(t *testing.T) {
	h1, err := safeMessageHash(1, "0x1111111111111111111111111111111111111111", "message")
	require.NoError(t, err)
	h2, err := safeMessageHash(1, "0x2222222222222222222222222222222222222222", "message")
	require.NoError(t, err)

	require.NotEqual(t, h1, h2)
}
