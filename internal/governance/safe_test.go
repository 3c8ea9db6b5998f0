package governance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sovereign-tee/sovereign/infrastructure/testutil"
)

const testWallet = "0x1111111111111111111111111111111111111111"

func newSafeServer(t *testing.T, messages map[string]safeMessage) *httptest.Server {
	t.Helper()
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.URL.Path[1 : len(r.URL.Path)-1] // strip leading "/" and trailing "/"
		msg, ok := messages[hash]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(msg))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSafeAuthorizeRejectsWhenMessageNotFound(t *testing.T) {
	server := newSafeServer(t, nil)
	cfg := SafeConfig{WalletAddress: testWallet, Threshold: 1, HTTPEndpoint: server.URL, ChainID: 1}

	auth := NewSafeAuthorizer(nil)
	err := auth.Authorize(context.Background(), cfg, "MOCK-CODE:aa:bb:cc")
	require.Error(t, err)
}

func TestSafeAuthorizeAcceptsConfirmedMessageAtThreshold(t *testing.T) {
	message := "MOCK-CODE:aa:bb:cc"
	hash, err := safeMessageHash(1, testWallet, message)
	require.NoError(t, err)

	server := newSafeServer(t, map[string]safeMessage{
		hash: {
			Safe:        testWallet,
			MessageHash: hash,
			Message:     message,
			Confirmations: []safeMessageConfirmation{
				{Owner: "0xAAA"},
				{Owner: "0xBBB"},
			},
		},
	})
	cfg := SafeConfig{WalletAddress: testWallet, Threshold: 2, HTTPEndpoint: server.URL, ChainID: 1}

	auth := NewSafeAuthorizer(nil)
	require.NoError(t, auth.Authorize(context.Background(), cfg, message))
}

func TestSafeAuthorizeRejectsBelowThreshold(t *testing.T) {
	message := "MOCK-CODE:aa:bb:cc"
	hash, err := safeMessageHash(1, testWallet, message)
	require.NoError(t, err)

	server := newSafeServer(t, map[string]safeMessage{
		hash: {
			Safe:          testWallet,
			MessageHash:   hash,
			Message:       message,
			Confirmations: []safeMessageConfirmation{{Owner: "0xAAA"}},
		},
	})
	cfg := SafeConfig{WalletAddress: testWallet, Threshold: 2, HTTPEndpoint: server.URL, ChainID: 1}

	auth := NewSafeAuthorizer(nil)
	err = auth.Authorize(context.Background(), cfg, message)
	require.Error(t, err)
}

func TestSafeAuthorizeRejectsRevokedMessage(t *testing.T) {
	message := "MOCK-CODE:aa:bb:cc"
	messageHash, err := safeMessageHash(1, testWallet, message)
	require.NoError(t, err)
	revokeHash, err := safeMessageHash(1, testWallet, "REVOKE: "+message)
	require.NoError(t, err)

	server := newSafeServer(t, map[string]safeMessage{
		messageHash: {
			Safe:          testWallet,
			MessageHash:   messageHash,
			Message:       message,
			Confirmations: []safeMessageConfirmation{{Owner: "0xAAA"}, {Owner: "0xBBB"}},
		},
		revokeHash: {
			Safe:        testWallet,
			MessageHash: revokeHash,
			Message:     "REVOKE: " + message,
		},
	})
	cfg := SafeConfig{WalletAddress: testWallet, Threshold: 1, HTTPEndpoint: server.URL, ChainID: 1}

	auth := NewSafeAuthorizer(nil)
	err = auth.Authorize(context.Background(), cfg, message)
	require.Error(t, err)
}
