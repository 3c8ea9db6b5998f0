// Command sovereign-anchor publishes a master-key anchoring bundle: it
// hashes a set of public keys a sovereign has generated, has the running
// sovereign sign an Ethereum transaction embedding that hash (over the
// local signing RPC, never touching key material directly), and writes
// the bundle and signed transaction to a local file.
//
// Grounded on the teacher's cmd/verify-bundle / globalsigner anchoring
// pattern: that tool verified a bundle hash against an on-chain
// attestation hash fetched over HTTP. This repository has no chain
// submission path (out of scope; see DESIGN.md), so the on-chain leg is
// replaced with a local bundle file the operator can publish by hand -
// the transaction is built and signed exactly as it would be before
// broadcast, just never sent.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/sovereign-tee/sovereign/infrastructure/config"
	"github.com/sovereign-tee/sovereign/infrastructure/utils"
	"github.com/sovereign-tee/sovereign/internal/ethtx"
	"github.com/sovereign-tee/sovereign/internal/keysync"
	"github.com/sovereign-tee/sovereign/internal/rpcsign"
	"github.com/sovereign-tee/sovereign/internal/sovereignconfig"
)

// anchorBundle is what gets written to --out: the public keys being
// anchored, their combined hash, and the signed transaction that commits
// to it.
type anchorBundle struct {
	PublicKeys  []string `json:"public_keys"`
	BundleHash  string   `json:"bundle_hash"`
	ChainID     uint64   `json:"chain_id,omitempty"`
	SignedTxRLP string   `json:"signed_tx_rlp"`
}

func main() {
	rpcSocket := flag.String("rpc-socket", sovereignconfig.DefaultRPCSocketPath, "path to the sovereign's local signing RPC socket")
	pubKeysCSV := flag.String("public-keys", "", "comma-separated hex-encoded compressed public keys to anchor")
	chainID := flag.Uint64("chain-id", 1, "EIP-155 chain ID to bind the anchoring transaction to (0 for legacy, unprotected signing)")
	out := flag.String("out", "anchor-bundle.json", "output file for the anchor bundle")
	flag.Parse()

	pubKeys := config.SplitAndTrimCSV(*pubKeysCSV)
	if len(pubKeys) == 0 {
		log.Fatal("--public-keys is required (comma-separated hex, at least one)")
	}

	bundleHash, err := hashPublicKeys(pubKeys)
	if err != nil {
		log.Fatalf("hash public keys: %v", err)
	}

	tx := &ethtx.LegacyTx{
		Nonce:    0,
		GasPrice: big.NewInt(0),
		GasLimit: 21000,
		Value:    big.NewInt(0),
		Data:     bundleHash[:],
	}

	var unsigned []byte
	if *chainID == 0 {
		unsigned = tx.UnsignedRLP()
	} else {
		unsigned = tx.EIP155UnsignedRLP(*chainID)
	}

	signedRLP, err := signOverRPC(*rpcSocket, unsigned)
	if err != nil {
		log.Fatalf("sign anchoring transaction: %v", err)
	}

	bundle := anchorBundle{
		PublicKeys:  pubKeys,
		BundleHash:  hex.EncodeToString(bundleHash[:]),
		ChainID:     *chainID,
		SignedTxRLP: hex.EncodeToString(signedRLP),
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		log.Fatalf("marshal bundle: %v", err)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.Fatalf("write bundle to %s: %v", *out, err)
	}

	fmt.Printf("Anchored %d public key(s). BundleHash=%s\nWrote %s\n", len(pubKeys), bundle.BundleHash, *out)
}

// hashPublicKeys hashes the concatenation of the decoded public keys in
// the order given, so reordering the bundle changes the anchor.
func hashPublicKeys(pubKeysHex []string) ([32]byte, error) {
	h := sha256.New()
	for _, pk := range pubKeysHex {
		decoded, err := hex.DecodeString(pk)
		if err != nil {
			return [32]byte{}, fmt.Errorf("decode public key %q: %w", pk, err)
		}
		h.Write(decoded)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// signOverRPC sends a sign-ethereum-transaction request to the sovereign's
// local signing RPC and returns the signed RLP payload. The dial is retried
// briefly, since an operator running this tool right after starting the
// sovereign can race the RPC listener's bootstrap.
func signOverRPC(socketPath string, unsignedRLP []byte) ([]byte, error) {
	var conn net.Conn
	dialErr := utils.Retry(func() error {
		c, err := net.Dial("unix", socketPath)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, utils.RetryOpts{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2.0})
	if dialErr != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, dialErr)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := rpcsign.Request{
		Method:   "sign-ethereum-transaction",
		KeyIndex: uint32(rpcsign.Ethereum),
		TxData:   unsignedRLP,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := keysync.WriteMessage(ctx, conn, raw); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	respRaw, err := keysync.ReadMessage(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp rpcsign.Response
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("signing RPC: %s", resp.Error)
	}
	return resp.TxData, nil
}
