// Package keysync implements the three-message protocol two sovereigns use
// to transfer key material between a fresh follower instance and an
// already-running leader, each authenticating the other's attestation
// document before trusting it with key material.
//
//	leader -> follower: M1{leader_nonce}
//	follower -> leader: M2{attestation(nonce: leader_nonce, pubkey: follower_pubkey, user_data: follower_nonce)}
//	leader -> follower: M3{attestation(nonce: follower_nonce, user_data: sha256(ciphertext)), ciphertext}
//
// Both directions attest the peer's freshly generated nonce to rule out
// replay, and the actual key material only ever crosses the wire
// ECIES-sealed to the follower's ephemeral public key (see ecies.go).
package keysync

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sovereign-tee/sovereign/internal/governance"
	"github.com/sovereign-tee/sovereign/internal/secmod"
)

// maxMessageSize caps a single key-sync frame at 64MiB, checked before any
// buffer is allocated so a malicious or corrupted length prefix cannot be
// used to force an out-of-memory allocation.
const maxMessageSize = 1 << 26

// defaultMessageTimeout bounds how long a single read or write of a
// key-sync message may take. Each of the three round-trip legs gets its
// own deadline so a wedged peer cannot hang key-sync forever.
const defaultMessageTimeout = 15 * time.Second

// protocolVersion is the only version this implementation speaks.
// Message1.Version is optional on the wire (omitted means 1), per the
// original implementation's v1 wire format never having needed to change.
const protocolVersion = 1

// message1 is sent by the leader first: a freshly generated nonce the
// follower must embed in its own attestation document.
type message1 struct {
	LeaderNonce [32]byte `json:"leader_nonce"`
	Version     *int     `json:"version,omitempty"`
}

// message2 is the follower's response: an attestation document binding
// LeaderNonce (as the document's nonce field), the follower's ephemeral
// public key, and a freshly generated follower nonce (as the document's
// user-data field) the leader must in turn embed in message3.
type message2 struct {
	AttestationDoc []byte `json:"attestation_doc"`
}

// message3 is the leader's final message: an attestation document binding
// the follower's nonce and a hash of the sealed key material, plus the
// ECIES-sealed key material itself.
type message3 struct {
	AttestationDoc   []byte `json:"attestation_doc"`
	EncryptedMessage []byte `json:"encrypted_message"`
}

func randomNonce() ([32]byte, error) {
	var n [32]byte
	// Uses the OS CSPRNG directly, not the security module's RNG: nonce
	// freshness only needs to be unpredictable to the peer, and routing it
	// through the (slower, rate-limited on real hardware) NSM device would
	// gain nothing.
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// ReadMessage reads one length-prefixed frame from conn: a 4-byte
// big-endian length followed by that many bytes. The length is validated
// against maxMessageSize before any buffer is allocated.
func ReadMessage(ctx context.Context, conn net.Conn) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read message length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", n, maxMessageSize)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}
	return buf, nil
}

// WriteMessage writes one length-prefixed frame to conn.
func WriteMessage(ctx context.Context, conn net.Conn, payload []byte) error {
	if len(payload) > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(payload), maxMessageSize)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write message length: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write message body: %w", err)
	}
	return nil
}

func readJSON(ctx context.Context, conn net.Conn, v interface{}) error {
	raw, err := ReadMessage(ctx, conn)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func writeJSON(ctx context.Context, conn net.Conn, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return WriteMessage(ctx, conn, raw)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultMessageTimeout)
}

// ServeFollower runs the follower side of key-sync over conn: it reads the
// leader's M1, generates an ephemeral secp256k1 keypair and its own nonce,
// sends M2, then reads and authenticates the leader's M3 and returns the
// decrypted key material.
func ServeFollower(ctx context.Context, mod secmod.Module, attestor secmod.Attestor, authorizer *governance.Authorizer, policy governance.Policy, conn net.Conn) ([]byte, error) {
	var m1 message1
	recvCtx, cancel := withTimeout(ctx)
	err := readJSON(recvCtx, conn, &m1)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("receive message1: %w", err)
	}

	followerPriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral follower key: %w", err)
	}
	followerPub := followerPriv.PubKey().SerializeCompressed()

	followerNonce, err := randomNonce()
	if err != nil {
		return nil, err
	}

	followerAttDoc, err := mod.NewAttestation(attestor, m1.LeaderNonce[:], followerPub, followerNonce[:])
	if err != nil {
		return nil, fmt.Errorf("attest follower: %w", err)
	}
	sendCtx, cancel := withTimeout(ctx)
	err = writeJSON(sendCtx, conn, message2{AttestationDoc: followerAttDoc})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("send message2: %w", err)
	}

	var m3 message3
	recvCtx, cancel = withTimeout(ctx)
	err = readJSON(recvCtx, conn, &m3)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("receive message3: %w", err)
	}

	leaderAtt, err := mod.Parse(m3.AttestationDoc)
	if err != nil {
		return nil, fmt.Errorf("parse leader attestation: %w", err)
	}
	encHash := sha256.Sum256(m3.EncryptedMessage)
	if err := leaderAtt.Verify(followerNonce[:], nil, encHash[:], nil); err != nil {
		return nil, fmt.Errorf("verify leader attestation: %w", err)
	}
	if err := authorizer.Authorize(ctx, policy, leaderAtt); err != nil {
		return nil, fmt.Errorf("authorize leader: %w", err)
	}

	plaintext, err := eciesDecrypt(followerPriv.Serialize(), m3.EncryptedMessage)
	if err != nil {
		return nil, fmt.Errorf("decrypt key material: %w", err)
	}
	return plaintext, nil
}

// ServeLeader runs the leader side of key-sync over conn: it generates and
// sends its nonce in M1, reads and authenticates the follower's M2, then
// ECIES-seals keyMaterial to the follower's ephemeral public key and sends
// it attested in M3.
func ServeLeader(ctx context.Context, mod secmod.Module, attestor secmod.Attestor, authorizer *governance.Authorizer, policy governance.Policy, keyMaterial []byte, conn net.Conn) error {
	leaderNonce, err := randomNonce()
	if err != nil {
		return err
	}
	version := protocolVersion

	sendCtx, cancel := withTimeout(ctx)
	err = writeJSON(sendCtx, conn, message1{LeaderNonce: leaderNonce, Version: &version})
	cancel()
	if err != nil {
		return fmt.Errorf("send message1: %w", err)
	}

	var m2 message2
	recvCtx, cancel := withTimeout(ctx)
	err = readJSON(recvCtx, conn, &m2)
	cancel()
	if err != nil {
		return fmt.Errorf("receive message2: %w", err)
	}

	followerAtt, err := mod.Parse(m2.AttestationDoc)
	if err != nil {
		return fmt.Errorf("parse follower attestation: %w", err)
	}
	if err := followerAtt.Verify(leaderNonce[:], nil, nil, nil); err != nil {
		return fmt.Errorf("verify follower attestation: %w", err)
	}
	if err := authorizer.Authorize(ctx, policy, followerAtt); err != nil {
		return fmt.Errorf("authorize follower: %w", err)
	}
	followerPub := followerAtt.PublicKey()
	if followerPub == nil {
		return fmt.Errorf("follower attestation missing public key")
	}
	followerNonce := followerAtt.UserData()
	if followerNonce == nil {
		return fmt.Errorf("follower attestation missing nonce")
	}

	sealed, err := eciesEncrypt(followerPub, keyMaterial)
	if err != nil {
		return fmt.Errorf("seal key material: %w", err)
	}
	encHash := sha256.Sum256(sealed)
	leaderAttDoc, err := mod.NewAttestation(attestor, followerNonce, nil, encHash[:])
	if err != nil {
		return fmt.Errorf("attest sealed delivery: %w", err)
	}

	sendCtx, cancel = withTimeout(ctx)
	err = writeJSON(sendCtx, conn, message3{AttestationDoc: leaderAttDoc, EncryptedMessage: sealed})
	cancel()
	if err != nil {
		return fmt.Errorf("send message3: %w", err)
	}
	return nil
}
