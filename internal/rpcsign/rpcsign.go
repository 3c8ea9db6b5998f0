// Package rpcsign is the local, trusted-caller-only signing surface a
// sovereign exposes once its key material is live: a Unix-domain socket
// speaking the same length-prefixed JSON framing key-sync uses, narrowed
// to four operations (sign a digest, sign a message, sign an Ethereum
// transaction, recover an Ethereum address) against the key pool
// internal/keymaterial already manages.
//
// Grounded on original_source/sovereign/enclave/src/grpc.rs's
// SignerServiceImpl, with its gRPC/protobuf transport replaced by the
// same framing internal/keysync uses and its RLP/tiny_keccak dependencies
// replaced by internal/rlp and golang.org/x/crypto/sha3.
package rpcsign

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"net"

	"golang.org/x/crypto/sha3"

	"github.com/sovereign-tee/sovereign/internal/keymaterial"
	"github.com/sovereign-tee/sovereign/internal/keysync"
	"github.com/sovereign-tee/sovereign/internal/rlp"
)

// BuiltinSigningKey selects which pool key a request targets when its
// KeyIndex is zero, mirroring the original service's
// BUILTIN_SIGNING_KEY_* enum: key_index itself is 1-based, with 0 meaning
// "use the method's default."
type BuiltinSigningKey uint32

const (
	Unspecified     BuiltinSigningKey = 0
	ServiceResponse BuiltinSigningKey = 1
	Ethereum        BuiltinSigningKey = 2
)

// HashFunction selects the digest algorithm SignMessage hashes its input
// with before signing.
type HashFunction string

const (
	Sha256    HashFunction = "sha256"
	Keccak256 HashFunction = "keccak256"
)

// Request is one signing RPC call, JSON-encoded over a length-prefixed
// frame.
type Request struct {
	Method       string       `json:"method"`
	KeyIndex     uint32       `json:"key_index,omitempty"`
	Digest       []byte       `json:"digest,omitempty"`
	Message      []byte       `json:"message,omitempty"`
	HashFunction HashFunction `json:"hash_function,omitempty"`
	TxData       []byte       `json:"tx_data,omitempty"`
}

// EcdsaSignatureWire is the wire shape of a signature response.
type EcdsaSignatureWire struct {
	R          []byte `json:"r"`
	S          []byte `json:"s"`
	IsYOdd     bool   `json:"is_y_odd"`
	IsXReduced bool   `json:"is_x_reduced"`
}

// Response is one signing RPC's result.
type Response struct {
	Signature       *EcdsaSignatureWire `json:"signature,omitempty"`
	EthereumAddress string              `json:"ethereum_address,omitempty"`
	TxData          []byte              `json:"tx_data,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// maxMessageLen caps a single request/response message, mirroring the
// original service's 1MiB sign-message limit generalized to the whole
// framed payload.
const maxMessageLen = 1 << 20

// Server dispatches signing RPC requests against a live key pool.
type Server struct {
	KeyServer *keymaterial.KeyServer
}

// Serve accepts connections on listener until ctx is canceled, handling
// each on its own goroutine. A connection may carry any number of
// sequential request/response exchanges; it is closed on the first
// framing error or when the peer closes its side.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		raw, err := keysync.ReadMessage(ctx, conn)
		if err != nil {
			return
		}
		resp := s.dispatch(raw)
		respRaw, err := marshalResponse(resp)
		if err != nil {
			return
		}
		if err := keysync.WriteMessage(ctx, conn, respRaw); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(raw []byte) Response {
	req, err := unmarshalRequest(raw)
	if err != nil {
		return Response{Error: err.Error()}
	}

	switch req.Method {
	case "sign-digest":
		return s.signDigest(req)
	case "sign-message":
		return s.signMessage(req)
	case "sign-ethereum-transaction":
		return s.signEthereumTransaction(req)
	case "get-ethereum-address":
		return s.getEthereumAddress(req)
	default:
		return Response{Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (s *Server) resolveKey(keyIndex uint32, fallback BuiltinSigningKey) (*keymaterial.SecretPubKeyPair, error) {
	if fallback == Unspecified {
		panic("resolveKey called with no default")
	}
	idx := keyIndex
	if BuiltinSigningKey(idx) == Unspecified {
		idx = uint32(fallback)
	}
	if idx == 0 {
		return nil, fmt.Errorf("key_index must not be zero")
	}
	pairs := s.KeyServer.Pairs()
	zeroBased := idx - 1
	if int(zeroBased) >= len(pairs) {
		return nil, fmt.Errorf("key_index must not be greater than %d", len(pairs))
	}
	return pairs[zeroBased], nil
}

func (s *Server) signDigest(req Request) Response {
	pair, err := s.resolveKey(req.KeyIndex, ServiceResponse)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if len(req.Digest) != 32 {
		return Response{Error: fmt.Sprintf("digest must be 32 bytes, was %d", len(req.Digest))}
	}
	var digest [32]byte
	copy(digest[:], req.Digest)

	sig, err := pair.ECDSASignPrehash(digest)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{Signature: toWireSignature(sig)}
}

func (s *Server) signMessage(req Request) Response {
	pair, err := s.resolveKey(req.KeyIndex, ServiceResponse)
	if err != nil {
		return Response{Error: err.Error()}
	}
	if len(req.Message) > 1<<20 {
		return Response{Error: "message too long"}
	}
	digest, err := hashMessage(req.Message, req.HashFunction)
	if err != nil {
		return Response{Error: err.Error()}
	}
	sig, err := pair.ECDSASignPrehash(digest)
	if err != nil {
		return Response{Error: err.Error()}
	}
	// Ethereum-flavored wire format: r || s || recovery bit.
	out := make([]byte, 0, 65)
	out = append(out, sig.R[:]...)
	out = append(out, sig.S[:]...)
	var recovery byte
	if sig.IsYOdd {
		recovery = 1
	}
	out = append(out, recovery)
	return Response{TxData: out}
}

func (s *Server) getEthereumAddress(req Request) Response {
	pair, err := s.resolveKey(req.KeyIndex, Ethereum)
	if err != nil {
		return Response{Error: err.Error()}
	}
	addr := pair.EthereumAddress()
	return Response{EthereumAddress: fmt.Sprintf("%x", addr)}
}

// signEthereumTransaction re-signs an unsigned (or placeholder-signed)
// legacy/EIP-155 RLP transaction, substituting the real v/r/s produced by
// the pool's key: it keeps the caller's first six fields verbatim and
// recomputes v/r/s itself, so the caller never hands key material to the
// network side at all.
func (s *Server) signEthereumTransaction(req Request) Response {
	pair, err := s.resolveKey(req.KeyIndex, Ethereum)
	if err != nil {
		return Response{Error: err.Error()}
	}

	items, err := rlp.DecodeList(req.TxData)
	if err != nil {
		return Response{Error: fmt.Sprintf("decode message: %v", err)}
	}
	if len(items) != 6 && len(items) != 9 {
		return Response{Error: fmt.Sprintf("invalid number of RLP items: %d; expected 6 or 9", len(items))}
	}

	var chainID uint64
	hasChainID := len(items) == 9
	if hasChainID {
		raw, err := rlp.DecodeBytes(items[6])
		if err != nil {
			return Response{Error: fmt.Sprintf("decode chain ID: %v", err)}
		}
		chainID = new(big.Int).SetBytes(raw).Uint64()
	}

	digest := keccak256(req.TxData)
	sig, err := pair.ECDSASignPrehash(digest)
	if err != nil {
		return Response{Error: err.Error()}
	}

	recoveryID := uint64(0)
	if sig.IsYOdd {
		recoveryID = 1
	}
	var v uint64
	if hasChainID {
		v = chainID*2 + 35 + recoveryID
	} else {
		v = 27 + recoveryID
	}

	encoded := rlp.EncodeList(
		items[0], items[1], items[2], items[3], items[4], items[5],
		rlp.EncodeUint64(v),
		rlp.EncodeBytes(trimLeadingZeros(sig.R[:])),
		rlp.EncodeBytes(trimLeadingZeros(sig.S[:])),
	)
	return Response{TxData: encoded}
}

func trimLeadingZeros(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}

func hashMessage(message []byte, fn HashFunction) ([32]byte, error) {
	switch fn {
	case Sha256, "":
		return sha256.Sum256(message), nil
	case Keccak256:
		var out [32]byte
		copy(out[:], keccak256(message))
		return out, nil
	default:
		return [32]byte{}, fmt.Errorf("unknown hash function %q", fn)
	}
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

func toWireSignature(sig keymaterial.EcdsaSignature) *EcdsaSignatureWire {
	return &EcdsaSignatureWire{
		R:          sig.R[:],
		S:          sig.S[:],
		IsYOdd:     sig.IsYOdd,
		IsXReduced: sig.IsXReduced,
	}
}

func unmarshalRequest(raw []byte) (Request, error) {
	var req Request
	if len(raw) > maxMessageLen {
		return req, fmt.Errorf("request too large: %d bytes", len(raw))
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func marshalResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}
