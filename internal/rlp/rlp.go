// Package rlp implements the minimal subset of Ethereum's Recursive Length
// Prefix encoding the sovereign needs to build and verify legacy and
// EIP-155 transaction signing payloads: encoding scalars/byte-strings and
// lists of them, and decoding a top-level list back into its raw items.
// This is not a general-purpose RLP codec — it only needs to round-trip
// the flat list-of-byte-strings shape a legacy transaction is.
package rlp

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// EncodeUint64 RLP-encodes x as a big-endian byte string with no leading
// zero bytes (zero itself encodes as the empty string).
func EncodeUint64(x uint64) []byte {
	if x == 0 {
		return EncodeBytes(nil)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], x)
	i := 0
	for i < len(buf) && buf[i] == 0 {
		i++
	}
	return EncodeBytes(buf[i:])
}

// EncodeBigInt RLP-encodes a non-negative big.Int the same way EncodeUint64
// encodes a uint64, for values too large to fit in 64 bits (e.g. "value" in wei).
func EncodeBigInt(x *big.Int) []byte {
	if x == nil || x.Sign() == 0 {
		return EncodeBytes(nil)
	}
	return EncodeBytes(x.Bytes())
}

// EncodeBytes RLP-encodes a byte string.
func EncodeBytes(b []byte) []byte {
	if len(b) == 1 && b[0] < 0x80 {
		return []byte{b[0]}
	}
	return append(encodeLengthPrefix(0x80, 0xb7, len(b)), b...)
}

// EncodeList RLP-encodes a list whose items are already individually
// RLP-encoded (as returned by EncodeBytes/EncodeUint64/EncodeList).
func EncodeList(items ...[]byte) []byte {
	var payload []byte
	for _, item := range items {
		payload = append(payload, item...)
	}
	return append(encodeLengthPrefix(0xc0, 0xf7, len(payload)), payload...)
}

// encodeLengthPrefix builds the header byte(s) for a string (shortBase
// 0x80, longBase 0xb7) or list (shortBase 0xc0, longBase 0xf7) of the given
// payload length.
func encodeLengthPrefix(shortBase, longBase byte, length int) []byte {
	if length < 56 {
		return []byte{shortBase + byte(length)}
	}
	lenBytes := minimalBigEndian(uint64(length))
	header := append([]byte{longBase + byte(len(lenBytes))}, lenBytes...)
	return header
}

func minimalBigEndian(x uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], x)
	i := 0
	for i < len(buf)-1 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// ErrInvalidRLP is returned by DecodeList when data is not a well-formed
// RLP list. The empty-list encoding 0xc0 is well formed: it decodes to zero
// items without an error.
var ErrInvalidRLP = fmt.Errorf("invalid RLP encoding")

// DecodeList decodes a single top-level RLP list and returns its items as
// raw (still RLP-encoded) byte slices, one per item, in order. It returns
// ErrInvalidRLP if data is not exactly one well-formed list with no
// trailing bytes.
func DecodeList(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidRLP
	}
	prefix := data[0]
	if prefix < 0xc0 {
		return nil, fmt.Errorf("%w: not a list", ErrInvalidRLP)
	}

	var payload []byte
	switch {
	case prefix <= 0xf7:
		length := int(prefix - 0xc0)
		if len(data) < 1+length {
			return nil, fmt.Errorf("%w: truncated list", ErrInvalidRLP)
		}
		payload = data[1 : 1+length]
		if len(data) != 1+length {
			return nil, fmt.Errorf("%w: trailing bytes after list", ErrInvalidRLP)
		}
	default:
		lenOfLen := int(prefix - 0xf7)
		if len(data) < 1+lenOfLen {
			return nil, fmt.Errorf("%w: truncated list length", ErrInvalidRLP)
		}
		length := int(new(big.Int).SetBytes(data[1 : 1+lenOfLen]).Int64())
		start := 1 + lenOfLen
		if len(data) != start+length {
			return nil, fmt.Errorf("%w: trailing bytes after list", ErrInvalidRLP)
		}
		payload = data[start:]
	}

	var items [][]byte
	for len(payload) > 0 {
		item, rest, err := decodeOne(payload)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		payload = rest
	}
	return items, nil
}

// decodeOne decodes one RLP item (string or list) from the front of data,
// returning its full encoding and the remaining bytes.
func decodeOne(data []byte) (item []byte, rest []byte, err error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: empty input", ErrInvalidRLP)
	}
	prefix := data[0]
	switch {
	case prefix < 0x80:
		return data[:1], data[1:], nil
	case prefix <= 0xb7:
		length := int(prefix - 0x80)
		if len(data) < 1+length {
			return nil, nil, fmt.Errorf("%w: truncated string", ErrInvalidRLP)
		}
		return data[:1+length], data[1+length:], nil
	case prefix <= 0xbf:
		lenOfLen := int(prefix - 0xb7)
		if len(data) < 1+lenOfLen {
			return nil, nil, fmt.Errorf("%w: truncated string length", ErrInvalidRLP)
		}
		length := int(new(big.Int).SetBytes(data[1 : 1+lenOfLen]).Int64())
		end := 1 + lenOfLen + length
		if len(data) < end {
			return nil, nil, fmt.Errorf("%w: truncated string", ErrInvalidRLP)
		}
		return data[:end], data[end:], nil
	case prefix <= 0xf7:
		length := int(prefix - 0xc0)
		if len(data) < 1+length {
			return nil, nil, fmt.Errorf("%w: truncated list", ErrInvalidRLP)
		}
		return data[:1+length], data[1+length:], nil
	default:
		lenOfLen := int(prefix - 0xf7)
		if len(data) < 1+lenOfLen {
			return nil, nil, fmt.Errorf("%w: truncated list length", ErrInvalidRLP)
		}
		length := int(new(big.Int).SetBytes(data[1 : 1+lenOfLen]).Int64())
		end := 1 + lenOfLen + length
		if len(data) < end {
			return nil, nil, fmt.Errorf("%w: truncated list", ErrInvalidRLP)
		}
		return data[:end], data[end:], nil
	}
}

// DecodeBytes decodes a single RLP byte-string item (not a list) and
// returns its content.
func DecodeBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidRLP
	}
	if data[0] < 0x80 {
		return data[:1], nil
	}
	item, rest, err := decodeOne(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrInvalidRLP)
	}
	if item[0] >= 0xc0 {
		return nil, fmt.Errorf("%w: expected string, got list", ErrInvalidRLP)
	}
	switch {
	case item[0] < 0x80:
		return item, nil
	case item[0] <= 0xb7:
		return item[1:], nil
	default:
		lenOfLen := int(item[0] - 0xb7)
		return item[1+lenOfLen:], nil
	}
}
