package chain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// HashNormalization records what NormalizeContentHash had to do to its input.
type HashNormalization string

const (
	HashExact     HashNormalization = "exact"
	HashAbsent    HashNormalization = "absent"
	HashPadded    HashNormalization = "padded"
	HashTruncated HashNormalization = "truncated"
	HashInvalid   HashNormalization = "invalid"
)

// Lossy reports whether the caller's input was altered or discarded.
func (n HashNormalization) Lossy() bool {
	return n == HashPadded || n == HashTruncated || n == HashInvalid
}

// NormalizeContentHash converts a caller-supplied hex content hash into the
// bytes32 the escrow expects. Absent input yields the zero hash. Input that
// is not valid hex also yields the zero hash (HashInvalid); this includes an
// odd number of hex digits such as "0xabc", which is never nibble-padded.
// Shorter whole-byte input is left-padded with zeros, longer input is cut to
// its first 32 bytes.
//
// This never fails. Callers that care should inspect the returned
// normalization and surface a warning when it is Lossy.
func NormalizeContentHash(input string) (common.Hash, HashNormalization) {
	s := strings.TrimSpace(input)
	if s == "" {
		return common.Hash{}, HashAbsent
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return common.Hash{}, HashAbsent
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return common.Hash{}, HashInvalid
	}
	h := NormalizeHashBytes(b)
	switch {
	case len(b) < common.HashLength:
		return h, HashPadded
	case len(b) > common.HashLength:
		return h, HashTruncated
	default:
		return h, HashExact
	}
}

// NormalizeHashBytes fits b into exactly 32 bytes: left-padded with zeros
// when shorter, the first 32 bytes when longer.
func NormalizeHashBytes(b []byte) common.Hash {
	var h common.Hash
	if len(b) >= common.HashLength {
		copy(h[:], b[:common.HashLength])
		return h
	}
	copy(h[common.HashLength-len(b):], b)
	return h
}

// NormalizeAddress parses a hex address and rejects malformed or zero values.
// Mixed-case input must carry a valid EIP-55 checksum.
func NormalizeAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, ErrZeroAddress
	}
	body := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		if addr.Hex()[2:] != body {
			return common.Address{}, fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, s)
		}
	}
	return addr, nil
}

// SameAddress compares two hex addresses case-insensitively. Empty never matches.
func SameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
