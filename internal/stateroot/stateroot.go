// Package stateroot computes the deterministic digest that validators sign
// to attest to a balance snapshot: a Merkle root over (address, amount)
// pairs, domain-separated by channel id and double-hashed with keccak256.
package stateroot

import (
	"bytes"
	"encoding/hex"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ocean-validator/worker/internal/types"
)

const wordSize = 32

// Hash computes state_root = keccak256(keccak256(channelID ++ balanceRoot)),
// as raw 32 bytes. Callers hex-encode for the wire format.
func Hash(channelID string, balances types.BalancesMap) [32]byte {
	balanceRoot := BalanceRoot(balances)

	inner := crypto.Keccak256(idBytes(channelID), balanceRoot[:])
	var innerArr [32]byte
	copy(innerArr[:], inner)

	outer := crypto.Keccak256(innerArr[:])
	var out [32]byte
	copy(out[:], outer)
	return out
}

// HashHex is Hash encoded as a lowercase hex string, the wire form carried
// in NewState.StateRoot / Heartbeat.StateRoot.
func HashHex(channelID string, balances types.BalancesMap) string {
	h := Hash(channelID, balances)
	return hex.EncodeToString(h[:])
}

// HeartbeatHash computes the domain-separated liveness root
// keccak256(channelID ++ timestampMs ++ zeroRoot), distinct from any
// balance-state root so a heartbeat signature can never be replayed as a
// NewState signature or vice versa.
func HeartbeatHash(channelID string, timestampMs int64) [32]byte {
	var tsBytes [32]byte
	putUint64BE(tsBytes[24:], uint64(timestampMs))

	var zeroRoot [32]byte

	data := crypto.Keccak256(idBytes(channelID), tsBytes[:], zeroRoot[:])
	var out [32]byte
	copy(out[:], data)
	return out
}

// HeartbeatHashHex is HeartbeatHash encoded as a lowercase hex string.
func HeartbeatHashHex(channelID string, timestampMs int64) string {
	h := HeartbeatHash(channelID, timestampMs)
	return hex.EncodeToString(h[:])
}

// BalanceRoot computes the Merkle root of the sorted (address, amount)
// pairs in balances, each leaf serialized as 32-byte address || 32-byte
// big-endian amount, pairwise-hashed with keccak256 up the tree. The leaf
// hashes are sorted before the tree is built, so the result does not
// depend on map iteration order.
func BalanceRoot(balances types.BalancesMap) [32]byte {
	if len(balances) == 0 {
		return [32]byte{}
	}

	leaves := make([][]byte, 0, len(balances))
	for addr, amount := range balances {
		leaf := make([]byte, 0, wordSize*2)
		leaf = append(leaf, addrBytes(addr)...)

		amountBytes := make([]byte, wordSize)
		amount.Int().FillBytes(amountBytes)
		leaf = append(leaf, amountBytes...)

		leaves = append(leaves, crypto.Keccak256(leaf))
	}

	sort.Slice(leaves, func(i, j int) bool { return bytes.Compare(leaves[i], leaves[j]) < 0 })

	for len(leaves) > 1 {
		var next [][]byte
		for i := 0; i < len(leaves); i += 2 {
			if i+1 == len(leaves) {
				next = append(next, leaves[i])
				continue
			}
			next = append(next, hashPairSorted(leaves[i], leaves[i+1]))
		}
		leaves = next
	}

	var root [32]byte
	copy(root[:], leaves[0])
	return root
}

func hashPairSorted(a, b []byte) []byte {
	if bytes.Compare(a, b) <= 0 {
		return crypto.Keccak256(a, b)
	}
	return crypto.Keccak256(b, a)
}

// idBytes renders a channel id as 32 bytes: if it decodes as hex it is
// left-padded, otherwise it is hashed, so arbitrary identifiers (including
// non-hex test fixtures) still yield a stable 32-byte value.
func idBytes(id string) []byte {
	return to32(id)
}

func addrBytes(addr string) []byte {
	return to32(addr)
}

func to32(s string) []byte {
	if raw, ok := decodeHex(s); ok && len(raw) <= wordSize {
		out := make([]byte, wordSize)
		copy(out[wordSize-len(raw):], raw)
		return out
	}
	return crypto.Keccak256([]byte(s))
}

func decodeHex(s string) ([]byte, bool) {
	trimmed := s
	if len(trimmed) >= 2 && trimmed[0] == '0' && (trimmed[1] == 'x' || trimmed[1] == 'X') {
		trimmed = trimmed[2:]
	}
	if len(trimmed) == 0 || len(trimmed)%2 != 0 {
		return nil, false
	}
	out := make([]byte, len(trimmed)/2)
	for i := 0; i < len(out); i++ {
		hi, ok := hexVal(trimmed[2*i])
		if !ok {
			return nil, false
		}
		lo, ok := hexVal(trimmed[2*i+1])
		if !ok {
			return nil, false
		}
		out[i] = hi<<4 | lo
	}
	return out, true
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

func putUint64BE(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
