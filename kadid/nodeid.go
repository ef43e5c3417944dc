// Package kadid implements the 256-bit identifiers used throughout the
// DHT core: peer ids, content ids and the XOR distance metric between them.
package kadid

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/codahale/blake2"
	"github.com/wjh/hellobitcoin/base58check"
	"golang.org/x/crypto/sha3"
)

// Size is the width of a NodeId in bytes (256 bits).
const Size = 32

// addressVersion is the base58check version byte prepended to the
// human-readable form of a NodeId, mirroring the teacher's zif address
// format.
const addressVersion = "35"

// NodeId is an opaque 256-bit identifier. Peer NodeIds are derived from a
// peer's public key; content NodeIds are the SHA-256 hash of a Key.
type NodeId [Size]byte

// Key is an arbitrary byte string naming a DHT record or provider set.
// Its NodeId is the SHA-256 hash of the bytes, per spec.
type Key []byte

// NodeIdFromKey hashes key with SHA-256 to produce its NodeId, exactly as
// spec.md §3 requires for content keyspace placement.
func NodeIdFromKey(key Key) NodeId {
	sum := sha256.Sum256(key)
	return NodeId(sum)
}

// NodeIdFromPublicKey derives a peer NodeId from a raw public key, the way
// the teacher's dht.Address.Generate derives an address from an ed25519
// public key: one SHA3-256 pass, folded down with BLAKE2 to Size bytes.
// This keeps the sha3/blake2 dependencies exercised as a secondary
// derivation path behind the canonical SHA-256 hashing mandated by spec.md.
func NodeIdFromPublicKey(pub []byte) (NodeId, error) {
	if len(pub) == 0 {
		return NodeId{}, errors.New("kadid: empty public key")
	}

	first := sha3.Sum256(pub)

	h := blake2.New(&blake2.Config{Size: Size})
	h.Write(first[:])
	folded := h.Sum(nil)

	var id NodeId
	copy(id[:], folded)
	return id, nil
}

// String renders the NodeId as a base58check string, mirroring
// dht.Address.String in the teacher.
func (id NodeId) String() string {
	s, err := base58check.Encode(addressVersion, id[:])
	if err != nil {
		return hex.EncodeToString(id[:])
	}
	return s
}

// DecodeNodeId parses the output of String back into a NodeId.
func DecodeNodeId(s string) (NodeId, error) {
	raw, err := base58check.Decode(s)
	if err != nil {
		return NodeId{}, err
	}
	if len(raw) != Size {
		return NodeId{}, errors.New("kadid: decoded id has wrong length")
	}
	var id NodeId
	copy(id[:], raw)
	return id, nil
}

// Xor returns the bitwise XOR distance between two NodeIds, per spec.md's
// distance metric.
func Xor(a, b NodeId) NodeId {
	var out NodeId
	for i := 0; i < Size; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Less reports whether a, interpreted as an unsigned big-endian integer, is
// strictly smaller than b. Used to compare XOR distances ("closer" means
// numerically smaller) and to break distance ties by lexicographic id order
// per spec.md §4.2.
func Less(a, b NodeId) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// CommonPrefixLen returns the number of leading bits shared between a and
// b — equivalently, the number of leading zero bits of Xor(a, b). This is
// the k-bucket index a peer belongs in, mirroring
// dht.Address.LeadingZeroes. Equal ids yield Size*8-1, the last bucket
// index, rather than Size*8.
func CommonPrefixLen(a, b NodeId) int {
	d := Xor(a, b)
	for i := 0; i < Size; i++ {
		if d[i] == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if d[i]&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return Size*8 - 1
}

// NumBuckets is the number of k-buckets a PeerRoutingTable maintains — one
// per bit of a NodeId.
const NumBuckets = Size * 8

// Equal reports whether two NodeIds are identical.
func Equal(a, b NodeId) bool {
	return a == b
}

// DistanceLess reports whether target is closer to a than to b, i.e.
// Xor(a, target) < Xor(b, target).
func DistanceLess(a, b, target NodeId) bool {
	return Less(Xor(a, target), Xor(b, target))
}
