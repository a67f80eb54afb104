package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// HashSize of array used to store hashes.  See Hash.
const HashSize = 32

// Hash is used in several of the messages and common structures.  It
// typically represents the double sha256 of data.
type Hash [HashSize]byte

// String returns the Hash as the hexadecimal string of the byte-reversed
// hash.
func (hash Hash) String() string {
	for i := 0; i < HashSize/2; i++ {
		hash[i], hash[HashSize-1-i] = hash[HashSize-1-i], hash[i]
	}
	return hex.EncodeToString(hash[:])
}

// IsZero reports whether every byte of the hash is zero.
func (hash Hash) IsZero() bool {
	return hash == Hash{}
}

// Less orders hashes by their raw byte representation.
func (hash Hash) Less(other Hash) bool {
	for i := 0; i < HashSize; i++ {
		if hash[i] != other[i] {
			return hash[i] < other[i]
		}
	}
	return false
}

// NewHashFromStr creates a Hash from a hash string.  The string should be
// the hexadecimal string of a byte-reversed hash, but any missing characters
// result in zero padding at the end of the Hash.
func NewHashFromStr(hash string) (*Hash, error) {
	ret := new(Hash)
	if len(hash) > HashSize*2 {
		return nil, fmt.Errorf("hash string too long: %d characters", len(hash))
	}
	if len(hash)%2 != 0 {
		hash = "0" + hash
	}

	decoded, err := hex.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid hash string: %w", err)
	}

	// Reverse into the little-endian internal layout.
	for i, b := range decoded {
		ret[len(decoded)-1-i] = b
	}
	return ret, nil
}

// DoubleHashH calculates hash(hash(b)) and returns the resulting bytes as a
// Hash.
func DoubleHashH(b []byte) Hash {
	first := sha256.Sum256(b)
	return Hash(sha256.Sum256(first[:]))
}

// Checksum returns the first four bytes of the double sha256 of payload,
// interpreted as a little-endian integer.
func Checksum(payload []byte) uint32 {
	h := DoubleHashH(payload)
	return binary.LittleEndian.Uint32(h[:4])
}
