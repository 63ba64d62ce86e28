// Package pathkey derives the 32-byte identity key of a tracked file from its path.
package pathkey

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/starford/crudfs/internal/apperr"
)

// Size is the key length in bytes.
const Size = 32

// Key is Keccak-256 of a canonical path. It serializes to JSON as an array
// of 32 numbers.
type Key [Size]byte

// Canonical returns the form of path that is hashed and stored: lexically
// cleaned, forward slashes.
func Canonical(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// Derive hashes the canonical form of path.
func Derive(path string) Key {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(Canonical(path)))
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Hex returns the lower-case hex encoding without a 0x prefix.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

func (k Key) String() string { return k.Hex() }

// ParseHex decodes a 64-char hex key, with or without a 0x prefix.
func ParseHex(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return k, fmt.Errorf("%w: key %q: %w", apperr.ErrMalformedIdentifier, s, err)
	}
	if len(b) != Size {
		return k, fmt.Errorf("%w: key %q: want %d bytes, got %d", apperr.ErrMalformedIdentifier, s, Size, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// MarshalJSON writes the key as a list of byte values.
func (k Key) MarshalJSON() ([]byte, error) {
	ints := make([]int, Size)
	for i, b := range k {
		ints[i] = int(b)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON reads a list of 32 byte values.
func (k *Key) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("%w: key: %w", apperr.ErrDecode, err)
	}
	if len(ints) != Size {
		return fmt.Errorf("%w: key: want %d bytes, got %d", apperr.ErrDecode, Size, len(ints))
	}
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: key: byte %d out of range: %d", apperr.ErrDecode, i, v)
		}
		k[i] = byte(v)
	}
	return nil
}
