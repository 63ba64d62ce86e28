// Package contentid computes self-describing content identifiers for file bytes.
package contentid

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/starford/crudfs/internal/apperr"
)

// BlockSize is the read granularity used while hashing.
const BlockSize = 1024

// ID is an immutable content identifier: a CIDv1 with the raw codec wrapping
// a sha2-256 multihash of the content.
type ID struct {
	c cid.Cid
}

// Compute streams r through sha2-256 in BlockSize chunks.
func Compute(r io.Reader) (ID, error) {
	h := sha256.New()
	buf := make([]byte, BlockSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ID{}, fmt.Errorf("%w: read content: %w", apperr.ErrIO, err)
		}
	}
	return FromDigest(h.Sum(nil))
}

// ComputeFile opens path and computes its identifier.
func ComputeFile(path string) (ID, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ID{}, fmt.Errorf("%w: %w: %s", apperr.ErrIO, apperr.ErrFileNotFound, path)
		}
		return ID{}, fmt.Errorf("%w: open %s: %w", apperr.ErrIO, path, err)
	}
	defer f.Close()
	return Compute(f)
}

// FromDigest wraps a raw sha2-256 digest.
func FromDigest(digest []byte) (ID, error) {
	hash, err := mh.Encode(digest, mh.SHA2_256)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %w", apperr.ErrMalformedIdentifier, err)
	}
	return ID{c: cid.NewCidV1(cid.Raw, hash)}, nil
}

// Parse decodes the canonical string form. Any CID go-cid understands is
// accepted, including v0 "Qm..." identifiers.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("%w: empty identifier", apperr.ErrMalformedIdentifier)
	}
	c, err := cid.Decode(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %w", apperr.ErrMalformedIdentifier, s, err)
	}
	return ID{c: c}, nil
}

// MustParse is Parse that panics; for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	if !id.c.Defined() {
		return ""
	}
	return id.c.String()
}

// Defined reports whether id holds a value.
func (id ID) Defined() bool { return id.c.Defined() }

// Equals compares canonical string forms.
func (id ID) Equals(other ID) bool {
	return id.String() == other.String()
}

// Digest returns the raw hash bytes inside the multihash.
func (id ID) Digest() ([]byte, error) {
	dec, err := mh.Decode(id.c.Hash())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrMalformedIdentifier, err)
	}
	return dec.Digest, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Verifier passes bytes through while hashing them. When the underlying
// reader is exhausted it returns an ErrConflict error instead of io.EOF if
// the bytes do not hash to the expected identifier.
type Verifier struct {
	r    io.Reader
	want ID
	h    hash.Hash
}

// NewVerifier wraps r, expecting its full content to hash to want.
func NewVerifier(r io.Reader, want ID) *Verifier {
	return &Verifier{r: r, want: want, h: sha256.New()}
}

func (v *Verifier) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.h.Write(p[:n])
	}
	if errors.Is(err, io.EOF) {
		got, ferr := FromDigest(v.h.Sum(nil))
		if ferr != nil {
			return n, ferr
		}
		if !got.Equals(v.want) {
			return n, fmt.Errorf("%w: content is %s, expected %s", apperr.ErrConflict, got, v.want)
		}
	}
	return n, err
}
