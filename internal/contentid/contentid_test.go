package contentid

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/crudfs/internal/apperr"
)

func TestComputeDeterministic(t *testing.T) {
	data := []byte("hello")
	a, err := Compute(bytes.NewReader(data))
	require.NoError(t, err)
	b, err := Compute(bytes.NewReader(data))
	require.NoError(t, err)
	assert.True(t, a.Equals(b))
	assert.Equal(t, a.String(), b.String())
}

func TestComputeDigestMatchesSHA256(t *testing.T) {
	// Longer than several blocks, with a tail that is not block aligned.
	data := make([]byte, 5*BlockSize+17)
	rand.New(rand.NewSource(1)).Read(data)

	id, err := Compute(bytes.NewReader(data))
	require.NoError(t, err)

	digest, err := id.Digest()
	require.NoError(t, err)
	want := sha256.Sum256(data)
	assert.Equal(t, want[:], digest)
}

func TestSingleByteMutationChangesID(t *testing.T) {
	data := []byte("the quick brown fox")
	base, err := Compute(bytes.NewReader(data))
	require.NoError(t, err)

	for i := range data {
		mutated := bytes.Clone(data)
		mutated[i] ^= 0x01
		got, err := Compute(bytes.NewReader(mutated))
		require.NoError(t, err)
		assert.False(t, base.Equals(got), "mutation at %d produced same id", i)
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "hello", "world\n"} {
		id, err := Compute(bytes.NewReader([]byte(s)))
		require.NoError(t, err)
		parsed, err := Parse(id.String())
		require.NoError(t, err)
		assert.True(t, parsed.Equals(id))
	}
}

func TestParseMalformed(t *testing.T) {
	for _, s := range []string{"", "not-a-cid", "bafy!!"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, apperr.ErrMalformedIdentifier, "input %q", s)
	}
}

func TestComputeFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	fromFile, err := ComputeFile(p)
	require.NoError(t, err)
	fromBytes, err := Compute(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.True(t, fromFile.Equals(fromBytes))

	_, err = ComputeFile(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, apperr.ErrFileNotFound)
	assert.ErrorIs(t, err, apperr.ErrIO)
}

func TestJSONIsCanonicalString(t *testing.T) {
	id, err := Compute(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)

	b, err := json.Marshal(id)
	require.NoError(t, err)
	assert.JSONEq(t, `"`+id.String()+`"`, string(b))

	var back ID
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back.Equals(id))
}

func TestVerifier(t *testing.T) {
	want, err := Compute(bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = io.Copy(&out, NewVerifier(bytes.NewReader([]byte("payload")), want))
	require.NoError(t, err)
	assert.Equal(t, "payload", out.String())

	_, err = io.Copy(io.Discard, NewVerifier(bytes.NewReader([]byte("edited")), want))
	assert.ErrorIs(t, err, apperr.ErrConflict)
}
