// Package manifest is the local JSON index of tracked files, keyed by the
// hex form of each file's path key.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/afero"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
	"github.com/starford/crudfs/internal/storage"
)

// DefaultPath is used when no manifest path is configured.
const DefaultPath = "manifest.json"

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// AddressRule validates a ledger contract address.
var AddressRule = validation.Match(addressRe).Error("must be 0x followed by 40 hex characters")

// Manifest maps hex(key) to the record last confirmed for that key.
type Manifest struct {
	ContractAddress string                   `json:"contract_address"`
	Files           map[string]record.Record `json:"files"`
}

// ValidateAddress returns ErrInvalidLedgerAddress unless addr is a 0x-prefixed
// 20-byte hex address.
func ValidateAddress(addr string) error {
	if err := validation.Validate(addr, validation.Required, AddressRule); err != nil {
		return fmt.Errorf("%w: %q: %w", apperr.ErrInvalidLedgerAddress, addr, err)
	}
	return nil
}

// New returns an empty manifest bound to address.
func New(address string) (*Manifest, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	return &Manifest{ContractAddress: address, Files: map[string]record.Record{}}, nil
}

// Read loads the manifest at path from the OS file system.
func Read(path string) (*Manifest, error) {
	return ReadFs(afero.NewOsFs(), path)
}

// ReadFs loads the manifest at path from fsys.
func ReadFs(fsys afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest %s", apperr.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read manifest %s: %w", apperr.ErrIO, path, err)
	}
	return Parse(data)
}

// Parse decodes and checks a manifest document.
func Parse(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %w", apperr.ErrParse, err)
	}
	if err := ValidateAddress(m.ContractAddress); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrParse, err)
	}
	if m.Files == nil {
		m.Files = map[string]record.Record{}
	}
	for k, r := range m.Files {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%w: entry %s: %w", apperr.ErrParse, k, err)
		}
		if r.Key.Hex() != k {
			return nil, fmt.Errorf("%w: entry %s holds key %s", apperr.ErrParse, k, r.Key.Hex())
		}
	}
	return &m, nil
}

// Write serializes m as indented JSON and atomically replaces path.
func (m *Manifest) Write(path string) error {
	return m.WriteFs(afero.NewOsFs(), path)
}

// WriteFs is Write on fsys.
func (m *Manifest) WriteFs(fsys afero.Fs, path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := storage.WriteBytes(fsys, path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write manifest %s: %w", apperr.ErrIO, path, err)
	}
	return nil
}

// Marshal returns the on-disk encoding.
func (m *Manifest) Marshal() ([]byte, error) {
	files := m.Files
	if files == nil {
		files = map[string]record.Record{}
	}
	data, err := json.MarshalIndent(Manifest{ContractAddress: m.ContractAddress, Files: files}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode manifest: %w", apperr.ErrIO, err)
	}
	return append(data, '\n'), nil
}

// Contains reports whether path is tracked.
func (m *Manifest) Contains(path string) bool {
	_, ok := m.Files[pathkey.Derive(path).Hex()]
	return ok
}

// Get returns the record for path.
func (m *Manifest) Get(path string) (record.Record, bool) {
	return m.GetKey(pathkey.Derive(path))
}

// GetKey returns the record stored under key.
func (m *Manifest) GetKey(key pathkey.Key) (record.Record, bool) {
	r, ok := m.Files[key.Hex()]
	return r, ok
}

// Add inserts r under its key, replacing any previous entry.
func (m *Manifest) Add(r record.Record) {
	if m.Files == nil {
		m.Files = map[string]record.Record{}
	}
	m.Files[r.Key.Hex()] = r
}

// Remove drops the entry for path; absent paths are ignored.
func (m *Manifest) Remove(path string) {
	delete(m.Files, pathkey.Derive(path).Hex())
}

// Len returns the number of tracked files.
func (m *Manifest) Len() int { return len(m.Files) }

// Records returns every entry ordered by path.
func (m *Manifest) Records() []record.Record {
	out := make([]record.Record, 0, len(m.Files))
	for _, r := range m.Files {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{ContractAddress: m.ContractAddress, Files: make(map[string]record.Record, len(m.Files))}
	for k, r := range m.Files {
		c.Files[k] = r.WithMetadata(r.Metadata)
	}
	return c
}

// Exists reports whether a manifest file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
