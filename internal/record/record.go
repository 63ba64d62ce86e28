// Package record defines the tracked-file entity and its ledger encoding.
package record

import (
	"encoding/json"
	"fmt"
	"maps"
	"math/big"
	"path/filepath"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/pathkey"
)

// Metadata holds free-form user annotations.
type Metadata map[string]string

// ParseMetadata decodes a JSON object of strings. An empty string yields
// empty metadata.
func ParseMetadata(s string) (Metadata, error) {
	m := Metadata{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("%w: metadata: %w", apperr.ErrDecode, err)
	}
	if m == nil {
		m = Metadata{}
	}
	return m, nil
}

// String returns the compact JSON encoding.
func (m Metadata) String() string {
	if m == nil {
		return "{}"
	}
	b, _ := json.Marshal(map[string]string(m))
	return string(b)
}

// Equal compares two metadata maps; nil and empty are equal.
func (m Metadata) Equal(other Metadata) bool {
	return maps.Equal(m, other)
}

// Record is one tracked file. Key and Filename are always derived from Path.
type Record struct {
	Path      string       `json:"path"`
	Filename  string       `json:"filename"`
	Key       pathkey.Key  `json:"key"`
	CID       contentid.ID `json:"cid"`
	Timestamp uint64       `json:"timestamp"`
	Metadata  Metadata     `json:"metadata"`
}

// New builds an unconfirmed record for path and cid.
func New(path string, cid contentid.ID, meta Metadata) Record {
	canon := pathkey.Canonical(path)
	if meta == nil {
		meta = Metadata{}
	}
	return Record{
		Path:     canon,
		Filename: filepath.Base(filepath.FromSlash(canon)),
		Key:      pathkey.Derive(canon),
		CID:      cid,
		Metadata: meta,
	}
}

// FromFile reads path and returns an unconfirmed record with empty metadata.
func FromFile(path string) (Record, error) {
	cid, err := contentid.ComputeFile(path)
	if err != nil {
		return Record{}, err
	}
	return New(path, cid, nil), nil
}

// WithMetadata returns a copy of r carrying m.
func (r Record) WithMetadata(m Metadata) Record {
	if m == nil {
		m = Metadata{}
	}
	r.Metadata = maps.Clone(m)
	return r
}

// SetMetadata replaces the metadata in place.
func (r *Record) SetMetadata(m Metadata) {
	*r = r.WithMetadata(m)
}

// SetTimestamp stores the ledger-assigned timestamp.
func (r *Record) SetTimestamp(ts uint64) {
	r.Timestamp = ts
}

// Confirmed reports whether the ledger has assigned a timestamp.
func (r Record) Confirmed() bool { return r.Timestamp > 0 }

// Validate checks the derived-field invariants.
func (r Record) Validate() error {
	if r.Path == "" {
		return fmt.Errorf("%w: record has empty path", apperr.ErrDecode)
	}
	if r.Key != pathkey.Derive(r.Path) {
		return fmt.Errorf("%w: key %s does not match path %q", apperr.ErrDecode, r.Key.Hex(), r.Path)
	}
	if r.Filename != filepath.Base(filepath.FromSlash(r.Path)) {
		return fmt.Errorf("%w: filename %q does not match path %q", apperr.ErrDecode, r.Filename, r.Path)
	}
	if !r.CID.Defined() {
		return fmt.Errorf("%w: record %q has no content identifier", apperr.ErrDecode, r.Path)
	}
	return nil
}

// Equal compares every field.
func (r Record) Equal(o Record) bool {
	return r.Path == o.Path && r.Key == o.Key && r.Filename == o.Filename &&
		r.CID.Equals(o.CID) && r.Timestamp == o.Timestamp && r.Metadata.Equal(o.Metadata)
}

// Encode returns the ledger call arguments (path, cid, metadata JSON).
func (r Record) Encode() (path, cid, metadata string) {
	return r.Path, r.CID.String(), r.Metadata.String()
}

// Decode builds a record from a ledger read tuple
// (path string, cid string, timestamp, metadata string). Key and filename
// are re-derived from path.
func Decode(values []any) (Record, error) {
	if len(values) != 4 {
		return Record{}, fmt.Errorf("%w: want 4 fields, got %d", apperr.ErrDecode, len(values))
	}
	path, ok := values[0].(string)
	if !ok {
		return Record{}, fmt.Errorf("%w: path: want string, got %T", apperr.ErrDecode, values[0])
	}
	if path == "" {
		return Record{}, fmt.Errorf("%w: path is empty", apperr.ErrDecode)
	}
	cidStr, ok := values[1].(string)
	if !ok {
		return Record{}, fmt.Errorf("%w: cid: want string, got %T", apperr.ErrDecode, values[1])
	}
	cid, err := contentid.Parse(cidStr)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", apperr.ErrDecode, err)
	}
	ts, err := timestamp(values[2])
	if err != nil {
		return Record{}, err
	}
	metaStr, ok := values[3].(string)
	if !ok {
		return Record{}, fmt.Errorf("%w: metadata: want string, got %T", apperr.ErrDecode, values[3])
	}
	meta, err := ParseMetadata(metaStr)
	if err != nil {
		return Record{}, err
	}

	r := New(path, cid, meta)
	r.Timestamp = ts
	return r, nil
}

func timestamp(v any) (uint64, error) {
	switch t := v.(type) {
	case uint64:
		return t, nil
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("%w: negative timestamp %d", apperr.ErrDecode, t)
		}
		return uint64(t), nil
	case *big.Int:
		if t == nil || t.Sign() < 0 || !t.IsUint64() {
			return 0, fmt.Errorf("%w: timestamp out of range: %v", apperr.ErrDecode, t)
		}
		return t.Uint64(), nil
	default:
		return 0, fmt.Errorf("%w: timestamp: want integer, got %T", apperr.ErrDecode, v)
	}
}
