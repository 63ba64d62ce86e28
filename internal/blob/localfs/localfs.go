// Package localfs is a content store on an afero file system: each object
// lives at <root>/<cid>.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/spf13/afero"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/blob"
	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/record"
	"github.com/starford/crudfs/internal/storage"
)

// Store implements blob.Backend.
type Store struct {
	objects afero.Fs
	root    string
	// local is where tracked files and download destinations live.
	local afero.Fs
}

// Option configures a Store.
type Option func(*Store)

// WithLocalFs replaces the file system used for source files and
// destinations (the OS by default).
func WithLocalFs(fsys afero.Fs) Option {
	return func(s *Store) { s.local = fsys }
}

// New returns a store keeping objects under root on objects.
func New(objects afero.Fs, root string, opts ...Option) (*Store, error) {
	if objects == nil {
		objects = afero.NewOsFs()
	}
	if err := objects.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: localfs: create root: %w", apperr.ErrStoreUnavailable, err)
	}
	s := &Store{objects: objects, root: root, local: afero.NewOsFs()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Put copies the file at rec.Path into the store. The copy is refused with
// ErrConflict when the file no longer hashes to rec.CID.
func (s *Store) Put(_ context.Context, rec record.Record) error {
	src, err := s.local.Open(rec.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %w: %s", apperr.ErrIO, apperr.ErrFileNotFound, rec.Path)
		}
		return fmt.Errorf("%w: open %s: %w", apperr.ErrIO, rec.Path, err)
	}
	defer src.Close()

	dst, err := s.objectPath(rec.CID)
	if err != nil {
		return err
	}
	if err := storage.WriteFile(s.objects, dst, contentid.NewVerifier(src, rec.CID), 0o644); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return fmt.Errorf("localfs: %s changed since it was hashed: %w", rec.Path, err)
		}
		return fmt.Errorf("%w: localfs: %w", apperr.ErrStoreUnavailable, err)
	}
	return nil
}

// Get copies the object for cid to dest.
func (s *Store) Get(_ context.Context, cid contentid.ID, dest string) (record.Record, error) {
	p, err := s.objectPath(cid)
	if err != nil {
		return record.Record{}, err
	}
	obj, err := s.objects.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return record.Record{}, &apperr.StatusError{Status: http.StatusNotFound, Body: cid.String()}
		}
		return record.Record{}, fmt.Errorf("%w: localfs: open %s: %w", apperr.ErrStoreUnavailable, cid, err)
	}
	defer obj.Close()

	if err := storage.WriteFile(s.local, dest, obj, 0o644); err != nil {
		return record.Record{}, fmt.Errorf("%w: %w", apperr.ErrIO, err)
	}
	return s.recordFor(dest)
}

// Has reports whether cid is stored.
func (s *Store) Has(cid contentid.ID) bool {
	p, err := s.objectPath(cid)
	if err != nil {
		return false
	}
	ok, _ := afero.Exists(s.objects, p)
	return ok
}

func (s *Store) objectPath(cid contentid.ID) (string, error) {
	if !cid.Defined() {
		return "", &apperr.StatusError{Status: http.StatusBadRequest, Body: "empty content identifier"}
	}
	p, err := storage.SafeJoin(s.root, cid.String())
	if err != nil {
		return "", &apperr.StatusError{Status: http.StatusBadRequest, Body: err.Error()}
	}
	return p, nil
}

func (s *Store) recordFor(path string) (record.Record, error) {
	if _, ok := s.local.(*afero.OsFs); ok {
		return record.FromFile(path)
	}
	f, err := s.local.Open(path)
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: open %s: %w", apperr.ErrIO, path, err)
	}
	defer f.Close()
	cid, err := contentid.Compute(f)
	if err != nil {
		return record.Record{}, err
	}
	return record.New(path, cid, nil), nil
}

var _ blob.Backend = (*Store)(nil)
