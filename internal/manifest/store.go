package manifest

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
)

// Store owns one manifest file for the lifetime of the process. Every
// mutation is flushed to disk before Update returns.
type Store struct {
	path string
	fs   afero.Fs
	lock *fileLock

	mu sync.RWMutex
	m  *Manifest
}

// Open loads the manifest at path and takes an exclusive advisory lock on
// "<path>.lock". A second Open of the same file fails while the first
// handle is alive.
func Open(path string) (*Store, error) {
	lock, err := acquire(path + ".lock")
	if err != nil {
		return nil, err
	}
	m, err := Read(path)
	if err != nil {
		lock.release()
		return nil, err
	}
	return &Store{path: path, fs: afero.NewOsFs(), lock: lock, m: m}, nil
}

// Init writes a new empty manifest bound to address. It refuses to
// overwrite an existing file.
func Init(path, address string) (*Manifest, error) {
	m, err := New(address)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: manifest %s", apperr.ErrAlreadyExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: stat %s: %w", apperr.ErrIO, path, err)
	}
	if err := m.Write(path); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMemStore wraps m in a Store persisted to fsys without file locking.
func NewMemStore(fsys afero.Fs, path string, m *Manifest) *Store {
	return &Store{path: path, fs: fsys, m: m}
}

// Path returns the manifest file location.
func (s *Store) Path() string { return s.path }

// Address returns the ledger contract address the manifest is bound to.
func (s *Store) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.ContractAddress
}

// Contains reports whether path is tracked.
func (s *Store) Contains(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Contains(path)
}

// Get returns the record for path.
func (s *Store) Get(path string) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Get(path)
}

// GetKey returns the record stored under key.
func (s *Store) GetKey(key pathkey.Key) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.GetKey(key)
}

// Records returns a snapshot of all entries ordered by path.
func (s *Store) Records() []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Records()
}

// Snapshot returns a deep copy of the current manifest.
func (s *Store) Snapshot() *Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Clone()
}

// Update applies fn to a copy of the manifest and persists it. The in-memory
// state only changes once the write succeeded.
func (s *Store) Update(fn func(m *Manifest) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.m.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.WriteFs(s.fs, s.path); err != nil {
		return err
	}
	s.m = next
	return nil
}

// Add persists r.
func (s *Store) Add(r record.Record) error {
	return s.Update(func(m *Manifest) error {
		m.Add(r)
		return nil
	})
}

// Remove persists the removal of path.
func (s *Store) Remove(path string) error {
	return s.Update(func(m *Manifest) error {
		m.Remove(path)
		return nil
	})
}

// Close releases the file lock.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	err := s.lock.release()
	s.lock = nil
	return err
}
