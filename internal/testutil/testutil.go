// Package testutil provides shared test helpers for wiring a Service over
// in-process backends.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/starford/crudfs/internal/blob"
	"github.com/starford/crudfs/internal/blob/localfs"
	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/crudfs"
	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/ledger/memory"
	"github.com/starford/crudfs/internal/manifest"
	"github.com/starford/crudfs/internal/record"
)

// Env is a Service over a memory ledger, a MemMapFs blob store and a
// manifest in a temp directory.
type Env struct {
	Dir      string
	Ledger   *memory.Ledger
	Blobs    *Blobs
	Manifest *manifest.Store
	Service  *crudfs.Service
}

// NewEnv builds an Env. Extra options are passed to crudfs.New.
func NewEnv(t *testing.T, opts ...crudfs.Option) *Env {
	t.Helper()
	dir := t.TempDir()

	path := filepath.Join(dir, manifest.DefaultPath)
	if _, err := manifest.Init(path, ledger.ZeroAddress); err != nil {
		t.Fatal(err)
	}
	ms, err := manifest.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ms.Close() })

	store, err := localfs.New(afero.NewMemMapFs(), "/objects")
	if err != nil {
		t.Fatal(err)
	}
	blobs := &Blobs{Backend: store}
	led := memory.New()

	svc, err := crudfs.New(led, blobs, ms, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return &Env{Dir: dir, Ledger: led, Blobs: blobs, Manifest: ms, Service: svc}
}

// WriteFile writes content to name under the env directory and returns the
// absolute path.
func (e *Env) WriteFile(t *testing.T, name, content string) string {
	t.Helper()
	return WriteFile(t, e.Dir, name, content)
}

// WriteFile writes content to dir/name, creating parents.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// Blobs wraps a blob.Backend with call counters and fault injection.
type Blobs struct {
	blob.Backend

	mu       sync.Mutex
	puts     int
	failNext error
}

// FailNext makes the next Put or Get return err.
func (b *Blobs) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// Puts returns the number of Put calls.
func (b *Blobs) Puts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

func (b *Blobs) take() error {
	err := b.failNext
	b.failNext = nil
	return err
}

// Put implements blob.Backend.
func (b *Blobs) Put(ctx context.Context, rec record.Record) error {
	b.mu.Lock()
	b.puts++
	err := b.take()
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Backend.Put(ctx, rec)
}

// Get implements blob.Backend.
func (b *Blobs) Get(ctx context.Context, cid contentid.ID, dest string) (record.Record, error) {
	b.mu.Lock()
	err := b.take()
	b.mu.Unlock()
	if err != nil {
		return record.Record{}, err
	}
	return b.Backend.Get(ctx, cid, dest)
}
