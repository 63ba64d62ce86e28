package crudfs_test

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/blob"
	"github.com/starford/crudfs/internal/blob/localfs"
	"github.com/starford/crudfs/internal/crudfs"
	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/ledger/memory"
	"github.com/starford/crudfs/internal/manifest"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
	"github.com/starford/crudfs/internal/testutil"
)

func rejected(msg string) error {
	return fmt.Errorf("%w: %s", apperr.ErrLedgerRejected, msg)
}

// newService wires a Service with an in-memory manifest so tests can pick
// their own ledger and blob backends.
func newService(t *testing.T, led ledger.Backend, b blob.Backend, opts ...crudfs.Option) (*crudfs.Service, *manifest.Store) {
	t.Helper()
	m, err := manifest.New(ledger.ZeroAddress)
	require.NoError(t, err)
	ms := manifest.NewMemStore(afero.NewMemMapFs(), "/manifest.json", m)
	svc, err := crudfs.New(led, b, ms, opts...)
	require.NoError(t, err)
	return svc, ms
}

func memBlobs(t *testing.T) blob.Backend {
	t.Helper()
	s, err := localfs.New(afero.NewMemMapFs(), "/objects")
	require.NoError(t, err)
	return s
}

func TestCreate(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	path := env.WriteFile(t, "tmp/x", "hello")

	rec, err := env.Service.Create(ctx, path, record.Metadata{})
	require.NoError(t, err)

	digest, err := rec.CID.Digest()
	require.NoError(t, err)
	want := sha256.Sum256([]byte("hello"))
	assert.Equal(t, want[:], digest)
	assert.Greater(t, rec.Timestamp, uint64(0))
	assert.Equal(t, "x", rec.Filename)

	got, ok := env.Manifest.GetKey(pathkey.Derive(path))
	require.True(t, ok)
	assert.True(t, got.Equal(rec))
	assert.Equal(t, 1, env.Blobs.Puts())

	onDisk, err := manifest.Read(env.Manifest.Path())
	require.NoError(t, err)
	assert.True(t, onDisk.Contains(path))
}

func TestCreateAlreadyTracked(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	path := env.WriteFile(t, "a.txt", "hello")

	_, err := env.Service.Create(ctx, path, nil)
	require.NoError(t, err)

	_, err = env.Service.Create(ctx, path, nil)
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)
	assert.Equal(t, 1, env.Ledger.Calls(ledger.OpCreate))
	assert.Equal(t, 1, env.Blobs.Puts())
}

func TestCreateMissingFile(t *testing.T) {
	env := testutil.NewEnv(t)
	_, err := env.Service.Create(context.Background(), filepath.Join(env.Dir, "nope"), nil)
	assert.ErrorIs(t, err, apperr.ErrIO)
	assert.ErrorIs(t, err, apperr.ErrFileNotFound)
	assert.Zero(t, env.Ledger.Calls(ledger.OpCreate))
}

func TestUpdateThenRead(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	path := env.WriteFile(t, "notes.txt", "hello")

	created, err := env.Service.Create(ctx, path, record.Metadata{"k": "v1"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("world"), 0o644))
	next, err := record.FromFile(path)
	require.NoError(t, err)
	next.SetMetadata(record.Metadata{"k": "v2"})

	updated, err := env.Service.Update(ctx, next)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, updated.Timestamp, created.Timestamp)

	got, err := env.Service.Read(ctx, path)
	require.NoError(t, err)
	assert.True(t, got.CID.Equals(next.CID))
	assert.False(t, got.CID.Equals(created.CID))
	assert.Equal(t, record.Metadata{"k": "v2"}, got.Metadata)
	assert.GreaterOrEqual(t, got.Timestamp, created.Timestamp)
}

func TestUpdatePathKeepsMetadata(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	path := env.WriteFile(t, "doc.md", "v1")

	_, err := env.Service.Create(ctx, path, record.Metadata{"owner": "ops"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	got, err := env.Service.UpdatePath(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, record.Metadata{"owner": "ops"}, got.Metadata)

	meta := record.Metadata{}
	got, err = env.Service.UpdatePath(ctx, path, &meta)
	require.NoError(t, err)
	assert.Empty(t, got.Metadata)
}

func TestUpdateNotTracked(t *testing.T) {
	env := testutil.NewEnv(t)
	path := env.WriteFile(t, "u.txt", "x")

	_, err := env.Service.UpdatePath(context.Background(), path, nil)
	assert.ErrorIs(t, err, apperr.ErrNotTracked)

	rec, err := record.FromFile(path)
	require.NoError(t, err)
	_, err = env.Service.Update(context.Background(), rec)
	assert.ErrorIs(t, err, apperr.ErrNotTracked)
	assert.Zero(t, env.Ledger.Calls(ledger.OpUpdate))
}

func TestDelete(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	path := env.WriteFile(t, "gone.txt", "bye")

	_, err := env.Service.Create(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, env.Service.Delete(ctx, path))

	assert.False(t, env.Manifest.Contains(path))
	_, err = env.Service.Read(ctx, path)
	assert.ErrorIs(t, err, apperr.ErrNotTracked)

	err = env.Service.Delete(ctx, path)
	assert.ErrorIs(t, err, apperr.ErrNotTracked)
	assert.Equal(t, 1, env.Ledger.Calls(ledger.OpDelete))
}

func TestLedgerFailureLeavesManifestUntouched(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	path := env.WriteFile(t, "x", "hello")
	before := env.Manifest.Snapshot()

	env.Ledger.FailNext(ledger.OpCreate, rejected("duplicate"))
	_, err := env.Service.Create(ctx, path, nil)
	require.ErrorIs(t, err, apperr.ErrLedgerRejected)

	assert.Equal(t, before, env.Manifest.Snapshot())
	assert.Zero(t, env.Blobs.Puts())
}

func TestStoreFailureLeavesManifestUntouched(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	path := env.WriteFile(t, "x", "hello")

	env.Blobs.FailNext(&apperr.StatusError{Status: 503})
	_, err := env.Service.Create(ctx, path, nil)
	require.ErrorIs(t, err, apperr.ErrStoreRejected)
	assert.False(t, env.Manifest.Contains(path))

	rec, err := env.Service.Create(ctx, path, nil)
	require.Error(t, err, "the ledger already holds the key")
	assert.ErrorIs(t, err, apperr.ErrLedgerRejected)
	assert.Zero(t, rec.Timestamp)
}

func TestUpdateLedgerFailure(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	path := env.WriteFile(t, "x", "one")
	created, err := env.Service.Create(ctx, path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o644))
	env.Ledger.FailNext(ledger.OpUpdate, fmt.Errorf("%w: dial tcp", apperr.ErrLedgerUnavailable))
	_, err = env.Service.UpdatePath(ctx, path, nil)
	require.ErrorIs(t, err, apperr.ErrLedgerUnavailable)

	got, _ := env.Manifest.Get(path)
	assert.True(t, got.Equal(created))
	assert.Equal(t, 1, env.Blobs.Puts())
}

func TestConfirmationTimeout(t *testing.T) {
	led := memory.New(memory.WithConfirmDelay(time.Second), memory.WithConfirmTimeout(20*time.Millisecond))
	svc, ms := newService(t, led, memBlobs(t))
	path := testutil.WriteFile(t, t.TempDir(), "slow", "zzz")

	_, err := svc.Create(context.Background(), path, nil)
	require.ErrorIs(t, err, apperr.ErrLedgerTimeout)
	assert.NotErrorIs(t, err, apperr.ErrLedgerUnavailable)
	assert.False(t, ms.Contains(path))
}

func TestMisroutedConfirmation(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	path := env.WriteFile(t, "x", "one")
	_, err := env.Service.Create(ctx, path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o644))
	env.Ledger.MisrouteNext(ledger.OpUpdate, pathkey.Derive("/elsewhere"))
	_, err = env.Service.UpdatePath(ctx, path, nil)
	require.ErrorIs(t, err, apperr.ErrLedgerInconsistency)

	env.Ledger.MisrouteNext(ledger.OpDelete, pathkey.Derive("/elsewhere"))
	err = env.Service.Delete(ctx, path)
	require.ErrorIs(t, err, apperr.ErrLedgerInconsistency)
	assert.True(t, env.Manifest.Contains(path))
}

func TestLostConfirmationEvent(t *testing.T) {
	env := testutil.NewEnv(t)
	path := env.WriteFile(t, "x", "one")

	env.Ledger.LoseNextEvent(ledger.OpCreate)
	_, err := env.Service.Create(context.Background(), path, nil)
	require.ErrorIs(t, err, apperr.ErrEventNotFound)
	assert.False(t, env.Manifest.Contains(path))
}

// overlapBlobs records the highest number of concurrent Put calls.
type overlapBlobs struct {
	blob.Backend
	inflight atomic.Int32
	peak     atomic.Int32
}

func (o *overlapBlobs) Put(ctx context.Context, rec record.Record) error {
	n := o.inflight.Add(1)
	defer o.inflight.Add(-1)
	for {
		p := o.peak.Load()
		if n <= p || o.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return o.Backend.Put(ctx, rec)
}

func TestSameKeyIsSerialized(t *testing.T) {
	led := memory.New()
	blobs := &overlapBlobs{Backend: memBlobs(t)}
	svc, _ := newService(t, led, blobs)
	ctx := context.Background()
	path := testutil.WriteFile(t, t.TempDir(), "hot.txt", "0")

	_, err := svc.Create(ctx, path, nil)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			meta := record.Metadata{"i": fmt.Sprint(i)}
			_, errs[i] = svc.UpdatePath(ctx, path, &meta)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), blobs.peak.Load())
	assert.Equal(t, n, led.Calls(ledger.OpUpdate))
}

func TestCancelledWhileWaitingForLock(t *testing.T) {
	led := memory.New(memory.WithConfirmDelay(200 * time.Millisecond))
	svc, _ := newService(t, led, memBlobs(t))
	path := testutil.WriteFile(t, t.TempDir(), "f", "x")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Create(context.Background(), path, nil)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := svc.Read(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-done
}

func TestAddressMismatch(t *testing.T) {
	m, err := manifest.New("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	require.NoError(t, err)
	ms := manifest.NewMemStore(afero.NewMemMapFs(), "/m.json", m)

	_, err = crudfs.New(memory.New(), memBlobs(t), ms)
	assert.ErrorIs(t, err, apperr.ErrInvalidLedgerAddress)

	_, err = crudfs.New(memory.New(memory.WithAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3")), memBlobs(t), ms)
	assert.NoError(t, err)
}

func TestObserverSeesEveryVerb(t *testing.T) {
	var mu sync.Mutex
	var events []crudfs.Event
	env := testutil.NewEnv(t, crudfs.WithObserver(func(ev crudfs.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))
	ctx := context.Background()
	path := env.WriteFile(t, "obs", "1")

	_, err := env.Service.Create(ctx, path, nil)
	require.NoError(t, err)
	_, err = env.Service.Read(ctx, path)
	require.NoError(t, err)
	_, err = env.Service.UpdatePath(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, env.Service.Delete(ctx, path))
	_, err = env.Service.Read(ctx, path)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 5)
	ops := []string{crudfs.OpCreate, crudfs.OpRead, crudfs.OpUpdate, crudfs.OpDelete, crudfs.OpRead}
	for i, op := range ops {
		assert.Equal(t, op, events[i].Op)
		assert.Equal(t, pathkey.Derive(path), events[i].Key)
	}
	assert.NoError(t, events[0].Err)
	assert.Greater(t, events[0].Record.Timestamp, uint64(0))
	assert.ErrorIs(t, events[4].Err, apperr.ErrNotTracked)
}

func TestList(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	for _, name := range []string{"b", "a", "c"} {
		_, err := env.Service.Create(ctx, env.WriteFile(t, name, name), nil)
		require.NoError(t, err)
	}
	list := env.Service.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Filename)
	assert.Equal(t, "c", list[2].Filename)

	got, err := env.Service.Lookup(ctx, list[1].Key)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Filename)
}

func TestUpdatePathIfMatch(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()
	path := env.WriteFile(t, "cas", "v1")
	created, err := env.Service.Create(ctx, path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	_, err = env.Service.UpdatePathIfMatch(ctx, path, nil, "bafkstale")
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Zero(t, env.Ledger.Calls(ledger.OpUpdate))

	_, err = env.Service.UpdatePathIfMatch(ctx, path, nil, created.CID.String())
	require.NoError(t, err)
}

func TestNothingCommitted(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		env := testutil.NewEnv(t)
		_, err := env.Service.Create(ctx, filepath.Join(env.Dir, "absent"), nil)
		require.ErrorIs(t, err, apperr.ErrFileNotFound)
		assert.True(t, crudfs.NothingCommitted(err))
	})

	t.Run("already tracked", func(t *testing.T) {
		env := testutil.NewEnv(t)
		path := env.WriteFile(t, "twice.txt", "x")
		_, err := env.Service.Create(ctx, path, nil)
		require.NoError(t, err)
		_, err = env.Service.Create(ctx, path, nil)
		require.ErrorIs(t, err, apperr.ErrAlreadyExists)
		assert.True(t, crudfs.NothingCommitted(err))
	})

	t.Run("ledger rejected", func(t *testing.T) {
		env := testutil.NewEnv(t)
		env.Ledger.FailNext(ledger.OpCreate, apperr.ErrLedgerRejected)
		_, err := env.Service.Create(ctx, env.WriteFile(t, "r.txt", "x"), nil)
		require.ErrorIs(t, err, apperr.ErrLedgerRejected)
		assert.True(t, crudfs.NothingCommitted(err))
	})

	t.Run("store failed after ledger", func(t *testing.T) {
		env := testutil.NewEnv(t)
		env.Blobs.FailNext(&apperr.StatusError{Status: 503})
		_, err := env.Service.Create(ctx, env.WriteFile(t, "s.txt", "x"), nil)
		require.ErrorIs(t, err, apperr.ErrStoreRejected)
		assert.False(t, crudfs.NothingCommitted(err))
	})

	t.Run("ledger timeout", func(t *testing.T) {
		env := testutil.NewEnv(t)
		env.Ledger.FailNext(ledger.OpCreate, apperr.ErrLedgerTimeout)
		_, err := env.Service.Create(ctx, env.WriteFile(t, "t.txt", "x"), nil)
		require.ErrorIs(t, err, apperr.ErrLedgerTimeout)
		assert.False(t, crudfs.NothingCommitted(err))
	})
}
