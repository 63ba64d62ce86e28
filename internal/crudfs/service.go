// Package crudfs orchestrates the ledger, the blob store and the local
// manifest for the four file verbs.
//
// Every mutating verb runs its steps in a fixed order: ledger, then blob
// store, then manifest. The manifest is only written once every remote call
// for the verb has succeeded, so it never records an operation a remote tier
// refused. A crash between the ledger write and the manifest write leaves the
// manifest behind the ledger; Recover and Rebuild close that gap.
package crudfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/blob"
	"github.com/starford/crudfs/internal/keylock"
	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/manifest"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
)

// Verb names used in events.
const (
	OpCreate  = "create"
	OpRead    = "read"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpFetch   = "fetch"
	OpVerify  = "verify"
	OpRecover = "recover"
)

// Event describes one finished verb.
type Event struct {
	Op       string
	Path     string
	Key      pathkey.Key
	Record   record.Record
	Err      error
	Duration time.Duration
}

// Service coordinates the ledger, blob store and manifest.
type Service struct {
	ledger    ledger.Backend
	blobs     blob.Backend
	manifest  *manifest.Store
	locks     *keylock.Arena[pathkey.Key]
	log       *slog.Logger
	observers []func(Event)
	journal   *journal
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger (slog.Default otherwise).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithObserver registers fn to be called after every verb. Observers run
// synchronously and must not block.
func WithObserver(fn func(Event)) Option {
	return func(s *Service) { s.observers = append(s.observers, fn) }
}

// WithJournal records an intent file in dir on fsys for every mutation
// while it is in flight. See Recover.
func WithJournal(fsys afero.Fs, dir string) Option {
	return func(s *Service) { s.journal = &journal{fs: fsys, dir: dir} }
}

// New returns a Service. The manifest must be bound to the ledger's address.
func New(l ledger.Backend, b blob.Backend, m *manifest.Store, opts ...Option) (*Service, error) {
	if l == nil || b == nil || m == nil {
		return nil, errors.New("crudfs: ledger, blob store and manifest are required")
	}
	if !strings.EqualFold(l.Address(), m.Address()) {
		return nil, fmt.Errorf("%w: manifest %s is bound to %s, ledger is %s",
			apperr.ErrInvalidLedgerAddress, m.Path(), m.Address(), l.Address())
	}
	s := &Service{
		ledger:   l,
		blobs:    b,
		manifest: m,
		locks:    keylock.New[pathkey.Key](),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Manifest returns the underlying manifest store.
func (s *Service) Manifest() *manifest.Store { return s.manifest }

// localError marks a failure that happened before the ledger was contacted.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func beforeLedger(err error) error { return &localError{err: err} }

// NothingCommitted reports whether err from Create proves that no remote
// state was written: the verb failed before reaching the ledger, or the
// ledger refused the transaction. Any other failure may have left a ledger
// record, so the local file must be kept for Recover.
func NothingCommitted(err error) bool {
	var le *localError
	return errors.As(err, &le) || errors.Is(err, apperr.ErrLedgerRejected)
}

// Create registers the file at path with the ledger, uploads its content
// and adds it to the manifest.
func (s *Service) Create(ctx context.Context, path string, meta record.Metadata) (rec record.Record, err error) {
	key := pathkey.Derive(path)
	start := s.now()
	defer func() { s.emit(OpCreate, path, key, rec, err, start) }()

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return record.Record{}, beforeLedger(err)
	}
	defer unlock()

	local, err := record.FromFile(path)
	if err != nil {
		return record.Record{}, beforeLedger(err)
	}
	if s.manifest.Contains(local.Path) {
		return record.Record{}, beforeLedger(fmt.Errorf("%w: %s", apperr.ErrAlreadyExists, local.Path))
	}

	done, err := s.journal.begin(OpCreate, local.Path, key, s.now())
	if err != nil {
		return record.Record{}, beforeLedger(err)
	}
	defer func() { done(err) }()

	rec, err = s.ledger.Create(ctx, local.Path, local.CID, meta)
	if err != nil {
		return record.Record{}, fmt.Errorf("create %s: %w", local.Path, err)
	}
	if err = s.blobs.Put(ctx, rec); err != nil {
		return record.Record{}, fmt.Errorf("create %s: upload: %w", local.Path, err)
	}
	if err = s.manifest.Add(rec); err != nil {
		return record.Record{}, fmt.Errorf("create %s: %w", local.Path, err)
	}
	return rec, nil
}

// Read returns the manifest entry for path.
func (s *Service) Read(ctx context.Context, path string) (record.Record, error) {
	key := pathkey.Derive(path)
	start := s.now()
	rec, err := s.read(ctx, key, path)
	s.emit(OpRead, path, key, rec, err, start)
	return rec, err
}

// Lookup is Read by key.
func (s *Service) Lookup(ctx context.Context, key pathkey.Key) (record.Record, error) {
	return s.read(ctx, key, key.Hex())
}

func (s *Service) read(ctx context.Context, key pathkey.Key, label string) (record.Record, error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return record.Record{}, err
	}
	defer unlock()

	rec, ok := s.manifest.GetKey(key)
	if !ok {
		return record.Record{}, fmt.Errorf("%w: %s", apperr.ErrNotTracked, label)
	}
	return rec, nil
}

// Update pushes rec's content identifier and metadata to the ledger,
// uploads the content and replaces the manifest entry. The returned record
// carries the ledger-assigned timestamp.
func (s *Service) Update(ctx context.Context, rec record.Record) (out record.Record, err error) {
	start := s.now()
	defer func() { s.emit(OpUpdate, rec.Path, rec.Key, out, err, start) }()

	unlock, err := s.locks.Lock(ctx, rec.Key)
	if err != nil {
		return record.Record{}, err
	}
	defer unlock()
	return s.update(ctx, rec)
}

// UpdatePath re-reads the file at path and updates it. A nil meta keeps the
// metadata currently in the manifest.
func (s *Service) UpdatePath(ctx context.Context, path string, meta *record.Metadata) (record.Record, error) {
	return s.UpdatePathIfMatch(ctx, path, meta, "")
}

// UpdatePathIfMatch is UpdatePath that fails with ErrConflict unless the
// manifest's current content identifier equals ifMatch. An empty ifMatch
// matches anything.
func (s *Service) UpdatePathIfMatch(ctx context.Context, path string, meta *record.Metadata, ifMatch string) (out record.Record, err error) {
	key := pathkey.Derive(path)
	start := s.now()
	defer func() { s.emit(OpUpdate, path, key, out, err, start) }()

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return record.Record{}, err
	}
	defer unlock()

	cur, ok := s.manifest.GetKey(key)
	if !ok {
		return record.Record{}, fmt.Errorf("%w: %s", apperr.ErrNotTracked, pathkey.Canonical(path))
	}
	if ifMatch != "" && ifMatch != cur.CID.String() {
		return record.Record{}, fmt.Errorf("%w: %s is at %s, not %s", apperr.ErrConflict, cur.Path, cur.CID, ifMatch)
	}
	next, err := record.FromFile(path)
	if err != nil {
		return record.Record{}, err
	}
	if meta != nil {
		next.SetMetadata(*meta)
	} else {
		next.SetMetadata(cur.Metadata)
	}
	return s.update(ctx, next)
}

// update expects the lock for rec.Key to be held.
func (s *Service) update(ctx context.Context, rec record.Record) (_ record.Record, err error) {
	if rec.Path == "" {
		return record.Record{}, fmt.Errorf("%w: record has no path", apperr.ErrNotTracked)
	}
	if rec.Key != pathkey.Derive(rec.Path) {
		return record.Record{}, fmt.Errorf("%w: key %s does not match path %q", apperr.ErrDecode, rec.Key.Hex(), rec.Path)
	}
	if !s.manifest.Contains(rec.Path) {
		return record.Record{}, fmt.Errorf("%w: %s", apperr.ErrNotTracked, rec.Path)
	}

	done, err := s.journal.begin(OpUpdate, rec.Path, rec.Key, s.now())
	if err != nil {
		return record.Record{}, err
	}
	defer func() { done(err) }()

	key, ts, err := s.ledger.Update(ctx, rec.Key, rec.CID, rec.Metadata)
	if err != nil {
		return record.Record{}, fmt.Errorf("update %s: %w", rec.Path, err)
	}
	if err = ledger.CheckKey(rec.Key, key); err != nil {
		return record.Record{}, fmt.Errorf("update %s: %w", rec.Path, err)
	}
	rec = rec.WithMetadata(rec.Metadata)
	rec.SetTimestamp(ts)

	if err = s.blobs.Put(ctx, rec); err != nil {
		return record.Record{}, fmt.Errorf("update %s: upload: %w", rec.Path, err)
	}
	if err = s.manifest.Add(rec); err != nil {
		return record.Record{}, fmt.Errorf("update %s: %w", rec.Path, err)
	}
	return rec, nil
}

// Delete removes path from the ledger and then from the manifest. The
// stored content is left in the blob store.
func (s *Service) Delete(ctx context.Context, path string) (err error) {
	key := pathkey.Derive(path)
	start := s.now()
	var prev record.Record
	defer func() { s.emit(OpDelete, path, key, prev, err, start) }()

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	prev, ok := s.manifest.GetKey(key)
	if !ok {
		return fmt.Errorf("%w: %s", apperr.ErrNotTracked, pathkey.Canonical(path))
	}

	done, err := s.journal.begin(OpDelete, prev.Path, key, s.now())
	if err != nil {
		return err
	}
	defer func() { done(err) }()

	if err = s.ledger.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", prev.Path, err)
	}
	if err = s.manifest.Remove(prev.Path); err != nil {
		return fmt.Errorf("delete %s: %w", prev.Path, err)
	}
	return nil
}

// List returns every tracked record ordered by path.
func (s *Service) List() []record.Record {
	return s.manifest.Records()
}

func (s *Service) emit(op, path string, key pathkey.Key, rec record.Record, err error, start time.Time) {
	ev := Event{
		Op:       op,
		Path:     pathkey.Canonical(path),
		Key:      key,
		Record:   rec,
		Err:      err,
		Duration: s.now().Sub(start),
	}
	if err != nil {
		s.log.Warn("crudfs: "+op+" failed",
			slog.String("path", ev.Path),
			slog.String("key", key.Hex()),
			slog.String("kind", apperr.Kind(err)),
			slog.String("error", err.Error()))
	} else if op != OpRead {
		s.log.Info("crudfs: "+op,
			slog.String("path", ev.Path),
			slog.String("key", key.Hex()),
			slog.Duration("took", ev.Duration))
	}
	for _, fn := range s.observers {
		fn(ev)
	}
}
