// Package memory is an in-process ledger with fault injection. It follows
// the same submit-then-confirm protocol as the remote backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
)

// Ledger is safe for concurrent use.
type Ledger struct {
	address      string
	now          func() time.Time
	confirmDelay time.Duration
	timeout      time.Duration

	mu     sync.Mutex
	files  map[pathkey.Key]record.Record
	events map[uint64]ledger.Confirmation
	nextTx uint64
	calls  map[ledger.Op]int
	faults map[ledger.Op]fault
}

type fault struct {
	err       error
	loseEvent bool
	misroute  *pathkey.Key
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithAddress sets the reported contract address.
func WithAddress(addr string) Option {
	return func(l *Ledger) { l.address = addr }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithConfirmDelay delays every confirmation.
func WithConfirmDelay(d time.Duration) Option {
	return func(l *Ledger) { l.confirmDelay = d }
}

// WithConfirmTimeout bounds the confirmation wait.
func WithConfirmTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.timeout = d }
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		address: ledger.ZeroAddress,
		now:     time.Now,
		timeout: ledger.DefaultConfirmTimeout,
		files:   make(map[pathkey.Key]record.Record),
		events:  make(map[uint64]ledger.Confirmation),
		calls:   make(map[ledger.Op]int),
		faults:  make(map[ledger.Op]fault),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailNext makes the next call of op fail with err before anything is
// submitted.
func (l *Ledger) FailNext(op ledger.Op, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = fault{err: err}
}

// LoseNextEvent lets the next op land but hides its confirmation event.
func (l *Ledger) LoseNextEvent(op ledger.Op) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = fault{loseEvent: true}
}

// MisrouteNext lets the next op land but reports key in its confirmation.
func (l *Ledger) MisrouteNext(op ledger.Op, key pathkey.Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = fault{misroute: &key}
}

// Calls returns how many times op was invoked.
func (l *Ledger) Calls(op ledger.Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Put seeds the ledger state directly, bypassing the protocol.
func (l *Ledger) Put(r record.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.files[r.Key] = r
}

// Address implements ledger.Backend.
func (l *Ledger) Address() string { return l.address }

// Close implements ledger.Backend.
func (l *Ledger) Close() error { return nil }

// Create implements ledger.Backend.
func (l *Ledger) Create(ctx context.Context, path string, cid contentid.ID, meta record.Metadata) (record.Record, error) {
	if err := ledger.ValidateCID(cid); err != nil {
		return record.Record{}, err
	}
	r := record.New(path, cid, meta)
	tx, err := l.submit(ledger.OpCreate, r.Key, func(ts uint64) error {
		if _, ok := l.files[r.Key]; ok {
			return fmt.Errorf("%w: file already exists: %s", apperr.ErrLedgerRejected, r.Path)
		}
		r.Timestamp = ts
		l.files[r.Key] = r
		return nil
	})
	if err != nil {
		return record.Record{}, err
	}
	conf, err := l.confirm(ctx, tx)
	if err != nil {
		return record.Record{}, err
	}
	if err := ledger.CheckKey(r.Key, conf.Key); err != nil {
		return record.Record{}, err
	}
	r.Timestamp = conf.Timestamp
	return r, nil
}

// Read implements ledger.Backend.
func (l *Ledger) Read(_ context.Context, key pathkey.Key) (record.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[ledger.OpRead]++
	if f, ok := l.takeFault(ledger.OpRead); ok && f.err != nil {
		return record.Record{}, f.err
	}
	r, ok := l.files[key]
	if !ok {
		return record.Record{}, fmt.Errorf("%w: %s", apperr.ErrRecordNotFound, key.Hex())
	}
	return r.WithMetadata(r.Metadata), nil
}

// Update implements ledger.Backend.
func (l *Ledger) Update(ctx context.Context, key pathkey.Key, cid contentid.ID, meta record.Metadata) (pathkey.Key, uint64, error) {
	if err := ledger.ValidateCID(cid); err != nil {
		return pathkey.Key{}, 0, err
	}
	tx, err := l.submit(ledger.OpUpdate, key, func(ts uint64) error {
		cur, ok := l.files[key]
		if !ok {
			return fmt.Errorf("%w: %s", apperr.ErrRecordNotFound, key.Hex())
		}
		next := record.New(cur.Path, cid, meta)
		next.Timestamp = ts
		l.files[key] = next
		return nil
	})
	if err != nil {
		return pathkey.Key{}, 0, err
	}
	conf, err := l.confirm(ctx, tx)
	if err != nil {
		return pathkey.Key{}, 0, err
	}
	return conf.Key, conf.Timestamp, nil
}

// Delete implements ledger.Backend.
func (l *Ledger) Delete(ctx context.Context, key pathkey.Key) error {
	tx, err := l.submit(ledger.OpDelete, key, func(uint64) error {
		if _, ok := l.files[key]; !ok {
			return fmt.Errorf("%w: %s", apperr.ErrRecordNotFound, key.Hex())
		}
		delete(l.files, key)
		return nil
	})
	if err != nil {
		return err
	}
	conf, err := l.confirm(ctx, tx)
	if err != nil {
		return err
	}
	return ledger.CheckKey(key, conf.Key)
}

// Keys implements ledger.Backend.
func (l *Ledger) Keys(_ context.Context) ([]pathkey.Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[ledger.OpKeys]++
	if f, ok := l.takeFault(ledger.OpKeys); ok && f.err != nil {
		return nil, f.err
	}
	out := make([]pathkey.Key, 0, len(l.files))
	for k := range l.files {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out, nil
}

// submit applies a mutation and records its confirmation event under a new
// transaction id.
func (l *Ledger) submit(op ledger.Op, key pathkey.Key, apply func(ts uint64) error) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[op]++

	f, faulty := l.takeFault(op)
	if faulty && f.err != nil {
		return 0, f.err
	}

	ts := l.timestamp(key)
	if err := apply(ts); err != nil {
		return 0, err
	}

	l.nextTx++
	tx := l.nextTx
	if faulty && f.loseEvent {
		return tx, nil
	}
	conf := ledger.Confirmation{Key: key, Timestamp: ts}
	if faulty && f.misroute != nil {
		conf.Key = *f.misroute
	}
	l.events[tx] = conf
	return tx, nil
}

// confirm waits for the event of tx.
func (l *Ledger) confirm(ctx context.Context, tx uint64) (ledger.Confirmation, error) {
	return ledger.WaitConfirmation(ctx, l.timeout, func(ctx context.Context) (ledger.Confirmation, error) {
		if l.confirmDelay > 0 {
			select {
			case <-time.After(l.confirmDelay):
			case <-ctx.Done():
				return ledger.Confirmation{}, ctx.Err()
			}
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		conf, ok := l.events[tx]
		if !ok {
			return ledger.Confirmation{}, fmt.Errorf("%w: tx %d", apperr.ErrEventNotFound, tx)
		}
		return conf, nil
	})
}

// timestamp is unix seconds, never below the previous value for key and
// never zero.
func (l *Ledger) timestamp(key pathkey.Key) uint64 {
	ts := uint64(l.now().Unix())
	if cur, ok := l.files[key]; ok && cur.Timestamp > ts {
		ts = cur.Timestamp
	}
	if ts == 0 {
		ts = 1
	}
	return ts
}

func (l *Ledger) takeFault(op ledger.Op) (fault, bool) {
	f, ok := l.faults[op]
	if ok {
		delete(l.faults, op)
	}
	return f, ok
}

var _ ledger.Backend = (*Ledger)(nil)
