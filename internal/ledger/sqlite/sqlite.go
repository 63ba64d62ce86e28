package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/ledger"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
)

// Config configures a Ledger.
type Config struct {
	Path           string
	Address        string
	ConfirmTimeout time.Duration
	Now            func() time.Time
}

// Ledger implements ledger.Backend on SQLite.
type Ledger struct {
	conn    *sql.DB
	address string
	timeout time.Duration
	now     func() time.Time
}

// Open opens (or creates) the database and applies the schema.
func Open(cfg Config) (*Ledger, error) {
	conn, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite: open db: %w", apperr.ErrLedgerUnavailable, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: sqlite: ping: %w", apperr.ErrLedgerUnavailable, err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: sqlite: apply schema: %w", apperr.ErrLedgerUnavailable, err)
	}
	l := &Ledger{conn: conn, address: cfg.Address, timeout: cfg.ConfirmTimeout, now: cfg.Now}
	if l.address == "" {
		l.address = ledger.ZeroAddress
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Address implements ledger.Backend.
func (l *Ledger) Address() string { return l.address }

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.conn.Close()
}

// Create implements ledger.Backend.
func (l *Ledger) Create(ctx context.Context, path string, cid contentid.ID, meta record.Metadata) (record.Record, error) {
	if err := ledger.ValidateCID(cid); err != nil {
		return record.Record{}, err
	}
	r := record.New(path, cid, meta)
	p, c, m := r.Encode()

	id, err := l.submit(ctx, ledger.OpCreate, r.Key, func(tx *sql.Tx, ts uint64) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM files WHERE key = ?`, r.Key.Hex()).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: file already exists: %s", apperr.ErrLedgerRejected, r.Path)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO files (key, path, cid, timestamp, metadata) VALUES (?, ?, ?, ?, ?)`,
			r.Key.Hex(), p, c, int64(ts), m)
		return err
	}, c, m)
	if err != nil {
		return record.Record{}, err
	}

	conf, err := l.confirm(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	if err := ledger.CheckKey(r.Key, conf.Key); err != nil {
		return record.Record{}, err
	}
	r.SetTimestamp(conf.Timestamp)
	return r, nil
}

// Read implements ledger.Backend.
func (l *Ledger) Read(ctx context.Context, key pathkey.Key) (record.Record, error) {
	var (
		path, cid, meta string
		ts              int64
	)
	err := l.conn.QueryRowContext(ctx,
		`SELECT path, cid, timestamp, metadata FROM files WHERE key = ?`, key.Hex(),
	).Scan(&path, &cid, &ts, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("%w: %s", apperr.ErrRecordNotFound, key.Hex())
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: sqlite: read: %w", apperr.ErrLedgerUnavailable, err)
	}
	return record.Decode([]any{path, cid, ts, meta})
}

// Update implements ledger.Backend.
func (l *Ledger) Update(ctx context.Context, key pathkey.Key, cid contentid.ID, meta record.Metadata) (pathkey.Key, uint64, error) {
	if err := ledger.ValidateCID(cid); err != nil {
		return pathkey.Key{}, 0, err
	}
	c, m := cid.String(), meta.String()
	id, err := l.submit(ctx, ledger.OpUpdate, key, func(tx *sql.Tx, ts uint64) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE files SET cid = ?, metadata = ?, timestamp = ? WHERE key = ?`,
			c, m, int64(ts), key.Hex())
		if err != nil {
			return err
		}
		return requireRow(res, key)
	}, c, m)
	if err != nil {
		return pathkey.Key{}, 0, err
	}
	conf, err := l.confirm(ctx, id)
	if err != nil {
		return pathkey.Key{}, 0, err
	}
	return conf.Key, conf.Timestamp, nil
}

// Delete implements ledger.Backend.
func (l *Ledger) Delete(ctx context.Context, key pathkey.Key) error {
	id, err := l.submit(ctx, ledger.OpDelete, key, func(tx *sql.Tx, _ uint64) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE key = ?`, key.Hex())
		if err != nil {
			return err
		}
		return requireRow(res, key)
	}, "", "")
	if err != nil {
		return err
	}
	conf, err := l.confirm(ctx, id)
	if err != nil {
		return err
	}
	return ledger.CheckKey(key, conf.Key)
}

// Keys implements ledger.Backend.
func (l *Ledger) Keys(ctx context.Context) ([]pathkey.Key, error) {
	rows, err := l.conn.QueryContext(ctx, `SELECT key FROM files ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite: keys: %w", apperr.ErrLedgerUnavailable, err)
	}
	defer rows.Close()
	var out []pathkey.Key
	for rows.Next() {
		var hexKey string
		if err := rows.Scan(&hexKey); err != nil {
			return nil, fmt.Errorf("%w: sqlite: keys: %w", apperr.ErrLedgerUnavailable, err)
		}
		k, err := pathkey.ParseHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperr.ErrDecode, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// submit runs apply and inserts the confirmation event in one transaction.
// It returns the event id.
func (l *Ledger) submit(ctx context.Context, op ledger.Op, key pathkey.Key, apply func(tx *sql.Tx, ts uint64) error, cid, meta string) (int64, error) {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: sqlite: begin tx: %w", apperr.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	ts, err := l.timestamp(ctx, tx, key)
	if err != nil {
		return 0, fmt.Errorf("%w: sqlite: timestamp: %w", apperr.ErrLedgerUnavailable, err)
	}
	if err := apply(tx, ts); err != nil {
		if isPolicy(err) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: sqlite: %s: %w", apperr.ErrLedgerUnavailable, op, err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (kind, key, timestamp, cid, metadata) VALUES (?, ?, ?, ?, ?)`,
		string(op), key.Hex(), int64(ts), cid, meta)
	if err != nil {
		return 0, fmt.Errorf("%w: sqlite: insert event: %w", apperr.ErrLedgerUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: sqlite: event id: %w", apperr.ErrLedgerUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: sqlite: commit: %w", apperr.ErrLedgerUnavailable, err)
	}
	return id, nil
}

func (l *Ledger) confirm(ctx context.Context, id int64) (ledger.Confirmation, error) {
	return ledger.WaitConfirmation(ctx, l.timeout, func(ctx context.Context) (ledger.Confirmation, error) {
		var (
			hexKey string
			ts     int64
		)
		err := l.conn.QueryRowContext(ctx, `SELECT key, timestamp FROM events WHERE id = ?`, id).Scan(&hexKey, &ts)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Confirmation{}, fmt.Errorf("%w: event %d", apperr.ErrEventNotFound, id)
		}
		if err != nil {
			return ledger.Confirmation{}, fmt.Errorf("%w: sqlite: read event: %w", apperr.ErrLedgerUnavailable, err)
		}
		k, err := pathkey.ParseHex(hexKey)
		if err != nil {
			return ledger.Confirmation{}, fmt.Errorf("%w: %w", apperr.ErrDecode, err)
		}
		return ledger.Confirmation{Key: k, Timestamp: uint64(ts)}, nil
	})
}

// timestamp is unix seconds, never below the last event for key and never zero.
func (l *Ledger) timestamp(ctx context.Context, tx *sql.Tx, key pathkey.Key) (uint64, error) {
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM events WHERE key = ?`, key.Hex()).Scan(&last); err != nil {
		return 0, err
	}
	ts := max(l.now().Unix(), last.Int64, 1)
	return uint64(ts), nil
}

func requireRow(res sql.Result, key pathkey.Key) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", apperr.ErrRecordNotFound, key.Hex())
	}
	return nil
}

func isPolicy(err error) bool {
	return errors.Is(err, apperr.ErrLedgerRejected) || errors.Is(err, apperr.ErrRecordNotFound)
}

var _ ledger.Backend = (*Ledger)(nil)
