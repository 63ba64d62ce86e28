// Package ledger defines the client side of the authoritative remote ledger.
//
// Every mutating call is two-phase: the request is submitted, and the
// ledger-assigned key and timestamp are then read back from the separately
// observable confirmation event. A backend never trusts the synchronous
// submit response for those values.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/starford/crudfs/internal/apperr"
	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/pathkey"
	"github.com/starford/crudfs/internal/record"
)

// ZeroAddress identifies ledgers that have no on-chain contract address.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// DefaultConfirmTimeout bounds the wait for a confirmation event.
const DefaultConfirmTimeout = 2 * time.Minute

// Backend is a ledger implementation.
type Backend interface {
	// Create registers path and returns the confirmed record.
	Create(ctx context.Context, path string, cid contentid.ID, meta record.Metadata) (record.Record, error)
	// Read returns the current ledger state for key.
	Read(ctx context.Context, key pathkey.Key) (record.Record, error)
	// Update replaces content and metadata for key and returns the key and
	// timestamp reported by the confirmation event.
	Update(ctx context.Context, key pathkey.Key, cid contentid.ID, meta record.Metadata) (pathkey.Key, uint64, error)
	// Delete removes key.
	Delete(ctx context.Context, key pathkey.Key) error
	// Keys lists every key the ledger holds.
	Keys(ctx context.Context) ([]pathkey.Key, error)
	// Address identifies the ledger instance (contract address).
	Address() string
	Close() error
}

// Confirmation is what a backend reads back after submitting a mutation.
type Confirmation struct {
	Key       pathkey.Key
	Timestamp uint64
}

// WaitConfirmation runs wait under timeout. Expiry of that timeout is
// reported as ErrLedgerTimeout; cancellation of ctx itself is returned as is.
func WaitConfirmation[T any](ctx context.Context, timeout time.Duration, wait func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := wait(wctx)
	if err != nil && ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) {
		var zero T
		return zero, fmt.Errorf("%w: no confirmation after %s: %w", apperr.ErrLedgerTimeout, timeout, err)
	}
	return v, err
}

// CheckKey fails with ErrLedgerInconsistency when a confirmation reports a
// key other than the one requested.
func CheckKey(want, got pathkey.Key) error {
	if want != got {
		return fmt.Errorf("%w: confirmation for key %s, requested %s", apperr.ErrLedgerInconsistency, got.Hex(), want.Hex())
	}
	return nil
}

// ValidateCID rejects an empty identifier before anything is submitted.
func ValidateCID(cid contentid.ID) error {
	if !cid.Defined() {
		return fmt.Errorf("%w: CID cannot be empty", apperr.ErrLedgerRejected)
	}
	return nil
}

// Op names a ledger mutation or query.
type Op string

const (
	OpCreate Op = "create"
	OpRead   Op = "read"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpKeys   Op = "keys"
)
