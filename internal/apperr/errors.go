// Package apperr defines the error taxonomy shared by every crudfs layer.
package apperr

import (
	"errors"
	"fmt"
)

// Local tier.
var (
	ErrIO           = errors.New("io error")
	ErrFileNotFound = errors.New("file not found")
)

// Data integrity.
var (
	ErrMalformedIdentifier = errors.New("malformed identifier")
	ErrDecode              = errors.New("decode error")
)

// Remote ledger tier.
var (
	ErrLedgerRejected      = errors.New("ledger rejected")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
	ErrLedgerTimeout       = errors.New("ledger timeout")
	ErrEventNotFound       = errors.New("confirmation event not found")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	ErrRecordNotFound      = errors.New("record not found")
)

// Remote blob tier.
var (
	ErrStoreRejected    = errors.New("store rejected")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Manifest policy and bootstrap.
var (
	ErrAlreadyExists        = errors.New("already exists")
	ErrNotTracked           = errors.New("not tracked")
	ErrInvalidLedgerAddress = errors.New("invalid ledger address")
	ErrNotFound             = errors.New("not found")
	ErrParse                = errors.New("parse error")
	ErrConflict             = errors.New("conflict")
)

// StatusError is a blob store rejection carrying the HTTP status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("store rejected: status %d", e.Status)
	}
	return fmt.Sprintf("store rejected: status %d: %s", e.Status, e.Body)
}

// Is reports ErrStoreRejected as a match.
func (e *StatusError) Is(target error) bool {
	return target == ErrStoreRejected
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrLedgerInconsistency, "ledger_inconsistency"},
	{ErrLedgerTimeout, "ledger_timeout"},
	{ErrEventNotFound, "event_not_found"},
	{ErrRecordNotFound, "record_not_found"},
	{ErrLedgerRejected, "ledger_rejected"},
	{ErrLedgerUnavailable, "ledger_unavailable"},
	{ErrStoreRejected, "store_rejected"},
	{ErrStoreUnavailable, "store_unavailable"},
	{ErrAlreadyExists, "already_exists"},
	{ErrNotTracked, "not_tracked"},
	{ErrInvalidLedgerAddress, "invalid_ledger_address"},
	{ErrMalformedIdentifier, "malformed_identifier"},
	{ErrDecode, "decode_error"},
	{ErrParse, "parse_error"},
	{ErrConflict, "conflict"},
	{ErrFileNotFound, "file_not_found"},
	{ErrNotFound, "not_found"},
	{ErrIO, "io_error"},
}

// Kind returns the taxonomy name of err, "ok" for nil and "internal" when
// err matches no sentinel.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
