// Package blob defines the content store that holds raw file bytes keyed by
// content identifier. Backends know nothing about path keys, metadata or the
// ledger.
package blob

import (
	"context"

	"github.com/starford/crudfs/internal/contentid"
	"github.com/starford/crudfs/internal/record"
)

// Backend is a blob store implementation.
type Backend interface {
	// Put uploads the bytes of the local file at rec.Path.
	Put(ctx context.Context, rec record.Record) error
	// Get downloads cid into dest, overwriting it, and returns a fresh
	// record built from the written file.
	Get(ctx context.Context, cid contentid.ID, dest string) (record.Record, error)
}
