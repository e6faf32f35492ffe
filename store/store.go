// Package store provides content-addressable storage of the feed blocks
// that make up a resident archive's file tree and file content.
package store

import (
	"context"
	"io"

	datgateway "github.com/wolfeidau/dat-gateway"
)

// Store provides content-addressable storage of feed blocks.
// A block is stored by its BLAKE3 hash, ensuring deduplication within
// whatever scope the underlying backend is opened against (in this
// gateway, one archive's own directory).
type Store interface {
	// Put stores a block and returns its hash.
	// If a block with the same hash already exists, this is a no-op.
	Put(ctx context.Context, r io.Reader) (datgateway.Hash, error)

	// Get retrieves a block by its hash.
	// Returns backend.ErrNotFound if the hash does not exist.
	// The caller must close the returned ReadCloser.
	Get(ctx context.Context, h datgateway.Hash) (io.ReadCloser, error)

	// Has checks if a block with the given hash exists.
	Has(ctx context.Context, h datgateway.Hash) (bool, error)

	// Delete removes a block by its hash.
	// Returns nil if the block does not exist (idempotent).
	Delete(ctx context.Context, h datgateway.Hash) error

	// Size returns the size of the block with the given hash.
	// Returns backend.ErrNotFound if the hash does not exist.
	Size(ctx context.Context, h datgateway.Hash) (int64, error)
}

// PutResult contains information about a Put operation.
type PutResult struct {
	Hash   datgateway.Hash
	Size   int64
	Exists bool // true if the block already existed
}

// ExtendedStore provides additional operations beyond the basic Store.
type ExtendedStore interface {
	Store

	// PutWithResult stores a block and returns detailed information.
	PutWithResult(ctx context.Context, r io.Reader) (*PutResult, error)

	// List returns every block hash in the store.
	// This may be expensive for large archives.
	List(ctx context.Context) ([]datgateway.Hash, error)
}
