package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	datgateway "github.com/wolfeidau/dat-gateway"
	"github.com/wolfeidau/dat-gateway/backend"
)

const (
	// blockPrefix namespaces feed-block keys within the per-archive
	// backend a CAFS is opened against.
	blockPrefix = "blocks"
)

// CAFS implements content-addressable storage for an archive's feed
// blocks. Content is stored in a sharded directory structure keyed by its
// BLAKE3 hash; callers scope one CAFS per archive by opening it against a
// backend rooted at that archive's own directory, so blocks from
// different archives never collide even though hashes are computed the
// same way for all of them.
type CAFS struct {
	backend backend.Backend
}

// NewCAFS creates a new content-addressable block store over b.
func NewCAFS(b backend.Backend) *CAFS {
	return &CAFS{backend: b}
}

// Put stores a block and returns its hash.
func (c *CAFS) Put(ctx context.Context, r io.Reader) (datgateway.Hash, error) {
	result, err := c.PutWithResult(ctx, r)
	if err != nil {
		return datgateway.Hash{}, err
	}
	return result.Hash, nil
}

// PutWithResult stores a block and returns detailed information.
// Uses a temp file to avoid memory exhaustion for large blocks.
func (c *CAFS) PutWithResult(ctx context.Context, r io.Reader) (*PutResult, error) {
	// Create temp file for streaming content to avoid memory exhaustion
	tmpFile, err := os.CreateTemp("", "cafs-upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	// Stream content to temp file while computing hash
	hr := datgateway.NewHashingReader(r)
	if _, err := io.Copy(tmpFile, hr); err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	hash := hr.Sum()
	size := hr.BytesRead()
	key := c.hashToKey(hash)

	// Check if the block already exists
	exists, err := c.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking existence: %w", err)
	}

	if exists {
		return &PutResult{
			Hash:   hash,
			Size:   size,
			Exists: true,
		}, nil
	}

	// Seek to beginning of temp file for writing to backend
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking temp file: %w", err)
	}

	// Write content to backend
	if err := c.backend.Write(ctx, key, tmpFile); err != nil {
		return nil, fmt.Errorf("writing content: %w", err)
	}

	return &PutResult{
		Hash:   hash,
		Size:   size,
		Exists: false,
	}, nil
}

// PutBytes is a convenience method for storing a block from memory.
func (c *CAFS) PutBytes(ctx context.Context, data []byte) (datgateway.Hash, error) {
	return c.Put(ctx, bytes.NewReader(data))
}

// Get retrieves a block by its hash.
func (c *CAFS) Get(ctx context.Context, h datgateway.Hash) (io.ReadCloser, error) {
	key := c.hashToKey(h)
	rc, err := c.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return rc, nil
}

// GetBytes is a convenience method for retrieving a block as bytes.
func (c *CAFS) GetBytes(ctx context.Context, h datgateway.Hash) ([]byte, error) {
	rc, err := c.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return data, nil
}

// Has checks if a block with the given hash exists.
func (c *CAFS) Has(ctx context.Context, h datgateway.Hash) (bool, error) {
	key := c.hashToKey(h)
	return c.backend.Exists(ctx, key)
}

// Delete removes a block by its hash.
func (c *CAFS) Delete(ctx context.Context, h datgateway.Hash) error {
	key := c.hashToKey(h)
	return c.backend.Delete(ctx, key)
}

// Size returns the size of the block with the given hash.
func (c *CAFS) Size(ctx context.Context, h datgateway.Hash) (int64, error) {
	key := c.hashToKey(h)

	// Try the SizeAwareBackend interface first
	if sb, ok := c.backend.(backend.SizeAwareBackend); ok {
		size, err := sb.Size(ctx, key)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				return 0, backend.ErrNotFound
			}
			return 0, fmt.Errorf("getting size: %w", err)
		}
		return size, nil
	}

	// Fall back to reading the content
	rc, err := c.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return 0, backend.ErrNotFound
		}
		return 0, fmt.Errorf("reading content: %w", err)
	}
	defer func() { _ = rc.Close() }()

	size, err := io.Copy(io.Discard, rc)
	if err != nil {
		return 0, fmt.Errorf("reading content for size: %w", err)
	}
	return size, nil
}

// List returns every block hash currently stored.
func (c *CAFS) List(ctx context.Context) ([]datgateway.Hash, error) {
	keys, err := c.backend.List(ctx, blockPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}

	hashes := make([]datgateway.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := c.keyToHash(key)
		if err != nil {
			// Skip invalid keys (shouldn't happen in normal use)
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// hashToKey converts a hash to a storage key.
// Format: blocks/{first-byte-hex}/{full-hash-hex}
func (c *CAFS) hashToKey(h datgateway.Hash) string {
	hex := h.String()
	return fmt.Sprintf("%s/%s/%s", blockPrefix, hex[:2], hex)
}

// keyToHash extracts a hash from a storage key.
func (c *CAFS) keyToHash(key string) (datgateway.Hash, error) {
	// Expected format: blocks/xx/xxxxxxxx...
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != blockPrefix {
		return datgateway.Hash{}, fmt.Errorf("invalid key format: %s", key)
	}
	return datgateway.ParseHash(parts[2])
}

// Compile-time interface checks
var (
	_ Store         = (*CAFS)(nil)
	_ ExtendedStore = (*CAFS)(nil)
)
