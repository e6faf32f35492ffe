package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	datgateway "github.com/wolfeidau/dat-gateway"
	"github.com/wolfeidau/dat-gateway/archive"
	"github.com/wolfeidau/dat-gateway/backend"
	"github.com/wolfeidau/dat-gateway/store"
)

// LocalAdapter is a reference Adapter suitable for single-process
// operation and tests. It has no real peer discovery: joining a key
// materializes immediately from whatever content has been seeded for it,
// via SeedFile, into a per-key store.CAFS instance.
type LocalAdapter struct {
	storageDir string
	meta       *metaDB

	mu       sync.Mutex
	stores   map[datgateway.ArchiveKey]*store.CAFS
	trees    map[datgateway.ArchiveKey][]archive.FileEntry
	hashes   map[datgateway.ArchiveKey][]datgateway.Hash
	resolved map[datgateway.ArchiveKey]MaterializedEvent
	subs     map[datgateway.ArchiveKey][]chan MaterializedEvent
}

// NewLocalAdapter opens (or creates) the join metadata database under
// storageDir and returns a ready-to-use LocalAdapter.
func NewLocalAdapter(storageDir string) (*LocalAdapter, error) {
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	meta, err := openMetaDB(filepath.Join(storageDir, "joins.db"))
	if err != nil {
		return nil, err
	}
	return &LocalAdapter{
		storageDir: storageDir,
		meta:       meta,
		stores:     make(map[datgateway.ArchiveKey]*store.CAFS),
		trees:      make(map[datgateway.ArchiveKey][]archive.FileEntry),
		hashes:     make(map[datgateway.ArchiveKey][]datgateway.Hash),
		resolved:   make(map[datgateway.ArchiveKey]MaterializedEvent),
		subs:       make(map[datgateway.ArchiveKey][]chan MaterializedEvent),
	}, nil
}

func (la *LocalAdapter) ensureStoreLocked(key datgateway.ArchiveKey) (*store.CAFS, error) {
	if s, ok := la.stores[key]; ok {
		return s, nil
	}
	dir := filepath.Join(la.storageDir, key.String(), "blocks")
	fsBackend, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, fmt.Errorf("opening block store for %s: %w", key, err)
	}
	instrumented := backend.NewInstrumentedBackend(fsBackend, "blocks")
	s := store.NewCAFS(instrumented)
	la.stores[key] = s
	return s, nil
}

func fetchFuncFor(s *store.CAFS) archive.ContentFetcher {
	return func(ctx context.Context, h datgateway.Hash) (io.ReadCloser, error) {
		return s.Get(ctx, h)
	}
}

// Join begins replication for key. Idempotent: joining an already
// materialized key returns immediately; a subsequent Subscribe still
// receives the event.
func (la *LocalAdapter) Join(ctx context.Context, key datgateway.ArchiveKey) error {
	la.mu.Lock()
	if _, ok := la.resolved[key]; ok {
		la.mu.Unlock()
		return nil
	}
	cafsStore, err := la.ensureStoreLocked(key)
	la.mu.Unlock()
	if err != nil {
		return err
	}

	if _, err := la.meta.Get(key.String()); errors.Is(err, ErrNotFound) {
		if err := la.meta.Put(JoinRecord{Key: key.String(), JoinedAt: time.Now()}); err != nil {
			return fmt.Errorf("persisting join record: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("reading join record: %w", err)
	}

	la.mu.Lock()
	defer la.mu.Unlock()
	if _, ok := la.resolved[key]; ok {
		return nil
	}

	root, err := la.rootBlockLocked(ctx, key, cafsStore)
	if err != nil {
		return fmt.Errorf("computing root block: %w", err)
	}
	drive := archive.NewMemDrive(fetchFuncFor(cafsStore), la.trees[key], la.hashes[key])
	event := MaterializedEvent{Key: key, Drive: drive, RootBlock: root}
	la.resolved[key] = event
	la.fireLocked(key, event)
	return nil
}

// rootBlockLocked writes a snapshot of the key's file tree as a single
// block and returns its hash, standing in for the archive's root metadata
// block. Callers must hold la.mu.
func (la *LocalAdapter) rootBlockLocked(ctx context.Context, key datgateway.ArchiveKey, cafsStore *store.CAFS) (datgateway.Hash, error) {
	type treeEntry struct {
		Path  string `json:"path"`
		Size  int64  `json:"size"`
		IsDir bool   `json:"is_dir"`
		Hash  string `json:"hash,omitempty"`
	}
	entries := la.trees[key]
	hashes := la.hashes[key]
	tree := make([]treeEntry, len(entries))
	for i, e := range entries {
		var h string
		if i < len(hashes) {
			h = hashes[i].String()
		}
		tree[i] = treeEntry{Path: e.Path, Size: e.Size, IsDir: e.IsDir, Hash: h}
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return datgateway.Hash{}, err
	}
	return cafsStore.Put(ctx, bytes.NewReader(data))
}

// fireLocked delivers event to every waiting subscriber for key and closes
// their channels. Callers must hold la.mu.
func (la *LocalAdapter) fireLocked(key datgateway.ArchiveKey, event MaterializedEvent) {
	for _, ch := range la.subs[key] {
		ch <- event
		close(ch)
	}
	delete(la.subs, key)
}

// Leave stops replication for key and forgets its materialized state.
// Stored blocks on disk are left in place; only in-memory and join-record
// state is cleared.
func (la *LocalAdapter) Leave(_ context.Context, key datgateway.ArchiveKey) error {
	la.mu.Lock()
	defer la.mu.Unlock()

	delete(la.resolved, key)
	delete(la.trees, key)
	delete(la.hashes, key)
	delete(la.stores, key)
	for _, ch := range la.subs[key] {
		close(ch)
	}
	delete(la.subs, key)

	if err := la.meta.Delete(key.String()); err != nil {
		return fmt.Errorf("removing join record: %w", err)
	}
	return nil
}

// Replicate returns a loopback duplex stream: bytes written are the bytes
// read back. It has no real peer, but gives the WebSocket front end a
// concrete stream to proxy while a real adapter's transport is pending.
func (la *LocalAdapter) Replicate(_ context.Context, _ datgateway.ArchiveKey) (DuplexStream, error) {
	pr, pw := io.Pipe()
	return &loopbackStream{PipeReader: pr, PipeWriter: pw}, nil
}

type loopbackStream struct {
	*io.PipeReader
	*io.PipeWriter
}

func (l *loopbackStream) Close() error {
	rerr := l.PipeReader.Close()
	werr := l.PipeWriter.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// Subscribe returns a channel receiving at most one MaterializedEvent for
// key. If key is already resolved, the event is delivered immediately.
func (la *LocalAdapter) Subscribe(key datgateway.ArchiveKey) <-chan MaterializedEvent {
	la.mu.Lock()
	defer la.mu.Unlock()

	ch := make(chan MaterializedEvent, 1)
	if event, ok := la.resolved[key]; ok {
		ch <- event
		close(ch)
		return ch
	}
	la.subs[key] = append(la.subs[key], ch)
	return ch
}

// SeedFile registers path with the given content under key's tree, for use
// by tests and single-process fixtures in place of real peer replication.
// If key is already materialized, the drive is rebuilt and future
// subscribers observe the new content; existing subscribers already
// delivered the earlier event are unaffected.
func (la *LocalAdapter) SeedFile(ctx context.Context, key datgateway.ArchiveKey, path string, content []byte) error {
	la.mu.Lock()
	cafsStore, err := la.ensureStoreLocked(key)
	la.mu.Unlock()
	if err != nil {
		return err
	}

	hash, err := cafsStore.PutBytes(ctx, content)
	if err != nil {
		return fmt.Errorf("storing seeded content: %w", err)
	}

	la.mu.Lock()
	defer la.mu.Unlock()
	la.trees[key] = append(la.trees[key], archive.FileEntry{
		Path:    path,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	})
	la.hashes[key] = append(la.hashes[key], hash)

	if _, ok := la.resolved[key]; !ok {
		return nil
	}
	root, err := la.rootBlockLocked(ctx, key, cafsStore)
	if err != nil {
		return fmt.Errorf("recomputing root block: %w", err)
	}
	drive := archive.NewMemDrive(fetchFuncFor(cafsStore), la.trees[key], la.hashes[key])
	la.resolved[key] = MaterializedEvent{Key: key, Drive: drive, RootBlock: root}
	return nil
}

// Close releases every held resource, including the join metadata
// database, and closes any channels still awaiting materialization.
func (la *LocalAdapter) Close() error {
	la.mu.Lock()
	defer la.mu.Unlock()

	for key, chans := range la.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(la.subs, key)
	}
	return la.meta.Close()
}

var _ Adapter = (*LocalAdapter)(nil)
