// Package swarm defines the narrow boundary between the gateway and an
// external content-addressed archiver/swarm. The real Dat/Hypercore
// network and its peer discovery machinery are out of scope; this package
// specifies the Adapter contract the registry drives and ships one
// reference implementation for single-process operation and tests.
package swarm

import (
	"context"
	"io"

	datgateway "github.com/wolfeidau/dat-gateway"
	"github.com/wolfeidau/dat-gateway/archive"
)

// MaterializedEvent fires once an archive's metadata feed is opened and its
// header block has been loaded, exposing a Drive ready to answer reads.
type MaterializedEvent struct {
	Key       datgateway.ArchiveKey
	Drive     archive.Drive
	RootBlock datgateway.Hash
}

// DuplexStream is a bidirectional framed byte stream used to proxy a
// remote peer's replication traffic, e.g. through the WebSocket front end.
type DuplexStream = io.ReadWriteCloser

// Adapter wraps an external content-addressed archiver. It persists
// archive metadata under a storage directory, maintains swarm membership
// per key, discovers peers, and exposes a replication stream on demand.
// It is the only concurrency-safe way to observe that an archive is ready
// to serve reads.
type Adapter interface {
	// Join begins replication for key. Idempotent: joining an
	// already-joined key re-fires materialized to new subscribers if the
	// key is already resolved.
	Join(ctx context.Context, key datgateway.ArchiveKey) error

	// Leave stops replication and closes peers for key. Idempotent.
	Leave(ctx context.Context, key datgateway.ArchiveKey) error

	// Replicate returns a bidirectional stream usable to proxy a remote
	// peer for key.
	Replicate(ctx context.Context, key datgateway.ArchiveKey) (DuplexStream, error)

	// Subscribe returns a channel that receives at most one
	// MaterializedEvent for key and is closed afterward. Concurrent
	// subscribers registered before materialization all receive the
	// event.
	Subscribe(key datgateway.ArchiveKey) <-chan MaterializedEvent

	// Close releases all adapter resources. It does not call Leave for
	// keys that are still joined.
	Close() error
}
