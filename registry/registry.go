// Package registry bounds the set of concurrently resident archives,
// admitting new keys through the swarm adapter and evicting by
// least-recently-used order under capacity or TTL pressure.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	datgateway "github.com/wolfeidau/dat-gateway"
	"github.com/wolfeidau/dat-gateway/archive"
	"github.com/wolfeidau/dat-gateway/swarm"
	"github.com/wolfeidau/dat-gateway/telemetry"
	"golang.org/x/sync/singleflight"
)

// DefaultAdmissionTimeout bounds how long GetOrAdmit waits for the swarm
// adapter to materialize a newly joined archive.
const DefaultAdmissionTimeout = 3 * time.Second

// slotPollInterval bounds how long acquireSlot waits before re-checking for
// an evictable resident entry when the registry is full but every occupant
// is itself still mid-admission (so nothing is resident yet to evict).
const slotPollInterval = 10 * time.Millisecond

// Config configures a Registry.
type Config struct {
	// Max is the maximum number of concurrently resident archives.
	Max int

	// TTL is how long an archive may sit unaccessed before the sweeper
	// removes it. Zero disables TTL-based expiry.
	TTL time.Duration

	// SweepPeriod is how often the TTL sweeper runs. Ignored if TTL is
	// zero.
	SweepPeriod time.Duration

	// AdmissionTimeout bounds how long a newly joined key has to
	// materialize before admission fails with ErrNotReady. Defaults to
	// DefaultAdmissionTimeout.
	AdmissionTimeout time.Duration
}

// Registry is the serialization point for archive admission. All mutation
// of resident/lastAccess happens under one mutex; the singleflight group
// guarantees exactly one swarm.Join per concurrently-requested key; the
// slots semaphore guarantees resident+in-flight occupancy never exceeds
// cfg.Max, closing the race a mutex held only around the map writes would
// leave open between two concurrently admitted, distinct keys.
type Registry struct {
	cfg     Config
	adapter swarm.Adapter

	baseCtx context.Context
	cancel  context.CancelFunc

	sf singleflight.Group

	// slots is a counting semaphore of capacity cfg.Max: a token is taken
	// the moment a key is granted a slot to admit into (before its swarm
	// join even starts) and returned only when that key stops occupying
	// the registry, whether by successful admission followed later by
	// eviction/removal, or by the admission itself failing.
	slots chan struct{}

	mu         sync.Mutex
	resident   map[datgateway.ArchiveKey]*archive.LiveArchive
	lastAccess map[datgateway.ArchiveKey]time.Time
}

// New creates a Registry bound to adapter. cfg.Max must be positive.
func New(cfg Config, adapter swarm.Adapter) (*Registry, error) {
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("registry: max must be positive, got %d", cfg.Max)
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = DefaultAdmissionTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		adapter:    adapter,
		baseCtx:    ctx,
		cancel:     cancel,
		slots:      make(chan struct{}, cfg.Max),
		resident:   make(map[datgateway.ArchiveKey]*archive.LiveArchive),
		lastAccess: make(map[datgateway.ArchiveKey]time.Time),
	}, nil
}

// GetOrAdmit returns the resident LiveArchive for key, admitting it first
// if necessary. Concurrent calls for the same non-resident key share one
// admission; cancelling ctx stops this caller from waiting but never
// cancels the admission itself, so later callers still benefit from it.
func (r *Registry) GetOrAdmit(ctx context.Context, key datgateway.ArchiveKey) (*archive.LiveArchive, error) {
	r.mu.Lock()
	if la, ok := r.resident[key]; ok {
		r.lastAccess[key] = time.Now()
		r.mu.Unlock()
		return la, nil
	}
	r.mu.Unlock()

	start := time.Now()
	ch := r.sf.DoChan(key.String(), func() (interface{}, error) {
		return r.admit(key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			telemetry.RecordRegistryAdmission(ctx, outcomeFor(res.Err), time.Since(start))
			return nil, res.Err
		}
		telemetry.RecordRegistryAdmission(ctx, "admitted", time.Since(start))
		la := res.Val.(*archive.LiveArchive)
		r.mu.Lock()
		r.lastAccess[key] = time.Now()
		r.mu.Unlock()
		return la, nil
	}
}

func outcomeFor(err error) string {
	if errors.Is(err, ErrNotReady) {
		return "timeout"
	}
	return "error"
}

// acquireSlot reserves one of the registry's cfg.Max occupancy slots for
// key, evicting the current least-recently-used resident entry first if
// the registry is already full. The full check and the token acquisition
// happen as a single non-blocking attempt per loop iteration with no gap
// in which another goroutine could observe stale capacity, so concurrent
// admissions for distinct keys can never together push occupancy above
// cfg.Max: whichever goroutine's send actually lands in the channel owns
// that slot, and every other contender must either evict or wait.
func (r *Registry) acquireSlot(ctx context.Context, key datgateway.ArchiveKey) error {
	for {
		select {
		case r.slots <- struct{}{}:
			return nil
		default:
		}

		switch err := r.evictOldest(ctx); {
		case err == nil:
			// evictOldest already returned the evicted key's token to the
			// channel; retry the acquire, which should now succeed.
			continue
		case errors.Is(err, ErrEmpty):
			// Every slot is held by another key's in-flight admission, not
			// by an evictable resident entry yet. Poll rather than block
			// indefinitely on the channel send: one of those admissions
			// will either materialize (becoming evictable on the next
			// pass) or fail (releasing its slot directly).
			select {
			case r.slots <- struct{}{}:
				return nil
			case <-time.After(slotPollInterval):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return fmt.Errorf("evicting to admit %s: %w", key, err)
		}
	}
}

// admit performs the actual join-and-wait sequence for key. It runs
// against a context derived from the registry's own lifetime, not the
// triggering caller's, so a caller giving up does not abort the swarm
// join for everyone else waiting behind it.
func (r *Registry) admit(key datgateway.ArchiveKey) (interface{}, error) {
	if err := r.acquireSlot(r.baseCtx, key); err != nil {
		return nil, err
	}
	admitted := false
	defer func() {
		if !admitted {
			<-r.slots
		}
	}()

	ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.AdmissionTimeout)
	defer cancel()

	events := r.adapter.Subscribe(key)
	if err := r.adapter.Join(ctx, key); err != nil {
		telemetry.RecordRegistryRejection(ctx, "adapter_error")
		return nil, fmt.Errorf("joining swarm for %s: %w", key, err)
	}

	select {
	case event, ok := <-events:
		if !ok {
			telemetry.RecordRegistryRejection(ctx, "not_ready")
			return nil, ErrNotReady
		}
		la := archive.NewLiveArchive(key, event.Drive)
		r.mu.Lock()
		r.resident[key] = la
		r.lastAccess[key] = time.Now()
		count := len(r.resident)
		r.mu.Unlock()
		admitted = true
		telemetry.SetRegistryResident(ctx, count)
		return la, nil
	case <-ctx.Done():
		telemetry.RecordRegistryRejection(ctx, "not_ready")
		return nil, ErrNotReady
	}
}

// Remove leaves the swarm for key, closes its resident entry, and drops
// it from resident and lastAccess. Idempotent.
func (r *Registry) Remove(ctx context.Context, key datgateway.ArchiveKey) error {
	r.mu.Lock()
	_, ok := r.resident[key]
	delete(r.resident, key)
	delete(r.lastAccess, key)
	count := len(r.resident)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	<-r.slots
	telemetry.SetRegistryResident(ctx, count)
	return r.adapter.Leave(ctx, key)
}

// IsResident reports whether key is currently resident, without affecting
// its lastAccess. Used for request tagging: a caller can check this before
// GetOrAdmit to distinguish an already-resident hit from a fresh admission.
func (r *Registry) IsResident(key datgateway.ArchiveKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.resident[key]
	return ok
}

// List returns a snapshot of resident keys.
func (r *Registry) List() []datgateway.ArchiveKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]datgateway.ArchiveKey, 0, len(r.resident))
	for k := range r.resident {
		keys = append(keys, k)
	}
	return keys
}

// EvictOldest removes the resident key with the smallest lastAccess.
// Fails with ErrEmpty if the registry holds no resident keys.
func (r *Registry) EvictOldest(ctx context.Context) error {
	return r.evictOldest(ctx)
}

func (r *Registry) evictOldest(ctx context.Context) error {
	r.mu.Lock()
	key, ok := r.oldestLocked()
	if !ok {
		r.mu.Unlock()
		return ErrEmpty
	}
	delete(r.resident, key)
	delete(r.lastAccess, key)
	count := len(r.resident)
	r.mu.Unlock()

	<-r.slots
	telemetry.SetRegistryResident(ctx, count)
	if err := r.adapter.Leave(ctx, key); err != nil {
		telemetry.RecordRegistryEviction(ctx, "leave_error")
		return fmt.Errorf("leaving swarm for evicted key %s: %w", key, err)
	}
	telemetry.RecordRegistryEviction(ctx, "capacity")
	return nil
}

// oldestLocked finds the resident key with the smallest lastAccess,
// breaking ties by lexicographic key order. Callers must hold r.mu.
func (r *Registry) oldestLocked() (datgateway.ArchiveKey, bool) {
	var oldestKey datgateway.ArchiveKey
	var oldestTime time.Time
	found := false
	for k, t := range r.lastAccess {
		if !found || t.Before(oldestTime) || (t.Equal(oldestTime) && k.String() < oldestKey.String()) {
			oldestKey, oldestTime, found = k, t, true
		}
	}
	return oldestKey, found
}

// Stats reports the counters served by the /stats endpoint.
type Stats struct {
	Resident int
	Capacity int
	Oldest   time.Time
	Newest   time.Time
}

// Stats returns the current resident count, capacity, and the oldest and
// newest lastAccess timestamps among resident keys.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Resident: len(r.resident), Capacity: r.cfg.Max}
	first := true
	for _, t := range r.lastAccess {
		if first || t.Before(stats.Oldest) {
			stats.Oldest = t
		}
		if first || t.After(stats.Newest) {
			stats.Newest = t
		}
		first = false
	}
	return stats
}

// Close removes every resident key (leaving the swarm for each) and
// cancels any in-flight admissions.
func (r *Registry) Close(ctx context.Context) error {
	defer r.cancel()

	for _, key := range r.List() {
		if err := r.Remove(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
