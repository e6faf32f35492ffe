package registry

import (
	"context"
	"sync"
	"time"

	datgateway "github.com/wolfeidau/dat-gateway"
	"github.com/wolfeidau/dat-gateway/telemetry"
)

// Sweeper periodically removes resident keys that have not been accessed
// within the registry's configured TTL. It runs only when both TTL and
// SweepPeriod are configured.
type Sweeper struct {
	registry *Registry
	ttl      time.Duration
	period   time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a Sweeper for reg. It does nothing until Start is
// called.
func NewSweeper(reg *Registry, ttl, period time.Duration) *Sweeper {
	return &Sweeper{registry: reg, ttl: ttl, period: period}
}

// Start begins the sweep loop in a background goroutine. Calling Start
// when already running or when ttl/period are non-positive is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	if s.ttl <= 0 || s.period <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
}

// Stop halts the sweep loop and waits for it to exit. Safe to call when
// not running.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.running = false
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep, exposed directly for tests. It scans
// resident keys under the registry's mutex to compute the removal set,
// then removes each outside the lock so a concurrently-admitting key is
// never observed as both over TTL and not-yet-resident.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	start := time.Now()
	stale := s.staleKeys()

	removed := 0
	for _, key := range stale {
		if err := s.registry.Remove(ctx, key); err == nil {
			removed++
		}
	}

	telemetry.RecordSweepCycle(ctx, removed, time.Since(start))
	return removed
}

func (s *Sweeper) staleKeys() []datgateway.ArchiveKey {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()

	now := time.Now()
	var stale []datgateway.ArchiveKey
	for key, last := range s.registry.lastAccess {
		if now.Sub(last) > s.ttl {
			stale = append(stale, key)
		}
	}
	return stale
}
