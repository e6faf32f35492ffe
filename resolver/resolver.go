// Package resolver implements the Name Resolver: it maps a user-supplied
// address (hex key, base32 key, or DNS name) to a canonical ArchiveKey.
package resolver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	datgateway "github.com/wolfeidau/dat-gateway"
	"github.com/wolfeidau/dat-gateway/telemetry"
	"golang.org/x/net/idna"
)

// DefaultTTL is used when a DNS record does not advertise its own TTL.
const DefaultTTL = 3600 * time.Second

// WellKnownPath is the path queried on a Dat name's host to discover its key.
const WellKnownPath = "/.well-known/dat"

// Resolver resolves addresses to ArchiveKeys, caching DNS lookups for the
// TTL advertised by the record.
type Resolver struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*cachedRecord
}

type cachedRecord struct {
	key       datgateway.ArchiveKey
	expiresAt time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the HTTP client used for well-known lookups.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a Resolver. By default its HTTP client is instrumented with
// the same upstream-fetch metrics used elsewhere in the gateway, tagged
// with protocol "dns".
func New(opts ...Option) *Resolver {
	r := &Resolver{
		logger: slog.Default(),
		now:    time.Now,
		cache:  make(map[string]*cachedRecord),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "dns"),
			Timeout:   10 * time.Second,
		}
	}
	return r
}

// Resolve maps addr to a canonical ArchiveKey. Hex and base32 forms are
// resolved locally without I/O; DNS names require a well-known lookup,
// cached for the TTL the record advertises.
func (r *Resolver) Resolve(ctx context.Context, addr datgateway.Address) (datgateway.ArchiveKey, error) {
	switch addr.Kind() {
	case datgateway.AddressHex:
		key, err := datgateway.ParseArchiveKey(strings.ToLower(addr.String()))
		if err != nil {
			return datgateway.ArchiveKey{}, &ResolutionError{Address: addr.String(), Err: err}
		}
		return key, nil
	case datgateway.AddressBase32:
		key, err := datgateway.ArchiveKeyFromBase32(addr.String())
		if err != nil {
			return datgateway.ArchiveKey{}, &ResolutionError{Address: addr.String(), Err: err}
		}
		return key, nil
	default:
		return r.resolveDNS(ctx, addr.String())
	}
}

func (r *Resolver) resolveDNS(ctx context.Context, host string) (datgateway.ArchiveKey, error) {
	hostname, port := host, ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		hostname, port = h, p
	}
	normalized, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		return datgateway.ArchiveKey{}, &ResolutionError{Address: host, Err: fmt.Errorf("normalizing host: %w", err)}
	}
	if port != "" {
		normalized = net.JoinHostPort(normalized, port)
	}

	if rec := r.lookupCache(normalized); rec != nil {
		return rec.key, nil
	}

	url := "https://" + normalized + WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return datgateway.ArchiveKey{}, &ResolutionError{Address: host, Err: err}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return datgateway.ArchiveKey{}, &ResolutionError{Address: host, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return datgateway.ArchiveKey{}, &ResolutionError{
			Address: host,
			Err:     fmt.Errorf("well-known lookup returned status %d", resp.StatusCode),
		}
	}

	key, ttl, err := parseDatRecord(resp.Body)
	if err != nil {
		return datgateway.ArchiveKey{}, &ResolutionError{Address: host, Err: err}
	}

	r.storeCache(normalized, key, ttl)
	return key, nil
}

func (r *Resolver) lookupCache(host string) *cachedRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.cache[host]
	if !ok || r.now().After(rec.expiresAt) {
		return nil
	}
	return rec
}

func (r *Resolver) storeCache(host string, key datgateway.ArchiveKey, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache[host] = &cachedRecord{key: key, expiresAt: r.now().Add(ttl)}
}

// Forget removes any cached record for host, forcing the next Resolve to
// perform a fresh lookup.
func (r *Resolver) Forget(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, host)
}

// parseDatRecord parses a well-known Dat record of the form:
//
//	dat://<64-hex-key>
//	ttl=<seconds>
//
// The ttl line is optional; DefaultTTL applies when absent.
func parseDatRecord(body io.Reader) (datgateway.ArchiveKey, time.Duration, error) {
	scanner := bufio.NewScanner(body)
	var keyLine string
	ttl := DefaultTTL

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "dat://"):
			if keyLine == "" {
				keyLine = strings.TrimPrefix(line, "dat://")
			}
		case strings.HasPrefix(line, "ttl="):
			if secs, err := strconv.Atoi(strings.TrimPrefix(line, "ttl=")); err == nil && secs > 0 {
				ttl = time.Duration(secs) * time.Second
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return datgateway.ArchiveKey{}, 0, fmt.Errorf("reading well-known response: %w", err)
	}
	if keyLine == "" {
		return datgateway.ArchiveKey{}, 0, fmt.Errorf("no dat:// record found")
	}

	key, err := datgateway.ParseArchiveKey(strings.ToLower(keyLine))
	if err != nil {
		return datgateway.ArchiveKey{}, 0, fmt.Errorf("parsing key from dat record: %w", err)
	}
	return key, ttl, nil
}
