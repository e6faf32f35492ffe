package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	datgateway "github.com/wolfeidau/dat-gateway"
	"github.com/stretchr/testify/require"
)

func testAddress(t *testing.T) (datgateway.Address, datgateway.ArchiveKey) {
	t.Helper()
	key := datgateway.ArchiveKey(datgateway.HashBytes([]byte("resolver fixture")))
	addr, err := datgateway.ParseAddress(key.String())
	require.NoError(t, err)
	return addr, key
}

func TestResolveHex(t *testing.T) {
	addr, key := testAddress(t)
	r := New()

	got, err := r.Resolve(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestResolveBase32(t *testing.T) {
	_, key := testAddress(t)
	addr, err := datgateway.ParseAddress(key.Base32())
	require.NoError(t, err)

	r := New()
	got, err := r.Resolve(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestResolveHexInvalidLength(t *testing.T) {
	r := New()
	addr := datgateway.Address("not-a-valid-hex-or-base32-string-at-all-so-its-dns")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, addr)
	// Falls through to DNS lookup; it must not be misclassified as hex or
	// base32, and a cancelled context must fail it without a network hop.
	require.Error(t, err)
}

func newTestServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, WellKnownPath, r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveDNS(t *testing.T) {
	_, key := testAddress(t)
	srv := newTestServer(t, fmt.Sprintf("dat://%s\nttl=60", key.String()), http.StatusOK)

	host := strings.TrimPrefix(srv.URL, "https://")
	r := New(WithHTTPClient(srv.Client()))

	addr, err := datgateway.ParseAddress(host)
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestResolveDNSCachesWithinTTL(t *testing.T) {
	_, key := testAddress(t)
	var hits int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(fmt.Sprintf("dat://%s\nttl=3600", key.String())))
	}))
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "https://")
	r := New(WithHTTPClient(srv.Client()))
	addr, err := datgateway.ParseAddress(host)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), addr)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), addr)
	require.NoError(t, err)

	require.Equal(t, 1, hits, "second resolution within TTL must not hit the network")
}

func TestResolveDNSRefreshesAfterExpiry(t *testing.T) {
	_, key := testAddress(t)
	var hits int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(fmt.Sprintf("dat://%s\nttl=1", key.String())))
	}))
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "https://")
	r := New(WithHTTPClient(srv.Client()))
	r.now = func() time.Time { return fixedTime }
	addr, err := datgateway.ParseAddress(host)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), addr)
	require.NoError(t, err)

	r.now = func() time.Time { return fixedTime.Add(2 * time.Second) }
	_, err = r.Resolve(context.Background(), addr)
	require.NoError(t, err)

	require.Equal(t, 2, hits)
}

func TestResolveDNSFailureStatus(t *testing.T) {
	srv := newTestServer(t, "not found", http.StatusNotFound)
	host := strings.TrimPrefix(srv.URL, "https://")
	r := New(WithHTTPClient(srv.Client()))
	addr, err := datgateway.ParseAddress(host)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), addr)
	require.Error(t, err)
}

func TestResolveDNSMalformedRecord(t *testing.T) {
	srv := newTestServer(t, "garbage response with no record", http.StatusOK)
	host := strings.TrimPrefix(srv.URL, "https://")
	r := New(WithHTTPClient(srv.Client()))
	addr, err := datgateway.ParseAddress(host)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), addr)
	require.Error(t, err)
}

func TestForget(t *testing.T) {
	_, key := testAddress(t)
	var hits int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(fmt.Sprintf("dat://%s\nttl=3600", key.String())))
	}))
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "https://")
	r := New(WithHTTPClient(srv.Client()))
	addr, err := datgateway.ParseAddress(host)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), addr)
	require.NoError(t, err)

	r.Forget(host)

	_, err = r.Resolve(context.Background(), addr)
	require.NoError(t, err)

	require.Equal(t, 2, hits)
}

var fixedTime = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
