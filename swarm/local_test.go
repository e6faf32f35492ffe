package swarm

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	datgateway "github.com/wolfeidau/dat-gateway"
)

func newTestAdapter(t *testing.T) *LocalAdapter {
	t.Helper()
	a, err := NewLocalAdapter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func testKey(t *testing.T) datgateway.ArchiveKey {
	t.Helper()
	return datgateway.ArchiveKey(datgateway.HashBytes([]byte(t.Name())))
}

func TestLocalAdapterJoinMaterializesEmptyArchive(t *testing.T) {
	a := newTestAdapter(t)
	key := testKey(t)

	ch := a.Subscribe(key)
	require.NoError(t, a.Join(context.Background(), key))

	select {
	case event := <-ch:
		require.Equal(t, key, event.Key)
		require.False(t, event.RootBlock.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for materialized event")
	}
}

func TestLocalAdapterSeedThenJoinServesContent(t *testing.T) {
	a := newTestAdapter(t)
	key := testKey(t)

	require.NoError(t, a.SeedFile(context.Background(), key, "index.html", []byte("hello")))
	require.NoError(t, a.Join(context.Background(), key))

	event := <-a.Subscribe(key)
	rc, err := event.Drive.ReadFile(context.Background(), "index.html")
	require.NoError(t, err)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
}

func TestLocalAdapterJoinIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	key := testKey(t)

	require.NoError(t, a.Join(context.Background(), key))
	first := <-a.Subscribe(key)

	require.NoError(t, a.Join(context.Background(), key))
	second := <-a.Subscribe(key)

	require.Equal(t, first.RootBlock, second.RootBlock)
}

func TestLocalAdapterSubscribeAfterMaterializationFiresImmediately(t *testing.T) {
	a := newTestAdapter(t)
	key := testKey(t)
	require.NoError(t, a.Join(context.Background(), key))

	ch := a.Subscribe(key)
	select {
	case event, ok := <-ch:
		require.True(t, ok)
		require.Equal(t, key, event.Key)
	default:
		t.Fatal("expected already-materialized subscribe to deliver immediately")
	}
}

func TestLocalAdapterLeaveClearsState(t *testing.T) {
	a := newTestAdapter(t)
	key := testKey(t)
	require.NoError(t, a.Join(context.Background(), key))
	require.NoError(t, a.Leave(context.Background(), key))

	// After Leave, Join re-materializes from scratch (no residual state).
	require.NoError(t, a.Join(context.Background(), key))
	event := <-a.Subscribe(key)
	require.Equal(t, key, event.Key)
}

func TestLocalAdapterLeaveIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	key := testKey(t)
	require.NoError(t, a.Leave(context.Background(), key))
	require.NoError(t, a.Leave(context.Background(), key))
}

func TestLocalAdapterReplicateLoopback(t *testing.T) {
	a := newTestAdapter(t)
	key := testKey(t)

	stream, err := a.Replicate(context.Background(), key)
	require.NoError(t, err)
	defer stream.Close()

	go func() {
		_, _ = stream.Write([]byte("ping"))
	}()

	buf := make([]byte, 4)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}
