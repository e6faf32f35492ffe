package server

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	datgateway "github.com/wolfeidau/dat-gateway"
	"github.com/wolfeidau/dat-gateway/telemetry"
)

var wsConnections atomic.Int64

// handleWebSocketUpgrade upgrades the connection and pipes it bidirectionally
// against a replication stream for addrStr. A missing or malformed address
// ends the stream with a text message rather than failing the handshake,
// since the upgrade has already committed the response.
func (s *Server) handleWebSocketUpgrade(w http.ResponseWriter, r *http.Request, addrStr string) {
	telemetry.SetProtocol(r, "ws")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	current := wsConnections.Add(1)
	telemetry.RecordWSSessionStart(r.Context(), int(current))
	defer func() {
		current := wsConnections.Add(-1)
		telemetry.RecordWSSessionEnd(r.Context(), int(current), "closed")
	}()

	if addrStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("Must provide archive key"))
		return
	}

	addr, err := datgateway.ParseAddress(addrStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(err.Error()))
		return
	}

	key, err := s.resolver.Resolve(r.Context(), addr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(err.Error()))
		return
	}

	stream, err := s.adapter.Replicate(r.Context(), key)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(err.Error()))
		return
	}
	defer stream.Close()

	// The pipe is established before admission completes; the replication
	// protocol tolerates empty traffic until the feeds are loaded.
	go func() {
		if _, err := s.registry.GetOrAdmit(context.Background(), key); err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(err.Error()))
		}
	}()

	s.pipeWebSocket(r.Context(), conn, stream)
}

// pipeWebSocket runs two independent copy loops between conn and stream,
// each with its own error path, so a peer-side socket error never crashes
// the gateway or blocks the other direction from tearing down cleanly.
func (s *Server) pipeWebSocket(ctx context.Context, conn *websocket.Conn, stream io.ReadWriter) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if _, err := stream.Write(data); err != nil {
				return
			}
			telemetry.RecordWSBytes(ctx, "in", int64(len(data)))
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
				telemetry.RecordWSBytes(ctx, "out", int64(n))
			}
			if err != nil {
				return
			}
		}
	}()

	<-done
	_ = conn.SetReadDeadline(time.Now())
}
