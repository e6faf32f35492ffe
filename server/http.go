package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	datgateway "github.com/wolfeidau/dat-gateway"
	"github.com/wolfeidau/dat-gateway/registry"
	"github.com/wolfeidau/dat-gateway/telemetry"
)

// handleArchive is the single entry point for both archive HTTP requests
// and WebSocket upgrades at "/<address>[/<subpath>]".
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	telemetry.SetProtocol(r, "archive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	addrStr, subpath, viaSubdomain := s.parseAddressAndSubpath(r)

	if isWebsocketUpgrade(r) {
		s.handleWebSocketUpgrade(w, r, addrStr)
		return
	}

	if addrStr == "" {
		http.NotFound(w, r)
		return
	}

	addr, err := datgateway.ParseAddress(addrStr)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	key, err := s.resolver.Resolve(r.Context(), addr)
	if err != nil {
		http.Error(w, "Server error", http.StatusInternalServerError)
		return
	}

	if s.config.Redirect && !viaSubdomain && addr.Kind() != datgateway.AddressBase32 {
		target := fmt.Sprintf("http://%s.%s%s", key.Base32(), stripPort(r.Host), subpath)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	if subpath == "/.well-known/dat" {
		telemetry.SetEndpoint(r, "well-known")
		s.handleWellKnown(w, key)
		return
	}
	telemetry.SetEndpoint(r, "drive")
	if s.registry.IsResident(key) {
		telemetry.SetResidency(r, telemetry.ResidencyResident)
	} else {
		telemetry.SetResidency(r, telemetry.ResidencyAdmitted)
	}

	// The admit-then-serve sequence shares one deadline, distinct from and
	// longer than the registry's own admission timeout, so a slow drive
	// read cannot hold the connection open indefinitely.
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	live, err := s.registry.GetOrAdmit(ctx, key)
	if err != nil {
		if errors.Is(err, registry.ErrNotReady) || errors.Is(err, context.DeadlineExceeded) {
			http.Error(w, "Not found", http.StatusNotFound)
		} else {
			http.Error(w, "Server error", http.StatusInternalServerError)
		}
		return
	}

	live.HandleHTTP(w, r.WithContext(ctx), subpath)
}

func (s *Server) handleWellKnown(w http.ResponseWriter, key datgateway.ArchiveKey) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "dat://%s\nttl=3600", key.String())
}

// parseAddressAndSubpath extracts the archive address and request subpath
// from either a base32-subdomain (when redirect is enabled and the host's
// leading label is a 52-character base32 key) or the leading path segment.
func (s *Server) parseAddressAndSubpath(r *http.Request) (addr, subpath string, viaSubdomain bool) {
	if s.config.Redirect {
		host := stripPort(r.Host)
		if idx := strings.Index(host, "."); idx > 0 {
			label := host[:idx]
			if datgateway.IsBase32Key(label) {
				return label, r.URL.Path, true
			}
		}
	}

	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if trimmed == "" {
		return "", "", false
	}
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx], trimmed[idx:], false
	}
	return trimmed, "/", false
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// loggingMiddleware logs HTTP requests with structured fields, mirroring
// the per-request access log every front end in this gateway shares.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written, preserving Flusher and Hijacker for streaming and
// WebSocket upgrades.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// gzipMiddleware compresses text responses when the client advertises
// gzip support, using the gzip implementation from klauspost/compress.
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gzw := &gzipResponseWriter{ResponseWriter: w, request: r}
		defer gzw.Close()
		next.ServeHTTP(gzw, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	request     *http.Request
	gz          *gzip.Writer
	wroteHeader bool
	shouldGzip  bool
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		ct := w.Header().Get("Content-Type")
		if acceptsGzip(w.request) && strings.HasPrefix(ct, "text/") {
			w.shouldGzip = true
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Del("Content-Length")
			w.gz, _ = gzip.NewWriterLevel(w.ResponseWriter, gzip.DefaultCompression)
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(b))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.shouldGzip {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *gzipResponseWriter) Flush() {
	if w.gz != nil {
		_ = w.gz.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *gzipResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

func (w *gzipResponseWriter) Close() error {
	if w.gz != nil {
		return w.gz.Close()
	}
	return nil
}
