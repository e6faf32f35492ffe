// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// protocolKey is the context key for propagating protocol to background goroutines.
	protocolKey contextKey = "protocol"
)

// Residency represents whether an archive request found its key already
// resident in the registry or had to admit it fresh, mirroring the
// registry's own admission outcome for the requests that go through it.
type Residency string

const (
	// ResidencyResident means the archive was already resident: no swarm
	// join was needed.
	ResidencyResident Residency = "resident"
	// ResidencyAdmitted means the request triggered (or waited behind) a
	// fresh admission.
	ResidencyAdmitted Residency = "admitted"
	// ResidencyBypass means the request never reached the registry, e.g.
	// the landing page, /stats, or /metrics.
	ResidencyBypass Residency = "bypass"
	// ResidencyNA means residency does not apply. No handler in this
	// gateway sets it; a request that fails before its address is resolved
	// keeps the ResidencyBypass default.
	ResidencyNA Residency = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Protocol string
	Residency
	Endpoint string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Residency: ResidencyBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetResidency records whether the request's archive was already resident
// or had to be admitted, for logging and metrics.
func SetResidency(r *http.Request, residency Residency) {
	if tags := GetTags(r); tags != nil {
		tags.Residency = residency
	}
}

// SetProtocol sets the protocol tag for metrics and logging.
func SetProtocol(r *http.Request, protocol string) {
	if tags := GetTags(r); tags != nil {
		tags.Protocol = protocol
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// ProtocolFromContext retrieves the protocol from a context.
// It checks both background contexts (set by WithProtocolContext) and
// request contexts (set by SetProtocol middleware via InjectTags).
func ProtocolFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(protocolKey).(string); ok && p != "" {
		return p
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Protocol
	}
	return ""
}

// WithProtocolContext returns a context with the protocol stored.
// Use this to propagate the protocol into goroutines that outlive the request context.
func WithProtocolContext(ctx context.Context, protocol string) context.Context {
	return context.WithValue(ctx, protocolKey, protocol)
}
