package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsResidencyToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, ResidencyBypass, tags.Residency)
}

func TestInjectTags_DefaultsProtocolEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.Empty(t, tags.Protocol)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetProtocol(t *testing.T) {
	r := newTaggedRequest()
	SetProtocol(r, "npm")
	require.Equal(t, "npm", GetTags(r).Protocol)
}

func TestSetProtocol_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetProtocol(r, "npm") // should not panic
}

func TestSetResidency(t *testing.T) {
	r := newTaggedRequest()
	SetResidency(r, ResidencyResident)
	require.Equal(t, ResidencyResident, GetTags(r).Residency)
}

func TestSetResidency_OverridesDefault(t *testing.T) {
	r := newTaggedRequest()
	require.Equal(t, ResidencyBypass, GetTags(r).Residency)
	SetResidency(r, ResidencyAdmitted)
	require.Equal(t, ResidencyAdmitted, GetTags(r).Residency)
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "drive")
	require.Equal(t, "drive", GetTags(r).Endpoint)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetProtocol(r, "archive")
	SetResidency(r, ResidencyResident)
	SetEndpoint(r, "drive")

	require.Equal(t, "archive", tags.Protocol)
	require.Equal(t, ResidencyResident, tags.Residency)
	require.Equal(t, "drive", tags.Endpoint)
}
