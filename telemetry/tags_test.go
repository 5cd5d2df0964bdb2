package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Empty(t, tags.Area)
	require.Empty(t, tags.Endpoint)
	require.Empty(t, tags.Channel)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetArea(r, "playback")
	SetEndpoint(r, "next")
	SetChannel(r, "all")
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetArea(r, "channels")
	SetEndpoint(r, "refresh")
	SetChannel(r, "promoted")

	require.Equal(t, "channels", tags.Area)
	require.Equal(t, "refresh", tags.Endpoint)
	require.Equal(t, "promoted", tags.Channel)
}

func TestChannelFromContext(t *testing.T) {
	require.Empty(t, ChannelFromContext(context.Background()))

	ctx := WithChannelContext(context.Background(), "all")
	require.Equal(t, "all", ChannelFromContext(ctx))

	r := newTaggedRequest()
	SetChannel(r, "by_user:42")
	require.Equal(t, "by_user:42", ChannelFromContext(r.Context()))

	// Background value wins over request tags.
	ctx = WithChannelContext(r.Context(), "all")
	require.Equal(t, "all", ChannelFromContext(ctx))
}
