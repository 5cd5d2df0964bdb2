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
	// channelKey is the context key for propagating a channel id to background goroutines.
	channelKey contextKey = "channel"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Area     string
	Endpoint string
	Channel  string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{}
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

// SetArea sets the API area ("playback", "channels", "artworks", "internal").
func SetArea(r *http.Request, area string) {
	if tags := GetTags(r); tags != nil {
		tags.Area = area
	}
}

// SetEndpoint sets the endpoint name for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetChannel records the channel a request operated on.
func SetChannel(r *http.Request, channel string) {
	if tags := GetTags(r); tags != nil {
		tags.Channel = channel
	}
}

// ChannelFromContext retrieves the channel id from a context.
// It checks both background contexts (set by WithChannelContext) and
// request contexts (set by SetChannel via InjectTags).
func ChannelFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(channelKey).(string); ok && c != "" {
		return c
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Channel
	}
	return ""
}

// WithChannelContext returns a context with the channel id stored.
// Use this to propagate the channel into goroutines that outlive the request context.
func WithChannelContext(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey, channel)
}
