// Package telephony defines the vendor-agnostic call-control boundary.
// Implementations are responsible for their own REST lifecycle.
package telephony

import "context"

// DialRequest carries everything a provider needs to place an outbound call.
type DialRequest struct {
	To         string
	From       string
	WebhookURL string
	// OpeningMessage is the first line spoken on the call. Only relay
	// providers consume it; direct-media providers speak it over the
	// media stream instead.
	OpeningMessage string
}

// Provider is the uniform telephony capability contract.
type Provider interface {
	Name() string
	// Relay reports whether the provider runs its own voice agent and
	// relays turns through tool-call webhooks instead of raw media.
	Relay() bool
	Dial(ctx context.Context, req DialRequest) (providerCallID string, err error)
	Hangup(ctx context.Context, providerCallID string) error
	// StartStreaming attaches a bidirectional media stream to an answered
	// call. No-op for providers that open the stream via webhook response.
	StartStreaming(ctx context.Context, providerCallID, streamURL string) error
}

// StreamDirectiveProvider is implemented by providers whose answer webhook
// must be answered with an XML directive that opens the media stream.
type StreamDirectiveProvider interface {
	StreamConnectXML(streamURL string) string
}
