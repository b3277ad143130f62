package call

import "errors"

var (
	// ErrCallInitiation means the provider rejected the outbound call
	// request. The session is fully cleaned up before this surfaces.
	ErrCallInitiation = errors.New("call initiation rejected")

	// ErrCallNotFound means the call id is unknown or already terminated.
	ErrCallNotFound = errors.New("call not active")

	// ErrConnectTimeout means the media channel never connected within
	// the configured bound.
	ErrConnectTimeout = errors.New("timeout waiting for media connection")

	// ErrTurnInFlight means a wait for the same turn direction is
	// already outstanding on this session.
	ErrTurnInFlight = errors.New("turn wait already in flight")

	// ErrTurnQueueFull means a relayed human turn arrived while the
	// queue of undelivered turns was full. The event is rejected, never
	// silently dropped.
	ErrTurnQueueFull = errors.New("human turn queue full")

	// ErrSpeakUnsupported means speak-only was requested on a relay
	// provider, which has no media channel to speak over.
	ErrSpeakUnsupported = errors.New("speak-only requires a direct-media provider")
)
