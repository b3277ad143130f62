package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonCallInitiation ReasonCode = "call_initiation"
	ReasonCallNotFound   ReasonCode = "call_not_found"
	ReasonConnectTimeout ReasonCode = "media_connect_timeout"

	ReasonTelephonyDial   ReasonCode = "telephony_dial"
	ReasonTelephonyHangup ReasonCode = "telephony_hangup"
	ReasonTelephonyStream ReasonCode = "telephony_stream"

	ReasonSTTConnect    ReasonCode = "stt_connect"
	ReasonSTTSend       ReasonCode = "stt_send"
	ReasonTTSSynthesize ReasonCode = "tts_synthesize"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
