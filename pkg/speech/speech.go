// Package speech defines the capability interfaces the call orchestrator
// consumes for synthesis and streaming recognition.
package speech

import "context"

// Synthesizer converts text into raw mulaw 8 kHz audio ready for a
// telephony media stream.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Recognizer opens streaming recognition sessions, one per call.
type Recognizer interface {
	Name() string
	NewSession(ctx context.Context) (Session, error)
}

// Session is one live recognition stream. SendAudio feeds raw mulaw bytes;
// Finals delivers completed transcripts as the engine reports them.
// Close is safe to call more than once.
type Session interface {
	SendAudio(audio []byte) error
	Finals() <-chan string
	Close() error
}
