package mock

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/callbridge/pkg/speech"
)

// Synthesizer returns a fixed-size silence payload regardless of input,
// sized so callers can predict exact frame counts.
type Synthesizer struct {
	AudioSize int

	mu    sync.Mutex
	texts []string
}

func NewSynthesizer(audioSize int) *Synthesizer {
	if audioSize <= 0 {
		audioSize = 320
	}
	return &Synthesizer{AudioSize: audioSize}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return bytes.Repeat([]byte{0xFF}, s.AudioSize), nil
}

// Spoken returns every text synthesized so far.
func (s *Synthesizer) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// Recognizer hands out sessions whose transcripts are pushed by the test.
type Recognizer struct {
	mu       sync.Mutex
	sessions []*Session
	fail     bool
}

func NewRecognizer() *Recognizer { return &Recognizer{} }

func (r *Recognizer) Name() string { return "mock_stt" }

// FailNext makes the next NewSession call return an error.
func (r *Recognizer) FailNext() {
	r.mu.Lock()
	r.fail = true
	r.mu.Unlock()
}

func (r *Recognizer) NewSession(_ context.Context) (speech.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		r.fail = false
		return nil, errors.New("mock stt unavailable")
	}
	s := &Session{finals: make(chan string, 16)}
	r.sessions = append(r.sessions, s)
	return s, nil
}

// Last returns the most recently opened session.
func (r *Recognizer) Last() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

type Session struct {
	finals chan string

	mu       sync.Mutex
	closed   bool
	received [][]byte
}

// EmitFinal pushes a completed transcript to the session's consumer.
func (s *Session) EmitFinal(text string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.finals <- text
}

func (s *Session) SendAudio(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.received = append(s.received, append([]byte(nil), audio...))
	return nil
}

// Received returns every audio chunk forwarded so far.
func (s *Session) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

func (s *Session) Finals() <-chan string { return s.finals }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ speech.Synthesizer = (*Synthesizer)(nil)
	_ speech.Recognizer  = (*Recognizer)(nil)
	_ speech.Session     = (*Session)(nil)
)
