package call

import (
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/speech"
)

// State is the session's position in the strict turn alternation.
type State string

const (
	StateAwaitingHuman State = "awaiting_human"
	StateAwaitingAgent State = "awaiting_agent"
)

// MediaChannel is the duplex audio socket the media bridge attaches to a
// session once the provider connects.
type MediaChannel interface {
	WriteJSON(v any) error
	Close() error
}

// humanTurnQueue bounds how many undelivered human turns may pile up
// before further relay events are rejected.
const humanTurnQueue = 4

// Session tracks one logical phone conversation from placement to cleanup.
type Session struct {
	id         string
	mediaToken string
	relay      bool
	startedAt  time.Time

	humanCh   chan string
	agentCh   chan string
	connected chan struct{}
	done      chan struct{}

	// evMu serializes webhook handling for this call; distinct sessions
	// proceed in parallel.
	evMu sync.Mutex

	mu             sync.Mutex
	providerCallID string
	streamSID      string
	media          MediaChannel
	speech         speech.Session
	state          State
	terminated     bool
	wasConnected   bool
	humanWait      bool
}

func newSession(id, mediaToken string, relay bool, speechSess speech.Session) *Session {
	return &Session{
		id:         id,
		mediaToken: mediaToken,
		relay:      relay,
		startedAt:  time.Now(),
		humanCh:    make(chan string, humanTurnQueue),
		agentCh:    make(chan string, 1),
		connected:  make(chan struct{}),
		done:       make(chan struct{}),
		speech:     speechSess,
		state:      StateAwaitingHuman,
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) MediaToken() string { return s.mediaToken }
func (s *Session) Relay() bool        { return s.relay }
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Done is closed exactly once when the session is cleaned up. Pacing and
// wait loops select on it so teardown cancels them.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connected is closed when the media bridge attaches the audio socket.
func (s *Session) Connected() <-chan struct{} { return s.connected }

func (s *Session) ProviderCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerCallID
}

func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *Session) setStreamSID(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sid != "" {
		s.streamSID = sid
	}
}

func (s *Session) MediaChannel() MediaChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// markTerminated flips the terminated flag, returning false if it was
// already set. Guards against double cleanup.
func (s *Session) markTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	return true
}

// attachMedia stores the connected audio socket and fires the connect
// signal the first time a socket attaches.
func (s *Session) attachMedia(ch MediaChannel) {
	s.mu.Lock()
	s.media = ch
	first := !s.wasConnected
	s.wasConnected = true
	s.mu.Unlock()
	if first {
		close(s.connected)
	}
}

// detachMedia clears the socket reference after a disconnect that is not
// a full teardown.
func (s *Session) detachMedia(ch MediaChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == ch {
		s.media = nil
	}
}

// pushHumanTurn queues a completed human utterance. Turns queue in arrival
// order; when the queue is full the event is rejected so the sender can
// report the failure instead of overwriting a pending turn.
func (s *Session) pushHumanTurn(text string) error {
	if s.Terminated() {
		return ErrCallNotFound
	}
	select {
	case s.humanCh <- text:
		return nil
	default:
		return ErrTurnQueueFull
	}
}

// fulfillAgentTurn hands the agent's reply to the waiting relay webhook.
func (s *Session) fulfillAgentTurn(text string) error {
	select {
	case s.agentCh <- text:
		return nil
	default:
		return ErrTurnInFlight
	}
}

func (s *Session) beginHumanWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.humanWait {
		return false
	}
	s.humanWait = true
	return true
}

func (s *Session) endHumanWait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.humanWait = false
}
