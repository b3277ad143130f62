// Package call owns the session registry, the strict speak/listen turn
// protocol, and call lifecycle teardown.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callbridge/pkg/auth"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/observability"
	"github.com/harunnryd/callbridge/pkg/speech"
	"github.com/harunnryd/callbridge/pkg/telephony"
)

// EndCallSentinel tags a relay reply as the call's final message so the
// provider's voice agent knows to say goodbye and hang up.
const EndCallSentinel = "[END_CALL]"

// AudioSender paces synthesized audio onto a session's media channel in
// real time. The media bridge implements it.
type AudioSender interface {
	SendAudio(ctx context.Context, sess *Session, audio []byte) error
}

// CallInfo is returned from InitiateCall.
type CallInfo struct {
	CallID   string `json:"call_id"`
	Response string `json:"response"`
}

type Options struct {
	Provider    telephony.Provider
	Synthesizer speech.Synthesizer
	Recognizer  speech.Recognizer

	PublicURL    string
	WebhookPath  string
	MediaPath    string
	UserNumber   string
	SystemNumber string

	TurnTimeout    time.Duration
	ConnectTimeout time.Duration
	FarewellGrace  time.Duration
	// RelayHangupDelay gives the provider's voice agent time to speak the
	// farewell before the hangup lands.
	RelayHangupDelay time.Duration
	// RelayAnswerTimeout bounds the wait for the first relayed human turn,
	// which includes ringing and the agent's opening line.
	RelayAnswerTimeout time.Duration

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.WebhookPath == "" {
		o.WebhookPath = "/webhooks/voice"
	}
	if o.MediaPath == "" {
		o.MediaPath = "/media-stream"
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = 15 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.FarewellGrace <= 0 {
		o.FarewellGrace = 2 * time.Second
	}
	if o.RelayHangupDelay <= 0 {
		o.RelayHangupDelay = 5 * time.Second
	}
	if o.RelayAnswerTimeout <= 0 {
		o.RelayAnswerTimeout = 60 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = observability.NewMetrics("callbridge")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Manager orchestrates call sessions across both provider models: one
// turn-source driven by the speech recognizer, the other by relayed
// webhook tool-calls.
type Manager struct {
	opts    Options
	reg     *registry
	audio   AudioSender
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:    opts,
		reg:     newRegistry(),
		logger:  logging.NewComponentLogger(opts.Logger, "call_manager"),
		metrics: opts.Metrics,
	}
}

// BindAudioSender wires the media bridge in after construction.
func (m *Manager) BindAudioSender(s AudioSender) { m.audio = s }

// Provider exposes the active telephony capability to the webhook router.
func (m *Manager) Provider() telephony.Provider { return m.opts.Provider }

// ActiveCalls reports how many sessions are live.
func (m *Manager) ActiveCalls() int { return m.reg.size() }

// WebhookURL is the callback URL handed to providers at dial time.
func (m *Manager) WebhookURL() string {
	return "https://" + normalizePublicURL(m.opts.PublicURL) + m.opts.WebhookPath
}

// StreamURL embeds the session's media token so the inbound socket can be
// tied back to exactly one call.
func (m *Manager) StreamURL(token string) string {
	return "wss://" + normalizePublicURL(m.opts.PublicURL) + m.opts.MediaPath + "?token=" + token
}

// InitiateCall places an outbound call and blocks until the conversation's
// first turn completes: the opening message is delivered and the human's
// reply (or an empty string on turn timeout) comes back.
func (m *Manager) InitiateCall(ctx context.Context, message string) (CallInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	callID := "call-" + uuid.NewString()
	token := auth.NewMediaToken()
	relay := m.opts.Provider.Relay()

	var speechSess speech.Session
	if !relay {
		var err error
		speechSess, err = m.opts.Recognizer.NewSession(ctx)
		if err != nil {
			return CallInfo{}, m.initiationError(err)
		}
	}

	sess := newSession(callID, token, relay, speechSess)
	if err := m.reg.add(sess); err != nil {
		if speechSess != nil {
			_ = speechSess.Close()
		}
		return CallInfo{}, m.initiationError(err)
	}
	m.metrics.ActiveCalls.Inc()
	m.metrics.CallEvents.WithLabelValues("initiated").Inc()

	if speechSess != nil {
		go m.pumpTranscripts(sess, speechSess)
	}

	req := telephony.DialRequest{
		To:         m.opts.UserNumber,
		From:       m.opts.SystemNumber,
		WebhookURL: m.WebhookURL(),
	}
	if relay {
		req.OpeningMessage = message
	}

	providerCallID, err := m.opts.Provider.Dial(ctx, req)
	if err != nil {
		m.cleanup(sess, "dial_failed")
		return CallInfo{}, m.initiationError(err)
	}
	if err := m.reg.bindProvider(sess, providerCallID); err != nil {
		m.cleanup(sess, "bind_failed")
		return CallInfo{}, m.initiationError(err)
	}

	m.logger.Info("call_initiated",
		slog.String("call_id", callID),
		slog.String("provider_call_id", providerCallID),
		slog.String("provider", m.opts.Provider.Name()))

	if relay {
		response, err := m.waitHumanTurn(ctx, sess, m.opts.RelayAnswerTimeout)
		if err != nil {
			return CallInfo{}, err
		}
		return CallInfo{CallID: callID, Response: response}, nil
	}

	audio, err := m.opts.Synthesizer.Synthesize(ctx, message)
	if err != nil {
		m.cleanup(sess, "tts_failed")
		return CallInfo{}, m.initiationError(err)
	}
	if err := m.waitConnected(ctx, sess); err != nil {
		m.cleanup(sess, "connect_timeout")
		return CallInfo{}, err
	}
	if err := m.sendAudio(ctx, sess, audio); err != nil {
		m.logger.Warn("opening_audio_send_failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}

	response, err := m.waitHumanTurn(ctx, sess, m.opts.TurnTimeout)
	if err != nil {
		return CallInfo{}, err
	}
	return CallInfo{CallID: callID, Response: response}, nil
}

// ContinueCall delivers the agent's reply to the human and suspends until
// the next human turn. An empty transcript means the turn timed out.
func (m *Manager) ContinueCall(ctx context.Context, callID, message string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sess, err := m.activeSession(callID)
	if err != nil {
		return "", err
	}
	if err := m.deliverAgentMessage(ctx, sess, message); err != nil {
		return "", err
	}
	return m.waitHumanTurn(ctx, sess, m.opts.TurnTimeout)
}

// SpeakOnly speaks a message without waiting for a reply. Only meaningful
// when this process owns the media path.
func (m *Manager) SpeakOnly(ctx context.Context, callID, message string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sess, err := m.activeSession(callID)
	if err != nil {
		return err
	}
	if sess.relay {
		return ErrSpeakUnsupported
	}
	audio, err := m.opts.Synthesizer.Synthesize(ctx, message)
	if err != nil {
		return err
	}
	return m.sendAudio(ctx, sess, audio)
}

// EndCall delivers a farewell, hangs up, and tears the session down.
// Returns the call duration in seconds. A second EndCall for the same id
// fails with ErrCallNotFound.
func (m *Manager) EndCall(ctx context.Context, callID, message string) (float64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sess, err := m.activeSession(callID)
	if err != nil {
		return 0, err
	}

	if sess.relay {
		return m.endRelayCall(sess, message)
	}
	return m.endDirectCall(ctx, sess, message)
}

func (m *Manager) endDirectCall(ctx context.Context, sess *Session, message string) (float64, error) {
	audio, err := m.opts.Synthesizer.Synthesize(ctx, message)
	if err != nil {
		m.logger.Warn("farewell_tts_failed",
			slog.String("call_id", sess.id),
			slog.String("error", err.Error()))
	} else if err := m.sendAudio(ctx, sess, audio); err != nil {
		m.logger.Warn("farewell_send_failed",
			slog.String("call_id", sess.id),
			slog.String("error", err.Error()))
	}

	// Grace period so the tail of the farewell reaches the handset.
	grace := time.NewTimer(m.opts.FarewellGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
	case <-sess.done:
	}

	if pcid := sess.ProviderCallID(); pcid != "" {
		if err := m.opts.Provider.Hangup(ctx, pcid); err != nil {
			m.logger.Warn("hangup_failed",
				slog.String("call_id", sess.id),
				slog.String("error", err.Error()))
		}
	}
	duration := time.Since(sess.startedAt).Seconds()
	m.cleanup(sess, "ended")
	return duration, nil
}

func (m *Manager) endRelayCall(sess *Session, message string) (float64, error) {
	reply := strings.TrimSpace(message + " " + EndCallSentinel)
	if err := sess.fulfillAgentTurn(reply); err != nil {
		m.logger.Warn("end_reply_not_delivered",
			slog.String("call_id", sess.id),
			slog.String("error", err.Error()))
	}

	pcid := sess.ProviderCallID()
	delay := m.opts.RelayHangupDelay
	if pcid != "" {
		// Deferred so the voice agent can finish speaking the farewell.
		go func() {
			time.Sleep(delay)
			if err := m.opts.Provider.Hangup(context.Background(), pcid); err != nil {
				m.logger.Warn("deferred_hangup_failed",
					slog.String("call_id", sess.id),
					slog.String("error", err.Error()))
			}
		}()
	}

	duration := time.Since(sess.startedAt).Seconds()
	m.cleanup(sess, "ended")
	return duration, nil
}

// --- webhook-facing entry points ---

// HandleAnswered starts raw media streaming for providers that use async
// call control. Events for unknown calls are dropped with no action.
func (m *Manager) HandleAnswered(ctx context.Context, providerCallID string) {
	sess, ok := m.reg.getByProvider(providerCallID)
	if !ok || sess.Terminated() {
		return
	}
	sess.evMu.Lock()
	defer sess.evMu.Unlock()
	streamURL := m.StreamURL(sess.mediaToken)
	if err := m.opts.Provider.StartStreaming(ctx, providerCallID, streamURL); err != nil {
		m.logger.Error("start_streaming_failed",
			slog.String("call_id", sess.id),
			slog.String("error", err.Error()))
	}
}

// HandleHangup tears down the session for a provider-reported hangup.
func (m *Manager) HandleHangup(providerCallID string) {
	sess, ok := m.reg.getByProvider(providerCallID)
	if !ok {
		return
	}
	sess.evMu.Lock()
	defer sess.evMu.Unlock()
	m.cleanup(sess, "provider_hangup")
}

// StreamDirectiveForCall returns the provider's XML stream directive for
// form-style answer webhooks.
func (m *Manager) StreamDirectiveForCall(providerCallID string) (string, bool) {
	sess, ok := m.reg.getByProvider(providerCallID)
	if !ok || sess.Terminated() {
		return "", false
	}
	dp, ok := m.opts.Provider.(telephony.StreamDirectiveProvider)
	if !ok {
		return "", false
	}
	return dp.StreamConnectXML(m.StreamURL(sess.mediaToken)), true
}

// HandleRelayTurn queues the relayed human utterance and waits for the
// agent's reply; the returned string is the tool-call result. Handling is
// serialized per session.
func (m *Manager) HandleRelayTurn(ctx context.Context, providerCallID, userMessage string) (string, error) {
	sess, ok := m.reg.getByProvider(providerCallID)
	if !ok {
		sess, ok = m.reg.soleRelaySession()
	}
	if !ok || sess.Terminated() {
		return "", errorsx.Wrap(ErrCallNotFound, errorsx.ReasonCallNotFound)
	}
	sess.evMu.Lock()
	defer sess.evMu.Unlock()
	if err := sess.pushHumanTurn(userMessage); err != nil {
		return "", err
	}
	return m.waitAgentTurn(ctx, sess, m.opts.TurnTimeout)
}

// --- media-facing entry points ---

// AuthorizeMediaToken resolves a media token to its live session.
func (m *Manager) AuthorizeMediaToken(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	sess, ok := m.reg.getByToken(token)
	if !ok || sess.Terminated() {
		return nil, false
	}
	return sess, true
}

// AttachMedia stores the connected socket and fires the connect signal.
func (m *Manager) AttachMedia(sess *Session, ch MediaChannel) {
	sess.attachMedia(ch)
	m.metrics.CallEvents.WithLabelValues("media_connected").Inc()
	m.logger.Info("media_connected", slog.String("call_id", sess.id))
}

// DetachMedia clears the socket after a disconnect without teardown.
func (m *Manager) DetachMedia(sess *Session, ch MediaChannel) {
	sess.detachMedia(ch)
}

// SetStreamSID captures the provider's stream correlation id.
func (m *Manager) SetStreamSID(sess *Session, sid string) {
	sess.setStreamSID(sid)
}

// ForwardInboundAudio feeds decoded caller audio to the recognizer.
func (m *Manager) ForwardInboundAudio(sess *Session, payload []byte) {
	sess.mu.Lock()
	sp := sess.speech
	sess.mu.Unlock()
	if sp == nil {
		return
	}
	if err := sp.SendAudio(payload); err != nil {
		m.logger.Debug("stt_forward_failed",
			slog.String("call_id", sess.id),
			slog.String("error", err.Error()))
	}
	m.metrics.MediaFrames.WithLabelValues("inbound").Inc()
}

// HandleMediaStop tears the session down on an inbound stop event.
func (m *Manager) HandleMediaStop(sess *Session) {
	m.cleanup(sess, "media_stop")
}

// --- internals ---

func (m *Manager) activeSession(callID string) (*Session, error) {
	sess, ok := m.reg.get(callID)
	if !ok || sess.Terminated() {
		return nil, errorsx.Wrap(ErrCallNotFound, errorsx.ReasonCallNotFound)
	}
	return sess, nil
}

func (m *Manager) deliverAgentMessage(ctx context.Context, sess *Session, message string) error {
	if sess.relay {
		if err := sess.fulfillAgentTurn(message); err != nil {
			return err
		}
		sess.setState(StateAwaitingHuman)
		return nil
	}
	audio, err := m.opts.Synthesizer.Synthesize(ctx, message)
	if err != nil {
		return err
	}
	if err := m.sendAudio(ctx, sess, audio); err != nil {
		return err
	}
	sess.setState(StateAwaitingHuman)
	return nil
}

func (m *Manager) sendAudio(ctx context.Context, sess *Session, audio []byte) error {
	if m.audio == nil {
		return nil
	}
	return m.audio.SendAudio(ctx, sess, audio)
}

// waitHumanTurn blocks for the next completed human turn, resolving to an
// empty transcript on timeout or teardown rather than an error.
func (m *Manager) waitHumanTurn(ctx context.Context, sess *Session, timeout time.Duration) (string, error) {
	if !sess.beginHumanWait() {
		return "", ErrTurnInFlight
	}
	defer sess.endHumanWait()

	start := time.Now()
	defer func() { m.metrics.ObserveTurnWait(time.Since(start)) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case text := <-sess.humanCh:
		sess.setState(StateAwaitingAgent)
		return text, nil
	case <-timer.C:
		m.logger.Warn("turn_wait_timeout", slog.String("call_id", sess.id))
		return "", nil
	case <-sess.done:
		return "", nil
	case <-ctx.Done():
		return "", nil
	}
}

// waitAgentTurn blocks for the agent's reply to a relayed turn. A reply
// fulfilled just before teardown is still drained and delivered. A gone
// webhook client releases the session immediately via ctx.
func (m *Manager) waitAgentTurn(ctx context.Context, sess *Session, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-sess.agentCh:
		return reply, nil
	case <-timer.C:
		m.logger.Warn("agent_reply_timeout", slog.String("call_id", sess.id))
		return "", nil
	case <-ctx.Done():
		return "", nil
	case <-sess.done:
		select {
		case reply := <-sess.agentCh:
			return reply, nil
		default:
			return "", nil
		}
	}
}

func (m *Manager) waitConnected(ctx context.Context, sess *Session) error {
	timer := time.NewTimer(m.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-sess.connected:
		return nil
	case <-timer.C:
		return errorsx.Wrap(ErrConnectTimeout, errorsx.ReasonConnectTimeout)
	case <-sess.done:
		return errorsx.Wrap(ErrCallNotFound, errorsx.ReasonCallNotFound)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) pumpTranscripts(sess *Session, sp speech.Session) {
	for {
		select {
		case text, ok := <-sp.Finals():
			if !ok {
				return
			}
			if err := sess.pushHumanTurn(text); err != nil {
				m.logger.Warn("transcript_dropped",
					slog.String("call_id", sess.id),
					slog.String("error", err.Error()))
			}
		case <-sess.done:
			return
		}
	}
}

// cleanup closes the speech session and media channel, removes every
// registry index entry, and is safe to call any number of times.
func (m *Manager) cleanup(sess *Session, reason string) {
	if !sess.markTerminated() {
		return
	}
	close(sess.done)

	sess.mu.Lock()
	sp := sess.speech
	media := sess.media
	sess.speech = nil
	sess.media = nil
	sess.mu.Unlock()

	if sp != nil {
		_ = sp.Close()
	}
	if media != nil {
		_ = media.Close()
	}
	m.reg.remove(sess)

	m.metrics.ActiveCalls.Dec()
	m.metrics.CallEvents.WithLabelValues("cleaned_up").Inc()
	m.logger.Info("call_cleaned_up",
		slog.String("call_id", sess.id),
		slog.String("reason", reason))
}

func (m *Manager) initiationError(err error) error {
	return errorsx.Wrap(fmt.Errorf("%w: %v", ErrCallInitiation, err), errorsx.ReasonCallInitiation)
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	if len(v) >= 8 && v[:8] == "https://" {
		v = v[8:]
	} else if len(v) >= 7 && v[:7] == "http://" {
		v = v[7:]
	}
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}
