package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/speech"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
}

// Recognizer opens Deepgram live-transcription sessions over the websocket
// listen API. Calls feed mulaw 8 kHz telephone audio.
type Recognizer struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Recognizer {
	if cfg.Model == "" {
		cfg.Model = "nova-2-phonecall"
	}
	if cfg.Language == "" {
		cfg.Language = "en-US"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	return &Recognizer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (r *Recognizer) Name() string { return "deepgram_streaming" }

// NewSession dials the live API and starts pumping audio from an internal
// pipe. Finals carries only is_final/speech_final transcripts.
func (r *Recognizer) NewSession(ctx context.Context) (speech.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sessCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	s := &session{
		cfg:        r.cfg,
		logger:     r.logger,
		finals:     make(chan string, 16),
		cancel:     cancel,
		pipeReader: pr,
		pipeWriter: pw,
	}

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       r.cfg.Language,
		Encoding:       r.cfg.Encoding,
		SampleRate:     r.cfg.SampleRate,
		InterimResults: false,
		SmartFormat:    true,
	}

	dgClient, err := client.NewWSUsingCallback(sessCtx, r.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		cancel()
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		cancel()
		return nil, errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && sessCtx.Err() == nil {
			r.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()

	return s, nil
}

type session struct {
	cfg        Config
	logger     *slog.Logger
	dgClient   *client.WSCallback
	finals     chan string
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	mu     sync.Mutex
	closed bool
}

func (s *session) SendAudio(audio []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("session closed")
	}
	if _, err := s.pipeWriter.Write(audio); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *session) Finals() <-chan string { return s.finals }

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.pipeWriter.Close()
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

type callback struct {
	parent *session
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	if !mr.IsFinal && !mr.SpeechFinal {
		return nil
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", transcript))

	select {
	case c.parent.finals <- transcript:
	default:
		c.parent.logger.Warn("deepgram_finals_channel_full")
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received",
		slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("data", string(byData)))
	return nil
}

var _ speech.Recognizer = (*Recognizer)(nil)
