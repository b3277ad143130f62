package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/speech"
)

const defaultBaseURL = "https://api.elevenlabs.io"

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	BaseURL      string
}

// Synthesizer produces mulaw 8 kHz audio via the ElevenLabs HTTP API.
// ulaw_8000 is the native telephony format, no transcoding needed.
type Synthesizer struct {
	cfg    Config
	client *http.Client
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

func New(cfg Config) *Synthesizer {
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_turbo_v2_5"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Synthesizer{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		retry:  resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return nil, errorsx.Wrap(errors.New("missing elevenlabs config"), errorsx.ReasonTTSSynthesize)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": s.cfg.ModelID,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
	})
	if err != nil {
		return nil, err
	}

	var audio []byte
	err = s.retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.synthesizeURL(), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("xi-api-key", s.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("elevenlabs synthesize: %s: %s", resp.Status, string(raw))
		}
		audio, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		s.logger.Error("tts_synthesize_error", slog.String("error", err.Error()))
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSynthesize)
	}

	s.logger.Debug("tts_audio_synthesized",
		slog.Int("size_bytes", len(audio)),
		slog.String("output_format", s.cfg.OutputFormat))
	return audio, nil
}

func (s *Synthesizer) synthesizeURL() string {
	q := url.Values{}
	q.Set("output_format", s.cfg.OutputFormat)
	return s.cfg.BaseURL + "/v1/text-to-speech/" + s.cfg.VoiceID + "?" + q.Encode()
}

var _ speech.Synthesizer = (*Synthesizer)(nil)
