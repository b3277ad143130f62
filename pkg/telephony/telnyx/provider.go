package telnyx

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/telephony"
)

const defaultBaseURL = "https://api.telnyx.com"

type Config struct {
	APIKey       string `mapstructure:"api_key"`
	ConnectionID string `mapstructure:"connection_id"`
	BaseURL      string `mapstructure:"base_url"`
}

// Provider drives the Telnyx Call Control v2 API. Media streaming is
// started explicitly once the answered webhook arrives.
type Provider struct {
	cfg    Config
	client *http.Client
	retry  resilience.RetryPolicy
	logger *slog.Logger
}

func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		retry:  resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger: logging.NewComponentLogger(slog.Default(), "telnyx"),
	}
}

func (p *Provider) Name() string { return "telnyx" }

func (p *Provider) Relay() bool { return false }

func (p *Provider) Dial(ctx context.Context, req telephony.DialRequest) (string, error) {
	if p.cfg.APIKey == "" {
		return "", errorsx.Wrap(errors.New("missing telnyx api key"), errorsx.ReasonTelephonyDial)
	}
	body := map[string]any{
		"to":                 req.To,
		"from":               req.From,
		"connection_id":      p.cfg.ConnectionID,
		"webhook_url":        req.WebhookURL,
		"webhook_url_method": "POST",
	}
	var out struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := p.post(ctx, "/v2/calls", body, &out); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTelephonyDial)
	}
	if out.Data.CallControlID == "" {
		return "", errorsx.Wrap(errors.New("missing call_control_id"), errorsx.ReasonTelephonyDial)
	}
	return out.Data.CallControlID, nil
}

func (p *Provider) Hangup(ctx context.Context, providerCallID string) error {
	body := map[string]any{
		"client_state": base64.StdEncoding.EncodeToString([]byte("hungup")),
	}
	path := "/v2/calls/" + providerCallID + "/actions/hangup"
	if err := p.post(ctx, path, body, nil); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyHangup)
	}
	return nil
}

func (p *Provider) StartStreaming(ctx context.Context, providerCallID, streamURL string) error {
	body := map[string]any{
		"stream_url":   streamURL,
		"stream_track": "both_tracks",
	}
	path := "/v2/calls/" + providerCallID + "/actions/stream_audio"
	if err := p.post(ctx, path, body, nil); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyStream)
	}
	return nil
}

func (p *Provider) post(ctx context.Context, path string, body map[string]any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return p.retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(raw))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("telnyx %s: %s: %s", path, resp.Status, string(detail))
		}
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

var _ telephony.Provider = (*Provider)(nil)
