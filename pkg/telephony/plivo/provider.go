package plivo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/resilience"
	"github.com/harunnryd/callbridge/pkg/telephony"
)

const defaultBaseURL = "https://api.plivo.com"

type Config struct {
	AuthID    string `mapstructure:"auth_id"`
	AuthToken string `mapstructure:"auth_token"`
	BaseURL   string `mapstructure:"base_url"`
}

// Provider places calls through the Plivo REST API. Like Twilio, the media
// stream opens via the XML returned from the answer webhook.
type Provider struct {
	cfg    Config
	client *http.Client
	retry  resilience.RetryPolicy
}

func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		retry:  resilience.NewRetryPolicy(2, 200*time.Millisecond),
	}
}

func (p *Provider) Name() string { return "plivo" }

func (p *Provider) Relay() bool { return false }

func (p *Provider) Dial(ctx context.Context, req telephony.DialRequest) (string, error) {
	if p.cfg.AuthID == "" || p.cfg.AuthToken == "" {
		return "", errorsx.Wrap(errors.New("missing plivo credentials"), errorsx.ReasonTelephonyDial)
	}
	body, err := json.Marshal(map[string]any{
		"to":            req.To,
		"from":          req.From,
		"answer_url":    req.WebhookURL,
		"answer_method": "POST",
	})
	if err != nil {
		return "", err
	}

	var requestUUID string
	err = p.retry.Do(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.cfg.BaseURL+"/v1/Account/"+p.cfg.AuthID+"/Call/", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.SetBasicAuth(p.cfg.AuthID, p.cfg.AuthToken)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("plivo call: %s: %s", resp.Status, string(detail))
		}
		var out struct {
			RequestUUID string `json:"request_uuid"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		requestUUID = out.RequestUUID
		return nil
	})
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTelephonyDial)
	}
	if requestUUID == "" {
		return "", errorsx.Wrap(errors.New("missing request_uuid"), errorsx.ReasonTelephonyDial)
	}
	return requestUUID, nil
}

func (p *Provider) Hangup(ctx context.Context, providerCallID string) error {
	err := p.retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			p.cfg.BaseURL+"/v1/Account/"+p.cfg.AuthID+"/Call/"+providerCallID+"/", nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(p.cfg.AuthID, p.cfg.AuthToken)

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if (resp.StatusCode < 200 || resp.StatusCode > 299) && resp.StatusCode != http.StatusNotFound {
			return fmt.Errorf("plivo hangup: %s", resp.Status)
		}
		return nil
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyHangup)
	}
	return nil
}

func (p *Provider) StartStreaming(ctx context.Context, providerCallID, streamURL string) error {
	// The answer_url set at dial time returns the Stream XML, so the
	// stream starts as soon as the call is answered.
	return nil
}

// StreamConnectXML builds the Plivo XML directive for a bidirectional
// audio stream.
func (p *Provider) StreamConnectXML(streamURL string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Stream bidirectional="true" audioTrack="inbound" streamTimeout="86400">` + strings.TrimSpace(streamURL) + `</Stream>
</Response>`
}

var (
	_ telephony.Provider                = (*Provider)(nil)
	_ telephony.StreamDirectiveProvider = (*Provider)(nil)
)
