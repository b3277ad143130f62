package vapi

import (
	"bytes"
	"context"
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

const defaultBaseURL = "https://api.vapi.ai"

// RelayToolName is the function the Vapi assistant calls with each human
// utterance. The webhook router matches tool calls by this name.
const RelayToolName = "relay_to_agent"

// EndCallSentinel marks a tool result as the call's final reply. The
// assistant is instructed to say goodbye and hang up when it sees it.
const EndCallSentinel = "[END_CALL]"

type Config struct {
	APIKey        string `mapstructure:"api_key"`
	PhoneNumberID string `mapstructure:"phone_number_id"`
	VoiceID       string `mapstructure:"voice_id"`
	BaseURL       string `mapstructure:"base_url"`
}

// Provider places calls through Vapi's hosted voice agent. Vapi runs its
// own speech pipeline; human turns reach this process only as tool-call
// webhooks, so Relay is true and StartStreaming is a no-op.
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
	if cfg.VoiceID == "" {
		cfg.VoiceID = "21m00Tcm4TlvDq8ikWAM"
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: 20 * time.Second},
		retry:  resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger: logging.NewComponentLogger(slog.Default(), "vapi"),
	}
}

func (p *Provider) Name() string { return "vapi" }

func (p *Provider) Relay() bool { return true }

func (p *Provider) Dial(ctx context.Context, req telephony.DialRequest) (string, error) {
	if p.cfg.APIKey == "" {
		return "", errorsx.Wrap(errors.New("missing vapi api key"), errorsx.ReasonTelephonyDial)
	}
	if p.cfg.PhoneNumberID == "" {
		return "", errorsx.Wrap(errors.New("missing vapi phone number id"), errorsx.ReasonTelephonyDial)
	}

	payload := map[string]any{
		"assistant":     p.assistantPayload(req.WebhookURL, req.OpeningMessage),
		"phoneNumberId": p.cfg.PhoneNumberID,
		"customer": map[string]any{
			"number": req.To,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var callID string
	err = p.retry.Do(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/call/phone", bytes.NewReader(raw))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("vapi call: %s: %s", resp.Status, string(detail))
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		callID = out.ID
		return nil
	})
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTelephonyDial)
	}
	if callID == "" {
		return "", errorsx.Wrap(errors.New("missing call id"), errorsx.ReasonTelephonyDial)
	}
	p.logger.Info("vapi_call_initiated", slog.String("provider_call_id", callID))
	return callID, nil
}

func (p *Provider) Hangup(ctx context.Context, providerCallID string) error {
	err := p.retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.cfg.BaseURL+"/call/"+providerCallID, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if (resp.StatusCode < 200 || resp.StatusCode > 299) && resp.StatusCode != http.StatusNotFound {
			return fmt.Errorf("vapi hangup: %s", resp.Status)
		}
		return nil
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyHangup)
	}
	return nil
}

func (p *Provider) StartStreaming(ctx context.Context, providerCallID, streamURL string) error {
	// Vapi owns the media path end to end.
	return nil
}

// assistantPayload builds a transient assistant whose only job is relaying
// turns between the human and the agent driving this process.
func (p *Provider) assistantPayload(webhookURL, firstMessage string) map[string]any {
	systemPrompt := `You are a voice relay between a human on the phone and a remote agent.

CRITICAL INSTRUCTIONS:
1. After speaking your first message, wait for the human to respond.
2. When the human speaks, IMMEDIATELY call the "` + RelayToolName + `" tool with exactly what they said.
3. The tool returns the agent's reply. Speak it EXACTLY as returned.
4. Repeat steps 2-3 until the agent ends the call.

NEVER make up replies. ALWAYS use the ` + RelayToolName + ` tool for every human message.
If the tool result contains "` + EndCallSentinel + `", say goodbye and end the call.`

	return map[string]any{
		"name":         "Callbridge Relay",
		"firstMessage": firstMessage,
		"model": map[string]any{
			"provider": "openai",
			"model":    "gpt-4o-mini",
			"messages": []map[string]any{
				{"role": "system", "content": systemPrompt},
			},
			"tools": []map[string]any{
				{
					"type": "function",
					"function": map[string]any{
						"name":        RelayToolName,
						"description": "Send the human's message to the agent and get the reply. MUST be called for every human message.",
						"parameters": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"user_message": map[string]any{
									"type":        "string",
									"description": "Exactly what the human just said",
								},
							},
							"required": []string{"user_message"},
						},
					},
					"server": map[string]any{
						"url": webhookURL,
					},
				},
			},
		},
		"voice": map[string]any{
			"provider": "11labs",
			"voiceId":  p.cfg.VoiceID,
		},
	}
}

var _ telephony.Provider = (*Provider)(nil)
