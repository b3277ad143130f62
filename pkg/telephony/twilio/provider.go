package twilio

import (
	"context"
	"errors"
	"fmt"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/telephony"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type Config struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
}

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// Provider places and ends calls through the Twilio REST API. The media
// stream is opened by the answer webhook returning TwiML, so StartStreaming
// is a no-op.
type Provider struct {
	cfg Config

	createClient callCreator
	updateClient callUpdater
}

func New(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

func (p *Provider) Name() string { return "twilio" }

func (p *Provider) Relay() bool { return false }

func (p *Provider) Dial(ctx context.Context, req telephony.DialRequest) (string, error) {
	_ = ctx
	if req.To == "" || req.From == "" {
		return "", errorsx.Wrap(errors.New("to/from required"), errorsx.ReasonTelephonyDial)
	}
	if p.cfg.AccountSID == "" || p.cfg.AuthToken == "" {
		return "", errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonTelephonyDial)
	}
	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(req.WebhookURL)
	resp, err := p.creator().CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTelephonyDial)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(fmt.Errorf("missing call sid"), errorsx.ReasonTelephonyDial)
	}
	return *resp.Sid, nil
}

func (p *Provider) Hangup(ctx context.Context, providerCallID string) error {
	_ = ctx
	if providerCallID == "" {
		return errorsx.Wrap(errors.New("call sid required"), errorsx.ReasonTelephonyHangup)
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := p.updater().UpdateCall(providerCallID, params); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonyHangup)
	}
	return nil
}

func (p *Provider) StartStreaming(ctx context.Context, providerCallID, streamURL string) error {
	// Twilio opens the stream via the TwiML returned from the answer
	// webhook, not through a call-control action.
	return nil
}

// StreamConnectXML builds the TwiML that instructs Twilio to open a
// bidirectional media stream back to this process.
func (p *Provider) StreamConnectXML(streamURL string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="` + xmlEscape(streamURL) + `" />
  </Connect>
</Response>`
}

func (p *Provider) creator() callCreator {
	if p.createClient != nil {
		return p.createClient
	}
	return p.rest().Api
}

func (p *Provider) updater() callUpdater {
	if p.updateClient != nil {
		return p.updateClient
	}
	return p.rest().Api
}

func (p *Provider) rest() *twilio.RestClient {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: p.cfg.AccountSID,
		Password: p.cfg.AuthToken,
	})
}

var (
	_ telephony.Provider                = (*Provider)(nil)
	_ telephony.StreamDirectiveProvider = (*Provider)(nil)
)
