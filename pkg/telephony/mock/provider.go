package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/callbridge/pkg/telephony"
)

// Provider records call-control actions for tests.
type Provider struct {
	ProviderName string
	RelayMode    bool
	DialErr      error
	NextCallID   string

	mu         sync.Mutex
	dials      []telephony.DialRequest
	hangups    []string
	streamReqs [][2]string
}

func New() *Provider {
	return &Provider{ProviderName: "mock", NextCallID: "pcid-1"}
}

func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

func (p *Provider) Relay() bool { return p.RelayMode }

func (p *Provider) Dial(_ context.Context, req telephony.DialRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DialErr != nil {
		return "", p.DialErr
	}
	p.dials = append(p.dials, req)
	return p.NextCallID, nil
}

func (p *Provider) Hangup(_ context.Context, providerCallID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, providerCallID)
	return nil
}

func (p *Provider) StartStreaming(_ context.Context, providerCallID, streamURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamReqs = append(p.streamReqs, [2]string{providerCallID, streamURL})
	return nil
}

// StreamConnectXML makes the mock usable where an XML directive provider
// is expected.
func (p *Provider) StreamConnectXML(streamURL string) string {
	return `<Response><Connect><Stream url="` + streamURL + `"/></Connect></Response>`
}

func (p *Provider) Dials() []telephony.DialRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telephony.DialRequest(nil), p.dials...)
}

func (p *Provider) Hangups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hangups...)
}

// StreamRequests returns (providerCallID, streamURL) pairs.
func (p *Provider) StreamRequests() [][2]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][2]string, len(p.streamReqs))
	copy(out, p.streamReqs)
	return out
}

var (
	_ telephony.Provider                = (*Provider)(nil)
	_ telephony.StreamDirectiveProvider = (*Provider)(nil)
)
