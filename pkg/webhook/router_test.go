package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/callbridge/pkg/call"
	speechmock "github.com/harunnryd/callbridge/pkg/speech/mock"
	telemock "github.com/harunnryd/callbridge/pkg/telephony/mock"
	"github.com/harunnryd/callbridge/pkg/telephony/vapi"
)

func newFixture(t *testing.T, providerName string, relay bool) (*call.Manager, *telemock.Provider, *httptest.Server) {
	t.Helper()
	provider := telemock.New()
	provider.ProviderName = providerName
	provider.RelayMode = relay
	opts := call.Options{
		Provider:     provider,
		PublicURL:    "bridge.example.com",
		UserNumber:   "+1555",
		SystemNumber: "+1556",
		TurnTimeout:  2 * time.Second,
	}
	if !relay {
		opts.Synthesizer = speechmock.NewSynthesizer(160)
		opts.Recognizer = speechmock.NewRecognizer()
	}
	mgr := call.NewManager(opts)
	srv := httptest.NewServer(NewRouter(mgr, nil, nil))
	t.Cleanup(srv.Close)
	return mgr, provider, srv
}

func dialInBackground(t *testing.T, mgr *call.Manager, provider *telemock.Provider) {
	t.Helper()
	go func() {
		_, _ = mgr.InitiateCall(context.Background(), "hello")
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(provider.Dials()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(provider.Dials()) == 0 {
		t.Fatal("dial never placed")
	}
}

func TestCallControlEventVariant(t *testing.T) {
	mgr, provider, srv := newFixture(t, "telnyx", false)
	dialInBackground(t, mgr, provider)

	body := `{"data":{"event_type":"call.answered","payload":{"call_control_id":"pcid-1"}}}`
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var ack map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack["status"] != "ok" {
		t.Errorf("ack = %v", ack)
	}
	if reqs := provider.StreamRequests(); len(reqs) != 1 || !strings.Contains(reqs[0][1], "wss://bridge.example.com/media-stream?token=") {
		t.Errorf("stream requests = %v", reqs)
	}

	// A hangup event removes the session; unknown events and garbage still
	// get acknowledged so the provider never retries.
	for _, body := range []string{
		`{"data":{"event_type":"call.hangup","payload":{"call_control_id":"pcid-1"}}}`,
		`{"data":{"event_type":"call.ringing","payload":{"call_control_id":"pcid-1"}}}`,
		`not even json`,
	} {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Errorf("status = %d for %q", resp.StatusCode, body)
		}
	}
	if mgr.ActiveCalls() != 0 {
		t.Errorf("active calls = %d after hangup event", mgr.ActiveCalls())
	}
}

func TestAnswerFormVariant(t *testing.T) {
	mgr, provider, srv := newFixture(t, "mock", false)
	dialInBackground(t, mgr, provider)

	resp, err := http.PostForm(srv.URL, url.Values{"CallSid": {"pcid-1"}})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "wss://bridge.example.com/media-stream?token=") {
		t.Errorf("body = %s", body)
	}

	// Unknown call ids get an empty directive, not an error.
	resp2, err := http.PostForm(srv.URL, url.Values{"CallUUID": {"who-dis"}})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	body2, _ := io.ReadAll(resp2.Body)
	if strings.TrimSpace(string(body2)) != "<Response/>" {
		t.Errorf("body = %s", body2)
	}
}

func postToolCall(t *testing.T, srv *httptest.Server, callID string, args any) []byte {
	t.Helper()
	payload := map[string]any{
		"message": map[string]any{
			"type": "tool-calls",
			"call": map[string]any{"id": callID},
			"toolCalls": []map[string]any{
				{
					"id": "tc-1",
					"function": map[string]any{
						"name":      vapi.RelayToolName,
						"arguments": args,
					},
				},
			},
		},
	}
	raw, _ := json.Marshal(payload)
	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post tool call: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	return body
}

func TestToolCallVariant(t *testing.T) {
	mgr, provider, srv := newFixture(t, "vapi", true)

	infoCh := make(chan call.CallInfo, 1)
	go func() {
		info, err := mgr.InitiateCall(context.Background(), "hello")
		if err != nil {
			t.Errorf("InitiateCall: %v", err)
		}
		infoCh <- info
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(provider.Dials()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	// Drive the agent side: reply to the first turn, then end the call
	// after the second one.
	go func() {
		info := <-infoCh
		if info.Response != "who is this?" {
			t.Errorf("response = %q", info.Response)
		}
		reply, err := mgr.ContinueCall(context.Background(), info.CallID, "the clinic")
		if err != nil {
			t.Errorf("ContinueCall: %v", err)
			return
		}
		if reply != "ok bye" {
			t.Errorf("second turn = %q", reply)
		}
		if _, err := mgr.EndCall(context.Background(), info.CallID, "goodbye"); err != nil {
			t.Errorf("EndCall: %v", err)
		}
	}()

	body := postToolCall(t, srv, "pcid-1", map[string]any{"user_message": "who is this?"})
	var out struct {
		Results []struct {
			ToolCallID string `json:"toolCallId"`
			Result     string `json:"result"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].ToolCallID != "tc-1" || out.Results[0].Result != "the clinic" {
		t.Errorf("results = %+v", out.Results)
	}

	final := postToolCall(t, srv, "pcid-1", map[string]any{"user_message": "ok bye"})
	if !strings.Contains(string(final), "goodbye") || !strings.Contains(string(final), call.EndCallSentinel) {
		t.Errorf("final result = %s", final)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && mgr.ActiveCalls() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.ActiveCalls() != 0 {
		t.Errorf("active calls = %d after end", mgr.ActiveCalls())
	}
}

func TestToolCallStringArguments(t *testing.T) {
	mgr, provider, srv := newFixture(t, "vapi", true)

	infoCh := make(chan call.CallInfo, 1)
	go func() {
		info, _ := mgr.InitiateCall(context.Background(), "hello")
		infoCh <- info
	}()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(provider.Dials()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	go func() {
		info := <-infoCh
		if info.Response != "string args work" {
			t.Errorf("response = %q", info.Response)
		}
		_, _ = mgr.ContinueCall(context.Background(), info.CallID, "indeed")
	}()

	body := postToolCall(t, srv, "pcid-1", `{"user_message":"string args work"}`)
	if !strings.Contains(string(body), "indeed") {
		t.Errorf("body = %s", body)
	}
}

func TestToolCallUnknownCall(t *testing.T) {
	_, _, srv := newFixture(t, "vapi", true)

	// No live session at all: the tool call is answered with an empty
	// result rather than an error status.
	body := postToolCall(t, srv, "nobody-home", map[string]any{"user_message": "hello?"})
	var out struct {
		Results []struct {
			Result string `json:"result"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].Result != "" {
		t.Errorf("results = %+v", out.Results)
	}
}

func TestToolCallMalformedBody(t *testing.T) {
	_, _, srv := newFixture(t, "vapi", true)

	// Garbage is acknowledged with an empty result set, not an error
	// status, so the voice agent does not redeliver it.
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader("{{{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var out struct {
		Results []struct {
			Result string `json:"result"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 0 {
		t.Errorf("results = %+v, want none", out.Results)
	}
}
