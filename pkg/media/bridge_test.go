package media

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/callbridge/pkg/call"
	speechmock "github.com/harunnryd/callbridge/pkg/speech/mock"
	telemock "github.com/harunnryd/callbridge/pkg/telephony/mock"
)

type bridgeFixture struct {
	mgr      *call.Manager
	bridge   *Bridge
	provider *telemock.Provider
	recog    *speechmock.Recognizer
	srv      *httptest.Server
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	provider := telemock.New()
	recog := speechmock.NewRecognizer()
	mgr := call.NewManager(call.Options{
		Provider:     provider,
		Synthesizer:  speechmock.NewSynthesizer(320),
		Recognizer:   recog,
		PublicURL:    "bridge.example.com",
		UserNumber:   "+1555",
		SystemNumber: "+1556",
	})
	bridge := NewBridge(mgr, nil, nil)
	mgr.BindAudioSender(bridge)
	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)
	return &bridgeFixture{mgr: mgr, bridge: bridge, provider: provider, recog: recog, srv: srv}
}

// startCall places a call and extracts the media token from the stream URL
// the provider was given.
func (f *bridgeFixture) startCall(t *testing.T) (token string, done <-chan call.CallInfo) {
	t.Helper()
	infoCh := make(chan call.CallInfo, 1)
	go func() {
		info, err := f.mgr.InitiateCall(context.Background(), "Hello!")
		if err != nil {
			t.Errorf("InitiateCall: %v", err)
		}
		infoCh <- info
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.provider.Dials()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(f.provider.Dials()) == 0 {
		t.Fatal("dial never placed")
	}

	f.mgr.HandleAnswered(context.Background(), f.provider.NextCallID)
	reqs := f.provider.StreamRequests()
	if len(reqs) != 1 {
		t.Fatalf("stream requests = %d", len(reqs))
	}
	u, err := url.Parse(reqs[0][1])
	if err != nil {
		t.Fatalf("parse stream url: %v", err)
	}
	return u.Query().Get("token"), infoCh
}

func (f *bridgeFixture) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	if token != "" {
		u += "/?token=" + token
	}
	return u
}

func TestUnauthorizedConnectionRejected(t *testing.T) {
	f := newBridgeFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(""), nil)
	if err == nil {
		t.Fatal("handshake succeeded without a token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("status = %v, want 401", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(f.wsURL("bogus"), nil)
	if err == nil {
		t.Fatal("handshake succeeded with a bogus token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestMediaFlowEndToEnd(t *testing.T) {
	f := newBridgeFixture(t)
	token, infoCh := f.startCall(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MZ123"},
	}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	// The 320-byte opening message arrives as exactly two 160-byte frames.
	var payloads [][]byte
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(payloads) < 2 {
		var frame struct {
			Event string `json:"event"`
			Media struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Event != "media" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		payloads = append(payloads, raw)
	}
	if len(payloads[0]) != FrameBytes || len(payloads[1]) != FrameBytes {
		t.Errorf("frame sizes = %d, %d, want %d", len(payloads[0]), len(payloads[1]), FrameBytes)
	}

	// Caller audio flows through to the recognizer.
	inbound := base64.StdEncoding.EncodeToString([]byte{0x7F, 0x7F, 0x7F})
	if err := conn.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]any{"track": "inbound", "payload": inbound},
	}); err != nil {
		t.Fatalf("write media: %v", err)
	}
	waitForCond(t, "forwarded audio", func() bool {
		s := f.recog.Last()
		return s != nil && len(s.Received()) == 1
	})

	// Garbage on the wire is ignored, not fatal.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	f.recog.Last().EmitFinal("hi, who's this?")
	info := <-infoCh
	if info.Response != "hi, who's this?" {
		t.Errorf("response = %q", info.Response)
	}

	// A stop event tears the whole call down.
	if err := conn.WriteJSON(map[string]any{"event": "stop"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	waitForCond(t, "teardown", func() bool { return f.mgr.ActiveCalls() == 0 })
}

func TestSendAudioPacingAndStreamSid(t *testing.T) {
	f := newBridgeFixture(t)
	token, infoCh := f.startCall(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Drain the opening message frames first.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("drain opening: %v", err)
		}
	}

	if err := conn.WriteJSON(map[string]any{"event": "start", "streamSid": "MZ999"}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	sess, ok := f.mgr.AuthorizeMediaToken(token)
	if !ok {
		t.Fatal("token lookup failed")
	}
	waitForCond(t, "stream sid", func() bool { return sess.StreamSID() == "MZ999" })

	// 3200 bytes of distinct audio must arrive as 20 ordered frames, each
	// tagged with the stream sid.
	audio := make([]byte, 20*FrameBytes)
	for i := range audio {
		audio[i] = byte(i / FrameBytes)
	}
	sendErr := make(chan error, 1)
	start := time.Now()
	go func() { sendErr <- f.bridge.SendAudio(context.Background(), sess, audio) }()

	for i := 0; i < 20; i++ {
		var frame struct {
			Event     string `json:"event"`
			StreamSid string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if frame.StreamSid != "MZ999" {
			t.Errorf("frame %d streamSid = %q", i, frame.StreamSid)
		}
		raw, _ := base64.StdEncoding.DecodeString(frame.Media.Payload)
		if len(raw) != FrameBytes || raw[0] != byte(i) {
			t.Fatalf("frame %d out of order or wrong size: first byte %d, len %d", i, raw[0], len(raw))
		}
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	// 20 frames at 20 ms spacing cannot complete instantly.
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("send finished in %v, expected pacing", elapsed)
	}

	f.recog.Last().EmitFinal("done")
	<-infoCh
}

func TestSendAudioCancelledMidStream(t *testing.T) {
	f := newBridgeFixture(t)
	token, infoCh := f.startCall(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("drain opening: %v", err)
		}
	}

	sess, ok := f.mgr.AuthorizeMediaToken(token)
	if !ok {
		t.Fatal("token lookup failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	audio := make([]byte, 100*FrameBytes)
	sendErr := make(chan error, 1)
	go func() { sendErr <- f.bridge.SendAudio(ctx, sess, audio) }()

	time.Sleep(60 * time.Millisecond)
	cancel()

	if err := <-sendErr; err != context.Canceled {
		t.Fatalf("SendAudio err = %v, want context.Canceled", err)
	}

	f.recog.Last().EmitFinal("done")
	<-infoCh
}

func waitForCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
