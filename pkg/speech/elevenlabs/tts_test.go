package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSynthesize(t *testing.T) {
	audio := bytes.Repeat([]byte{0x7F}, 480)
	var gotPath, gotKey, gotFormat string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write(audio)
	}))
	defer srv.Close()

	s := New(Config{APIKey: "key", VoiceID: "voice-1", BaseURL: srv.URL})
	got, err := s.Synthesize(context.Background(), "hello caller")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("audio length = %d, want %d", len(got), len(audio))
	}
	if gotPath != "/v1/text-to-speech/voice-1" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "key" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotFormat != "ulaw_8000" {
		t.Errorf("output_format = %q", gotFormat)
	}
	if gotBody["text"] != "hello caller" || gotBody["model_id"] != "eleven_turbo_v2_5" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestSynthesizeServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := New(Config{APIKey: "key", VoiceID: "voice-1", BaseURL: srv.URL})
	if _, err := s.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestSynthesizeMissingConfig(t *testing.T) {
	s := New(Config{})
	if _, err := s.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for missing config")
	}
}
