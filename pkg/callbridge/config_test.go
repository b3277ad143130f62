package callbridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
provider:
  name: telnyx
  settings:
    api_key: ${TELNYX_KEY}
    connection_id: conn-1
speech:
  stt:
    name: mock
  tts:
    name: mock
phone:
  user_number: "+15550001111"
  system_number: "+15550002222"
server:
  public_url: bridge.example.com
timeouts:
  turn: 10s
log:
  level: debug
  format: text
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("TELNYX_KEY", "sekrit")
	path := writeConfig(t, validYAML)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.Name != "telnyx" {
		t.Errorf("provider = %q", cfg.Provider.Name)
	}
	if cfg.Provider.Settings["api_key"] != "sekrit" {
		t.Errorf("api_key = %v, env not expanded", cfg.Provider.Settings["api_key"])
	}
	if cfg.Timeouts.Turn != 10*time.Second {
		t.Errorf("turn timeout = %v", cfg.Timeouts.Turn)
	}
	// Defaults fill everything the file omits.
	if cfg.Server.Addr != ":8080" || cfg.Server.WebhookPath != "/webhooks/voice" || cfg.Server.MediaPath != "/media-stream" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Timeouts.Connect != 15*time.Second || cfg.Timeouts.RelayAnswer != 60*time.Second {
		t.Errorf("timeout defaults = %+v", cfg.Timeouts)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		mangle  func(string) string
		wantErr string
	}{
		{"missing public url", func(s string) string {
			return strings.Replace(s, "public_url: bridge.example.com", "public_url: \"\"", 1)
		}, "server.public_url"},
		{"missing user number", func(s string) string {
			return strings.Replace(s, `user_number: "+15550001111"`, `user_number: ""`, 1)
		}, "phone.user_number"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.mangle(validYAML))
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestBuildTelephonyProvider(t *testing.T) {
	for name, settings := range map[string]map[string]any{
		"twilio": {"account_sid": "AC1", "auth_token": "tok"},
		"telnyx": {"api_key": "k", "connection_id": "c"},
		"plivo":  {"auth_id": "MA1", "auth_token": "tok"},
		"vapi":   {"api_key": "k", "phone_number_id": "pn"},
		"mock":   nil,
	} {
		p, err := BuildTelephonyProvider(ProviderConfig{Name: name, Settings: settings})
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if name != "mock" && p.Name() != name {
			t.Errorf("provider name = %q, want %q", p.Name(), name)
		}
	}
}

func TestBuildTelephonyProviderErrors(t *testing.T) {
	if _, err := BuildTelephonyProvider(ProviderConfig{Name: "smoke-signals"}); err == nil {
		t.Error("expected error for unknown provider")
	}
	// Missing required settings are caught at build time, not first dial.
	if _, err := BuildTelephonyProvider(ProviderConfig{Name: "telnyx", Settings: map[string]any{"api_key": "k"}}); err == nil {
		t.Error("expected error for missing connection_id")
	}
	if _, err := BuildTelephonyProvider(ProviderConfig{Name: "twilio", Settings: map[string]any{"account_sid": "AC1", "auth_token": "tok", "bogus": 1}}); err == nil {
		t.Error("expected error for unknown setting key")
	}
}

func TestBuildSpeechBackends(t *testing.T) {
	if _, err := BuildRecognizer(ProviderConfig{Name: "deepgram", Settings: map[string]any{"api_key": "k"}}); err != nil {
		t.Errorf("deepgram: %v", err)
	}
	if _, err := BuildRecognizer(ProviderConfig{Name: "mock"}); err != nil {
		t.Errorf("mock stt: %v", err)
	}
	if _, err := BuildRecognizer(ProviderConfig{Name: "whisperoo"}); err == nil {
		t.Error("expected error for unknown recognizer")
	}

	if _, err := BuildSynthesizer(ProviderConfig{Name: "elevenlabs", Settings: map[string]any{"api_key": "k", "voice_id": "v"}}); err != nil {
		t.Errorf("elevenlabs: %v", err)
	}
	if _, err := BuildSynthesizer(ProviderConfig{Name: "elevenlabs", Settings: map[string]any{"api_key": "k"}}); err == nil {
		t.Error("expected error for missing voice_id")
	}
	if _, err := BuildSynthesizer(ProviderConfig{Name: "mock"}); err != nil {
		t.Errorf("mock tts: %v", err)
	}
}
