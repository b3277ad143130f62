// Package callbridge assembles the call manager, media bridge, webhook
// router, and HTTP server from configuration.
package callbridge

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/callbridge/pkg/configutil"
	"github.com/harunnryd/callbridge/pkg/speech"
	"github.com/harunnryd/callbridge/pkg/speech/deepgram"
	"github.com/harunnryd/callbridge/pkg/speech/elevenlabs"
	speechmock "github.com/harunnryd/callbridge/pkg/speech/mock"
	"github.com/harunnryd/callbridge/pkg/telephony"
	telephonymock "github.com/harunnryd/callbridge/pkg/telephony/mock"
	"github.com/harunnryd/callbridge/pkg/telephony/plivo"
	"github.com/harunnryd/callbridge/pkg/telephony/telnyx"
	"github.com/harunnryd/callbridge/pkg/telephony/twilio"
	"github.com/harunnryd/callbridge/pkg/telephony/vapi"
)

type ProviderConfig struct {
	Name     string         `mapstructure:"name"`
	Settings map[string]any `mapstructure:"settings"`
}

type SpeechConfig struct {
	STT ProviderConfig `mapstructure:"stt"`
	TTS ProviderConfig `mapstructure:"tts"`
}

type PhoneConfig struct {
	UserNumber   string `mapstructure:"user_number"`
	SystemNumber string `mapstructure:"system_number"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	PublicURL   string `mapstructure:"public_url"`
	WebhookPath string `mapstructure:"webhook_path"`
	MediaPath   string `mapstructure:"media_path"`
}

type TimeoutConfig struct {
	Turn             time.Duration `mapstructure:"turn"`
	Connect          time.Duration `mapstructure:"connect"`
	FarewellGrace    time.Duration `mapstructure:"farewell_grace"`
	RelayHangupDelay time.Duration `mapstructure:"relay_hangup_delay"`
	RelayAnswer      time.Duration `mapstructure:"relay_answer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Speech   SpeechConfig   `mapstructure:"speech"`
	Phone    PhoneConfig    `mapstructure:"phone"`
	Server   ServerConfig   `mapstructure:"server"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Log      LogConfig      `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.name", "twilio")
	v.SetDefault("speech.stt.name", "deepgram")
	v.SetDefault("speech.tts.name", "elevenlabs")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.webhook_path", "/webhooks/voice")
	v.SetDefault("server.media_path", "/media-stream")
	v.SetDefault("timeouts.turn", "15s")
	v.SetDefault("timeouts.connect", "15s")
	v.SetDefault("timeouts.farewell_grace", "2s")
	v.SetDefault("timeouts.relay_hangup_delay", "5s")
	v.SetDefault("timeouts.relay_answer", "60s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads configuration from an optional file plus CALLBRIDGE_*
// environment variables. String values in settings maps expand ${VAR}
// references so secrets stay out of the file.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CALLBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("callbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	expandSettings(cfg.Provider.Settings)
	expandSettings(cfg.Speech.STT.Settings)
	expandSettings(cfg.Speech.TTS.Settings)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := configutil.RequireString(c.Provider.Name, "provider.name"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Server.PublicURL, "server.public_url"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Phone.UserNumber, "phone.user_number"); err != nil {
		return err
	}
	if err := configutil.RequireString(c.Phone.SystemNumber, "phone.system_number"); err != nil {
		return err
	}
	return nil
}

func expandSettings(settings map[string]any) {
	for k, v := range settings {
		if s, ok := v.(string); ok {
			settings[k] = os.ExpandEnv(s)
		}
	}
}

// BuildTelephonyProvider constructs the configured call-control backend.
func BuildTelephonyProvider(cfg ProviderConfig) (telephony.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "twilio":
		schema := configutil.Schema{Required: []string{"account_sid", "auth_token"}}
		if err := configutil.ValidateSettings(cfg.Settings, schema); err != nil {
			return nil, fmt.Errorf("twilio settings: %w", err)
		}
		var c twilio.Config
		if err := configutil.DecodeSettings(cfg.Settings, &c); err != nil {
			return nil, err
		}
		return twilio.New(c), nil
	case "telnyx":
		schema := configutil.Schema{
			Required: []string{"api_key", "connection_id"},
			Optional: []string{"base_url"},
		}
		if err := configutil.ValidateSettings(cfg.Settings, schema); err != nil {
			return nil, fmt.Errorf("telnyx settings: %w", err)
		}
		var c telnyx.Config
		if err := configutil.DecodeSettings(cfg.Settings, &c); err != nil {
			return nil, err
		}
		return telnyx.New(c), nil
	case "plivo":
		schema := configutil.Schema{
			Required: []string{"auth_id", "auth_token"},
			Optional: []string{"base_url"},
		}
		if err := configutil.ValidateSettings(cfg.Settings, schema); err != nil {
			return nil, fmt.Errorf("plivo settings: %w", err)
		}
		var c plivo.Config
		if err := configutil.DecodeSettings(cfg.Settings, &c); err != nil {
			return nil, err
		}
		return plivo.New(c), nil
	case "vapi":
		schema := configutil.Schema{
			Required: []string{"api_key", "phone_number_id"},
			Optional: []string{"voice_id", "base_url"},
		}
		if err := configutil.ValidateSettings(cfg.Settings, schema); err != nil {
			return nil, fmt.Errorf("vapi settings: %w", err)
		}
		var c vapi.Config
		if err := configutil.DecodeSettings(cfg.Settings, &c); err != nil {
			return nil, err
		}
		return vapi.New(c), nil
	case "mock":
		return telephonymock.New(), nil
	default:
		return nil, fmt.Errorf("unknown telephony provider: %q", cfg.Name)
	}
}

// BuildRecognizer constructs the configured speech-to-text backend.
func BuildRecognizer(cfg ProviderConfig) (speech.Recognizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "deepgram":
		schema := configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "sample_rate", "encoding"},
		}
		if err := configutil.ValidateSettings(cfg.Settings, schema); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		var c deepgram.Config
		if err := configutil.DecodeSettings(cfg.Settings, &c); err != nil {
			return nil, err
		}
		return deepgram.New(c), nil
	case "mock":
		return speechmock.NewRecognizer(), nil
	default:
		return nil, fmt.Errorf("unknown recognizer: %q", cfg.Name)
	}
}

// BuildSynthesizer constructs the configured text-to-speech backend.
func BuildSynthesizer(cfg ProviderConfig) (speech.Synthesizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "elevenlabs":
		schema := configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "base_url"},
		}
		if err := configutil.ValidateSettings(cfg.Settings, schema); err != nil {
			return nil, fmt.Errorf("elevenlabs settings: %w", err)
		}
		var c elevenlabs.Config
		if err := configutil.DecodeSettings(cfg.Settings, &c); err != nil {
			return nil, err
		}
		return elevenlabs.New(c), nil
	case "mock":
		return speechmock.NewSynthesizer(0), nil
	default:
		return nil, fmt.Errorf("unknown synthesizer: %q", cfg.Name)
	}
}
