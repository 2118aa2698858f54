package config

import (
	"fmt"
	"time"

	"github.com/harunnryd/ringdesk/pkg/configutil"
)

type TwilioSettings struct {
	AccountSID         string `mapstructure:"account_sid"`
	AuthToken          string `mapstructure:"auth_token"`
	PhoneNumber        string `mapstructure:"phone_number"`
	ValidateSignatures *bool  `mapstructure:"validate_signatures"`
}

type ElevenLabsSettings struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	DefaultVoiceID string `mapstructure:"default_voice_id"`
	Language       string `mapstructure:"language"`
}

type OpenAISettings struct {
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	BaseURL   string        `mapstructure:"base_url"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type PolarSettings struct {
	AccessToken   string `mapstructure:"access_token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	BaseURL       string `mapstructure:"base_url"`
}

type UploadThingSettings struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type DeepgramSettings struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
}

func (i IntegrationsConfig) TwilioSettings() (TwilioSettings, error) {
	var s TwilioSettings
	err := decodeVendor("twilio", i.Twilio, configutil.Schema{
		Required: []string{"account_sid", "auth_token"},
		Optional: []string{"phone_number", "validate_signatures"},
	}, &s)
	return s, err
}

func (i IntegrationsConfig) ElevenLabsSettings() (ElevenLabsSettings, error) {
	s := ElevenLabsSettings{BaseURL: "https://api.elevenlabs.io", Language: "en"}
	err := decodeVendor("elevenlabs", i.ElevenLabs, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"base_url", "webhook_secret", "default_voice_id", "language"},
	}, &s)
	return s, err
}

func (i IntegrationsConfig) OpenAISettings() (OpenAISettings, error) {
	s := OpenAISettings{Model: "gpt-4o-mini", MaxTokens: 400, Timeout: 60 * time.Second}
	err := decodeVendor("openai", i.OpenAI, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "max_tokens", "timeout"},
	}, &s)
	return s, err
}

func (i IntegrationsConfig) PolarSettings() (PolarSettings, error) {
	s := PolarSettings{BaseURL: "https://api.polar.sh"}
	err := decodeVendor("polar", i.Polar, configutil.Schema{
		Required: []string{"access_token", "webhook_secret"},
		Optional: []string{"base_url"},
	}, &s)
	return s, err
}

func (i IntegrationsConfig) UploadThingSettings() (UploadThingSettings, error) {
	s := UploadThingSettings{BaseURL: "https://api.uploadthing.com"}
	err := decodeVendor("uploadthing", i.UploadThing, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"base_url"},
	}, &s)
	return s, err
}

func (i IntegrationsConfig) DeepgramSettings() (DeepgramSettings, error) {
	s := DeepgramSettings{Model: "nova-2", Language: "en"}
	err := decodeVendor("deepgram", i.Deepgram, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language"},
	}, &s)
	return s, err
}

func decodeVendor(name string, vc VendorConfig, schema configutil.Schema, out any) error {
	if !vc.Enabled {
		return fmt.Errorf("integrations.%s is disabled", name)
	}
	if err := configutil.Decode(vc.Settings, schema, out); err != nil {
		return fmt.Errorf("integrations.%s.settings: %w", name, err)
	}
	return nil
}
