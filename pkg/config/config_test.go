package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
log_level: debug
server:
  public_url: https://rings.example.com
database:
  path: ${RINGDESK_TEST_DB}
auth:
  jwt_secret: secret
billing:
  plans:
    - product_id: prod_starter
      name: starter
      minutes: 100
    - product_id: prod_pro
      name: pro
      minutes: 500
integrations:
  twilio:
    enabled: true
    settings:
      account_sid: AC123
      auth_token: ${RINGDESK_TEST_TOKEN}
  openai:
    enabled: true
    settings:
      api_key: sk-test
      timeout: 5s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("RINGDESK_TEST_DB", "/tmp/ringdesk-test.db")
	t.Setenv("RINGDESK_TEST_TOKEN", "tok")

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Database.Path != "/tmp/ringdesk-test.db" {
		t.Fatalf("expected env expansion, got %q", cfg.Database.Path)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Server.Addr)
	}
	if cfg.Billing.GracePeriod() != 72*time.Hour {
		t.Fatalf("unexpected grace period %s", cfg.Billing.GracePeriod())
	}
	if len(cfg.Billing.Plans) != 2 || cfg.Billing.Plans[1].Minutes != 500 {
		t.Fatalf("unexpected plans: %+v", cfg.Billing.Plans)
	}

	tw, err := cfg.Integrations.TwilioSettings()
	if err != nil {
		t.Fatalf("twilio settings: %v", err)
	}
	if tw.AuthToken != "tok" {
		t.Fatalf("expected expanded auth token, got %q", tw.AuthToken)
	}
	oa, err := cfg.Integrations.OpenAISettings()
	if err != nil {
		t.Fatalf("openai settings: %v", err)
	}
	if oa.Model != "gpt-4o-mini" || oa.Timeout != 5*time.Second {
		t.Fatalf("unexpected openai settings: %+v", oa)
	}
	if _, err := cfg.Integrations.PolarSettings(); err == nil {
		t.Fatalf("expected disabled polar to error")
	}
}

func TestValidateRejectsDuplicatePlans(t *testing.T) {
	cfg := Config{
		Database: DatabaseConfig{Path: "x.db"},
		Auth:     AuthConfig{JWTSecret: "s"},
		Billing: BillingConfig{Plans: []PlanConfig{
			{ProductID: "p1", Minutes: 10},
			{ProductID: "p1", Minutes: 20},
		}},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("expected duplicate plan error, got %v", err)
	}
}

func TestValidateRequiresPublicURLForTwilio(t *testing.T) {
	cfg := Config{
		Database:     DatabaseConfig{Path: "x.db"},
		Auth:         AuthConfig{JWTSecret: "s"},
		Integrations: IntegrationsConfig{Twilio: VendorConfig{Enabled: true}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected public_url error")
	}
}
