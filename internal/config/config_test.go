package config

import "testing"

func validBase() Config {
	return Config{
		App:     AppConfig{Env: "local", Port: 8080},
		DB:      DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "dialer", SSLMode: ""},
		Redis:   RedisConfig{Host: "localhost", Port: 6379},
		Auth:    AuthConfig{JWTSecret: "secret"},
		Carrier: CarrierConfig{BaseURL: "https://carrier.example.com", AccountID: "acct_1", WebhookSecret: "whsec"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validBase()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "dialer"
	c.Auth.JWTAudience = "api"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := validBase()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_WebhookSecretRequired(t *testing.T) {
	c := validBase()
	c.Carrier.WebhookSecret = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing CARRIER_WEBHOOK_SECRET")
	}
}

func TestValidate_DialerAndRetryDefaults(t *testing.T) {
	c := validBase()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Dialer.DefaultConcurrency <= 0 {
		t.Fatalf("expected default dialer concurrency")
	}
	if c.Dialer.MaxPacingRatio < c.Dialer.MinPacingRatio {
		t.Fatalf("expected pacing ratio bounds ordered")
	}
	if c.Retry.MaxAttempts <= 0 || c.Retry.BatchSize <= 0 {
		t.Fatalf("expected retry defaults")
	}
	if c.Compliance.FrequencyCapMax <= 0 {
		t.Fatalf("expected frequency cap default")
	}
}

func TestValidate_RejectsInvertedCallingWindow(t *testing.T) {
	c := validBase()
	c.Compliance.CallingWindowStart = 21
	c.Compliance.CallingWindowEnd = 8
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for inverted calling window")
	}
}
