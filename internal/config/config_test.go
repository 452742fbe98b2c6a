package config

import (
	"strings"
	"testing"
	"time"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{"DATABASE_URL": "sqlite://ledger.db"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.Confidence.ReviewThreshold != 40 || cfg.Confidence.AutoApproveThreshold != 80 || cfg.Confidence.AutoApprove {
		t.Errorf("unexpected confidence defaults: %+v", cfg.Confidence)
	}
	if cfg.SyncIncrementalDays != 7 || cfg.SyncWindowDays != 90 {
		t.Errorf("unexpected sync defaults: %d/%d", cfg.SyncIncrementalDays, cfg.SyncWindowDays)
	}
	if !cfg.SyncFullSince.Equal(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected full sync start: %s", cfg.SyncFullSince)
	}
	if cfg.WebhookRecentEvents != 100 {
		t.Errorf("expected recent events window of 100, got %d", cfg.WebhookRecentEvents)
	}
	if path, ok := cfg.SQLitePath(); !ok || path != "ledger.db" {
		t.Errorf("expected sqlite path ledger.db, got %q (%v)", path, ok)
	}
}

func TestParseErrorsAreCollected(t *testing.T) {
	_, err := FromEnv(envOf(map[string]string{
		"SYNC_WINDOW_DAYS":     "ninety",
		"AUTO_APPROVE_ENABLED": "perhaps",
		"SYNC_INTERVAL":        "15",
		"SYNC_FULL_SINCE":      "01/01/2020",
	}))
	if err == nil {
		t.Fatal("expected parse errors")
	}
	for _, key := range []string{"SYNC_WINDOW_DAYS", "AUTO_APPROVE_ENABLED", "SYNC_INTERVAL", "SYNC_FULL_SINCE"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should mention %s: %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing database", map[string]string{}, "DATABASE_URL"},
		{"production needs provider token", map[string]string{
			"APP_ENV": "production", "DATABASE_URL": "postgres://db", "WEBHOOK_PUBLIC_KEY_PATH": "/keys/wise.pem",
		}, "PROVIDER_API_TOKEN"},
		{"production forbids test bypass", map[string]string{
			"APP_ENV": "staging", "DATABASE_URL": "postgres://db", "PROVIDER_API_TOKEN": "t",
			"WEBHOOK_PUBLIC_KEY_PATH": "/keys/wise.pem", "WEBHOOK_ALLOW_TEST_NOTIFICATIONS": "true",
		}, "WEBHOOK_ALLOW_TEST_NOTIFICATIONS"},
		{"inverted thresholds", map[string]string{
			"DATABASE_URL": "sqlite://x.db", "CONFIDENCE_REVIEW_THRESHOLD": "90", "CONFIDENCE_AUTO_APPROVE_THRESHOLD": "80",
		}, "confidence thresholds"},
		{"bad static rates", map[string]string{"DATABASE_URL": "sqlite://x.db", "EXCHANGE_RATES_STATIC": "EUR"}, "EXCHANGE_RATES_STATIC"},
		{"half tls", map[string]string{"DATABASE_URL": "sqlite://x.db", "API_TLS_CERT": "cert.pem"}, "API_TLS_KEY"},
		{"missing tls files", map[string]string{
			"DATABASE_URL": "sqlite://x.db", "API_TLS_CERT": "/nonexistent/api.crt", "API_TLS_KEY": "/nonexistent/api.key",
		}, "TLS file not found"},
		{"zero workers", map[string]string{"DATABASE_URL": "sqlite://x.db", "WORKER_COUNT": "0"}, "WORKER_COUNT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := FromEnv(envOf(tc.env))
			if err != nil {
				t.Fatalf("unexpected parse error: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error mentioning %s", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}

	cfg, err := FromEnv(envOf(map[string]string{
		"APP_ENV": "production", "DATABASE_URL": "postgres://db", "PROVIDER_API_TOKEN": "t",
		"WEBHOOK_PUBLIC_KEY_PATH": "/keys/wise.pem", "EXCHANGE_RATES_STATIC": "EUR=1.08, GBP=1.27",
		"API_IP_ALLOWLIST": "10.0.0.0/8, 192.168.0.0/16",
	}))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid production config, got %v", err)
	}
	if len(cfg.IPAllowlist) != 2 {
		t.Errorf("expected 2 allowlist entries, got %v", cfg.IPAllowlist)
	}
	rates, _ := cfg.StaticRates()
	if len(rates) != 2 {
		t.Errorf("expected 2 static rates, got %v", rates)
	}
}
