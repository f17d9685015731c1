package config

import (
	"strings"
	"testing"
)

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

const validSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{
		"DATABASE_URL":          "postgres://localhost/corsair",
		"KEY_ENCRYPTION_SECRET": validSecret,
	}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Domain != "localhost" {
		t.Errorf("expected default domain localhost, got %q", cfg.Domain)
	}
	if cfg.DeliveryWorkerInterval.Seconds() != 30 {
		t.Errorf("expected default delivery interval 30s, got %v", cfg.DeliveryWorkerInterval)
	}
	if cfg.EnableDeliveryWorker {
		t.Errorf("expected delivery worker disabled by default")
	}
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg, _ := Load(fakeEnv(map[string]string{
		"DATABASE_URL": "postgres://localhost/corsair",
	}))
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing KEY_ENCRYPTION_SECRET")
	}
}

func TestValidateRejectsWrongLengthSecret(t *testing.T) {
	cfg, _ := Load(fakeEnv(map[string]string{
		"DATABASE_URL":          "postgres://localhost/corsair",
		"KEY_ENCRYPTION_SECRET": "deadbeef",
	}))
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for short KEY_ENCRYPTION_SECRET")
	}
}

func TestValidateRequiresAPIKeysInProduction(t *testing.T) {
	cfg, _ := Load(fakeEnv(map[string]string{
		"DATABASE_URL":          "postgres://localhost/corsair",
		"KEY_ENCRYPTION_SECRET": validSecret,
		"CORSAIR_ENV":           "production",
	}))
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for missing CORSAIR_API_KEYS in production")
	}
	if !strings.Contains(err.Error(), "CORSAIR_API_KEYS") {
		t.Errorf("expected error to mention CORSAIR_API_KEYS, got: %v", err)
	}
}

func TestValidatePassesWithAPIKeysInProduction(t *testing.T) {
	cfg, _ := Load(fakeEnv(map[string]string{
		"DATABASE_URL":          "postgres://localhost/corsair",
		"KEY_ENCRYPTION_SECRET": validSecret,
		"CORSAIR_ENV":           "production",
		"CORSAIR_API_KEYS":      "key-a,key-b",
	}))
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if len(cfg.APIKeys) != 2 {
		t.Errorf("expected 2 API keys, got %d", len(cfg.APIKeys))
	}
}

func TestValidateForDevelopmentIsRelaxed(t *testing.T) {
	cfg, _ := Load(fakeEnv(map[string]string{
		"DATABASE_URL": "postgres://localhost/corsair",
	}))
	if err := cfg.ValidateForDevelopment(); err != nil {
		t.Fatalf("unexpected error in relaxed validation: %v", err)
	}
}
