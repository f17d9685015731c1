// Package config loads and validates process configuration from the
// environment. It follows a fail-fast discipline: Load never applies a
// weak default for a security-sensitive setting, and Validate must be
// called before the server accepts traffic.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// Config holds all configuration for the corsaird server and the corsair CLI.
type Config struct {
	// Storage
	DatabaseURL string

	// Key encryption: 32 raw bytes (64 hex chars) used as the AES-256-GCM
	// key that wraps signing keys at rest. No default; must be set.
	KeyEncryptionSecret string

	// Issuer identity
	Domain string // used to build the did:web issuer DID and well-known URLs

	// HTTP surface
	ListenAddr     string
	AllowedOrigins []string
	APIKeys        []string // bearer tokens accepted on protected routes

	// Evidence normalization
	MappingDir string

	// SSF/SET delivery worker
	EnableDeliveryWorker  bool
	DeliveryWorkerInterval time.Duration

	// Environment tier; "production" tightens Validate().
	Env string

	// Optional domain-stack integrations, all off by default.
	EthereumURL        string
	EthChainID         int64
	AccumulateURL      string
	FirestoreEnabled   bool
	FirebaseProjectID  string
	ZKAssuranceEnabled bool
}

// Load reads configuration from environment variables. Call Validate (or
// ValidateForDevelopment) before using the result to serve traffic.
func Load(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := &Config{
		DatabaseURL:         getenv("DATABASE_URL"),
		KeyEncryptionSecret: getenv("KEY_ENCRYPTION_SECRET"),
		Domain:              getenvDefault(getenv, "CORSAIR_DOMAIN", "localhost"),
		ListenAddr:          getenvDefault(getenv, "LISTEN_ADDR", ":8080"),
		AllowedOrigins:      splitCSV(getenv("CORSAIR_ALLOWED_ORIGINS")),
		APIKeys:             splitCSV(getenv("CORSAIR_API_KEYS")),
		MappingDir:          getenvDefault(getenv, "CORSAIR_MAPPING_DIR", "./mappings"),
		EnableDeliveryWorker: getenvBool(getenv, "ENABLE_DELIVERY_WORKER", false),
		Env:                 getenvDefault(getenv, "CORSAIR_ENV", "development"),
		EthereumURL:         getenv("ETHEREUM_URL"),
		EthChainID:          getenvInt64(getenv, "ETH_CHAIN_ID", 11155111),
		AccumulateURL:       getenv("ACCUMULATE_URL"),
		FirestoreEnabled:    getenvBool(getenv, "FIRESTORE_ENABLED", false),
		FirebaseProjectID:   getenv("FIREBASE_PROJECT_ID"),
		ZKAssuranceEnabled:  getenvBool(getenv, "ZK_ASSURANCE_ENABLED", false),
	}

	interval, err := getenvDuration(getenv, "DELIVERY_WORKER_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.DeliveryWorkerInterval = interval

	return cfg, nil
}

// Validate enforces the production-grade requirements: a strictly-shaped
// key encryption secret, and (in production) a non-empty API key list.
func (c *Config) Validate() error {
	var problems []string

	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required but not set")
	}

	if err := validateKeyEncryptionSecret(c.KeyEncryptionSecret); err != nil {
		problems = append(problems, err.Error())
	}

	if c.isProduction() && len(c.APIKeys) == 0 {
		problems = append(problems, "CORSAIR_API_KEYS is required when CORSAIR_ENV=production")
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.KindValidation, "configuration validation failed").
			WithDetails(strings.Join(problems, "; "))
	}
	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for local
// iteration. Do not use in production; use Validate instead.
func (c *Config) ValidateForDevelopment() error {
	if c.DatabaseURL == "" {
		return apperrors.New(apperrors.KindValidation, "DATABASE_URL is required")
	}
	return nil
}

func (c *Config) isProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func validateKeyEncryptionSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("KEY_ENCRYPTION_SECRET is required but not set")
	}
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("KEY_ENCRYPTION_SECRET must be hex-encoded: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("KEY_ENCRYPTION_SECRET must decode to 32 bytes (64 hex chars), got %d", len(raw))
	}
	return nil
}

func getenvDefault(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(getenv func(string) string, key string, fallback bool) bool {
	v := getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvInt64(getenv func(string) string, key string, fallback int64) int64 {
	v := getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(getenv func(string) string, key string, fallback time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.KindValidation, "%s is not a valid duration", key)
	}
	return d, nil
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
