// Package dgconfig loads the kernel's environment-variable
// configuration and the Ed25519 signing key it uses to attest
// ProofPackets.
//
// getEnv / getEnvInt / getEnvDuration helpers feed a Load function that
// returns (*Config, error) and a Validate method checking required
// fields, paired with a loadOrGenerateEd25519Key routine
// (generate-on-first-run, 0600-permission hex file, directory
// auto-created).
package dgconfig

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived setting the kernel reads at
// startup.
type Config struct {
	// Identity
	GraphName string // DG_GRAPH_NAME: root namespace name for a fresh graph
	NodeID    string // DG_NODE_ID

	// Storage
	DataDir        string // DG_DATA_DIR: base directory for WAL segments and the signing key
	WALMaxBytes    int64  // DG_WAL_MAX_BYTES: segment roll threshold
	Ed25519KeyPath string // DG_ED25519_KEY_PATH: overrides the default <DataDir>/ed25519_key.hex

	// Anchor search bounds
	AnchorMaxAttempts int           // DG_ANCHOR_MAX_ATTEMPTS
	AnchorMaxRuntime  time.Duration // DG_ANCHOR_MAX_RUNTIME

	// Logging
	LogLevel  string // DG_LOG_LEVEL: debug, info, warn, error
	LogFormat string // DG_LOG_FORMAT: text or json
}

// Load reads configuration from environment variables, applying the
// same safe-default-with-explicit-override convention as the
// teacher's config.Load.
func Load() (*Config, error) {
	cfg := &Config{
		GraphName:         getEnv("DG_GRAPH_NAME", "root"),
		NodeID:            getEnv("DG_NODE_ID", "node-default"),
		DataDir:           getEnv("DG_DATA_DIR", "./data"),
		WALMaxBytes:       getEnvInt64("DG_WAL_MAX_BYTES", 64*1024*1024),
		Ed25519KeyPath:    getEnv("DG_ED25519_KEY_PATH", ""),
		AnchorMaxAttempts: getEnvInt("DG_ANCHOR_MAX_ATTEMPTS", 500),
		AnchorMaxRuntime:  getEnvDuration("DG_ANCHOR_MAX_RUNTIME", 10*time.Second),
		LogLevel:          getEnv("DG_LOG_LEVEL", "info"),
		LogFormat:         getEnv("DG_LOG_FORMAT", "text"),
	}
	return cfg, nil
}

// Validate checks the fields Load cannot safely default.
func (c *Config) Validate() error {
	var errs []string
	if c.GraphName == "" {
		errs = append(errs, "DG_GRAPH_NAME must not be empty")
	}
	if c.WALMaxBytes <= 0 {
		errs = append(errs, "DG_WAL_MAX_BYTES must be positive")
	}
	if c.AnchorMaxAttempts <= 0 {
		errs = append(errs, "DG_ANCHOR_MAX_ATTEMPTS must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// KeyPath resolves the effective Ed25519 key file path, defaulting to
// <DataDir>/ed25519_key.hex when Ed25519KeyPath is unset.
func (c *Config) KeyPath() string {
	if c.Ed25519KeyPath != "" {
		return c.Ed25519KeyPath
	}
	return filepath.Join(c.DataDir, "ed25519_key.hex")
}

// LoadOrGenerateEd25519Key loads the signing key at cfg.KeyPath(),
// generating and persisting a fresh one (mode 0600) on first run.
func LoadOrGenerateEd25519Key(cfg *Config) (ed25519.PrivateKey, error) {
	keyPath := cfg.KeyPath()
	keyDir := filepath.Dir(keyPath)
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("create key directory %s: %w", keyDir, err)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv)), 0600); err != nil {
			return nil, fmt.Errorf("save ed25519 key to %s: %w", keyPath, err)
		}
		return priv, nil
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ed25519 key from %s: %w", keyPath, err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 key from %s: %w", keyPath, err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 key size: expected %d, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}
	return ed25519.PrivateKey(keyBytes), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
