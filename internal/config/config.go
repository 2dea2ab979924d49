// Package config loads application configuration from environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
)

// masterKeySize is the required length of decoded key material, in bytes.
const masterKeySize = 32

// KeyMaterial is one master key version read from the environment.
type KeyMaterial struct {
	Version  int
	Material []byte
}

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string

	MasterKeys       []KeyMaterial // sorted by version
	ActiveKeyVersion int
	JWTSecret        []byte

	AuditRetentionDays int
	ArchiveSchedule    string
	RekeySchedule      string
	RekeyBatchSize     int

	RateLimit float64
	RateBurst int

	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix

	LogLevel  slog.Level
	LogFormat string
}

// Load reads configuration from environment variables and returns a validated Config.
// CREDVAULT_MASTER_KEYS and CREDVAULT_JWT_SECRET are required. Optional variables
// with defaults: CREDVAULT_LISTEN_ADDR (127.0.0.1:8080), CREDVAULT_DB_PATH
// (credvault.db), CREDVAULT_ACTIVE_KEY_VERSION (highest configured),
// CREDVAULT_AUDIT_RETENTION_DAYS (365), CREDVAULT_ARCHIVE_SCHEDULE (@daily),
// CREDVAULT_REKEY_SCHEDULE (@hourly), CREDVAULT_REKEY_BATCH_SIZE (100),
// CREDVAULT_RATE_LIMIT (10), CREDVAULT_RATE_BURST (20),
// CREDVAULT_TRUSTED_PROXIES (none), CREDVAULT_LOG_LEVEL (info),
// CREDVAULT_LOG_FORMAT (text).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("CREDVAULT_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:             envOr("CREDVAULT_DB_PATH", "credvault.db"),
		ArchiveSchedule:    envOr("CREDVAULT_ARCHIVE_SCHEDULE", "@daily"),
		RekeySchedule:      envOr("CREDVAULT_REKEY_SCHEDULE", "@hourly"),
		AuditRetentionDays: 365,
		RekeyBatchSize:     100,
		RateLimit:          10,
		RateBurst:          20,
		LogLevel:           slog.LevelInfo,
		LogFormat:          "text",
	}

	keys, err := parseMasterKeys(os.Getenv("CREDVAULT_MASTER_KEYS"))
	if err != nil {
		return nil, err
	}
	cfg.MasterKeys = keys
	cfg.ActiveKeyVersion = keys[len(keys)-1].Version

	if v, ok := os.LookupEnv("CREDVAULT_ACTIVE_KEY_VERSION"); ok {
		version, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("CREDVAULT_ACTIVE_KEY_VERSION has invalid value %q: %w", v, err)
		}
		if !slices.ContainsFunc(keys, func(k KeyMaterial) bool { return k.Version == version }) {
			return nil, fmt.Errorf("CREDVAULT_ACTIVE_KEY_VERSION %d is not in CREDVAULT_MASTER_KEYS", version)
		}
		cfg.ActiveKeyVersion = version
	}

	secret := os.Getenv("CREDVAULT_JWT_SECRET")
	if len(secret) < 32 {
		return nil, errors.New("CREDVAULT_JWT_SECRET must be set to at least 32 characters")
	}
	cfg.JWTSecret = []byte(secret)

	if cfg.AuditRetentionDays, err = positiveInt("CREDVAULT_AUDIT_RETENTION_DAYS", cfg.AuditRetentionDays); err != nil {
		return nil, err
	}
	if cfg.RekeyBatchSize, err = positiveInt("CREDVAULT_REKEY_BATCH_SIZE", cfg.RekeyBatchSize); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = positiveInt("CREDVAULT_RATE_BURST", cfg.RateBurst); err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv("CREDVAULT_RATE_LIMIT"); ok {
		limit, err := strconv.ParseFloat(v, 64)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("CREDVAULT_RATE_LIMIT has invalid value %q", v)
		}
		cfg.RateLimit = limit
	}

	if cfg.TrustedProxies, err = parseProxies(os.Getenv("CREDVAULT_TRUSTED_PROXIES")); err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv("CREDVAULT_LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("CREDVAULT_LOG_LEVEL has invalid value %q: %w", v, err)
		}
	}

	if v, ok := os.LookupEnv("CREDVAULT_LOG_FORMAT"); ok {
		switch v = strings.ToLower(v); v {
		case "text", "json":
			cfg.LogFormat = v
		default:
			return nil, fmt.Errorf("CREDVAULT_LOG_FORMAT must be text or json, got %q", v)
		}
	}

	return cfg, nil
}

// parseMasterKeys parses a comma separated list of version:base64 pairs.
// Error messages name the offending version but never the material.
func parseMasterKeys(raw string) ([]KeyMaterial, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("CREDVAULT_MASTER_KEYS is required")
	}

	var keys []KeyMaterial
	for i, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		versionStr, encoded, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("CREDVAULT_MASTER_KEYS entry %d must have the form version:base64", i+1)
		}
		version, err := strconv.Atoi(strings.TrimSpace(versionStr))
		if err != nil || version < 1 {
			return nil, fmt.Errorf("CREDVAULT_MASTER_KEYS entry %d has an invalid version", i+1)
		}
		material, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("CREDVAULT_MASTER_KEYS version %d is not valid base64", version)
		}
		if len(material) != masterKeySize {
			return nil, fmt.Errorf("CREDVAULT_MASTER_KEYS version %d must decode to %d bytes, got %d", version, masterKeySize, len(material))
		}
		if slices.ContainsFunc(keys, func(k KeyMaterial) bool { return k.Version == version }) {
			return nil, fmt.Errorf("CREDVAULT_MASTER_KEYS lists version %d more than once", version)
		}
		keys = append(keys, KeyMaterial{Version: version, Material: material})
	}
	if len(keys) == 0 {
		return nil, errors.New("CREDVAULT_MASTER_KEYS is required")
	}

	slices.SortFunc(keys, func(a, b KeyMaterial) int { return a.Version - b.Version })
	return keys, nil
}

// parseProxies parses a comma separated list of IP addresses and CIDR
// prefixes. A bare address trusts that single host.
func parseProxies(raw string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("CREDVAULT_TRUSTED_PROXIES has invalid prefix %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("CREDVAULT_TRUSTED_PROXIES has invalid address %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func positiveInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s has invalid value %q", key, v)
	}
	return n, nil
}
