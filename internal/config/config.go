package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds the daemon settings. Precedence is defaults, then the YAML
// config file, then DITLOOP_* environment variables.
type Config struct {
	HTTPAddr  string
	DataDir   string
	DBPath    string
	TokenPath string
	LogLevel  string

	MaxClients      int
	RateLimitPerSec int
	PingInterval    time.Duration

	Retention     time.Duration
	SweepInterval time.Duration

	ProviderLimits map[string]int
}

// fileConfig is the YAML shape. Durations are strings in time.ParseDuration
// syntax.
type fileConfig struct {
	HTTPAddr        string         `yaml:"http_addr"`
	DataDir         string         `yaml:"data_dir"`
	DBPath          string         `yaml:"db_path"`
	TokenPath       string         `yaml:"token_path"`
	LogLevel        string         `yaml:"log_level"`
	MaxClients      int            `yaml:"max_clients"`
	RateLimitPerSec int            `yaml:"rate_limit_per_sec"`
	PingInterval    string         `yaml:"ping_interval"`
	Retention       string         `yaml:"retention"`
	SweepInterval   string         `yaml:"sweep_interval"`
	ProviderLimits  map[string]int `yaml:"provider_limits"`
}

// Default returns the built-in settings. Data lives under ~/.ditloop.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".ditloop")
	return Config{
		HTTPAddr:        ":8080",
		DataDir:         dataDir,
		DBPath:          filepath.Join(dataDir, "ditloop.db"),
		TokenPath:       filepath.Join(dataDir, "daemon.token"),
		LogLevel:        "info",
		MaxClients:      10,
		RateLimitPerSec: 100,
		PingInterval:    30 * time.Second,
		Retention:       24 * time.Hour,
		SweepInterval:   time.Minute,
		ProviderLimits: map[string]int{
			"claude":  3,
			"openai":  5,
			"default": 2,
		},
	}
}

// Load builds the effective configuration. path names an optional YAML file;
// an empty path skips the file layer. A .env file in the working directory
// seeds missing environment variables first.
func Load(path string) (Config, error) {
	loadDotEnv(".env")

	cfg := Default()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	// A data dir override re-anchors the derived paths unless they were
	// themselves overridden.
	def := Default()
	if cfg.DataDir != def.DataDir {
		if cfg.DBPath == def.DBPath {
			cfg.DBPath = filepath.Join(cfg.DataDir, "ditloop.db")
		}
		if cfg.TokenPath == def.TokenPath {
			cfg.TokenPath = filepath.Join(cfg.DataDir, "daemon.token")
		}
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.TokenPath, fc.TokenPath)
	setString(&cfg.LogLevel, fc.LogLevel)
	setInt(&cfg.MaxClients, fc.MaxClients)
	setInt(&cfg.RateLimitPerSec, fc.RateLimitPerSec)
	if err := setDuration(&cfg.PingInterval, fc.PingInterval); err != nil {
		return fmt.Errorf("config ping_interval: %w", err)
	}
	if err := setDuration(&cfg.Retention, fc.Retention); err != nil {
		return fmt.Errorf("config retention: %w", err)
	}
	if err := setDuration(&cfg.SweepInterval, fc.SweepInterval); err != nil {
		return fmt.Errorf("config sweep_interval: %w", err)
	}
	for provider, limit := range fc.ProviderLimits {
		cfg.ProviderLimits[provider] = limit
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, os.Getenv("DITLOOP_HTTP_ADDR"))
	setString(&cfg.DataDir, os.Getenv("DITLOOP_DATA_DIR"))
	setString(&cfg.DBPath, os.Getenv("DITLOOP_DB_PATH"))
	setString(&cfg.TokenPath, os.Getenv("DITLOOP_TOKEN_PATH"))
	setString(&cfg.LogLevel, os.Getenv("DITLOOP_LOG_LEVEL"))

	if err := setIntEnv(&cfg.MaxClients, "DITLOOP_MAX_CLIENTS"); err != nil {
		return err
	}
	if err := setIntEnv(&cfg.RateLimitPerSec, "DITLOOP_RATE_LIMIT_PER_SEC"); err != nil {
		return err
	}
	if err := setDurationEnv(&cfg.PingInterval, "DITLOOP_PING_INTERVAL"); err != nil {
		return err
	}
	if err := setDurationEnv(&cfg.Retention, "DITLOOP_RETENTION"); err != nil {
		return err
	}
	if err := setDurationEnv(&cfg.SweepInterval, "DITLOOP_SWEEP_INTERVAL"); err != nil {
		return err
	}

	// DITLOOP_PROVIDER_LIMITS="claude=3,openai=5"
	if raw := os.Getenv("DITLOOP_PROVIDER_LIMITS"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			provider, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				return fmt.Errorf("DITLOOP_PROVIDER_LIMITS: malformed entry %q", pair)
			}
			limit, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return fmt.Errorf("DITLOOP_PROVIDER_LIMITS: %w", err)
			}
			cfg.ProviderLimits[strings.TrimSpace(provider)] = limit
		}
	}
	return nil
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}

func setIntEnv(dst *int, key string) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = value
	return nil
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = value
	return nil
}

func setDurationEnv(dst *time.Duration, key string) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = value
	return nil
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
