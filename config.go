package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultProfile        = "production"
	defaultRequestTimeout = 30 * time.Second
	refreshTokenTimeout   = 10 * time.Second
	defaultCheckInterval  = 5 * time.Second
)

// Credential store backends.
const (
	storeFile    = "file"
	storeKeyring = "keyring"
	storeMemory  = "memory"
)

// builtinProfiles are available without a config file.
var builtinProfiles = map[string]ProfileConfig{
	"production": {ServerURL: "https://we-expense-api.vercel.app"},
	"local":      {ServerURL: "http://127.0.0.1:8002"},
}

// ProfileConfig is one server environment in the config file.
type ProfileConfig struct {
	ServerURL       string   `yaml:"server_url"`
	CredentialStore string   `yaml:"credential_store,omitempty"`
	TokenFile       string   `yaml:"token_file,omitempty"`
	Timeout         string   `yaml:"timeout,omitempty"`
	Retries         int      `yaml:"retries,omitempty"`
	Pins            []string `yaml:"pins,omitempty"`
}

// FileConfig is the YAML config file.
type FileConfig struct {
	Profile  string                   `yaml:"profile"`
	LogLevel string                   `yaml:"log_level,omitempty"`
	LogFile  string                   `yaml:"log_file,omitempty"`
	Profiles map[string]ProfileConfig `yaml:"profiles"`
}

// Config is the resolved runtime configuration.
type Config struct {
	Profile         string
	ServerURL       string
	CredentialStore string
	TokenFile       string
	Timeout         time.Duration
	Retries         int
	Pins            []string
	LogLevel        string
	LogFile         string
}

// cliFlags holds the raw flag values. Empty means "not set".
type cliFlags struct {
	configFile      string
	profile         string
	serverURL       string
	credentialStore string
	tokenFile       string
	timeout         string
	retries         string
	pins            stringList
	logLevel        string
	logFile         string
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

var flags cliFlags

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flag.StringVar(&flags.configFile, "config", "",
		"Config file (default: ~/.config/expense-cli/config.yaml or EXPENSE_CONFIG env)")
	flag.StringVar(&flags.profile, "profile", "",
		"Server profile: production, local, or one from the config file (or EXPENSE_PROFILE env)")
	flag.StringVar(&flags.serverURL, "server-url", "",
		"API base URL, overrides the profile (or SERVER_URL env)")
	flag.StringVar(&flags.credentialStore, "credential-store", "",
		"Where tokens are kept: file, keyring or memory (default: file, or CREDENTIAL_STORE env)")
	flag.StringVar(&flags.tokenFile, "token-file", "",
		"Token file for the file store (default: ~/.config/expense-cli/tokens.json or TOKEN_FILE env)")
	flag.StringVar(&flags.timeout, "timeout", "", "Per-request timeout (default: 30s, or REQUEST_TIMEOUT env)")
	flag.StringVar(&flags.retries, "retries", "",
		"Transport retries for connection failures (default: 0, or HTTP_RETRIES env)")
	flag.Var(&flags.pins, "pin", "SHA-256 SPKI pin (base64) the server certificate must match; repeatable")
	flag.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (default: warn, or LOG_LEVEL env)")
	flag.StringVar(&flags.logFile, "log-file", "", "Write logs to this file instead of stderr (or LOG_FILE env)")
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "expense-cli")
}

// loadFileConfig reads the YAML config. A missing file is not an error.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// resolveConfig merges flags, environment, the config file and defaults.
// Priority: flag > env > profile > default.
func resolveConfig(f cliFlags) (*Config, error) {
	file, err := loadFileConfig(getConfig(f.configFile, "EXPENSE_CONFIG", filepath.Join(configDir(), "config.yaml")))
	if err != nil {
		return nil, err
	}

	profileName := getConfig(f.profile, "EXPENSE_PROFILE", file.Profile)
	if profileName == "" {
		profileName = defaultProfile
	}
	profile, ok := file.Profiles[profileName]
	if !ok {
		profile, ok = builtinProfiles[profileName]
	}
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", profileName)
	}

	cfg := &Config{
		Profile:         profileName,
		ServerURL:       strings.TrimRight(getConfig(f.serverURL, "SERVER_URL", profile.ServerURL), "/"),
		CredentialStore: getConfig(f.credentialStore, "CREDENTIAL_STORE", orDefault(profile.CredentialStore, storeFile)),
		TokenFile: getConfig(f.tokenFile, "TOKEN_FILE",
			orDefault(profile.TokenFile, filepath.Join(configDir(), "tokens.json"))),
		LogLevel: getConfig(f.logLevel, "LOG_LEVEL", orDefault(file.LogLevel, "warn")),
		LogFile:  getConfig(f.logFile, "LOG_FILE", file.LogFile),
		Pins:     profile.Pins,
	}
	if len(f.pins) > 0 {
		cfg.Pins = f.pins
	}

	if err := validateServerURL(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}

	switch cfg.CredentialStore {
	case storeFile, storeKeyring, storeMemory:
	default:
		return nil, fmt.Errorf("credential store must be file, keyring or memory, got %q", cfg.CredentialStore)
	}

	cfg.Timeout = defaultRequestTimeout
	if raw := getConfig(f.timeout, "REQUEST_TIMEOUT", profile.Timeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid timeout %q", raw)
		}
		cfg.Timeout = d
	}

	cfg.Retries = profile.Retries
	if raw := getConfig(f.retries, "HTTP_RETRIES", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid retries %q", raw)
		}
		cfg.Retries = n
	}

	return cfg, nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
