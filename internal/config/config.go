// Package config loads service configuration from an optional TOML file
// followed by environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/vidamais/edgeguard/internal/pki"
	"github.com/vidamais/edgeguard/internal/proxy"
)

// ConfigFileEnv names the environment variable pointing at the TOML file.
const ConfigFileEnv = "EDGEGUARD_CONFIG"

// CA backends
const (
	CABackendOpenSSL = "openssl"
	CABackendNative  = "native"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Paths   PathsConfig   `toml:"paths"`
	Proxy   ProxyConfig   `toml:"proxy"`
	CA      CAConfig      `toml:"ca"`
	WAF     WAFConfig     `toml:"waf"`
	Command CommandConfig `toml:"command"`
	Auth    AuthConfig    `toml:"auth"`
	Notify  NotifyConfig  `toml:"notify"`
	Archive ArchiveConfig `toml:"archive"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `toml:"host"`
	Port         string        `toml:"port"`
	CORSOrigins  []string      `toml:"cors_origins"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// PathsConfig locates the persisted stores
type PathsConfig struct {
	ClientsDir     string `toml:"clients_dir"`
	ClientRegistry string `toml:"client_registry"`
	RouteRegistry  string `toml:"route_registry"`
	ProxySnapshot  string `toml:"proxy_snapshot"`
	Ruleset        string `toml:"ruleset"`
	Whitelist      string `toml:"whitelist"`
}

// ProxyConfig holds reverse proxy control settings
type ProxyConfig struct {
	Program    string         `toml:"program"`
	Template   proxy.Template `toml:"template"`
	TestConfig bool           `toml:"test_config"`
	Binary     string         `toml:"binary"`
	MainConfig string         `toml:"main_config"`
}

// CAConfig holds certificate authority settings
type CAConfig struct {
	pki.CAConfig
	// Backend is "openssl" or "native".
	Backend        string      `toml:"backend"`
	Subject        pki.Subject `toml:"subject"`
	ExportPassword string      `toml:"export_password"`
	CommonName     string      `toml:"common_name"`
}

// WAFConfig holds rule optimizer settings
type WAFConfig struct {
	Interpreter string `toml:"interpreter"`
	Optimizer   string `toml:"optimizer"`
	ErrorLog    string `toml:"error_log"`
}

// CommandConfig bounds external tool invocations
type CommandConfig struct {
	Timeout time.Duration `toml:"timeout"`
}

// AuthConfig holds admin API authentication settings
type AuthConfig struct {
	Enabled           bool          `toml:"enabled"`
	JWTSecret         string        `toml:"jwt_secret"`
	TokenExpiry       time.Duration `toml:"token_expiry"`
	Issuer            string        `toml:"issuer"`
	AdminUser         string        `toml:"admin_user"`
	AdminPasswordHash string        `toml:"admin_password_hash"`
	LoginRateLimit    int           `toml:"login_rate_limit"`
}

// NotifyConfig holds notification sink settings
type NotifyConfig struct {
	TelegramToken       string `toml:"telegram_token"`
	TelegramChatID      string `toml:"telegram_chat_id"`
	TelegramMinSeverity string `toml:"telegram_min_severity"`
	AuditDB             string `toml:"audit_db"`
	AuditRetention      int    `toml:"audit_retention"`
}

// ArchiveConfig holds S3/MinIO settings for off-host bundle copies
type ArchiveConfig struct {
	Enabled         bool   `toml:"enabled"`
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UseSSL          bool   `toml:"use_ssl"`
}

// Default returns the configuration of the reference deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "8080",
			CORSOrigins:  []string{"http://localhost:3000"},
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
		Paths: PathsConfig{
			ClientsDir:     "/etc/ssl/server/clients",
			ClientRegistry: "/etc/ssl/server/clients/clients.json",
			RouteRegistry:  "/etc/nginx/protected_routes.json",
			ProxySnapshot:  "/etc/nginx/protected_routes.conf",
			Ruleset:        "/etc/nginx/naxsi.rules",
			Whitelist:      "/etc/nginx/generated.wl",
		},
		Proxy: ProxyConfig{
			Program:  "nginx",
			Template: proxy.DefaultTemplate(),
			Binary:   "nginx",
		},
		CA: CAConfig{
			CAConfig:       pki.DefaultCAConfig(),
			Backend:        CABackendOpenSSL,
			Subject:        pki.DefaultSubject(),
			ExportPassword: pki.DefaultExportPassword,
			CommonName:     "Edgeguard Client CA",
		},
		WAF: WAFConfig{
			Interpreter: "python3",
			Optimizer:   "/opt/nxutil/nx_util.py",
			ErrorLog:    "/var/log/nginx/normal_error.log",
		},
		Command: CommandConfig{
			Timeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			TokenExpiry:    time.Hour,
			Issuer:         "edgeguard",
			AdminUser:      "admin",
			LoginRateLimit: 5,
		},
		Notify: NotifyConfig{
			AuditRetention: 10000,
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "bundles",
		},
	}
}

// Load builds the configuration: defaults, then the TOML file named by
// EDGEGUARD_CONFIG (if any), then environment overrides.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// LoadFile is Load with an explicit TOML path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML file %s: %w", path, err)
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides replaces fields with the environment variables that are set.
func (c *Config) ApplyEnvOverrides() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.CORSOrigins = getListEnv("CORS_ORIGINS", c.Server.CORSOrigins)

	c.Paths.ClientsDir = getEnv("CLIENTS_DIR", c.Paths.ClientsDir)
	c.Paths.ClientRegistry = getEnv("CLIENT_REGISTRY", c.Paths.ClientRegistry)
	c.Paths.RouteRegistry = getEnv("ROUTE_REGISTRY", c.Paths.RouteRegistry)
	c.Paths.ProxySnapshot = getEnv("PROXY_SNAPSHOT", c.Paths.ProxySnapshot)
	c.Paths.Ruleset = getEnv("WAF_RULESET", c.Paths.Ruleset)
	c.Paths.Whitelist = getEnv("WAF_WHITELIST", c.Paths.Whitelist)

	c.Proxy.Program = getEnv("PROXY_PROGRAM", c.Proxy.Program)
	c.Proxy.Template.Upstream = getEnv("PROXY_UPSTREAM", c.Proxy.Template.Upstream)
	c.Proxy.TestConfig = getBoolEnv("PROXY_TEST_CONFIG", c.Proxy.TestConfig)

	c.CA.Backend = getEnv("CA_BACKEND", c.CA.Backend)
	c.CA.Dir = getEnv("CA_DIR", c.CA.Dir)
	c.CA.OpenSSLConfig = getEnv("OPENSSL_CONFIG", c.CA.OpenSSLConfig)
	c.CA.ExportPassword = getEnv("P12_PASSWORD", c.CA.ExportPassword)

	c.WAF.Optimizer = getEnv("WAF_OPTIMIZER", c.WAF.Optimizer)
	c.WAF.ErrorLog = getEnv("WAF_ERROR_LOG", c.WAF.ErrorLog)

	c.Command.Timeout = getDurationEnv("COMMAND_TIMEOUT", c.Command.Timeout)

	c.Auth.Enabled = getBoolEnv("AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenExpiry = getDurationEnv("JWT_EXPIRY", c.Auth.TokenExpiry)
	c.Auth.AdminUser = getEnv("ADMIN_USER", c.Auth.AdminUser)
	c.Auth.AdminPasswordHash = getEnv("ADMIN_PASSWORD_HASH", c.Auth.AdminPasswordHash)

	c.Notify.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notify.TelegramToken)
	c.Notify.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notify.TelegramChatID)
	c.Notify.AuditDB = getEnv("AUDIT_DB", c.Notify.AuditDB)

	c.Archive.Enabled = getBoolEnv("ARCHIVE_ENABLED", c.Archive.Enabled)
	c.Archive.Endpoint = getEnv("ARCHIVE_ENDPOINT", c.Archive.Endpoint)
	c.Archive.Bucket = getEnv("ARCHIVE_BUCKET", c.Archive.Bucket)
	c.Archive.AccessKeyID = getEnv("ARCHIVE_ACCESS_KEY_ID", c.Archive.AccessKeyID)
	c.Archive.SecretAccessKey = getEnv("ARCHIVE_SECRET_ACCESS_KEY", c.Archive.SecretAccessKey)
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server port %q is not a number", c.Server.Port))
	}
	if c.Command.Timeout <= 0 {
		errs = append(errs, errors.New("command timeout must be positive"))
	}
	switch c.CA.Backend {
	case CABackendOpenSSL, CABackendNative:
	default:
		errs = append(errs, fmt.Errorf("unknown CA backend %q", c.CA.Backend))
	}
	if c.CA.KeyBits < 2048 {
		errs = append(errs, fmt.Errorf("CA key size %d is below 2048 bits", c.CA.KeyBits))
	}
	if c.CA.ValidityDays <= 0 {
		errs = append(errs, errors.New("certificate validity must be positive"))
	}
	if c.Auth.Enabled {
		if len(c.Auth.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT secret must be at least 32 characters when auth is enabled"))
		}
		if c.Auth.AdminPasswordHash == "" {
			errs = append(errs, errors.New("admin password hash is required when auth is enabled"))
		}
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, errors.New("telegram token and chat id must be set together"))
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, errors.New("archive bucket is required when the archive is enabled"))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts a Go duration ("45s") or a number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
