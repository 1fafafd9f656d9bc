package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/commitsync/internal/commitsync"
)

const (
	DefaultAddr            = ":8080"
	DefaultCredentialID    = "tasks"
	DefaultRateLimitRPS    = 20
	DefaultOutboundRPS     = 10
	DefaultMaxBodyBytes    = 1 << 20
	DefaultShutdownTimeout = 30 * time.Second
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Addr      string               `yaml:"addr"`
	LogLevel  string               `yaml:"logLevel"`
	Tasks     TasksConfig          `yaml:"tasks"`
	Issues    IssuesConfig         `yaml:"issues"`
	Webhooks  WebhookConfig        `yaml:"webhooks"`
	Admin     AdminConfig          `yaml:"admin"`
	Storage   StorageConfig        `yaml:"storage"`
	Renewal   RenewalConfig        `yaml:"renewal"`
	Dispatch  DispatchConfig       `yaml:"dispatch"`
	RateLimit RateLimitConfig      `yaml:"rateLimit"`
	Mappings  []commitsync.Mapping `yaml:"mappings"`

	// DisableContainerCreate stops the resolver from creating task lists
	// for repositories it has not seen.
	DisableContainerCreate bool          `yaml:"disableContainerCreate"`
	ShutdownTimeout        time.Duration `yaml:"shutdownTimeout"`
}

type TasksConfig struct {
	BaseURL      string   `yaml:"baseUrl"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	TenantID     string   `yaml:"tenantId"`
	Authority    string   `yaml:"authority"`
	Scopes       []string `yaml:"scopes"`
	AccessToken  string   `yaml:"accessToken"`
	RefreshToken string   `yaml:"refreshToken"`
	RequestsRPS  float64  `yaml:"requestsPerSecond"`
}

type IssuesConfig struct {
	BaseURL     string  `yaml:"baseUrl"`
	Host        string  `yaml:"host"`
	Token       string  `yaml:"token"`
	RequestsRPS float64 `yaml:"requestsPerSecond"`
}

type WebhookConfig struct {
	GitHubSecret string `yaml:"githubSecret"`
	ClientState  string `yaml:"clientState"`
	MaxBodyBytes int64  `yaml:"maxBodyBytes"`
}

type AdminConfig struct {
	JWTSecret       string   `yaml:"jwtSecret"`
	ActivityOrigins []string `yaml:"activityOrigins"`
}

type StorageConfig struct {
	LinkStoreDSN       string `yaml:"linkStoreDsn"`
	CredentialStoreDSN string `yaml:"credentialStoreDsn"`
	// CredentialKey is a 32-byte AES key, hex or base64 encoded.
	CredentialKey string `yaml:"credentialKey"`
	CredentialID  string `yaml:"credentialId"`
}

type RenewalConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Jitter      float64       `yaml:"jitter"`
	MaxLifetime time.Duration `yaml:"maxLifetime"`
	Leases      []string      `yaml:"leases"`
	LeaseFile   string        `yaml:"leaseFile"`
}

type DispatchConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns a Config with every optional field filled in.
func Default() Config {
	return Config{
		Addr:            DefaultAddr,
		LogLevel:        "info",
		ShutdownTimeout: DefaultShutdownTimeout,
		Tasks:           TasksConfig{RequestsRPS: DefaultOutboundRPS},
		Issues:          IssuesConfig{Host: commitsync.DefaultIssuesHost, RequestsRPS: DefaultOutboundRPS},
		Webhooks:        WebhookConfig{MaxBodyBytes: DefaultMaxBodyBytes},
		Storage:         StorageConfig{CredentialID: DefaultCredentialID},
		Renewal: RenewalConfig{
			Interval:    commitsync.DefaultRenewalInterval,
			Jitter:      commitsync.DefaultRenewalJitter,
			MaxLifetime: commitsync.MaxSubscriptionLifetime,
		},
		Dispatch: DispatchConfig{
			Concurrency: commitsync.DefaultDispatchConcurrency,
			Timeout:     commitsync.DefaultDispatchTimeout,
		},
		RateLimit: RateLimitConfig{RPS: DefaultRateLimitRPS},
	}
}

// Load reads the optional YAML file at path over the defaults and then
// applies COMMITSYNC_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = stringEnv("COMMITSYNC_ADDR", cfg.Addr)
	cfg.LogLevel = stringEnv("COMMITSYNC_LOG_LEVEL", cfg.LogLevel)
	cfg.ShutdownTimeout = durationEnv("COMMITSYNC_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.DisableContainerCreate = boolEnv("COMMITSYNC_DISABLE_CONTAINER_CREATE", cfg.DisableContainerCreate)

	cfg.Tasks.BaseURL = stringEnv("COMMITSYNC_GRAPH_BASE_URL", cfg.Tasks.BaseURL)
	cfg.Tasks.ClientID = stringEnv("COMMITSYNC_GRAPH_CLIENT_ID", cfg.Tasks.ClientID)
	cfg.Tasks.ClientSecret = stringEnv("COMMITSYNC_GRAPH_CLIENT_SECRET", cfg.Tasks.ClientSecret)
	cfg.Tasks.TenantID = stringEnv("COMMITSYNC_GRAPH_TENANT_ID", cfg.Tasks.TenantID)
	cfg.Tasks.Authority = stringEnv("COMMITSYNC_GRAPH_AUTHORITY", cfg.Tasks.Authority)
	cfg.Tasks.Scopes = listEnv("COMMITSYNC_GRAPH_SCOPES", cfg.Tasks.Scopes)
	cfg.Tasks.AccessToken = stringEnv("COMMITSYNC_GRAPH_ACCESS_TOKEN", cfg.Tasks.AccessToken)
	cfg.Tasks.RefreshToken = stringEnv("COMMITSYNC_GRAPH_REFRESH_TOKEN", cfg.Tasks.RefreshToken)
	cfg.Tasks.RequestsRPS = floatEnv("COMMITSYNC_GRAPH_RPS", cfg.Tasks.RequestsRPS)

	cfg.Issues.BaseURL = stringEnv("COMMITSYNC_GITHUB_BASE_URL", cfg.Issues.BaseURL)
	cfg.Issues.Host = stringEnv("COMMITSYNC_GITHUB_HOST", cfg.Issues.Host)
	cfg.Issues.Token = stringEnv("COMMITSYNC_GITHUB_TOKEN", cfg.Issues.Token)
	cfg.Issues.RequestsRPS = floatEnv("COMMITSYNC_GITHUB_RPS", cfg.Issues.RequestsRPS)

	cfg.Webhooks.GitHubSecret = stringEnv("COMMITSYNC_GITHUB_WEBHOOK_SECRET", cfg.Webhooks.GitHubSecret)
	cfg.Webhooks.ClientState = stringEnv("COMMITSYNC_GRAPH_CLIENT_STATE", cfg.Webhooks.ClientState)
	cfg.Webhooks.MaxBodyBytes = int64Env("COMMITSYNC_MAX_BODY_BYTES", cfg.Webhooks.MaxBodyBytes)

	cfg.Admin.JWTSecret = stringEnv("COMMITSYNC_JWT_SECRET", cfg.Admin.JWTSecret)
	cfg.Admin.ActivityOrigins = listEnv("COMMITSYNC_ACTIVITY_ORIGINS", cfg.Admin.ActivityOrigins)

	cfg.Storage.LinkStoreDSN = stringEnv("COMMITSYNC_LINK_STORE_DSN", cfg.Storage.LinkStoreDSN)
	cfg.Storage.CredentialStoreDSN = stringEnv("COMMITSYNC_CREDENTIAL_STORE_DSN", cfg.Storage.CredentialStoreDSN)
	cfg.Storage.CredentialKey = stringEnv("COMMITSYNC_CREDENTIAL_KEY", cfg.Storage.CredentialKey)
	cfg.Storage.CredentialID = stringEnv("COMMITSYNC_CREDENTIAL_ID", cfg.Storage.CredentialID)

	cfg.Renewal.Interval = durationEnv("COMMITSYNC_RENEWAL_INTERVAL", cfg.Renewal.Interval)
	cfg.Renewal.Jitter = floatEnv("COMMITSYNC_RENEWAL_JITTER", cfg.Renewal.Jitter)
	cfg.Renewal.MaxLifetime = durationEnv("COMMITSYNC_RENEWAL_MAX_LIFETIME", cfg.Renewal.MaxLifetime)
	cfg.Renewal.Leases = listEnv("COMMITSYNC_LEASES", cfg.Renewal.Leases)
	cfg.Renewal.LeaseFile = stringEnv("COMMITSYNC_LEASE_FILE", cfg.Renewal.LeaseFile)

	cfg.Dispatch.Concurrency = intEnv("COMMITSYNC_DISPATCH_CONCURRENCY", cfg.Dispatch.Concurrency)
	cfg.Dispatch.Timeout = durationEnv("COMMITSYNC_DISPATCH_TIMEOUT", cfg.Dispatch.Timeout)

	cfg.RateLimit.RPS = floatEnv("COMMITSYNC_RATE_LIMIT_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = intEnv("COMMITSYNC_RATE_LIMIT_BURST", cfg.RateLimit.Burst)
}

// Validate checks the settings the server cannot run without. All
// problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Webhooks.GitHubSecret) == "" {
		errs = append(errs, errors.New("webhooks.githubSecret is required"))
	}
	if strings.TrimSpace(c.Webhooks.ClientState) == "" {
		errs = append(errs, errors.New("webhooks.clientState is required"))
	}
	if strings.TrimSpace(c.Issues.Token) == "" {
		errs = append(errs, errors.New("issues.token is required"))
	}
	if err := c.ValidateTaskCredential(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ValidateRenewal(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.CredentialKeyBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Dispatch.Concurrency < 0 {
		errs = append(errs, errors.New("dispatch.concurrency must not be negative"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// ValidateTaskCredential requires either a refreshable grant or a static
// access token.
func (c Config) ValidateTaskCredential() error {
	hasRefresh := strings.TrimSpace(c.Tasks.ClientID) != "" && strings.TrimSpace(c.Tasks.RefreshToken) != ""
	if hasRefresh || strings.TrimSpace(c.Tasks.AccessToken) != "" || strings.TrimSpace(c.Storage.CredentialStoreDSN) != "" {
		return nil
	}
	return errors.New("tasks requires clientId with refreshToken, an accessToken, or a credential store")
}

func (c Config) ValidateRenewal() error {
	if c.Renewal.Jitter < 0 || c.Renewal.Jitter >= 1 {
		return fmt.Errorf("renewal.jitter must be in [0,1), got %v", c.Renewal.Jitter)
	}
	// A jittered tick can land up to interval*(1+jitter) after the last one.
	stretched := time.Duration(float64(c.Renewal.Interval) * (1 + c.Renewal.Jitter))
	if err := commitsync.ValidateRenewalSchedule(stretched, c.Renewal.MaxLifetime); err != nil {
		return fmt.Errorf("renewal: %w", err)
	}
	return nil
}

// CredentialKeyBytes decodes Storage.CredentialKey. An empty key means
// credentials are stored unencrypted.
func (c Config) CredentialKeyBytes() ([]byte, error) {
	raw := strings.TrimSpace(c.Storage.CredentialKey)
	if raw == "" {
		return nil, nil
	}
	if key, err := hex.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(raw); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, errors.New("storage.credentialKey must be 32 bytes, hex or base64 encoded")
}

func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func stringEnv(name, fallback string) string {
	if raw, ok := os.LookupEnv(name); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw)
	}
	return fallback
}

func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid number setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
