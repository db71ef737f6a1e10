package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "GRAVITY"
	defaultHTTPAddress          = "127.0.0.1:8737"
	defaultDatabasePath         = "gravity-sync.db"
	defaultLogLevel             = "info"
	defaultRemoteBaseURL        = "http://localhost:8080"
	defaultRemoteTimeout        = 15 * time.Second
	defaultSyncInterval         = 30 * time.Second
	defaultBackoffBase          = 2 * time.Second
	defaultBackoffMax           = 5 * time.Minute
	defaultMergeStrategy        = MergeStrategyServer
	defaultProbeInterval        = 20 * time.Second
	defaultRemoteRetryAttempts  = 2
	minimumConnectivityInterval = time.Second
)

// Merge strategies accepted by sync.merge_strategy.
const (
	MergeStrategyServer = "server"
	MergeStrategyLWW    = "lww"
)

// AppConfig captures runtime configuration for the sync client.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	RemoteBaseURL       string
	RemoteToken         string
	RemoteTimeout       time.Duration
	RemoteRetryAttempts int
	AuthSigningSecret   string
	SyncInterval        time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MergeStrategy       string
	ProbeInterval       time.Duration
	MetricsEnabled      bool
	AllowedOrigins      []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.retry_attempts", defaultRemoteRetryAttempts)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.backoff_base", defaultBackoffBase)
	configViper.SetDefault("sync.backoff_max", defaultBackoffMax)
	configViper.SetDefault("sync.merge_strategy", defaultMergeStrategy)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		RemoteBaseURL:       strings.TrimSpace(configViper.GetString("remote.base_url")),
		RemoteToken:         strings.TrimSpace(configViper.GetString("remote.token")),
		RemoteTimeout:       configViper.GetDuration("remote.timeout"),
		RemoteRetryAttempts: configViper.GetInt("remote.retry_attempts"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		SyncInterval:        configViper.GetDuration("sync.interval"),
		BackoffBase:         configViper.GetDuration("sync.backoff_base"),
		BackoffMax:          configViper.GetDuration("sync.backoff_max"),
		MergeStrategy:       strings.ToLower(strings.TrimSpace(configViper.GetString("sync.merge_strategy"))),
		ProbeInterval:       configViper.GetDuration("connectivity.probe_interval"),
		MetricsEnabled:      configViper.GetBool("metrics.enabled"),
		AllowedOrigins:      splitOrigins(configViper.GetStringSlice("http.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.RemoteToken == "" {
		return fmt.Errorf("remote.token is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.RemoteRetryAttempts < 0 {
		return fmt.Errorf("remote.retry_attempts must not be negative")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("sync.backoff_base must be positive and not exceed sync.backoff_max")
	}
	switch c.MergeStrategy {
	case MergeStrategyServer, MergeStrategyLWW:
	default:
		return fmt.Errorf("sync.merge_strategy %q is not one of %s, %s", c.MergeStrategy, MergeStrategyServer, MergeStrategyLWW)
	}
	if c.ProbeInterval < minimumConnectivityInterval {
		return fmt.Errorf("connectivity.probe_interval must be at least %s", minimumConnectivityInterval)
	}
	return nil
}

// splitOrigins accepts both list values and a comma separated env string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
