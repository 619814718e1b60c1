package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application settings loaded from file and environment
// variables. Struct tags are used by the Viper mapstructure decoder.
type Config struct {
	Target Target `mapstructure:"target"`
	Auth   Auth   `mapstructure:"auth"`
	SSH    SSH    `mapstructure:"ssh"`
	Policy Policy `mapstructure:"policy"`
	Audit  Audit  `mapstructure:"audit"`
}

// Target identifies the remote host commands run on.
type Target struct {
	Host     string `mapstructure:"host"`
	Username string `mapstructure:"username"`
	Port     int    `mapstructure:"port"`
}

// Auth holds the credential for the target. Exactly one of Password and
// KeyPath must be set; ElevationPassword is optional.
type Auth struct {
	Password          string `mapstructure:"password"`
	KeyPath           string `mapstructure:"key_path"`
	ElevationPassword string `mapstructure:"elevation_password"`
}

// SSH controls connection behaviour: host-key store, timeouts, retry budget.
type SSH struct {
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// Policy extends the built-in rule data. ExtraDeny fragments are appended to
// the deny list; PipelineFilters, when set, replaces the safe-pipeline filter
// allowlist — extensions are logged at startup so they get reviewed.
type Policy struct {
	ExtraDeny       []string `mapstructure:"extra_deny"`
	PipelineFilters []string `mapstructure:"pipeline_filters"`
}

// Audit selects execution-audit sinks. Empty values disable a sink.
type Audit struct {
	JSONLPath    string `mapstructure:"jsonl_path"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`
	MaxObservers int    `mapstructure:"max_observers"`
}

// Load reads configuration from a file and allows environment variables to
// override any value.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("target.host", "RETROGATE_HOST")
	v.BindEnv("target.username", "RETROGATE_USER")
	v.BindEnv("target.port", "RETROGATE_PORT")
	v.BindEnv("auth.password", "RETROGATE_PASSWORD")
	v.BindEnv("auth.key_path", "RETROGATE_KEY")
	v.BindEnv("auth.elevation_password", "RETROGATE_ELEVATION_PASSWORD")
	v.BindEnv("ssh.known_hosts_path", "RETROGATE_KNOWN_HOSTS")
	v.BindEnv("audit.jsonl_path", "RETROGATE_AUDIT_LOG")
	v.BindEnv("audit.postgres_dsn", "RETROGATE_AUDIT_DSN")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// isNotFound returns true when err indicates the config file does not exist.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// setDefaults defines baseline values for all configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("target.port", 22)
	v.SetDefault("ssh.known_hosts_path", "known_hosts")
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.command_timeout", "30s")
	v.SetDefault("ssh.max_retries", 3)
	v.SetDefault("audit.max_observers", 10)
	v.SetDefault("policy.extra_deny", []string{})
}
