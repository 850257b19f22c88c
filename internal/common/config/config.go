// Package config loads client settings from codey.yaml, CODEY_* environment
// variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tcdent/codey/internal/common/constants"
	"github.com/tcdent/codey/internal/common/logger"
)

type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Session    SessionConfig        `mapstructure:"session"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
	Transcript TranscriptConfig     `mapstructure:"transcript"`
	NATS       NATSConfig           `mapstructure:"nats"`
}

// ServerConfig locates codey-server. Durations accept Go syntax ("30s").
type ServerConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
}

type SessionConfig struct {
	AutoApprove bool `mapstructure:"autoApprove"`
	// PingInterval of zero turns keep-alive off.
	PingInterval time.Duration `mapstructure:"pingInterval"`
}

// TranscriptConfig points at the SQLite file turns are recorded to.
type TranscriptConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// NATSConfig enables mirroring turn events to NATS when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// HomeDir is $CODEY_HOME, or ~/.codey.
func HomeDir() string {
	if dir := os.Getenv("CODEY_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".codey")
	}
	return ".codey"
}

func defaults() map[string]any {
	return map[string]any{
		"server.url":              constants.DefaultServerURL,
		"server.handshakeTimeout": constants.HandshakeTimeout,
		"session.autoApprove":     false,
		"session.pingInterval":    time.Duration(0),
		"logging.level":           "info",
		"logging.format":          logger.DetectFormat(),
		"logging.outputPath":      "stderr",
		"transcript.enabled":      false,
		"transcript.path":         filepath.Join(HomeDir(), "transcript.db"),
		"nats.url":                "",
		"nats.clientId":           "codey-client",
		"nats.maxReconnects":      10,
		"nats.subjectPrefix":      "codey",
	}
}

// envAliases lists variables beyond the CODEY_<SECTION>_<KEY> form that
// AutomaticEnv derives, which cannot express camelCase keys.
var envAliases = map[string][]string{
	"server.handshakeTimeout": {"CODEY_SERVER_HANDSHAKE_TIMEOUT"},
	"session.autoApprove":     {"CODEY_AUTO_APPROVE", "CODEY_SESSION_AUTO_APPROVE"},
	"session.pingInterval":    {"CODEY_SESSION_PING_INTERVAL"},
	"logging.outputPath":      {"CODEY_LOGGING_OUTPUT_PATH"},
	"nats.clientId":           {"CODEY_NATS_CLIENT_ID"},
	"nats.maxReconnects":      {"CODEY_NATS_MAX_RECONNECTS"},
	"nats.subjectPrefix":      {"CODEY_NATS_SUBJECT_PREFIX"},
}

// New returns a viper instance with defaults and environment bindings. Bind
// flags onto it before calling Unmarshal.
func New() *viper.Viper {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("CODEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

// Load reads configuration without flags.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath also searches dir for codey.yaml.
func LoadWithPath(dir string) (*Config, error) {
	return Unmarshal(New(), dir)
}

// Unmarshal merges an optional codey.yaml (from dir, the working directory
// or HomeDir) into v, decodes it and validates the result.
func Unmarshal(v *viper.Viper, dir string) (*Config, error) {
	v.SetConfigName("codey")
	v.SetConfigType("yaml")
	for _, p := range []string{dir, ".", HomeDir()} {
		if p != "" {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	u, err := url.Parse(c.Server.URL)
	check(err == nil && (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != "",
		"server.url must be a ws:// or wss:// URL")
	check(c.Server.HandshakeTimeout > 0, "server.handshakeTimeout must be positive")
	check(c.Session.PingInterval >= 0, "session.pingInterval must not be negative")

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		check(false, "logging.level must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "console":
	default:
		check(false, "logging.format must be one of: json, text")
	}

	check(!c.Transcript.Enabled || c.Transcript.Path != "",
		"transcript.path is required when transcript.enabled is set")
	check(c.NATS.URL == "" || c.NATS.SubjectPrefix != "",
		"nats.subjectPrefix is required when nats.url is set")
	check(c.NATS.MaxReconnects >= -1, "nats.maxReconnects must be -1 or more")

	return errors.Join(errs...)
}
