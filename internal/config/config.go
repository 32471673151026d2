// Package config loads server settings from a YAML file, ARENA_* environment
// variables and an optional .env file, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// ARENA_DEBATE_TURN_DURATION_MS for debate.turn_duration_ms.
const EnvPrefix = "ARENA"

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Debate    DebateConfig    `mapstructure:"debate"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// AllowedOrigins restricts WebSocket and CORS origins. Empty allows any.
	AllowedOrigins         []string `mapstructure:"allowed_origins"`
	ShutdownTimeoutSeconds int      `mapstructure:"shutdown_timeout_seconds"`
}

// DebateConfig holds the room timing and boundary policy.
type DebateConfig struct {
	TurnDurationMs    int  `mapstructure:"turn_duration_ms"`
	DebateDurationMs  int  `mapstructure:"debate_duration_ms"`
	FinalizeGraceMs   int  `mapstructure:"finalize_grace_ms"`
	DisconnectGraceMs int  `mapstructure:"disconnect_grace_ms"` // 0 disables forfeits
	EnforceTurns      bool `mapstructure:"enforce_turns"`
	MaxMessageLength  int  `mapstructure:"max_message_length"`
	MaxTopicLength    int  `mapstructure:"max_topic_length"`
}

// AnalysisConfig points at the external AI services.
type AnalysisConfig struct {
	AnalysisURL           string `mapstructure:"analysis_url"`
	ScoringURL            string `mapstructure:"scoring_url"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	ScoringTimeoutSeconds int    `mapstructure:"scoring_timeout_seconds"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ArchiveConfig controls the SQLite debate archive and its pruning.
type ArchiveConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	Path                 string `mapstructure:"path"`
	RetentionDays        int    `mapstructure:"retention_days"`
	MaxDebates           int    `mapstructure:"max_debates"`
	PruneIntervalMinutes int    `mapstructure:"prune_interval_minutes"`
}

// KafkaConfig controls publishing of finalized debates.
type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	ClientID      string   `mapstructure:"client_id"`
	SASLMechanism string   `mapstructure:"sasl_mechanism"`
	SASLUsername  string   `mapstructure:"sasl_username"`
	SASLPassword  string   `mapstructure:"sasl_password"`
	TLS           bool     `mapstructure:"tls"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// File is an optional log file path; logs go to stderr when empty.
	File string `mapstructure:"file"`
}

func (d DebateConfig) TurnDuration() time.Duration {
	return time.Duration(d.TurnDurationMs) * time.Millisecond
}

func (d DebateConfig) DebateDuration() time.Duration {
	return time.Duration(d.DebateDurationMs) * time.Millisecond
}

func (d DebateConfig) FinalizeGrace() time.Duration {
	return time.Duration(d.FinalizeGraceMs) * time.Millisecond
}

func (d DebateConfig) DisconnectGrace() time.Duration {
	return time.Duration(d.DisconnectGraceMs) * time.Millisecond
}

func (a AnalysisConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (a AnalysisConfig) ScoringTimeout() time.Duration {
	return time.Duration(a.ScoringTimeoutSeconds) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

func (a ArchiveConfig) MaxAge() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

func (a ArchiveConfig) PruneInterval() time.Duration {
	return time.Duration(a.PruneIntervalMinutes) * time.Minute
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   3000,
			ShutdownTimeoutSeconds: 30,
		},
		Debate: DebateConfig{
			TurnDurationMs:   30000,
			DebateDurationMs: 300000,
			FinalizeGraceMs:  10000,
			EnforceTurns:     true,
			MaxMessageLength: 2000,
			MaxTopicLength:   200,
		},
		Analysis: AnalysisConfig{
			AnalysisURL:           "http://127.0.0.1:5000",
			ScoringURL:            "http://localhost:5000",
			TimeoutSeconds:        30,
			ScoringTimeoutSeconds: 60,
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 5,
			Burst:             10,
		},
		Archive: ArchiveConfig{
			Enabled:              true,
			Path:                 "data/arena.db",
			RetentionDays:        30,
			MaxDebates:           10000,
			PruneIntervalMinutes: 60,
		},
		Kafka: KafkaConfig{
			Topic:    "debate-results",
			ClientID: "arena",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers every default with viper so env overrides work
// for keys absent from the config file.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	viper.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)

	viper.SetDefault("debate.turn_duration_ms", defaults.Debate.TurnDurationMs)
	viper.SetDefault("debate.debate_duration_ms", defaults.Debate.DebateDurationMs)
	viper.SetDefault("debate.finalize_grace_ms", defaults.Debate.FinalizeGraceMs)
	viper.SetDefault("debate.disconnect_grace_ms", defaults.Debate.DisconnectGraceMs)
	viper.SetDefault("debate.enforce_turns", defaults.Debate.EnforceTurns)
	viper.SetDefault("debate.max_message_length", defaults.Debate.MaxMessageLength)
	viper.SetDefault("debate.max_topic_length", defaults.Debate.MaxTopicLength)

	viper.SetDefault("analysis.analysis_url", defaults.Analysis.AnalysisURL)
	viper.SetDefault("analysis.scoring_url", defaults.Analysis.ScoringURL)
	viper.SetDefault("analysis.timeout_seconds", defaults.Analysis.TimeoutSeconds)
	viper.SetDefault("analysis.scoring_timeout_seconds", defaults.Analysis.ScoringTimeoutSeconds)

	viper.SetDefault("rate_limit.messages_per_second", defaults.RateLimit.MessagesPerSecond)
	viper.SetDefault("rate_limit.burst", defaults.RateLimit.Burst)

	viper.SetDefault("archive.enabled", defaults.Archive.Enabled)
	viper.SetDefault("archive.path", defaults.Archive.Path)
	viper.SetDefault("archive.retention_days", defaults.Archive.RetentionDays)
	viper.SetDefault("archive.max_debates", defaults.Archive.MaxDebates)
	viper.SetDefault("archive.prune_interval_minutes", defaults.Archive.PruneIntervalMinutes)

	viper.SetDefault("kafka.enabled", defaults.Kafka.Enabled)
	viper.SetDefault("kafka.brokers", defaults.Kafka.Brokers)
	viper.SetDefault("kafka.topic", defaults.Kafka.Topic)
	viper.SetDefault("kafka.client_id", defaults.Kafka.ClientID)
	viper.SetDefault("kafka.sasl_mechanism", defaults.Kafka.SASLMechanism)
	viper.SetDefault("kafka.sasl_username", defaults.Kafka.SASLUsername)
	viper.SetDefault("kafka.sasl_password", defaults.Kafka.SASLPassword)
	viper.SetDefault("kafka.tls", defaults.Kafka.TLS)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
}

// Init wires viper up: .env file, defaults, config file and env overrides.
// A missing config file is not an error; cfgFile "" searches ./arena.yaml
// and /etc/arena/arena.yaml.
func Init(cfgFile string) error {
	if err := LoadDotEnv(".env"); err != nil {
		return err
	}

	SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("arena")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/arena")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return err
		}
	}
	return nil
}

// LoadDotEnv exports variables from the given .env files. Missing files are
// skipped; variables already set in the environment are kept.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Watch reloads the config file on change and passes each valid result to
// onChange. Invalid edits are reported to onError and otherwise ignored.
func Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}
