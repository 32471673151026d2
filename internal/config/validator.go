package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/manpreetbhatti/arena/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidSASLMechanisms lists the Kafka SASL mechanisms the publisher supports.
func ValidSASLMechanisms() []string {
	return []string{"", "SCRAM-SHA-256", "SCRAM-SHA-512"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateDebate()...)
	errs = append(errs, c.validateAnalysis()...)
	errs = append(errs, c.validateRateLimit()...)
	errs = append(errs, c.validateArchive()...)
	errs = append(errs, c.validateKafka()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func positive(field string, v int) []ValidationError {
	if v <= 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
	}
	return nil
}

func nonNegative(field string, v int) []ValidationError {
	if v < 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must not be negative"}}
	}
	return nil
}

func (c *Config) validateServer() []ValidationError {
	var errs []ValidationError
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Value: c.Server.Port, Message: "must be between 1 and 65535"})
	}
	errs = append(errs, positive("server.shutdown_timeout_seconds", c.Server.ShutdownTimeoutSeconds)...)
	return errs
}

func (c *Config) validateDebate() []ValidationError {
	d := c.Debate
	var errs []ValidationError
	errs = append(errs, positive("debate.turn_duration_ms", d.TurnDurationMs)...)
	errs = append(errs, positive("debate.debate_duration_ms", d.DebateDurationMs)...)
	errs = append(errs, positive("debate.finalize_grace_ms", d.FinalizeGraceMs)...)
	errs = append(errs, nonNegative("debate.disconnect_grace_ms", d.DisconnectGraceMs)...)
	errs = append(errs, nonNegative("debate.max_message_length", d.MaxMessageLength)...)
	errs = append(errs, nonNegative("debate.max_topic_length", d.MaxTopicLength)...)

	if d.TurnDurationMs > 0 && d.DebateDurationMs > 0 && d.TurnDurationMs > d.DebateDurationMs {
		errs = append(errs, ValidationError{
			Field:   "debate.turn_duration_ms",
			Value:   d.TurnDurationMs,
			Message: "must not exceed debate.debate_duration_ms",
		})
	}
	return errs
}

func validURL(field, raw string) []ValidationError {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []ValidationError{{Field: field, Value: raw, Message: "must be an absolute http(s) URL"}}
	}
	return nil
}

func (c *Config) validateAnalysis() []ValidationError {
	var errs []ValidationError
	errs = append(errs, validURL("analysis.analysis_url", c.Analysis.AnalysisURL)...)
	errs = append(errs, validURL("analysis.scoring_url", c.Analysis.ScoringURL)...)
	errs = append(errs, positive("analysis.timeout_seconds", c.Analysis.TimeoutSeconds)...)
	errs = append(errs, positive("analysis.scoring_timeout_seconds", c.Analysis.ScoringTimeoutSeconds)...)
	return errs
}

func (c *Config) validateRateLimit() []ValidationError {
	var errs []ValidationError
	if c.RateLimit.MessagesPerSecond <= 0 {
		errs = append(errs, ValidationError{Field: "rate_limit.messages_per_second", Value: c.RateLimit.MessagesPerSecond, Message: "must be positive"})
	}
	errs = append(errs, positive("rate_limit.burst", c.RateLimit.Burst)...)
	return errs
}

func (c *Config) validateArchive() []ValidationError {
	if !c.Archive.Enabled {
		return nil
	}
	var errs []ValidationError
	if c.Archive.Path == "" {
		errs = append(errs, ValidationError{Field: "archive.path", Value: c.Archive.Path, Message: "required when the archive is enabled"})
	}
	errs = append(errs, nonNegative("archive.retention_days", c.Archive.RetentionDays)...)
	errs = append(errs, nonNegative("archive.max_debates", c.Archive.MaxDebates)...)
	errs = append(errs, positive("archive.prune_interval_minutes", c.Archive.PruneIntervalMinutes)...)
	return errs
}

func (c *Config) validateKafka() []ValidationError {
	if !c.Kafka.Enabled {
		return nil
	}
	var errs []ValidationError
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, ValidationError{Field: "kafka.brokers", Value: c.Kafka.Brokers, Message: "at least one broker is required"})
	}
	if c.Kafka.Topic == "" {
		errs = append(errs, ValidationError{Field: "kafka.topic", Value: c.Kafka.Topic, Message: "required"})
	}
	if !slices.Contains(ValidSASLMechanisms(), c.Kafka.SASLMechanism) {
		errs = append(errs, ValidationError{
			Field:   "kafka.sasl_mechanism",
			Value:   c.Kafka.SASLMechanism,
			Message: fmt.Sprintf("must be one of %v", ValidSASLMechanisms()[1:]),
		})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	if !slices.Contains(logging.ValidLevels(), c.Logging.Level) {
		return []ValidationError{{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of %v", logging.ValidLevels()),
		}}
	}
	return nil
}
