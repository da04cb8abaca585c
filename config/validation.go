package config

import (
	"fmt"
	"strings"
	"time"
)

var logLevels = []string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// FieldError reports one invalid configuration value.
type FieldError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s=%v: %s", e.Field, e.Value, e.Reason)
}

// ValidateConfig checks if the configuration has valid values.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("YAML config: configuration object is nil")
	}
	if err := ValidateLoggerConfig(&cfg.Logger); err != nil {
		return fmt.Errorf("YAML config: logger directive is invalid: %w", err)
	}
	if err := ValidateHTTPConfig(&cfg.HTTPClient); err != nil {
		return fmt.Errorf("YAML config: http_client directive is invalid: %w", err)
	}
	if err := ValidateAnalyzerConfig(&cfg.Analyzer); err != nil {
		return fmt.Errorf("YAML config: analyzer directive is invalid: %w", err)
	}
	return nil
}

func ValidateLoggerConfig(cfg *Logger) error {
	level := strings.ToUpper(cfg.Level)
	for _, l := range logLevels {
		if level == l {
			return nil
		}
	}
	return &FieldError{Field: "level", Value: cfg.Level, Reason: "must be one of " + strings.Join(logLevels, ", ")}
}

// ValidateHTTPConfig checks if the HTTP configurations have valid values.
func ValidateHTTPConfig(cfg *HTTPClient) error {
	if cfg.RetryCount < 0 || cfg.RetryCount > 20 {
		return &FieldError{Field: "retry_count", Value: cfg.RetryCount, Reason: "must be between 0 and 20"}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"retry_wait_time", cfg.RetryWaitTime},
		{"retry_max_wait_time", cfg.RetryMaxWaitTime},
		{"timeout", cfg.Timeout},
	}
	for _, d := range durations {
		if err := validateDuration(d.value, d.name, 10*time.Minute); err != nil {
			return err
		}
	}
	if cfg.RetryMaxWaitTime < cfg.RetryWaitTime {
		return &FieldError{Field: "retry_max_wait_time", Value: cfg.RetryMaxWaitTime, Reason: "must not be shorter than retry_wait_time"}
	}
	return nil
}

func ValidateAnalyzerConfig(cfg *Analyzer) error {
	if strings.TrimSpace(cfg.MainThread) == "" {
		return &FieldError{Field: "main_thread", Value: cfg.MainThread, Reason: "must not be blank"}
	}
	if cfg.TopN < 1 {
		return &FieldError{Field: "top_n", Value: cfg.TopN, Reason: "must be positive"}
	}
	if cfg.MaxParallel < 1 || cfg.MaxParallel > 64 {
		return &FieldError{Field: "max_parallel", Value: cfg.MaxParallel, Reason: "must be between 1 and 64"}
	}
	for _, p := range cfg.ForbiddenPrefixes {
		if strings.TrimSpace(p) == "" {
			return &FieldError{Field: "forbidden_prefixes", Value: p, Reason: "entries must not be blank"}
		}
	}
	return nil
}

func validateDuration(d time.Duration, name string, max time.Duration) error {
	if d <= 0 || d > max {
		return &FieldError{Field: name, Value: d, Reason: fmt.Sprintf("must be between 0 and %s", max)}
	}
	return nil
}
