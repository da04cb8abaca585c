// Package config loads the YAML configuration of the analyzer. Every field is optional; missing
// values fall back to the defaults below.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	Logger     Logger     `yaml:"logger"`
	HTTPClient HTTPClient `yaml:"http_client"`
	Analyzer   Analyzer   `yaml:"analyzer"`
}

type Logger struct {
	Level           string `yaml:"level"`
	JSONFormat      bool   `yaml:"json_format"`
	IncludeLocation bool   `yaml:"include_location"`
}

type HTTPClient struct {
	Debug            bool          `yaml:"debug"`
	RetryCount       int           `yaml:"retry_count"`
	RetryWaitTime    time.Duration `yaml:"retry_wait_time"`
	RetryMaxWaitTime time.Duration `yaml:"retry_max_wait_time"`
	Timeout          time.Duration `yaml:"timeout"`
}

type Analyzer struct {
	// MainThread is the thread name checked for blocking calls.
	MainThread string `yaml:"main_thread"`
	// ForbiddenPrefixes extend the built-in list of methods not allowed on the main thread.
	ForbiddenPrefixes []string `yaml:"forbidden_prefixes"`
	// TopN limits the stacks listed by the thread state summary.
	TopN int `yaml:"top_n"`
	// MaxParallel bounds how many dumps are analyzed at once.
	MaxParallel int `yaml:"max_parallel"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logger: Logger{Level: "INFO"},
		HTTPClient: HTTPClient{
			RetryCount:       3,
			RetryWaitTime:    1 * time.Second,
			RetryMaxWaitTime: 2 * time.Second,
			Timeout:          30 * time.Second,
		},
		Analyzer: Analyzer{
			MainThread:  "main",
			TopN:        10,
			MaxParallel: 4,
		},
	}
}

func ValidateConfigPath(path string) error {
	s, err := os.Stat(path)
	if err != nil {
		return err
	}
	if s.IsDir() {
		return fmt.Errorf("'%s' is a directory, not a file", path)
	}
	return nil
}

func LoadYAML(configPath string, data interface{}) error {
	if err := ValidateConfigPath(configPath); err != nil {
		return err
	}

	file, err := os.Open(configPath)
	if err != nil {
		return err
	}
	defer file.Close()

	d := yaml.NewDecoder(file)
	if err := d.Decode(data); err != nil {
		return err
	}

	return nil
}

// NewConfig reads configPath, fills unset fields with defaults and validates the result. An
// empty path yields the defaults.
func NewConfig(configPath string) (*Config, error) {
	cfg := &Config{}
	if configPath != "" {
		if err := LoadYAML(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config %q: %w", configPath, err)
		}
	}
	applyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	cfg.Logger.Level = SetThen(cfg.Logger.Level, def.Logger.Level)
	cfg.HTTPClient.RetryCount = SetThen(cfg.HTTPClient.RetryCount, def.HTTPClient.RetryCount)
	cfg.HTTPClient.RetryWaitTime = SetThen(cfg.HTTPClient.RetryWaitTime, def.HTTPClient.RetryWaitTime)
	cfg.HTTPClient.RetryMaxWaitTime = SetThen(cfg.HTTPClient.RetryMaxWaitTime, def.HTTPClient.RetryMaxWaitTime)
	cfg.HTTPClient.Timeout = SetThen(cfg.HTTPClient.Timeout, def.HTTPClient.Timeout)
	cfg.Analyzer.MainThread = SetThen(cfg.Analyzer.MainThread, def.Analyzer.MainThread)
	cfg.Analyzer.TopN = SetThen(cfg.Analyzer.TopN, def.Analyzer.TopN)
	cfg.Analyzer.MaxParallel = SetThen(cfg.Analyzer.MaxParallel, def.Analyzer.MaxParallel)
}

// SetThen returns value unless it is the zero value, in which case defaultValue is returned.
func SetThen[T any](value T, defaultValue T) T {
	if reflect.ValueOf(value).IsZero() {
		return defaultValue
	}
	return value
}
