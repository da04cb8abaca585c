package logger

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/config"
)

// LevelEnv overrides the configured log level.
const LevelEnv = "VMTRACE_LOG_LEVEL"

// NewLogger creates the root logger. Output goes to stderr since stdout carries the MCP stream.
func NewLogger(cfg *config.Config, name string) hclog.Logger {
	return newLogger(cfg, name, os.Stderr)
}

func newLogger(cfg *config.Config, name string, out io.Writer) hclog.Logger {
	if cfg == nil {
		cfg = config.Default()
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            name,
		Level:           determineLogLevel(cfg),
		Output:          out,
		JSONFormat:      cfg.Logger.JSONFormat,
		IncludeLocation: cfg.Logger.IncludeLocation,
	})
}

// determineLogLevel returns the level from the environment if set, otherwise from the configuration.
func determineLogLevel(cfg *config.Config) hclog.Level {
	if logLevelEnv := os.Getenv(LevelEnv); logLevelEnv != "" {
		return parseLogLevel(logLevelEnv)
	}
	return parseLogLevel(cfg.Logger.Level)
}

func parseLogLevel(levelStr string) hclog.Level {
	switch strings.ToUpper(levelStr) {
	case "TRACE":
		return hclog.Trace
	case "DEBUG":
		return hclog.Debug
	case "INFO":
		return hclog.Info
	case "WARN":
		return hclog.Warn
	case "ERROR":
		return hclog.Error
	default:
		return hclog.Info
	}
}
