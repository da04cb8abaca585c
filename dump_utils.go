package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-hclog"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/bugreport"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/config"
)

// hclogAdapter forwards resty's log output to an hclog.Logger.
type hclogAdapter struct {
	logger hclog.Logger
}

func (a *hclogAdapter) Errorf(format string, v ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, v...))
}

func (a *hclogAdapter) Warnf(format string, v ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, v...))
}

func (a *hclogAdapter) Infof(format string, v ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, v...))
}

func (a *hclogAdapter) Debugf(format string, v ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, v...))
}

// newHTTPClient builds the client used to download remote dumps. Server errors are retried.
func newHTTPClient(cfg config.HTTPClient, logger hclog.Logger) *resty.Client {
	return resty.New().
		SetLogger(&hclogAdapter{logger: logger}).
		SetDebug(cfg.Debug).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		SetRetryMaxWaitTime(cfg.RetryMaxWaitTime).
		SetTimeout(cfg.Timeout).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() >= 500
		})
}

// getDumpAsFile resolves a dump location to a local file.
//   - input without "://" is a local path (relative or absolute)
//   - file:// URIs use their path
//   - http:// and https:// URIs are downloaded to a temporary file
//
// cleanup removes the temporary file, if one was created.
func (a *app) getDumpAsFile(ctx context.Context, uriStr string) (filePath string, cleanup func(), err error) {
	cleanup = func() {}
	log := a.logger.Named("fetch")

	if !strings.Contains(uriStr, "://") {
		absPath, err := filepath.Abs(uriStr)
		if err != nil {
			return "", nil, fmt.Errorf("failed to get absolute path for '%s': %w", uriStr, err)
		}
		log.Debug("using local path", "path", absPath)
		return absPath, cleanup, nil
	}

	parsedURI, err := url.Parse(uriStr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid dump URI '%s': %w", uriStr, err)
	}

	switch parsedURI.Scheme {
	case "file":
		filePath = parsedURI.Path
		if filePath == "" {
			return "", nil, fmt.Errorf("invalid file path derived from URI '%s'", uriStr)
		}
		log.Debug("using local dump file", "path", filePath)
		return filePath, cleanup, nil

	case "http", "https":
		tempFile, err := os.CreateTemp("", "vmtrace-*.txt")
		if err != nil {
			return "", nil, fmt.Errorf("failed to create temporary file for download: %w", err)
		}
		filePath = tempFile.Name()
		tempFile.Close()

		cleanup = func() {
			log.Debug("removing temporary file", "path", filePath)
			if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to remove temporary file", "path", filePath, "error", err)
			}
		}

		log.Info("downloading dump", "url", uriStr)
		resp, err := a.http.R().
			SetContext(ctx).
			SetOutput(filePath).
			Get(uriStr)
		if err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to download dump from '%s': %w", uriStr, err)
		}
		if resp.IsError() {
			cleanup()
			return "", nil, fmt.Errorf("failed to download dump from '%s': received status code %d", uriStr, resp.StatusCode())
		}

		log.Info("downloaded dump", "path", filePath, "bytes", resp.Size())
		return filePath, cleanup, nil

	default:
		return "", nil, fmt.Errorf("unsupported URI scheme '%s', only 'file://', 'http://', 'https://', or a plain local path are supported", parsedURI.Scheme)
	}
}

// loadReport fetches a dump and splits it into sections. A bare traces file becomes a report with
// a single section.
func (a *app) loadReport(ctx context.Context, uriStr string) (*bugreport.Report, error) {
	filePath, cleanup, err := a.getDumpAsFile(ctx, uriStr)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump file '%s': %w", filePath, err)
	}
	defer file.Close()

	report, err := bugreport.Load(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump file '%s': %w", filePath, err)
	}
	a.logger.Debug("loaded report", "uri", uriStr, "sections", len(report.Sections()))
	return report, nil
}
