package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/pprof/profile"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/analyzer"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/config"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/logger"
)

const (
	serverName    = "VMTraceAnalyzer"
	serverVersion = "0.1.0"
)

// app holds what the commands and tool handlers share.
type app struct {
	cfg      *config.Config
	logger   hclog.Logger
	http     *resty.Client
	sessions *pprofSessions
}

func newApp(cfg *config.Config, log hclog.Logger) *app {
	return &app{
		cfg:      cfg,
		logger:   log,
		http:     newHTTPClient(cfg.HTTPClient, log.Named("http")),
		sessions: newPprofSessions(log.Named("pprof")),
	}
}

// cli carries the global flags and the app built from them.
type cli struct {
	cfgFile string
	app     *app
}

func (c *cli) init(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewConfig(c.cfgFile)
	if err != nil {
		return err
	}
	c.app = newApp(cfg, logger.NewLogger(cfg, "vmtrace"))
	return nil
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:   "vmtrace-analyzer [command]",
		Short: "Finds deadlocks, busy threads and blocking main threads in VM thread dumps",
		Long: `Finds deadlocks, busy threads and blocking main threads in VM thread dumps.

Input is either a bare traces file or a full bug report. Without a command the MCP server is
started on stdio.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.init,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.serve()
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "Path to a YAML configuration file.")

	rootCmd.AddCommand(newServeCmd(c), newAnalyzeCmd(c), newExportCmd(c))
	return rootCmd
}

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.serve()
		},
	}
}

func newAnalyzeCmd(c *cli) *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "analyze [--format FORMAT] [--output PATH] URI...",
		Short: "Analyze one or more dumps and print the findings",
		Example: `  vmtrace-analyzer analyze /data/anr/traces.txt
  vmtrace-analyzer analyze --format sarif -o findings.sarif bugreport-1.txt bugreport-2.txt
  vmtrace-analyzer analyze https://example.com/dumps/traces.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			results, err := a.analyzeURIs(cmd.Context(), args)
			if err != nil {
				return err
			}
			out, renderErr := renderResults(results, format)
			if out != "" {
				if err := writeOutput(cmd, output, out); err != nil {
					return err
				}
			}
			if renderErr != nil {
				a.logger.Error("analyze command failed", "error", renderErr)
				return renderErr
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", analyzer.FormatText, "Output format: text, markdown, json or sarif.")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the report to this file instead of stdout.")
	return cmd
}

func newExportCmd(c *cli) *cobra.Command {
	var output string
	var snapshot int
	cmd := &cobra.Command{
		Use:   "export-pprof --output PATH [--snapshot ID] URI",
		Short: "Convert the thread stacks of a dump into a pprof profile",
		Long: `Convert the thread stacks of a dump into a gzipped pprof profile with one sample per thread.
Snapshot 0 merges every snapshot of the report (1 = just now, 2 = last ANR, 3 = legacy section,
256 and up = slow dumps).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return errors.New("--output is required")
			}
			a := c.app
			e, err := a.loadEngine(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			p, err := snapshotProfile(e, snapshot)
			if err != nil {
				return err
			}
			if err := writeProfile(p, output); err != nil {
				return err
			}
			a.logger.Info("wrote profile", "path", output, "samples", len(p.Sample))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Path of the profile to write.")
	cmd.Flags().IntVarP(&snapshot, "snapshot", "s", 0, "Snapshot id to export, 0 for all.")
	return cmd
}

func writeOutput(cmd *cobra.Command, path, out string) error {
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	if path == "" {
		_, err := fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("failed to write report to '%s': %w", path, err)
	}
	return nil
}

func writeProfile(p *profile.Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create profile file '%s': %w", path, err)
	}
	if err := p.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write profile to '%s': %w", path, err)
	}
	return f.Close()
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
