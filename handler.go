package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/pprof/profile"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/analyzer"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/bugreport"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/engine"
)

// analyzeURIs runs an independent analysis per dump.
func (a *app) analyzeURIs(ctx context.Context, uris []string) ([]engine.Result, error) {
	if len(uris) == 0 {
		return nil, errors.New("no dump given")
	}
	inputs := make([]engine.Input, 0, len(uris))
	for _, uri := range uris {
		inputs = append(inputs, engine.Input{
			Source: uri,
			Open: func(ctx context.Context) (bugreport.SectionLookup, error) {
				return a.loadReport(ctx, uri)
			},
		})
	}
	return engine.RunAll(ctx, a.logger, a.cfg, inputs)
}

// renderResults renders the successful results. The failed ones are joined into the error, so
// both return values may be set.
func renderResults(results []engine.Result, format string) (string, error) {
	var sources []analyzer.SourceFindings
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		sources = append(sources, analyzer.SourceFindings{Source: r.Source, Findings: r.Findings})
	}

	var out string
	var err error
	switch len(sources) {
	case 0:
	case 1:
		out, err = analyzer.FormatFindings(sources[0].Source, sources[0].Findings, format)
	default:
		out, err = analyzer.FormatMany(sources, format)
	}
	if err != nil {
		return "", err
	}
	return out, errors.Join(errs...)
}

// loadEngine loads and analyzes a single dump.
func (a *app) loadEngine(ctx context.Context, uri string) (*engine.Engine, error) {
	report, err := a.loadReport(ctx, uri)
	if err != nil {
		return nil, err
	}
	actx := engine.NewContext(a.logger.Named("engine").With("source", uri), a.cfg)
	e, _, err := engine.Analyze(actx, report)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze %s: %w", uri, err)
	}
	return e, nil
}

// snapshotProfile converts one snapshot to a profile. Id 0 merges every snapshot.
func snapshotProfile(e *engine.Engine, id int) (*profile.Profile, error) {
	if id != 0 {
		snap := e.Snapshot(id)
		if snap == nil {
			return nil, fmt.Errorf("snapshot %d not found", id)
		}
		return analyzer.ToProfile(snap), nil
	}

	var profs []*profile.Profile
	for _, snap := range e.Snapshots() {
		profs = append(profs, analyzer.ToProfile(snap))
	}
	if len(profs) == 1 {
		return profs[0], nil
	}
	merged, err := profile.Merge(profs)
	if err != nil {
		return nil, fmt.Errorf("failed to merge snapshots: %w", err)
	}
	return merged, nil
}

func textResult(texts ...string) *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(texts))
	for _, t := range texts {
		content = append(content, mcp.TextContent{Type: "text", Text: t})
	}
	return &mcp.CallToolResult{Content: content}
}

func stringArg(args map[string]interface{}, name, def string) string {
	if v, ok := args[name].(string); ok && v != "" {
		return v
	}
	return def
}

func intArg(args map[string]interface{}, name string, def int) int {
	if v, ok := args[name].(float64); ok {
		return int(v)
	}
	return def
}

// handleAnalyzeThreadDump is the handler of "analyze_thread_dump".
func (a *app) handleAnalyzeThreadDump(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	dumpURI := stringArg(args, "dump_uri", "")
	if dumpURI == "" {
		return nil, fmt.Errorf("missing or invalid required argument: dump_uri (string)")
	}
	outputFormat := stringArg(args, "output_format", analyzer.FormatText)

	a.logger.Info("handling analyze_thread_dump", "uri", dumpURI, "format", outputFormat)

	results, err := a.analyzeURIs(ctx, []string{dumpURI})
	if err != nil {
		return nil, err
	}
	out, err := renderResults(results, outputFormat)
	if err != nil {
		a.logger.Error("analysis failed", "uri", dumpURI, "error", err)
		return nil, err
	}
	return textResult(out), nil
}

// handleAnalyzeThreadDumps is the handler of "analyze_thread_dumps". Dumps that fail are listed in
// a second text block so the report of the others stays parseable.
func (a *app) handleAnalyzeThreadDumps(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	var uris []string
	for _, u := range strings.Split(stringArg(args, "dump_uris", ""), ",") {
		if u = strings.TrimSpace(u); u != "" {
			uris = append(uris, u)
		}
	}
	if len(uris) == 0 {
		return nil, fmt.Errorf("missing or invalid required argument: dump_uris (comma separated string)")
	}
	outputFormat := stringArg(args, "output_format", analyzer.FormatText)

	a.logger.Info("handling analyze_thread_dumps", "count", len(uris), "format", outputFormat)

	results, err := a.analyzeURIs(ctx, uris)
	if err != nil {
		return nil, err
	}
	out, err := renderResults(results, outputFormat)
	if out == "" {
		return nil, err
	}
	if err != nil {
		a.logger.Warn("some dumps failed", "error", err)
		return textResult(out, "Failed dumps:\n"+err.Error()), nil
	}
	return textResult(out), nil
}

// handleThreadStateSummary is the handler of "thread_state_summary".
func (a *app) handleThreadStateSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	dumpURI := stringArg(args, "dump_uri", "")
	if dumpURI == "" {
		return nil, fmt.Errorf("missing or invalid required argument: dump_uri (string)")
	}
	outputFormat := stringArg(args, "output_format", analyzer.FormatText)
	snapshot := intArg(args, "snapshot", 0)
	topN := intArg(args, "top_n", a.cfg.Analyzer.TopN)
	if topN <= 0 {
		topN = a.cfg.Analyzer.TopN
	}

	a.logger.Info("handling thread_state_summary", "uri", dumpURI, "snapshot", snapshot, "top_n", topN)

	e, err := a.loadEngine(ctx, dumpURI)
	if err != nil {
		return nil, err
	}
	p, err := snapshotProfile(e, snapshot)
	if err != nil {
		return nil, err
	}
	out, err := analyzer.AnalyzeThreadProfile(p, topN, outputFormat)
	if err != nil {
		return nil, err
	}
	return textResult(out), nil
}

// handleCompareSnapshots is the handler of "compare_snapshots".
func (a *app) handleCompareSnapshots(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	dumpURI := stringArg(args, "dump_uri", "")
	if dumpURI == "" {
		return nil, fmt.Errorf("missing or invalid required argument: dump_uri (string)")
	}
	from := intArg(args, "from_snapshot", engine.IDLastANR)
	to := intArg(args, "to_snapshot", engine.IDNow)
	threshold, _ := args["threshold"].(float64)
	limit := intArg(args, "limit", a.cfg.Analyzer.TopN)
	outputFormat := stringArg(args, "output_format", analyzer.FormatText)

	a.logger.Info("handling compare_snapshots", "uri", dumpURI, "from", from, "to", to)

	e, err := a.loadEngine(ctx, dumpURI)
	if err != nil {
		return nil, err
	}
	oldProfile, err := snapshotProfile(e, from)
	if err != nil {
		return nil, err
	}
	newProfile, err := snapshotProfile(e, to)
	if err != nil {
		return nil, err
	}

	stats, err := analyzer.CompareThreadProfiles(oldProfile, newProfile, threshold, limit)
	if err != nil {
		return nil, err
	}
	switch outputFormat {
	case analyzer.FormatJSON:
		if stats == nil {
			stats = []analyzer.ThreadGrowth{}
		}
		jsonBytes, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal thread growth: %w", err)
		}
		return textResult(string(jsonBytes)), nil
	case analyzer.FormatText:
		if threshold <= 0 {
			threshold = 0.1
		}
		return textResult(analyzer.FormatThreadGrowth(stats, threshold)), nil
	default:
		return nil, fmt.Errorf("unsupported output format: '%s'", outputFormat)
	}
}

// handleGenerateFlamegraph is the handler of "generate_flamegraph". The svg format needs the go
// tool and Graphviz; the json format is computed in process.
func (a *app) handleGenerateFlamegraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments

	dumpURI := stringArg(args, "dump_uri", "")
	if dumpURI == "" {
		return nil, fmt.Errorf("missing or invalid required argument: dump_uri (string)")
	}
	outputFormat := stringArg(args, "output_format", "svg")
	outputSvgPath := stringArg(args, "output_svg_path", "")
	if outputFormat == "svg" && outputSvgPath == "" {
		return nil, fmt.Errorf("missing or invalid required argument: output_svg_path (string)")
	}
	snapshot := intArg(args, "snapshot", 0)

	a.logger.Info("handling generate_flamegraph", "uri", dumpURI, "format", outputFormat, "snapshot", snapshot)

	e, err := a.loadEngine(ctx, dumpURI)
	if err != nil {
		return nil, err
	}
	p, err := snapshotProfile(e, snapshot)
	if err != nil {
		return nil, err
	}

	switch outputFormat {
	case "json":
		root, err := analyzer.BuildFlameGraphTree(p, 0, analyzer.LabelProcess)
		if err != nil {
			return nil, err
		}
		jsonBytes, err := json.Marshal(root)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal flame graph: %w", err)
		}
		return textResult(string(jsonBytes)), nil
	case "svg":
	default:
		return nil, fmt.Errorf("unsupported flame graph format: '%s'", outputFormat)
	}

	if !filepath.IsAbs(outputSvgPath) {
		if cwd, err := os.Getwd(); err != nil {
			a.logger.Warn("cannot resolve working directory", "error", err)
		} else {
			outputSvgPath = filepath.Join(cwd, outputSvgPath)
		}
	}

	if _, err := exec.LookPath("dot"); err != nil {
		errMsg := "Graphviz (dot) was not found in PATH. It is required to render SVG flame graphs.\n" +
			"Install it first, for example:\n" +
			"- macOS (Homebrew): brew install graphviz\n" +
			"- Debian/Ubuntu: sudo apt-get update && sudo apt-get install graphviz\n" +
			"- CentOS/Fedora: sudo yum install graphviz or sudo dnf install graphviz\n" +
			"- Windows (Chocolatey): choco install graphviz"
		a.logger.Error("graphviz not found")
		return nil, errors.New(errMsg)
	}

	profilePath, cleanup, err := writeTempProfile(p)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cmdArgs := []string{"tool", "pprof", "-svg", "-output", outputSvgPath, profilePath}
	a.logger.Debug("executing command", "cmd", "go "+strings.Join(cmdArgs, " "))

	cmdOutput, err := exec.CommandContext(ctx, "go", cmdArgs...).CombinedOutput()
	if err != nil {
		a.logger.Error("go tool pprof failed", "error", err, "output", string(cmdOutput))
		return nil, fmt.Errorf("failed to generate flamegraph: %w. Output: %s", err, string(cmdOutput))
	}
	a.logger.Info("generated flame graph", "path", outputSvgPath)

	resultText := fmt.Sprintf("Flame graph written to: %s", outputSvgPath)
	svgBytes, err := os.ReadFile(outputSvgPath)
	if err != nil {
		a.logger.Warn("generated SVG could not be read back", "path", outputSvgPath, "error", err)
		return textResult(resultText), nil
	}
	return textResult(resultText, string(svgBytes)), nil
}

// writeTempProfile writes p to a temporary file that cleanup removes.
func writeTempProfile(p *profile.Profile) (string, func(), error) {
	f, err := os.CreateTemp("", "vmtrace-*.pb.gz")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temporary profile: %w", err)
	}
	path := f.Name()
	cleanup := func() { os.Remove(path) }

	if err := p.Write(f); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to write temporary profile: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}
