package main

import (
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/analyzer"
)

const dumpURIDescription = "URI of a thread dump or bug report ('file://', 'http://', 'https://' or a local path)."

func (a *app) newMCPServer() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
		server.WithRecovery(),
	)

	analyzeTool := mcp.NewTool("analyze_thread_dump",
		mcp.WithDescription("Analyze a VM thread dump or bug report: deadlocks across monitor waits and binder calls, blocking calls on the main thread and busy threads."),
		mcp.WithString("dump_uri",
			mcp.Description(dumpURIDescription),
			mcp.Required(),
		),
		mcp.WithString("output_format",
			mcp.Description("Output format of the findings."),
			mcp.DefaultString(analyzer.FormatText),
			mcp.Enum(analyzer.FormatText, analyzer.FormatMarkdown, analyzer.FormatJSON, analyzer.FormatSARIF),
		),
	)

	analyzeManyTool := mcp.NewTool("analyze_thread_dumps",
		mcp.WithDescription("Analyze several thread dumps or bug reports in parallel and return one combined report."),
		mcp.WithString("dump_uris",
			mcp.Description("Comma separated list of dump URIs ('file://', 'http://', 'https://' or local paths)."),
			mcp.Required(),
		),
		mcp.WithString("output_format",
			mcp.Description("Output format of the findings."),
			mcp.DefaultString(analyzer.FormatText),
			mcp.Enum(analyzer.FormatText, analyzer.FormatMarkdown, analyzer.FormatJSON, analyzer.FormatSARIF),
		),
	)

	summaryTool := mcp.NewTool("thread_state_summary",
		mcp.WithDescription("Summarize the threads of a dump: counts per state and the most common identical stacks."),
		mcp.WithString("dump_uri",
			mcp.Description(dumpURIDescription),
			mcp.Required(),
		),
		mcp.WithNumber("snapshot",
			mcp.Description("Snapshot id (1 = just now, 2 = last ANR, 3 = legacy, 256+ = slow dumps). 0 merges all."),
			mcp.DefaultNumber(0),
		),
		mcp.WithNumber("top_n",
			mcp.Description("Number of stacks to list."),
			mcp.DefaultNumber(float64(a.cfg.Analyzer.TopN)),
		),
		mcp.WithString("output_format",
			mcp.Description("Output format of the summary."),
			mcp.DefaultString(analyzer.FormatText),
			mcp.Enum(analyzer.FormatText, analyzer.FormatMarkdown, analyzer.FormatJSON),
		),
	)

	flamegraphTool := mcp.NewTool("generate_flamegraph",
		mcp.WithDescription("Build a flame graph of the thread stacks of a dump, grouped by process. 'svg' uses 'go tool pprof' and Graphviz, 'json' returns the tree."),
		mcp.WithString("dump_uri",
			mcp.Description(dumpURIDescription),
			mcp.Required(),
		),
		mcp.WithString("output_format",
			mcp.Description("Flame graph format."),
			mcp.DefaultString("svg"),
			mcp.Enum("svg", "json"),
		),
		mcp.WithString("output_svg_path",
			mcp.Description("Where to save the SVG (absolute or relative to the server's working directory). Required for svg."),
		),
		mcp.WithNumber("snapshot",
			mcp.Description("Snapshot id, 0 merges all."),
			mcp.DefaultNumber(0),
		),
	)

	compareTool := mcp.NewTool("compare_snapshots",
		mcp.WithDescription("Compare two snapshots of one report and list the process/state groups whose thread count grew, such as threads piling up behind a lock."),
		mcp.WithString("dump_uri",
			mcp.Description(dumpURIDescription),
			mcp.Required(),
		),
		mcp.WithNumber("from_snapshot",
			mcp.Description("Older snapshot id."),
			mcp.DefaultNumber(2),
		),
		mcp.WithNumber("to_snapshot",
			mcp.Description("Newer snapshot id."),
			mcp.DefaultNumber(1),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Minimum growth ratio to report (0.1 = 10%)."),
			mcp.DefaultNumber(0.1),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of groups to list."),
			mcp.DefaultNumber(float64(a.cfg.Analyzer.TopN)),
		),
		mcp.WithString("output_format",
			mcp.Description("Output format."),
			mcp.DefaultString(analyzer.FormatText),
			mcp.Enum(analyzer.FormatText, analyzer.FormatJSON),
		),
	)

	openInteractiveTool := mcp.NewTool("open_interactive_pprof",
		mcp.WithDescription("macOS only: start the 'go tool pprof' web UI in the background on the thread stacks of a dump. Returns the PID for 'disconnect_pprof_session'."),
		mcp.WithString("dump_uri",
			mcp.Description(dumpURIDescription),
			mcp.Required(),
		),
		mcp.WithString("http_address",
			mcp.Description("Listen address of the web UI (for example ':8081'). Defaults to ':8081'."),
		),
		mcp.WithNumber("snapshot",
			mcp.Description("Snapshot id, 0 merges all."),
			mcp.DefaultNumber(0),
		),
	)

	disconnectTool := mcp.NewTool("disconnect_pprof_session",
		mcp.WithDescription("Stop a background pprof process started by 'open_interactive_pprof'."),
		mcp.WithNumber("pid",
			mcp.Description("PID returned by 'open_interactive_pprof'."),
			mcp.Required(),
		),
	)

	mcpServer.AddTool(analyzeTool, a.handleAnalyzeThreadDump)
	mcpServer.AddTool(analyzeManyTool, a.handleAnalyzeThreadDumps)
	mcpServer.AddTool(summaryTool, a.handleThreadStateSummary)
	mcpServer.AddTool(flamegraphTool, a.handleGenerateFlamegraph)
	mcpServer.AddTool(compareTool, a.handleCompareSnapshots)
	mcpServer.AddTool(openInteractiveTool, a.handleOpenInteractivePprof)
	mcpServer.AddTool(disconnectTool, a.handleDisconnectPprofSession)

	return mcpServer
}

// serve runs the MCP server on stdio until the client disconnects.
func (a *app) serve() error {
	a.setupSignalHandler()
	defer a.sessions.stopAll()

	a.logger.Info("starting MCP server via stdio", "name", serverName, "version", serverVersion)
	if err := server.ServeStdio(a.newMCPServer()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
