package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/hashicorp/go-hclog"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/analyzer"
	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/config"
)

// Two threads of one process wait on each other.
const deadlockTrace = `
----- pid 700 at 2024-05-02 08:15:00 -----
Cmd line: com.example.deadlock

DALVIK THREADS:
"main" prio=5 tid=1 MONITOR
  | sysTid=700
  at com.example.A.first(A.java:10)
  - waiting to lock <0x1000> (a java.lang.Object) held by tid=9 (Worker)
  at android.os.Looper.loop(Looper.java:137)

"Worker" prio=5 tid=9 MONITOR
  | sysTid=709
  at com.example.B.second(B.java:20)
  - waiting to lock <0x2000> (a java.lang.Object) held by tid=1 (main)
  at java.lang.Thread.run(Thread.java:856)

----- end 700 -----
`

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.HTTPClient.RetryCount = 2
	cfg.HTTPClient.RetryWaitTime = time.Millisecond
	cfg.HTTPClient.RetryMaxWaitTime = 2 * time.Millisecond
	return newApp(cfg, hclog.NewNullLogger())
}

func writeDump(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traces.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func callRequest(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult, i int) string {
	t.Helper()
	require.Greater(t, len(res.Content), i)
	text, ok := res.Content[i].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestGetDumpAsFile(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	t.Run("LocalPath", func(t *testing.T) {
		path, cleanup, err := a.getDumpAsFile(ctx, "traces.txt")
		require.NoError(t, err)
		defer cleanup()
		assert.True(t, filepath.IsAbs(path))
	})

	t.Run("FileURI", func(t *testing.T) {
		path, _, err := a.getDumpAsFile(ctx, "file:///data/anr/traces.txt")
		require.NoError(t, err)
		assert.Equal(t, "/data/anr/traces.txt", path)
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		_, _, err := a.getDumpAsFile(ctx, "ftp://example.com/traces.txt")
		assert.ErrorContains(t, err, "unsupported URI scheme")
	})

	t.Run("Download", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(deadlockTrace))
		}))
		defer srv.Close()

		path, cleanup, err := a.getDumpAsFile(ctx, srv.URL+"/traces.txt")
		require.NoError(t, err)
		body, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, deadlockTrace, string(body))
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "server errors are retried")

		cleanup()
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("NotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, _, err := a.getDumpAsFile(ctx, srv.URL)
		assert.ErrorContains(t, err, "status code 404")
	})
}

func TestHandleAnalyzeThreadDump(t *testing.T) {
	a := testApp(t)
	path := writeDump(t, deadlockTrace)

	res, err := a.handleAnalyzeThreadDump(context.Background(), callRequest(map[string]interface{}{
		"dump_uri":      path,
		"output_format": analyzer.FormatJSON,
	}))
	require.NoError(t, err)

	var result analyzer.FindingsResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res, 0)), &result))
	assert.Equal(t, path, result.Source)
	assert.Equal(t, 1, result.ByCategory[string(analyzer.CategoryDeadlock)])
	assert.Equal(t, "Deadlock in process(es) com.example.deadlock", result.Findings[0].Title)

	t.Run("MissingURI", func(t *testing.T) {
		_, err := a.handleAnalyzeThreadDump(context.Background(), callRequest(map[string]interface{}{}))
		assert.Error(t, err)
	})

	t.Run("NoDump", func(t *testing.T) {
		_, err := a.handleAnalyzeThreadDump(context.Background(), callRequest(map[string]interface{}{
			"dump_uri": writeDump(t, "just some log\n"),
		}))
		assert.ErrorContains(t, err, "no thread dump found")
	})
}

func TestHandleAnalyzeThreadDumps(t *testing.T) {
	a := testApp(t)
	good := writeDump(t, deadlockTrace)
	missing := filepath.Join(t.TempDir(), "missing.txt")

	res, err := a.handleAnalyzeThreadDumps(context.Background(), callRequest(map[string]interface{}{
		"dump_uris":     good + ", " + good + "," + missing,
		"output_format": analyzer.FormatText,
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(resultText(t, res, 0), "Thread Dump Analysis: "))
	assert.Contains(t, resultText(t, res, 1), "missing.txt")

	_, err = a.handleAnalyzeThreadDumps(context.Background(), callRequest(map[string]interface{}{
		"dump_uris": missing,
	}))
	assert.Error(t, err, "nothing to report")
}

func TestHandleThreadStateSummary(t *testing.T) {
	a := testApp(t)
	res, err := a.handleThreadStateSummary(context.Background(), callRequest(map[string]interface{}{
		"dump_uri": writeDump(t, deadlockTrace),
		"top_n":    float64(1),
	}))
	require.NoError(t, err)
	out := resultText(t, res, 0)
	assert.Contains(t, out, "Total Threads (threads/count): 2")
	assert.Contains(t, out, "MONITOR=2")

	_, err = a.handleThreadStateSummary(context.Background(), callRequest(map[string]interface{}{
		"dump_uri": writeDump(t, deadlockTrace),
		"snapshot": float64(1),
	}))
	assert.ErrorContains(t, err, "snapshot 1 not found")
}

func TestHandleCompareSnapshots(t *testing.T) {
	a := testApp(t)
	uri := writeDump(t, deadlockTrace)

	res, err := a.handleCompareSnapshots(context.Background(), callRequest(map[string]interface{}{
		"dump_uri":      uri,
		"to_snapshot":   float64(2),
		"output_format": "json",
	}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, res, 0), "a snapshot does not grow against itself")

	res, err = a.handleCompareSnapshots(context.Background(), callRequest(map[string]interface{}{
		"dump_uri":    uri,
		"to_snapshot": float64(2),
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res, 0), "No significant thread growth")

	_, err = a.handleCompareSnapshots(context.Background(), callRequest(map[string]interface{}{
		"dump_uri": uri,
	}))
	assert.ErrorContains(t, err, "snapshot 1 not found")
}

func TestHandleGenerateFlamegraphJSON(t *testing.T) {
	a := testApp(t)
	res, err := a.handleGenerateFlamegraph(context.Background(), callRequest(map[string]interface{}{
		"dump_uri":      writeDump(t, deadlockTrace),
		"output_format": "json",
	}))
	require.NoError(t, err)

	var root analyzer.FlameGraphNode
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res, 0)), &root))
	assert.Equal(t, int64(2), root.Value)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "com.example.deadlock", root.Children[0].Name)

	_, err = a.handleGenerateFlamegraph(context.Background(), callRequest(map[string]interface{}{
		"dump_uri": writeDump(t, deadlockTrace),
	}))
	assert.ErrorContains(t, err, "output_svg_path")
}

func TestHandleDisconnectUnknownSession(t *testing.T) {
	a := testApp(t)
	_, err := a.handleDisconnectPprofSession(context.Background(), callRequest(map[string]interface{}{
		"pid": float64(424242),
	}))
	assert.ErrorContains(t, err, "no running pprof session")

	_, err = a.handleDisconnectPprofSession(context.Background(), callRequest(map[string]interface{}{}))
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	t.Setenv("VMTRACE_LOG_LEVEL", "error")
	path := writeDump(t, deadlockTrace)

	t.Run("Analyze", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"analyze", "--format", "markdown", path})
		require.NoError(t, cmd.ExecuteContext(context.Background()))
		assert.Contains(t, out.String(), "# Thread Dump Analysis")
		assert.Contains(t, out.String(), "Deadlock in process(es) com.example.deadlock")
	})

	t.Run("ExportPprof", func(t *testing.T) {
		output := filepath.Join(t.TempDir(), "threads.pb.gz")
		cmd := newRootCmd()
		cmd.SetArgs([]string{"export-pprof", "-o", output, path})
		require.NoError(t, cmd.ExecuteContext(context.Background()))

		f, err := os.Open(output)
		require.NoError(t, err)
		defer f.Close()
		p, err := profile.Parse(f)
		require.NoError(t, err)
		assert.Len(t, p.Sample, 2)
	})

	t.Run("BadConfig", func(t *testing.T) {
		cmd := newRootCmd()
		cmd.SetArgs([]string{"analyze", "--config", filepath.Join(t.TempDir(), "none.yml"), path})
		assert.Error(t, cmd.ExecuteContext(context.Background()))
	})
}
