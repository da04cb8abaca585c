package analyzer_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/analyzer"
)

func TestFormatFindings(t *testing.T) {
	snap := scanSample(t)
	findings := analyzer.New(nil).Analyze(snap, nil)
	findings = append(findings, deadlocks(analyzer.New(nil).Analyze(waitChain(2, 1), nil))...)
	require.NotEmpty(t, findings)

	t.Run("Text", func(t *testing.T) {
		out, err := analyzer.FormatFindings("traces.txt", findings, analyzer.FormatText)
		require.NoError(t, err)
		assert.Contains(t, out, "Thread Dump Analysis: traces.txt")
		assert.Contains(t, out, "deadlock: 1")
		assert.Contains(t, out, "(Indirect) Main thread violation")
		assert.Contains(t, out, "[violation] at org.apache.http.impl.client.AbstractHttpClient.execute")
	})

	t.Run("Markdown", func(t *testing.T) {
		out, err := analyzer.FormatFindings("traces.txt", findings, analyzer.FormatMarkdown)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "# Thread Dump Analysis"))
		assert.Contains(t, out, "| 1 |")
		assert.Contains(t, out, "```text")
	})

	t.Run("JSON", func(t *testing.T) {
		out, err := analyzer.FormatFindings("traces.txt", findings, analyzer.FormatJSON)
		require.NoError(t, err)
		var result analyzer.FindingsResult
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, len(findings), result.TotalFindings)
		assert.Equal(t, 1, result.ByCategory[string(analyzer.CategoryDeadlock)])
		assert.Equal(t, "traces.txt", result.Source)
	})

	t.Run("SARIF", func(t *testing.T) {
		out, err := analyzer.FormatFindings("traces.txt", findings, analyzer.FormatSARIF)
		require.NoError(t, err)
		var doc struct {
			Version string `json:"version"`
			Runs    []struct {
				Tool struct {
					Driver struct {
						Name  string `json:"name"`
						Rules []struct {
							ID string `json:"id"`
						} `json:"rules"`
					} `json:"driver"`
				} `json:"tool"`
				Results []struct {
					RuleID string `json:"ruleId"`
					Level  string `json:"level"`
				} `json:"results"`
			} `json:"runs"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &doc))
		assert.Equal(t, "2.1.0", doc.Version)
		require.Len(t, doc.Runs, 1)
		assert.Len(t, doc.Runs[0].Results, len(findings))
		assert.Len(t, doc.Runs[0].Tool.Driver.Rules, 3)
		for _, r := range doc.Runs[0].Results {
			if r.RuleID == string(analyzer.CategoryDeadlock) {
				assert.Equal(t, "error", r.Level)
			}
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := analyzer.FormatFindings("traces.txt", findings, "html")
		assert.Error(t, err)
	})
}

func TestFormatNoFindings(t *testing.T) {
	out, err := analyzer.FormatFindings("empty.txt", nil, analyzer.FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, out, `"findings": []`)

	out, err = analyzer.FormatFindings("empty.txt", nil, analyzer.FormatMarkdown)
	require.NoError(t, err)
	assert.Contains(t, out, "No findings.")
}

func TestFormatMany(t *testing.T) {
	sources := []analyzer.SourceFindings{
		{Source: "a.txt", Findings: analyzer.New(nil).Analyze(scanSample(t), nil)},
		{Source: "b.txt", Findings: analyzer.New(nil).Analyze(waitChain(2, 1), nil)},
		{Source: "c.txt"},
	}

	out, err := analyzer.FormatMany(sources, analyzer.FormatText)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "Thread Dump Analysis: "))

	out, err = analyzer.FormatMany(sources, analyzer.FormatJSON)
	require.NoError(t, err)
	var results []analyzer.FindingsResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 3)
	assert.Equal(t, "b.txt", results[1].Source)
	assert.Equal(t, 1, results[1].ByCategory[string(analyzer.CategoryDeadlock)])
	assert.Zero(t, results[2].TotalFindings)

	out, err = analyzer.FormatMany(sources, analyzer.FormatSARIF)
	require.NoError(t, err)
	var doc struct {
		Runs []json.RawMessage `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Len(t, doc.Runs, 3)

	_, err = analyzer.FormatMany(sources, "xml")
	assert.Error(t, err)
}
