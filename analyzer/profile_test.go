package analyzer_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZephyrDeng/vmtrace-analyzer-mcp/analyzer"
)

func TestToProfile(t *testing.T) {
	snap := scanSample(t)
	analyzer.New(nil).Analyze(snap, nil)
	p := analyzer.ToProfile(snap)

	require.NoError(t, p.CheckValid())
	require.Len(t, p.Sample, snap.StackCount(), "one sample per thread")

	main := p.Sample[0]
	assert.Equal(t, []int64{1}, main.Value)
	assert.Equal(t, []string{"main"}, main.Label[analyzer.LabelThread])
	assert.Equal(t, []string{"com.example.mail"}, main.Label[analyzer.LabelProcess])
	assert.Equal(t, []string{"MONITOR"}, main.Label[analyzer.LabelState])
	assert.Equal(t, []string{"busy"}, main.Label[analyzer.LabelStyle])
	assert.Equal(t, []int64{4242}, main.NumLabel["pid"])

	// Lock notes are dropped, the innermost frame comes first.
	require.Len(t, main.Location, 6)
	assert.Equal(t, "com.example.mail.Inbox.refresh", main.Location[0].Line[0].Function.Name)
	assert.Equal(t, int64(88), main.Location[0].Line[0].Line)
	assert.Equal(t, "dalvik.system.NativeStart.main", main.Location[5].Line[0].Function.Name)

	binder := p.Sample[3]
	assert.Equal(t, uint64(0x1b0c8), binder.Location[0].Address)
	assert.Equal(t, "__ioctl", binder.Location[0].Line[0].Function.Name)

	// Functions are shared between threads.
	names := make(map[string]int)
	for _, fn := range p.Function {
		names[fn.Name+"|"+fn.Filename]++
	}
	for k, n := range names {
		assert.Equal(t, 1, n, k)
	}

	var buf bytes.Buffer
	require.NoError(t, p.Write(&buf))
	parsed, err := profile.Parse(&buf)
	require.NoError(t, err)
	assert.Len(t, parsed.Sample, snap.StackCount())
}

func TestAnalyzeThreadProfile(t *testing.T) {
	snap := waitChain(0, 0, 0)
	p := analyzer.ToProfile(snap)

	t.Run("Text", func(t *testing.T) {
		out, err := analyzer.AnalyzeThreadProfile(p, 5, analyzer.FormatText)
		require.NoError(t, err)
		assert.Contains(t, out, "Total Threads (threads/count): 3")
		assert.Contains(t, out, "States: Blocked=3")
		assert.Contains(t, out, "com.example.Worker.run")
	})

	t.Run("JSON", func(t *testing.T) {
		out, err := analyzer.AnalyzeThreadProfile(p, 1, analyzer.FormatJSON)
		require.NoError(t, err)
		var result analyzer.ThreadAnalysisResult
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.Equal(t, int64(3), result.TotalThreads)
		assert.Equal(t, 1, result.TopN)
		require.Len(t, result.Stacks, 1)
		// Each worker stops at a different line, so no two stacks are identical.
		assert.Equal(t, int64(1), result.Stacks[0].Count)
	})

	t.Run("IdenticalStacksGroup", func(t *testing.T) {
		sample := scanSample(t)
		p := analyzer.ToProfile(sample)
		p.Sample = append(p.Sample, p.Sample[2], p.Sample[2])
		out, err := analyzer.AnalyzeThreadProfile(p, 1, analyzer.FormatJSON)
		require.NoError(t, err)
		var result analyzer.ThreadAnalysisResult
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		require.Len(t, result.Stacks, 1)
		assert.Equal(t, int64(3), result.Stacks[0].Count)
		assert.Len(t, result.Stacks[0].Threads, 3)
	})

	t.Run("UnsupportedFormat", func(t *testing.T) {
		_, err := analyzer.AnalyzeThreadProfile(p, 5, "xml")
		assert.Error(t, err)
	})

	t.Run("NoSampleTypes", func(t *testing.T) {
		_, err := analyzer.AnalyzeThreadProfile(&profile.Profile{}, 5, analyzer.FormatText)
		assert.Error(t, err)
	})
}

func TestBuildFlameGraphTree(t *testing.T) {
	testProfile := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "threads", Unit: "count"},
		},
		Sample: []*profile.Sample{
			{
				Location: []*profile.Location{
					{ID: 1, Line: []profile.Line{{Function: &profile.Function{ID: 1, Name: "wait"}}}},
					{ID: 2, Line: []profile.Line{{Function: &profile.Function{ID: 2, Name: "Worker.run"}}}},
					{ID: 3, Line: []profile.Line{{Function: &profile.Function{ID: 3, Name: "Thread.run"}}}},
				},
				Value: []int64{2},
				Label: map[string][]string{analyzer.LabelProcess: {"app"}},
			},
			{
				Location: []*profile.Location{
					{ID: 4, Line: []profile.Line{{Function: &profile.Function{ID: 4, Name: "poll"}}}},
					{ID: 3, Line: []profile.Line{{Function: &profile.Function{ID: 3, Name: "Thread.run"}}}},
				},
				Value: []int64{1},
				Label: map[string][]string{analyzer.LabelProcess: {"app"}},
			},
		},
	}

	t.Run("Plain", func(t *testing.T) {
		root, err := analyzer.BuildFlameGraphTree(testProfile, 0, "")
		require.NoError(t, err)
		assert.Equal(t, "root", root.Name)
		assert.Equal(t, int64(3), root.Value)
		require.Len(t, root.Children, 1)

		entry := root.Children[0]
		assert.Equal(t, "Thread.run", entry.Name)
		assert.Equal(t, int64(3), entry.Value)
		require.Len(t, entry.Children, 2)
		assert.Equal(t, "Worker.run", entry.Children[0].Name, "children are sorted by value")
		assert.Equal(t, int64(2), entry.Children[0].Value)
	})

	t.Run("GroupedByProcess", func(t *testing.T) {
		root, err := analyzer.BuildFlameGraphTree(testProfile, 0, analyzer.LabelProcess)
		require.NoError(t, err)
		require.Len(t, root.Children, 1)
		assert.Equal(t, "app", root.Children[0].Name)
		assert.Equal(t, "Thread.run", root.Children[0].Children[0].Name)
	})

	t.Run("InvalidValueIndex", func(t *testing.T) {
		_, err := analyzer.BuildFlameGraphTree(testProfile, 5, "")
		assert.Error(t, err)
	})

	t.Run("Snapshot", func(t *testing.T) {
		root, err := analyzer.SnapshotFlameGraph(scanSample(t))
		require.NoError(t, err)
		assert.Equal(t, int64(4), root.Value)
		require.Len(t, root.Children, 1)
		assert.Equal(t, "com.example.mail", root.Children[0].Name)

		jsonBytes, err := json.Marshal(root)
		require.NoError(t, err)
		assert.Contains(t, string(jsonBytes), `"name":"dalvik.system.NativeStart.run"`)
	})
}
