package analyzer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/pprof/profile"
)

// stackGroup holds the threads sharing one call stack.
type stackGroup struct {
	Stack   []string
	Threads []string
	Count   int64
}

// AnalyzeThreadProfile groups the threads of a profile built by ToProfile by identical stack
// and reports the topN largest groups together with the thread state distribution.
func AnalyzeThreadProfile(p *profile.Profile, topN int, format string) (string, error) {
	// --- 1. Check the sample type ---
	if len(p.SampleType) == 0 {
		return "", fmt.Errorf("thread profile has no sample types")
	}
	valueType := p.SampleType[0].Type
	valueUnit := p.SampleType[0].Unit

	// --- 2. Aggregate threads by stack ---
	groups := make(map[string]*stackGroup)
	states := make(map[string]int64)
	var total int64

	for _, s := range p.Sample {
		if len(s.Value) == 0 {
			continue
		}
		count := s.Value[0]
		total += count
		for _, state := range s.Label[LabelState] {
			states[state] += count
		}

		var key strings.Builder
		var formatted []string
		for _, loc := range s.Location {
			if len(loc.Line) == 0 || loc.Line[0].Function == nil {
				continue
			}
			line := loc.Line[0]
			fn := line.Function
			if fn.Filename != "" && line.Line > 0 {
				formatted = append(formatted, fmt.Sprintf("%s\n\t%s:%d", fn.Name, fn.Filename, line.Line))
			} else if fn.Filename != "" {
				formatted = append(formatted, fmt.Sprintf("%s\n\t%s", fn.Name, fn.Filename))
			} else {
				formatted = append(formatted, fn.Name)
			}
			fmt.Fprintf(&key, "%s;%s;%d|", fn.Name, fn.Filename, line.Line)
		}

		// Threads without frames still count, grouped under an empty stack.
		k := key.String()
		g, ok := groups[k]
		if !ok {
			g = &stackGroup{Stack: formatted}
			groups[k] = g
		}
		g.Count += count
		g.Threads = append(g.Threads, sampleThreadName(s))
	}

	// --- 3. Sort groups by size ---
	stats := make([]*stackGroup, 0, len(groups))
	for _, g := range groups {
		stats = append(stats, g)
	}
	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return strings.Join(stats[i].Stack, "|") < strings.Join(stats[j].Stack, "|")
	})
	limit := min(topN, len(stats))
	if limit < 0 {
		limit = 0
	}

	// --- 4. Format ---
	var b strings.Builder
	switch format {
	case FormatText, FormatMarkdown:
		if format == FormatMarkdown {
			b.WriteString("```text\n")
		}
		fmt.Fprintf(&b, "Thread Stack Analysis (Top %d Stacks by Count)\n", topN)
		fmt.Fprintf(&b, "Total Threads (%s/%s): %d\n", valueType, valueUnit, total)
		b.WriteString("States:")
		for _, state := range sortedKeys(states) {
			fmt.Fprintf(&b, " %s=%d", state, states[state])
		}
		b.WriteString("\n--------------------------------------------------\n")
		for _, stat := range stats[:limit] {
			fmt.Fprintf(&b, "\n%d threads with stack: %s\n", stat.Count, strings.Join(stat.Threads, ", "))
			for _, line := range stat.Stack {
				fmt.Fprintf(&b, "  %s\n", line)
			}
			b.WriteString("--------------------------------------------------\n")
		}
		if format == FormatMarkdown {
			b.WriteString("```\n")
		}
		return b.String(), nil

	case FormatJSON:
		result := ThreadAnalysisResult{
			ProfileType:  "threads",
			TotalThreads: total,
			States:       states,
			TopN:         limit,
			Stacks:       make([]ThreadStackInfo, 0, limit),
		}
		for _, stat := range stats[:limit] {
			result.Stacks = append(result.Stacks, ThreadStackInfo{
				Count:      stat.Count,
				Threads:    stat.Threads,
				StackTrace: stat.Stack,
			})
		}
		jsonBytes, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			errJSON, _ := json.Marshal(ErrorResult{Error: fmt.Sprintf("Failed to marshal result to JSON: %v", err), TopN: topN})
			return string(errJSON), nil
		}
		return string(jsonBytes), nil

	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
}

func sampleThreadName(s *profile.Sample) string {
	name := strings.Join(s.Label[LabelThread], ",")
	if procs := s.Label[LabelProcess]; len(procs) > 0 {
		name = procs[0] + "/" + name
	}
	return name
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
