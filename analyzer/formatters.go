package analyzer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Supported output formats.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatSARIF    = "sarif"
)

// FormatFindings renders findings for source (the dump they came from) in the given format.
func FormatFindings(source string, findings []Finding, format string) (string, error) {
	switch format {
	case FormatText:
		return formatText(source, findings), nil
	case FormatMarkdown:
		return formatMarkdown(source, findings), nil
	case FormatJSON:
		return formatJSON(source, findings), nil
	case FormatSARIF:
		var buf bytes.Buffer
		if err := WriteSARIF(&buf, source, findings); err != nil {
			return "", fmt.Errorf("failed to build SARIF report: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
}

// SourceFindings are the findings of one analyzed dump.
type SourceFindings struct {
	Source   string
	Findings []Finding
}

// FormatMany renders the findings of several dumps as one document. JSON output is an array with
// one element per dump; SARIF output has one run per dump.
func FormatMany(sources []SourceFindings, format string) (string, error) {
	switch format {
	case FormatText, FormatMarkdown:
		parts := make([]string, 0, len(sources))
		for _, src := range sources {
			out, err := FormatFindings(src.Source, src.Findings, format)
			if err != nil {
				return "", err
			}
			parts = append(parts, out)
		}
		return strings.Join(parts, "\n"), nil
	case FormatJSON:
		results := make([]FindingsResult, 0, len(sources))
		for _, src := range sources {
			results = append(results, findingsResult(src.Source, src.Findings))
		}
		jsonBytes, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal results to JSON: %w", err)
		}
		return string(jsonBytes), nil
	case FormatSARIF:
		var buf bytes.Buffer
		if err := writeSARIF(&buf, sources); err != nil {
			return "", fmt.Errorf("failed to build SARIF report: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
}

func countByCategory(findings []Finding) map[string]int {
	ret := make(map[string]int)
	for _, f := range findings {
		ret[string(f.Category)]++
	}
	return ret
}

func formatText(source string, findings []Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thread Dump Analysis: %s\n", source)
	counts := countByCategory(findings)
	fmt.Fprintf(&b, "Findings: %d (deadlock: %d, main thread violation: %d, busy: %d)\n",
		len(findings), counts[string(CategoryDeadlock)], counts[string(CategoryMainViolation)], counts[string(CategoryBusy)])
	b.WriteString("--------------------------------------------------\n")
	for i, f := range findings {
		fmt.Fprintf(&b, "\n%d. [%s, prio %d] %s\n", i+1, f.Category, f.Priority, f.Title)
		fmt.Fprintf(&b, "   snapshot: %s", f.Snapshot)
		if f.Timestamp != nil {
			fmt.Fprintf(&b, ", at %s", f.Timestamp.Format(dumpTimeLayout))
		}
		b.WriteString("\n")
		for _, line := range strings.Split(f.Detail, "\n") {
			fmt.Fprintf(&b, "   %s\n", line)
		}
		for _, e := range f.Entries {
			fmt.Fprintf(&b, "\n   %s (tid=%d, %s):\n", e.Label(), e.Tid, e.State)
			for _, fr := range e.Frames {
				fmt.Fprintf(&b, "     %s\n", fr)
			}
		}
		b.WriteString("--------------------------------------------------\n")
	}
	return b.String()
}

func formatMarkdown(source string, findings []Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Thread Dump Analysis\n\nSource: `%s`\n\n", source)
	if len(findings) == 0 {
		b.WriteString("No findings.\n")
		return b.String()
	}
	b.WriteString("| # | Category | Priority | Title |\n|---|---|---|---|\n")
	for i, f := range findings {
		fmt.Fprintf(&b, "| %d | %s | %d | %s |\n", i+1, f.Category, f.Priority, f.Title)
	}
	for i, f := range findings {
		fmt.Fprintf(&b, "\n## %d. %s\n\n", i+1, f.Title)
		fmt.Fprintf(&b, "Snapshot: %s\n\n", f.Snapshot)
		b.WriteString(f.Detail)
		b.WriteString("\n")
		for _, e := range f.Entries {
			fmt.Fprintf(&b, "\n**%s** (tid=%d, %s, %s)\n\n```text\n", e.Label(), e.Tid, e.State, e.Role)
			for _, fr := range e.Frames {
				b.WriteString(fr)
				b.WriteString("\n")
			}
			b.WriteString("```\n")
		}
	}
	return b.String()
}

func findingsResult(source string, findings []Finding) FindingsResult {
	if findings == nil {
		findings = []Finding{}
	}
	return FindingsResult{
		Source:        source,
		TotalFindings: len(findings),
		ByCategory:    countByCategory(findings),
		Findings:      findings,
	}
}

func formatJSON(source string, findings []Finding) string {
	result := findingsResult(source, findings)
	jsonBytes, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		errJSON, _ := json.Marshal(ErrorResult{Error: fmt.Sprintf("Failed to marshal result to JSON: %v", err)})
		return string(errJSON)
	}
	return string(jsonBytes)
}
