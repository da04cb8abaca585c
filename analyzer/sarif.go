package analyzer

import (
	"fmt"
	"io"

	"github.com/owenrumney/go-sarif/v2/sarif"
)

const toolName = "vmtrace-analyzer"

var ruleDescriptions = map[Category]string{
	CategoryDeadlock:      "Threads wait on each other in a cycle of monitor waits and binder calls.",
	CategoryMainViolation: "A blocking API is called on the main thread.",
	CategoryBusy:          "The thread is executing code instead of waiting for work.",
}

func toSarifLevel(c Category) string {
	switch c {
	case CategoryDeadlock:
		return "error"
	case CategoryMainViolation:
		return "warning"
	default:
		return "note"
	}
}

// WriteSARIF writes findings as a SARIF 2.1.0 report with one rule per category. Results point
// at the dump file and at the innermost source location of the first involved thread.
func WriteSARIF(w io.Writer, source string, findings []Finding) error {
	return writeSARIF(w, []SourceFindings{{Source: source, Findings: findings}})
}

func writeSARIF(w io.Writer, sources []SourceFindings) error {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return fmt.Errorf("failed to create SARIF report: %w", err)
	}
	for _, src := range sources {
		report.AddRun(sarifRun(src.Source, src.Findings))
	}
	return report.PrettyWrite(w)
}

func sarifRun(source string, findings []Finding) *sarif.Run {
	run := sarif.NewRunWithInformationURI(toolName, "https://github.com/ZephyrDeng/vmtrace-analyzer-mcp")
	for _, f := range findings {
		rule := run.AddRule(string(f.Category)).
			WithDescription(ruleDescriptions[f.Category]).
			WithDefaultConfiguration(&sarif.ReportingConfiguration{
				Level: toSarifLevel(f.Category),
			})

		locations := []*sarif.Location{
			sarif.NewLocation().WithPhysicalLocation(
				sarif.NewPhysicalLocation().
					WithArtifactLocation(sarif.NewArtifactLocation().WithUri(source)),
			),
		}
		if file, line, ok := sourceLocation(f); ok {
			locations = append(locations, sarif.NewLocation().WithPhysicalLocation(
				sarif.NewPhysicalLocation().
					WithArtifactLocation(sarif.NewArtifactLocation().WithUri(file)).
					WithRegion(sarif.NewRegion().WithStartLine(line)),
			))
		}

		result := sarif.NewRuleResult(rule.ID).
			WithMessage(sarif.NewTextMessage(f.Title + "\n" + f.Detail)).
			WithLevel(toSarifLevel(f.Category)).
			WithLocations(locations)
		result.PropertyBag = *sarif.NewPropertyBag()
		result.Add("findingId", f.ID)
		result.Add("priority", fmt.Sprint(f.Priority))
		result.Add("snapshot", f.Snapshot)
		run.AddResult(result)
	}
	return run
}

// sourceLocation returns the innermost source position of the first entry.
func sourceLocation(f Finding) (string, int, bool) {
	if len(f.Entries) == 0 || f.Entries[0].SourceFile == "" {
		return "", 0, false
	}
	return f.Entries[0].SourceFile, f.Entries[0].SourceLine, true
}
