package bugreport

import (
	"io"
	"regexp"
)

// Lines a raw VM traces file is made of.
var tracePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^----- pid [0-9]+ at .* -----$`),
	regexp.MustCompile(`^----- end [0-9]+ -----$`),
	regexp.MustCompile(`^Cmd line: .*$`),
	regexp.MustCompile(`^".*" sysTid=[0-9]+$`),
	regexp.MustCompile(`^  #[0-9]+  pc [0-9a-f]+  .*$`),
	regexp.MustCompile(`^DALVIK THREADS:$`),
	regexp.MustCompile(`^".*" prio=.* tid=.* .*$`),
	regexp.MustCompile(`^  \| .*$`),
	regexp.MustCompile(`^  at .*$`),
}

// Detect reports whether lines look like a bare VM traces file rather than a full bug report,
// and how confident that guess is (0-99). More than five lines and more than three quarters of
// the non-empty lines must look like trace output.
func Detect(lines []string) (bool, int) {
	ok, count := 0, 0
	for _, line := range lines {
		if line == "" {
			continue
		}
		count++
		for _, p := range tracePatterns {
			if p.MatchString(line) {
				ok++
				break
			}
		}
	}
	if ok > 5 && float64(ok) > float64(count)*0.75 {
		return true, ok * 99 / count
	}
	return false, 0
}

// FromTrace wraps a bare traces file as a report with a single "VM TRACES AT LAST ANR" section.
func FromTrace(lines []string) *Report {
	r := NewReport()
	r.AddSection(VMTracesAtLastANR, lines)
	return r
}

// Load reads either a full bug report or a bare traces file.
func Load(rd io.Reader) (*Report, error) {
	lines, err := ReadLines(rd)
	if err != nil {
		return nil, err
	}
	if ok, _ := Detect(lines); ok {
		return FromTrace(lines), nil
	}
	return Split(lines), nil
}
